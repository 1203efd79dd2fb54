package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cowork-market/tariff/internal/domain"
)

func TestLRUCache(t *testing.T) {
	cache := NewLRUCache(100)
	ctx := context.Background()
	tenantID := "tenant-001"

	t.Run("SetAndGet", func(t *testing.T) {
		if err := cache.Set(ctx, tenantID, "key1", []byte("value1"), time.Minute); err != nil {
			t.Fatalf("Set failed: %v", err)
		}

		val, err := cache.Get(ctx, tenantID, "key1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if string(val) != "value1" {
			t.Errorf("expected 'value1', got '%s'", string(val))
		}
	})

	t.Run("GetMiss", func(t *testing.T) {
		val, err := cache.Get(ctx, tenantID, "nonexistent")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if val != nil {
			t.Errorf("expected nil for cache miss, got: %v", val)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		_ = cache.Set(ctx, tenantID, "key2", []byte("value2"), time.Minute)

		if err := cache.Delete(ctx, tenantID, "key2"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}

		val, _ := cache.Get(ctx, tenantID, "key2")
		if val != nil {
			t.Error("expected nil after delete")
		}
	})

	t.Run("TTLExpiration", func(t *testing.T) {
		clock := time.Now()
		c := NewLRUCache(10)
		c.now = func() time.Time { return clock }

		_ = c.Set(ctx, tenantID, "expiring", []byte("temp"), time.Second)

		if val, _ := c.Get(ctx, tenantID, "expiring"); val == nil {
			t.Error("expected value before expiration")
		}

		clock = clock.Add(2 * time.Second)

		if val, _ := c.Get(ctx, tenantID, "expiring"); val != nil {
			t.Error("expected nil after expiration")
		}
		if c.Stats().Size != 0 {
			t.Error("expired entry should be dropped")
		}
	})

	t.Run("ZeroTTLIsNoop", func(t *testing.T) {
		_ = cache.Set(ctx, tenantID, "no-ttl", []byte("v"), 0)
		if val, _ := cache.Get(ctx, tenantID, "no-ttl"); val != nil {
			t.Error("zero ttl should not store")
		}
	})

	t.Run("LRUEviction", func(t *testing.T) {
		small := NewLRUCache(3)

		_ = small.Set(ctx, tenantID, "a", []byte("1"), time.Minute)
		_ = small.Set(ctx, tenantID, "b", []byte("2"), time.Minute)
		_ = small.Set(ctx, tenantID, "c", []byte("3"), time.Minute)

		// Touch 'a' so 'b' becomes least recently used
		_, _ = small.Get(ctx, tenantID, "a")

		_ = small.Set(ctx, tenantID, "d", []byte("4"), time.Minute)

		if val, _ := small.Get(ctx, tenantID, "b"); val != nil {
			t.Error("expected 'b' to be evicted")
		}
		if val, _ := small.Get(ctx, tenantID, "a"); val == nil {
			t.Error("expected 'a' to still exist")
		}
	})

	t.Run("TenantIsolation", func(t *testing.T) {
		_ = cache.Set(ctx, "tenant-001", "shared-key", []byte("tenant1-value"), time.Minute)
		_ = cache.Set(ctx, "tenant-002", "shared-key", []byte("tenant2-value"), time.Minute)

		val1, _ := cache.Get(ctx, "tenant-001", "shared-key")
		val2, _ := cache.Get(ctx, "tenant-002", "shared-key")

		if string(val1) != "tenant1-value" {
			t.Errorf("expected 'tenant1-value', got '%s'", string(val1))
		}
		if string(val2) != "tenant2-value" {
			t.Errorf("expected 'tenant2-value', got '%s'", string(val2))
		}
	})

	t.Run("RequiresTenantID", func(t *testing.T) {
		if err := cache.Set(ctx, "", "key", []byte("value"), time.Minute); !errors.Is(err, ErrTenantRequired) {
			t.Errorf("expected ErrTenantRequired, got %v", err)
		}
		if _, err := cache.Get(ctx, "", "key"); !errors.Is(err, ErrTenantRequired) {
			t.Errorf("expected ErrTenantRequired, got %v", err)
		}
	})

	t.Run("ResultCache", func(t *testing.T) {
		price := 600.0
		priced := &domain.PriceRuleEvaluationResult{Price: &price, Branch: domain.BranchThen}
		if err := cache.SetResult(ctx, tenantID, "hourly:1:6", priced, time.Minute); err != nil {
			t.Fatalf("SetResult failed: %v", err)
		}

		got, err := cache.GetResult(ctx, tenantID, "hourly:1:6")
		if err != nil {
			t.Fatalf("GetResult failed: %v", err)
		}
		if got == nil || got.Price == nil || *got.Price != 600 || got.Branch != domain.BranchThen {
			t.Errorf("unexpected cached result: %+v", got)
		}

		// Unavailable prices stay unavailable after a round trip.
		unpriced := &domain.PriceRuleEvaluationResult{Branch: domain.BranchNoMatch}
		_ = cache.SetResult(ctx, tenantID, "hourly:1:1", unpriced, time.Minute)
		got, _ = cache.GetResult(ctx, tenantID, "hourly:1:1")
		if got == nil || got.Price != nil || got.Branch != domain.BranchNoMatch {
			t.Errorf("unexpected cached result: %+v", got)
		}

		if miss, err := cache.GetResult(ctx, tenantID, "unknown"); miss != nil || err != nil {
			t.Errorf("expected nil, nil on miss, got %+v, %v", miss, err)
		}
	})

	t.Run("Stats", func(t *testing.T) {
		c := NewLRUCache(50)
		_ = c.Set(ctx, tenantID, "k1", []byte("v1"), time.Minute)
		_ = c.Set(ctx, tenantID, "k2", []byte("v2"), time.Minute)
		_, _ = c.Get(ctx, tenantID, "k1")
		_, _ = c.Get(ctx, tenantID, "missing")

		stats := c.Stats()
		if stats.Size != 2 || stats.Capacity != 50 {
			t.Errorf("unexpected size/capacity: %+v", stats)
		}
		if stats.Hits != 1 || stats.Misses != 1 {
			t.Errorf("unexpected hits/misses: %+v", stats)
		}
	})

	t.Run("Close", func(t *testing.T) {
		c := NewLRUCache(10)
		_ = c.Set(ctx, tenantID, "k", []byte("v"), time.Minute)

		if err := c.Close(); err != nil {
			t.Errorf("Close failed: %v", err)
		}
		if val, _ := c.Get(ctx, tenantID, "k"); val != nil {
			t.Error("expected cache to be cleared after close")
		}
	})
}

func TestTwoPhaseCache(t *testing.T) {
	ctx := context.Background()
	tenantID := "tenant-001"

	local := NewLRUCache(10)
	remote := NewLRUCache(10)
	cache := newTwoPhase(local, remote, time.Minute)

	t.Run("WritesBothLayers", func(t *testing.T) {
		_ = cache.Set(ctx, tenantID, "k", []byte("v"), time.Hour)

		if val, _ := local.Get(ctx, tenantID, "k"); string(val) != "v" {
			t.Error("expected value in L1")
		}
		if val, _ := remote.Get(ctx, tenantID, "k"); string(val) != "v" {
			t.Error("expected value in L2")
		}
	})

	t.Run("PopulatesL1OnL2Hit", func(t *testing.T) {
		price := 42.0
		_ = remote.SetResult(ctx, tenantID, "shared", &domain.PriceRuleEvaluationResult{Price: &price, Branch: domain.BranchUnconditional}, time.Hour)

		got, err := cache.GetResult(ctx, tenantID, "shared")
		if err != nil || got == nil || *got.Price != 42 {
			t.Fatalf("expected L2 hit, got %+v, %v", got, err)
		}
		if r, _ := local.GetResult(ctx, tenantID, "shared"); r == nil {
			t.Error("expected L1 to be populated")
		}
	})

	t.Run("DeleteBothLayers", func(t *testing.T) {
		_ = cache.Delete(ctx, tenantID, "k")
		if val, _ := cache.Get(ctx, tenantID, "k"); val != nil {
			t.Error("expected value removed from both layers")
		}
	})

	t.Run("Ping", func(t *testing.T) {
		if err := cache.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})
}

func TestNewCache(t *testing.T) {
	t.Run("MemoryType", func(t *testing.T) {
		cache, err := New(domain.CacheConfig{Type: "memory", LocalMaxSize: 100})
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		defer cache.Close()

		if _, ok := cache.(*LRUCache); !ok {
			t.Error("expected LRUCache for memory type")
		}
	})

	t.Run("UnsupportedType", func(t *testing.T) {
		if _, err := New(domain.CacheConfig{Type: "memcached"}); err == nil {
			t.Error("expected error for unsupported cache type")
		}
	})
}

func TestRedisKey(t *testing.T) {
	if got := redisKey("tenant-001", resultKey("hourly:2")); got != "tariff:tenant-001:result:hourly:2" {
		t.Errorf("unexpected key %q", got)
	}
}
