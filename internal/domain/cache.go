package domain

import (
	"context"
	"time"
)

// Cache defines the interface for caching operations.
// Supports two-phase caching: local LRU (Community) + Redis (Pro).
// All methods require tenantID for strict multi-tenancy isolation.
type Cache interface {
	// Get retrieves a value from cache.
	// Returns nil, nil if key not found.
	Get(ctx context.Context, tenantID string, key string) ([]byte, error)

	// Set stores a value in cache with expiration.
	Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error

	// Delete removes a value from cache.
	Delete(ctx context.Context, tenantID string, key string) error

	// GetResult retrieves a cached evaluation result.
	// Returns nil, nil if key not found.
	GetResult(ctx context.Context, tenantID string, key string) (*PriceRuleEvaluationResult, error)

	// SetResult caches an evaluation result.
	SetResult(ctx context.Context, tenantID string, key string, res *PriceRuleEvaluationResult, ttl time.Duration) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string `mapstructure:"type"`

	// Local LRU cache settings (Community tier)
	LocalMaxSize int           `mapstructure:"localmaxsize"`
	LocalTTL     time.Duration `mapstructure:"localttl"`

	// Redis settings (Pro tier)
	RedisAddr     string `mapstructure:"redisaddr"`
	RedisPassword string `mapstructure:"redispassword"`
	RedisDB       int    `mapstructure:"redisdb"`

	// Two-phase settings
	EnableTwoPhase bool `mapstructure:"enabletwophase"` // If true, check local first, then Redis
}
