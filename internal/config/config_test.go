package config

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/cowork-market/tariff/internal/domain"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Tier != domain.TierCommunity {
		t.Errorf("expected community tier, got %s", cfg.Tier)
	}
	if cfg.Repository.Driver != "sqlite" {
		t.Errorf("expected sqlite, got %s", cfg.Repository.Driver)
	}
	if cfg.Pricing.QuoteCacheTTL != 300 {
		t.Errorf("expected quote cache ttl 300, got %d", cfg.Pricing.QuoteCacheTTL)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("expected port 8080, got %d", cfg.Server.Port)
	}
}

func TestLoadEnvironment(t *testing.T) {
	t.Setenv("TARIFF_SERVER_PORT", "9090")
	t.Setenv("TARIFF_PRICING_TENANTS", "acme,globex")
	t.Setenv("TARIFF_LOGGING_LEVEL", "debug")
	t.Setenv("TARIFF_REPOSITORY_CONNMAXLIFETIME", "90s")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("expected port 9090, got %d", cfg.Server.Port)
	}
	if !reflect.DeepEqual(cfg.Pricing.Tenants, []string{"acme", "globex"}) {
		t.Errorf("unexpected tenants: %v", cfg.Pricing.Tenants)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected debug level, got %s", cfg.Logging.Level)
	}
	if cfg.Repository.ConnMaxLifetime != 90*time.Second {
		t.Errorf("expected 90s, got %v", cfg.Repository.ConnMaxLifetime)
	}
}

func TestLoadDebugShortcut(t *testing.T) {
	t.Setenv("TARIFF_DEBUG", "true")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected debug level, got %s", cfg.Logging.Level)
	}
}

func TestLoadProTier(t *testing.T) {
	t.Setenv("TARIFF_TIER", "pro")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Repository.Driver != "postgres" {
		t.Errorf("expected postgres, got %s", cfg.Repository.Driver)
	}
	if cfg.Cache.Type != "redis" || !cfg.Cache.EnableTwoPhase {
		t.Errorf("expected two-phase redis cache, got %+v", cfg.Cache)
	}
	if cfg.EventBus.Type != "nats" {
		t.Errorf("expected nats, got %s", cfg.EventBus.Type)
	}
	if !cfg.Pricing.AsyncWorker {
		t.Error("expected async worker in pro tier")
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tariff.yaml")
	content := `
server:
  port: 7070
pricing:
  quotecachettl: 0
  seedfile: ./rules.yaml
cache:
  localttl: 2m
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Port != 7070 {
		t.Errorf("expected port 7070, got %d", cfg.Server.Port)
	}
	if cfg.Pricing.QuoteCacheTTL != 0 {
		t.Errorf("expected caching disabled, got %d", cfg.Pricing.QuoteCacheTTL)
	}
	if cfg.Pricing.SeedFile != "./rules.yaml" {
		t.Errorf("unexpected seed file %q", cfg.Pricing.SeedFile)
	}
	if cfg.Cache.LocalTTL != 2*time.Minute {
		t.Errorf("expected 2m local ttl, got %v", cfg.Cache.LocalTTL)
	}
	// Untouched keys keep their defaults.
	if cfg.Repository.Driver != "sqlite" {
		t.Errorf("expected sqlite default, got %s", cfg.Repository.Driver)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing config file")
	}
}

func TestValidate(t *testing.T) {
	cfg := domain.DefaultConfig()
	if err := Validate(cfg); err != nil {
		t.Fatalf("default config should be valid: %v", err)
	}

	cfg.Tier = "enterprise"
	cfg.Repository.Driver = "mysql"
	cfg.Server.Port = 0

	err := Validate(cfg)
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
	for _, want := range []string{"enterprise", "mysql", "port"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer

	logger := NewLogger(&buf, domain.LoggingConfig{Level: "warn", Format: "json"})
	logger.Info("hidden")
	logger.Warn("shown", "rule_id", "r1")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("info should be filtered at warn level")
	}
	if !strings.Contains(out, `"rule_id":"r1"`) {
		t.Errorf("expected json output, got %s", out)
	}

	buf.Reset()
	NewLogger(&buf, domain.LoggingConfig{Level: "debug", Format: "text"}).Debug("hello", "k", "v")
	if !strings.Contains(buf.String(), "k=v") {
		t.Errorf("expected text output, got %s", buf.String())
	}
}
