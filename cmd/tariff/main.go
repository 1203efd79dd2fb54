// Tariff - pricing rules and quotes for coworking spaces.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/cowork-market/tariff/internal/api"
	"github.com/cowork-market/tariff/internal/bus"
	"github.com/cowork-market/tariff/internal/cache"
	"github.com/cowork-market/tariff/internal/config"
	"github.com/cowork-market/tariff/internal/domain"
	"github.com/cowork-market/tariff/internal/metrics"
	"github.com/cowork-market/tariff/internal/pricing"
	"github.com/cowork-market/tariff/internal/quoting"
	"github.com/cowork-market/tariff/internal/reloader"
	"github.com/cowork-market/tariff/internal/repository"
	"github.com/cowork-market/tariff/internal/seed"
	"github.com/cowork-market/tariff/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	configPath := pflag.StringP("config", "c", os.Getenv("TARIFF_CONFIG"), "path to a YAML config file")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	slog.SetDefault(config.NewLogger(os.Stdout, cfg.Logging))

	slog.Info("starting tariff",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
	)

	if err := run(cfg); err != nil {
		slog.Error("tariff stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *domain.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Tracing.Enabled {
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		))
		slog.Info("trace propagation enabled", "service", cfg.Tracing.ServiceName)
	}

	hostname, _ := os.Hostname()
	m := metrics.New(hostname)

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		return fmt.Errorf("failed to initialize repository: %w", err)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		return fmt.Errorf("failed to initialize cache: %w", err)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		return fmt.Errorf("failed to initialize event bus: %w", err)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Initialize Pricing Engine
	engine, err := pricing.NewEngine(cfg.Pricing.FormulaCacheSize, m)
	if err != nil {
		return fmt.Errorf("failed to initialize pricing engine: %w", err)
	}
	defer engine.Close()

	service := quoting.NewService(engine, repo, cacheImpl, busImpl, quoting.Options{
		QuoteTTL: time.Duration(cfg.Pricing.QuoteCacheTTL) * time.Second,
		Observer: m,
	})

	// Import the seed pack before loading so seeded rules are priced at once
	if cfg.Pricing.SeedFile != "" {
		rules, err := seed.LoadFile(cfg.Pricing.SeedFile)
		if err != nil {
			return fmt.Errorf("failed to load seed file: %w", err)
		}
		if _, err := seed.Apply(ctx, service, rules); err != nil {
			slog.Warn("some seeded rules were rejected", "error", err)
		}
	}

	if err := service.ReloadAll(ctx, cfg.Pricing.Tenants); err != nil {
		slog.Warn("failed to load some rules", "error", err)
	}
	if engine.RulesCount() == 0 {
		slog.Info("no rules in database - configure via POST /rules API")
	}
	slog.Info("pricing engine initialized", "rules_count", engine.RulesCount())

	// Periodic hot reload
	if cfg.Pricing.ReloadSchedule != "" {
		r, err := reloader.New(cfg.Pricing.ReloadSchedule, service, cfg.Pricing.Tenants)
		if err != nil {
			return err
		}
		r.Start()
		defer r.Stop()
	}

	// Initialize async Worker (Pro tier)
	var asyncWorker *worker.Worker
	if cfg.Pricing.AsyncWorker {
		asyncWorker = worker.NewWorker(busImpl, service, m)
		if err := asyncWorker.Start(worker.Config{TenantIDs: cfg.Pricing.Tenants}); err != nil {
			slog.Error("failed to start async worker", "error", err)
			asyncWorker = nil
		}
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, service, engine, repo, cacheImpl, busImpl, m.Handler(), Version)

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	slog.Info("tariff is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	select {
	case <-ctx.Done():
		slog.Info("received shutdown signal")
	case err := <-serverErr:
		return fmt.Errorf("server failed: %w", err)
	}

	slog.Info("shutting down...")

	// Stop async worker first
	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("tariff shutdown complete")
	return nil
}
