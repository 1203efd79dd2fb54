// Package config loads the Tariff configuration from defaults, an optional
// config file and TARIFF_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/viper"

	"github.com/cowork-market/tariff/internal/domain"
)

// EnvPrefix is prepended to every environment key, e.g. TARIFF_SERVER_PORT.
const EnvPrefix = "TARIFF"

// ErrInvalidConfig is returned when the loaded configuration is unusable.
var ErrInvalidConfig = errors.New("invalid configuration")

// Load reads the configuration. path may be empty, in which case only
// defaults and the environment are used. The tier key selects which preset
// the defaults come from.
func Load(path string) (*domain.Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	base := domain.DefaultConfig()
	if domain.Tier(v.GetString("tier")) == domain.TierPro {
		base = domain.ProConfig()
	}
	setDefaults(v, base)

	cfg := &domain.Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	// TARIFF_DEBUG=true is a shortcut for TARIFF_LOGGING_LEVEL=debug.
	if v.GetBool("debug") {
		cfg.Logging.Level = "debug"
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the values Load cannot default.
func Validate(cfg *domain.Config) error {
	var problems []error

	if cfg.Tier != domain.TierCommunity && cfg.Tier != domain.TierPro {
		problems = append(problems, fmt.Errorf("unknown tier %q", cfg.Tier))
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		problems = append(problems, fmt.Errorf("server port %d out of range", cfg.Server.Port))
	}
	switch cfg.Repository.Driver {
	case "sqlite", "postgres":
	default:
		problems = append(problems, fmt.Errorf("unsupported repository driver %q", cfg.Repository.Driver))
	}
	switch cfg.Cache.Type {
	case "memory", "redis":
	default:
		problems = append(problems, fmt.Errorf("unsupported cache type %q", cfg.Cache.Type))
	}
	switch cfg.EventBus.Type {
	case "channel", "nats":
	default:
		problems = append(problems, fmt.Errorf("unsupported event bus type %q", cfg.EventBus.Type))
	}
	if cfg.Pricing.QuoteCacheTTL < 0 {
		problems = append(problems, errors.New("pricing quote cache ttl must not be negative"))
	}

	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(problems...))
}

// setDefaults registers every key so that AutomaticEnv overrides reach
// Unmarshal.
func setDefaults(v *viper.Viper, cfg *domain.Config) {
	v.SetDefault("tier", string(cfg.Tier))

	v.SetDefault("server.host", cfg.Server.Host)
	v.SetDefault("server.port", cfg.Server.Port)
	v.SetDefault("server.readtimeout", cfg.Server.ReadTimeout)
	v.SetDefault("server.writetimeout", cfg.Server.WriteTimeout)
	v.SetDefault("server.alloworigins", cfg.Server.AllowOrigins)

	v.SetDefault("repository.driver", cfg.Repository.Driver)
	v.SetDefault("repository.sqlitepath", cfg.Repository.SQLitePath)
	v.SetDefault("repository.postgreshost", cfg.Repository.PostgresHost)
	v.SetDefault("repository.postgresport", cfg.Repository.PostgresPort)
	v.SetDefault("repository.postgresuser", cfg.Repository.PostgresUser)
	v.SetDefault("repository.postgrespassword", cfg.Repository.PostgresPassword)
	v.SetDefault("repository.postgresdb", cfg.Repository.PostgresDB)
	v.SetDefault("repository.postgressslmode", cfg.Repository.PostgresSSLMode)
	v.SetDefault("repository.maxopenconns", cfg.Repository.MaxOpenConns)
	v.SetDefault("repository.maxidleconns", cfg.Repository.MaxIdleConns)
	v.SetDefault("repository.connmaxlifetime", cfg.Repository.ConnMaxLifetime)

	v.SetDefault("cache.type", cfg.Cache.Type)
	v.SetDefault("cache.localmaxsize", cfg.Cache.LocalMaxSize)
	v.SetDefault("cache.localttl", cfg.Cache.LocalTTL)
	v.SetDefault("cache.redisaddr", cfg.Cache.RedisAddr)
	v.SetDefault("cache.redispassword", cfg.Cache.RedisPassword)
	v.SetDefault("cache.redisdb", cfg.Cache.RedisDB)
	v.SetDefault("cache.enabletwophase", cfg.Cache.EnableTwoPhase)

	v.SetDefault("eventbus.type", cfg.EventBus.Type)
	v.SetDefault("eventbus.channelbuffersize", cfg.EventBus.ChannelBufferSize)
	v.SetDefault("eventbus.natsurl", cfg.EventBus.NATSUrl)
	v.SetDefault("eventbus.natstoken", cfg.EventBus.NATSToken)
	v.SetDefault("eventbus.natsmaxreconnects", cfg.EventBus.NATSMaxReconnects)
	v.SetDefault("eventbus.natsreconnectwait", cfg.EventBus.NATSReconnectWait)

	v.SetDefault("pricing.quotecachettl", cfg.Pricing.QuoteCacheTTL)
	v.SetDefault("pricing.formulacachesize", cfg.Pricing.FormulaCacheSize)
	v.SetDefault("pricing.seedfile", cfg.Pricing.SeedFile)
	v.SetDefault("pricing.reloadschedule", cfg.Pricing.ReloadSchedule)
	v.SetDefault("pricing.tenants", cfg.Pricing.Tenants)
	v.SetDefault("pricing.asyncworker", cfg.Pricing.AsyncWorker)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.format", cfg.Logging.Format)

	v.SetDefault("tracing.enabled", cfg.Tracing.Enabled)
	v.SetDefault("tracing.servicename", cfg.Tracing.ServiceName)
}

// NewLogger builds the process logger from the logging settings.
func NewLogger(w io.Writer, cfg domain.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(cfg.Format) == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
