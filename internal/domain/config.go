package domain

// Config holds the complete Tariff configuration.
type Config struct {
	// Server settings
	Server ServerConfig `mapstructure:"server" json:"server"`

	// Tier determines which backing services are used
	Tier Tier `mapstructure:"tier" json:"tier"`

	// Component configurations
	Repository RepositoryConfig `mapstructure:"repository" json:"repository"`
	Cache      CacheConfig      `mapstructure:"cache" json:"cache"`
	EventBus   EventBusConfig   `mapstructure:"eventbus" json:"eventBus"`
	Pricing    PricingConfig    `mapstructure:"pricing" json:"pricing"`

	// Observability
	Logging LoggingConfig `mapstructure:"logging" json:"logging"`
	Tracing TracingConfig `mapstructure:"tracing" json:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string   `mapstructure:"host" json:"host"`
	Port         int      `mapstructure:"port" json:"port"`
	ReadTimeout  int      `mapstructure:"readtimeout" json:"readTimeout"`  // seconds
	WriteTimeout int      `mapstructure:"writetimeout" json:"writeTimeout"` // seconds
	AllowOrigins []string `mapstructure:"alloworigins" json:"allowOrigins"`
}

// PricingConfig holds pricing engine settings.
type PricingConfig struct {
	// QuoteCacheTTL is how long evaluation results are cached, in seconds. 0 disables caching.
	QuoteCacheTTL int `mapstructure:"quotecachettl" json:"quoteCacheTtl"`

	// FormulaCacheSize bounds the number of parsed formulas kept in memory.
	FormulaCacheSize int `mapstructure:"formulacachesize" json:"formulaCacheSize"`

	// SeedFile is an optional YAML rule pack imported at startup.
	SeedFile string `mapstructure:"seedfile" json:"seedFile"`

	// ReloadSchedule is a cron schedule for hot-reloading rules. Empty disables it.
	ReloadSchedule string `mapstructure:"reloadschedule" json:"reloadSchedule"`

	// Tenants whose rules are loaded at startup and on reload, besides the global tenant.
	Tenants []string `mapstructure:"tenants" json:"tenants"`

	// AsyncWorker enables the bus-driven quote worker.
	AsyncWorker bool `mapstructure:"asyncworker" json:"asyncWorker"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level" json:"level"`   // debug, info, warn, error
	Format string `mapstructure:"format" json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled" json:"enabled"`
	ServiceName string `mapstructure:"servicename" json:"serviceName"`
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity runs on SQLite, an in-process cache and channels
	TierCommunity Tier = "community"

	// TierPro runs on PostgreSQL, Redis and NATS
	TierPro Tier = "pro"
)

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
			AllowOrigins: []string{"*"},
		},
		Tier: TierCommunity,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./tariff.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Pricing: PricingConfig{
			QuoteCacheTTL:    300,
			FormulaCacheSize: 4096,
			ReloadSchedule:   "@every 1m",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "tariff",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "tariff",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Pricing.AsyncWorker = true
	cfg.Tracing.Enabled = true
	return cfg
}
