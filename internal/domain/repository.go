package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence.
// All methods require tenantID for strict multi-tenancy isolation.
type Repository interface {
	// Pricing rule operations
	SaveRule(ctx context.Context, tenantID string, rule *PricingRule) error
	GetRule(ctx context.Context, tenantID string, ruleID string) (*PricingRule, error)
	ListRules(ctx context.Context, tenantID string) ([]*PricingRule, error)
	ListRulesByArea(ctx context.Context, tenantID string, areaID string) ([]*PricingRule, error)
	DeleteRule(ctx context.Context, tenantID string, ruleID string) error

	// Quotes
	SaveQuote(ctx context.Context, tenantID string, quote *Quote) error
	GetQuote(ctx context.Context, tenantID string, quoteID string) (*Quote, error)
	ListQuotesByRule(ctx context.Context, tenantID string, ruleID string, limit uint64) ([]*Quote, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string `mapstructure:"driver"`

	// SQLite specific
	SQLitePath string `mapstructure:"sqlitepath"`

	// PostgreSQL specific
	PostgresHost     string `mapstructure:"postgreshost"`
	PostgresPort     int    `mapstructure:"postgresport"`
	PostgresUser     string `mapstructure:"postgresuser"`
	PostgresPassword string `mapstructure:"postgrespassword"`
	PostgresDB       string `mapstructure:"postgresdb"`
	PostgresSSLMode  string `mapstructure:"postgressslmode"`

	// Connection pool settings
	MaxOpenConns    int           `mapstructure:"maxopenconns"`
	MaxIdleConns    int           `mapstructure:"maxidleconns"`
	ConnMaxLifetime time.Duration `mapstructure:"connmaxlifetime"`
}
