// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"

	"github.com/cowork-market/tariff/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

var _ domain.Repository = (*SQLRepository)(nil)

const (
	tableRules  = "pricing_rules"
	tableQuotes = "quotes"
)

// SQLRepository implements domain.Repository on sqlx.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sqlx.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (*SQLRepository, error) {
	var db *sqlx.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// newStatement creates a statement builder using the driver's placeholders.
func (r *SQLRepository) newStatement() sq.StatementBuilderType {
	if r.driver == "postgres" {
		return sq.StatementBuilder.PlaceholderFormat(sq.Dollar)
	}
	return sq.StatementBuilder.PlaceholderFormat(sq.Question)
}

type ruleRow struct {
	ID          string       `db:"id"`
	TenantID    string       `db:"tenant_id"`
	AreaID      string       `db:"area_id"`
	Name        string       `db:"name"`
	Description string       `db:"description"`
	Version     int          `db:"version"`
	Priority    int          `db:"priority"`
	AppliesWhen string       `db:"applies_when"`
	Definition  string       `db:"definition"`
	Currency    string       `db:"currency"`
	Enabled     int          `db:"enabled"`
	CreatedAt   time.Time    `db:"created_at"`
	UpdatedAt   time.Time    `db:"updated_at"`
	DeletedAt   sql.NullTime `db:"deleted_at"`
}

var ruleColumns = []string{
	"id", "tenant_id", "area_id", "name", "description", "version", "priority",
	"applies_when", "definition", "currency", "enabled", "created_at", "updated_at", "deleted_at",
}

func (row *ruleRow) toDomain() (*domain.PricingRule, error) {
	rule := &domain.PricingRule{
		ID:          row.ID,
		TenantID:    row.TenantID,
		AreaID:      row.AreaID,
		Name:        row.Name,
		Description: row.Description,
		Version:     row.Version,
		Priority:    row.Priority,
		AppliesWhen: row.AppliesWhen,
		Currency:    row.Currency,
		Enabled:     row.Enabled == 1,
		CreatedAt:   row.CreatedAt,
		UpdatedAt:   row.UpdatedAt,
	}
	if err := json.Unmarshal([]byte(row.Definition), &rule.Definition); err != nil {
		return nil, fmt.Errorf("failed to parse definition of rule %s: %w", row.ID, err)
	}
	return rule, nil
}

// SaveRule inserts a rule or updates it in place. Updating bumps the stored
// version, and a soft-deleted rule is restored. rule.Version is set from the
// stored row.
func (r *SQLRepository) SaveRule(ctx context.Context, tenantID string, rule *domain.PricingRule) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if rule.ID == "" {
		return fmt.Errorf("%w: rule id is required", ErrInvalidInput)
	}

	definition, err := json.Marshal(rule.Definition)
	if err != nil {
		return fmt.Errorf("failed to encode definition: %w", err)
	}

	enabled := 0
	if rule.Enabled {
		enabled = 1
	}
	currency := rule.Currency
	if currency == "" {
		currency = domain.DefaultCurrency
	}

	now := time.Now().UTC()

	query, args, err := r.newStatement().
		Insert(tableRules).
		Columns(
			"id", "tenant_id", "area_id", "name", "description", "version", "priority",
			"applies_when", "definition", "currency", "enabled", "created_at", "updated_at",
		).
		Values(
			rule.ID, tenantID, rule.AreaID, rule.Name, rule.Description, 1, rule.Priority,
			rule.AppliesWhen, string(definition), currency, enabled, now, now,
		).
		Suffix(`ON CONFLICT(id, tenant_id) DO UPDATE SET
			area_id = excluded.area_id,
			name = excluded.name,
			description = excluded.description,
			version = ` + tableRules + `.version + 1,
			priority = excluded.priority,
			applies_when = excluded.applies_when,
			definition = excluded.definition,
			currency = excluded.currency,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at,
			deleted_at = NULL
		RETURNING version`).
		ToSql()
	if err != nil {
		return err
	}

	var version int
	if err := r.db.QueryRowxContext(ctx, query, args...).Scan(&version); err != nil {
		return err
	}

	rule.TenantID = tenantID
	rule.Currency = currency
	rule.Version = version
	if version == 1 || rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now
	return nil
}

// GetRule retrieves a rule with tenant isolation. Deleted rules are not found.
func (r *SQLRepository) GetRule(ctx context.Context, tenantID string, ruleID string) (*domain.PricingRule, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query, args, err := r.newStatement().
		Select(ruleColumns...).
		From(tableRules).
		Where(sq.Eq{"tenant_id": tenantID, "id": ruleID, "deleted_at": nil}).
		ToSql()
	if err != nil {
		return nil, err
	}

	var row ruleRow
	err = r.db.GetContext(ctx, &row, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return row.toDomain()
}

// ListRules retrieves every non-deleted rule of a tenant, enabled or not.
func (r *SQLRepository) ListRules(ctx context.Context, tenantID string) ([]*domain.PricingRule, error) {
	return r.listRules(ctx, tenantID, sq.Eq{"tenant_id": tenantID, "deleted_at": nil})
}

// ListRulesByArea retrieves the non-deleted rules of one area.
func (r *SQLRepository) ListRulesByArea(ctx context.Context, tenantID string, areaID string) ([]*domain.PricingRule, error) {
	return r.listRules(ctx, tenantID, sq.Eq{"tenant_id": tenantID, "area_id": areaID, "deleted_at": nil})
}

func (r *SQLRepository) listRules(ctx context.Context, tenantID string, where sq.Eq) ([]*domain.PricingRule, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query, args, err := r.newStatement().
		Select(ruleColumns...).
		From(tableRules).
		Where(where).
		OrderBy("area_id", "priority DESC", "id").
		ToSql()
	if err != nil {
		return nil, err
	}

	var rows []ruleRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}

	rules := make([]*domain.PricingRule, 0, len(rows))
	for i := range rows {
		rule, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// DeleteRule soft-deletes a rule.
func (r *SQLRepository) DeleteRule(ctx context.Context, tenantID string, ruleID string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	now := time.Now().UTC()
	query, args, err := r.newStatement().
		Update(tableRules).
		Set("enabled", 0).
		Set("deleted_at", now).
		Set("updated_at", now).
		Where(sq.Eq{"tenant_id": tenantID, "id": ruleID, "deleted_at": nil}).
		ToSql()
	if err != nil {
		return err
	}

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

type quoteRow struct {
	ID        string          `db:"id"`
	TenantID  string          `db:"tenant_id"`
	RuleID    string          `db:"rule_id"`
	AreaID    string          `db:"area_id"`
	Version   int             `db:"rule_version"`
	Context   string          `db:"context"`
	Price     sql.NullFloat64 `db:"price"`
	Branch    string          `db:"branch"`
	Currency  string          `db:"currency"`
	Display   string          `db:"display"`
	CreatedAt time.Time       `db:"created_at"`
}

var quoteColumns = []string{
	"id", "tenant_id", "rule_id", "area_id", "rule_version", "context",
	"price", "branch", "currency", "display", "created_at",
}

func (row *quoteRow) toDomain() (*domain.Quote, error) {
	q := &domain.Quote{
		ID:        row.ID,
		TenantID:  row.TenantID,
		RuleID:    row.RuleID,
		AreaID:    row.AreaID,
		Version:   row.Version,
		Branch:    domain.Branch(row.Branch),
		Currency:  row.Currency,
		Display:   row.Display,
		CreatedAt: row.CreatedAt,
	}
	if row.Price.Valid {
		p := row.Price.Float64
		q.Price = &p
		q.Available = true
	}
	if err := json.Unmarshal([]byte(row.Context), &q.Context); err != nil {
		return nil, fmt.Errorf("failed to parse context of quote %s: %w", row.ID, err)
	}
	return q, nil
}

// SaveQuote stores a quote with tenant isolation.
func (r *SQLRepository) SaveQuote(ctx context.Context, tenantID string, quote *domain.Quote) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if quote.ID == "" {
		return fmt.Errorf("%w: quote id is required", ErrInvalidInput)
	}

	evalCtx, err := json.Marshal(quote.Context)
	if err != nil {
		return fmt.Errorf("failed to encode context: %w", err)
	}

	var price sql.NullFloat64
	if quote.Price != nil {
		price = sql.NullFloat64{Float64: *quote.Price, Valid: true}
	}

	query, args, err := r.newStatement().
		Insert(tableQuotes).
		Columns(quoteColumns...).
		Values(
			quote.ID, tenantID, quote.RuleID, quote.AreaID, quote.Version, string(evalCtx),
			price, string(quote.Branch), quote.Currency, quote.Display, quote.CreatedAt,
		).
		ToSql()
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, query, args...)
	return err
}

// GetQuote retrieves a quote by ID with tenant isolation.
func (r *SQLRepository) GetQuote(ctx context.Context, tenantID string, quoteID string) (*domain.Quote, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query, args, err := r.newStatement().
		Select(quoteColumns...).
		From(tableQuotes).
		Where(sq.Eq{"tenant_id": tenantID, "id": quoteID}).
		ToSql()
	if err != nil {
		return nil, err
	}

	var row quoteRow
	err = r.db.GetContext(ctx, &row, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return row.toDomain()
}

// ListQuotesByRule returns the latest quotes computed with a rule, newest
// first. limit 0 means no limit.
func (r *SQLRepository) ListQuotesByRule(ctx context.Context, tenantID string, ruleID string, limit uint64) ([]*domain.Quote, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	builder := r.newStatement().
		Select(quoteColumns...).
		From(tableQuotes).
		Where(sq.Eq{"tenant_id": tenantID, "rule_id": ruleID}).
		OrderBy("created_at DESC", "id")
	if limit > 0 {
		builder = builder.Limit(limit)
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, err
	}

	var rows []quoteRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}

	quotes := make([]*domain.Quote, 0, len(rows))
	for i := range rows {
		q, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		quotes = append(quotes, q)
	}
	return quotes, nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}
