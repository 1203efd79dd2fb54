package repository

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/cowork-market/tariff/internal/domain"
)

func newTestRepository(t *testing.T) *SQLRepository {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "tariff-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpPath) })

	repo, err := New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: tmpPath,
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func testRule(id, areaID string, priority int) *domain.PricingRule {
	elseFormula := "base"
	return &domain.PricingRule{
		ID:       id,
		AreaID:   areaID,
		Name:     "Hourly " + id,
		Priority: priority,
		Definition: domain.PriceRuleDefinition{
			Variables: []domain.VariableDefinition{{Key: "base", DefaultValue: 100}},
			Conditions: []domain.Condition{
				{Left: domain.Variable("booking_hours"), Operator: domain.OpGreater, Right: domain.Literal(4)},
			},
			Formula:     "base * booking_hours",
			ElseFormula: &elseFormula,
		},
		Enabled: true,
	}
}

func TestSQLiteRuleRepository(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	tenantID := "tenant-001"

	t.Run("Ping", func(t *testing.T) {
		if err := repo.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})

	t.Run("SaveAndGetRule", func(t *testing.T) {
		rule := testRule("hourly", "desk-1", 0)
		rule.AppliesWhen = "booking_hours < 24.0"

		if err := repo.SaveRule(ctx, tenantID, rule); err != nil {
			t.Fatalf("SaveRule failed: %v", err)
		}
		if rule.Version != 1 {
			t.Errorf("expected version 1, got %d", rule.Version)
		}
		if rule.Currency != domain.DefaultCurrency {
			t.Errorf("expected default currency, got %q", rule.Currency)
		}

		retrieved, err := repo.GetRule(ctx, tenantID, "hourly")
		if err != nil {
			t.Fatalf("GetRule failed: %v", err)
		}
		if retrieved.TenantID != tenantID || retrieved.AreaID != "desk-1" {
			t.Errorf("unexpected identity: %+v", retrieved)
		}
		if retrieved.AppliesWhen != rule.AppliesWhen {
			t.Errorf("expected appliesWhen %q, got %q", rule.AppliesWhen, retrieved.AppliesWhen)
		}
		if !retrieved.Enabled {
			t.Error("expected rule to be enabled")
		}

		def := retrieved.Definition
		if def.Formula != "base * booking_hours" || def.ElseFormula == nil || *def.ElseFormula != "base" {
			t.Errorf("formulas not preserved: %+v", def)
		}
		if len(def.Conditions) != 1 {
			t.Fatalf("expected 1 condition, got %d", len(def.Conditions))
		}
		if v, ok := def.Conditions[0].Left.(domain.VariableOperand); !ok || v.Key != "booking_hours" {
			t.Errorf("left operand not preserved: %#v", def.Conditions[0].Left)
		}
		if l, ok := def.Conditions[0].Right.(domain.LiteralOperand); !ok || l.Value != 4 {
			t.Errorf("right operand not preserved: %#v", def.Conditions[0].Right)
		}
	})

	t.Run("UpdateBumpsVersion", func(t *testing.T) {
		rule := testRule("hourly", "desk-1", 3)
		rule.Definition.Variables[0].DefaultValue = 120

		if err := repo.SaveRule(ctx, tenantID, rule); err != nil {
			t.Fatalf("SaveRule failed: %v", err)
		}
		if rule.Version != 2 {
			t.Errorf("expected version 2, got %d", rule.Version)
		}

		retrieved, _ := repo.GetRule(ctx, tenantID, "hourly")
		if retrieved.Priority != 3 || retrieved.Definition.Variables[0].DefaultValue != 120 {
			t.Errorf("update not applied: %+v", retrieved)
		}
	})

	t.Run("ListRules", func(t *testing.T) {
		repo.SaveRule(ctx, tenantID, testRule("daily", "desk-1", 10))
		repo.SaveRule(ctx, tenantID, testRule("room", "room-1", 0))

		disabled := testRule("off", "desk-1", 0)
		disabled.Enabled = false
		repo.SaveRule(ctx, tenantID, disabled)

		rules, err := repo.ListRules(ctx, tenantID)
		if err != nil {
			t.Fatalf("ListRules failed: %v", err)
		}
		if len(rules) != 4 {
			t.Fatalf("expected 4 rules, got %d", len(rules))
		}

		byArea, err := repo.ListRulesByArea(ctx, tenantID, "desk-1")
		if err != nil {
			t.Fatalf("ListRulesByArea failed: %v", err)
		}
		var ids []string
		for _, r := range byArea {
			ids = append(ids, r.ID)
		}
		// priority descending, then id
		if got := strings.Join(ids, ","); got != "daily,hourly,off" {
			t.Errorf("unexpected order: %s", got)
		}
	})

	t.Run("TenantIsolation", func(t *testing.T) {
		_, err := repo.GetRule(ctx, "tenant-002", "hourly")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound for different tenant, got: %v", err)
		}

		rules, _ := repo.ListRules(ctx, "tenant-002")
		if len(rules) != 0 {
			t.Errorf("expected no rules for tenant-002, got %d", len(rules))
		}
	})

	t.Run("DeleteRule", func(t *testing.T) {
		if err := repo.DeleteRule(ctx, tenantID, "room"); err != nil {
			t.Fatalf("DeleteRule failed: %v", err)
		}
		if _, err := repo.GetRule(ctx, tenantID, "room"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected deleted rule to be gone, got %v", err)
		}
		if err := repo.DeleteRule(ctx, tenantID, "room"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound on second delete, got %v", err)
		}

		// Saving again restores the rule.
		restored := testRule("room", "room-1", 0)
		if err := repo.SaveRule(ctx, tenantID, restored); err != nil {
			t.Fatalf("SaveRule failed: %v", err)
		}
		if restored.Version != 2 {
			t.Errorf("expected version 2 after restore, got %d", restored.Version)
		}
		if _, err := repo.GetRule(ctx, tenantID, "room"); err != nil {
			t.Errorf("expected restored rule, got %v", err)
		}
	})

	t.Run("RequiresTenantID", func(t *testing.T) {
		if err := repo.SaveRule(ctx, "", testRule("x", "a", 0)); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
		if _, err := repo.GetRule(ctx, "", "hourly"); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
		if _, err := repo.ListRules(ctx, ""); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
		if err := repo.DeleteRule(ctx, "", "hourly"); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
	})
}

func TestSQLiteQuoteRepository(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	tenantID := "tenant-001"

	rule := testRule("hourly", "desk-1", 0)
	rule.Version = 4

	price := 600.0
	priced := domain.NewQuote(tenantID, rule,
		domain.EvaluationContext{BookingHours: 6, VariableOverrides: map[string]float64{"guest_count": 3}},
		domain.PriceRuleEvaluationResult{Price: &price, Branch: domain.BranchThen},
	)
	priced.CreatedAt = time.Now().UTC().Add(-time.Minute)

	unpriced := domain.NewQuote(tenantID, rule,
		domain.EvaluationContext{BookingHours: 1},
		domain.PriceRuleEvaluationResult{Branch: domain.BranchNoMatch},
	)

	t.Run("SaveAndGetQuote", func(t *testing.T) {
		if err := repo.SaveQuote(ctx, tenantID, priced); err != nil {
			t.Fatalf("SaveQuote failed: %v", err)
		}

		retrieved, err := repo.GetQuote(ctx, tenantID, priced.ID)
		if err != nil {
			t.Fatalf("GetQuote failed: %v", err)
		}
		if retrieved.Price == nil || *retrieved.Price != 600 {
			t.Errorf("expected price 600, got %v", retrieved.Price)
		}
		if !retrieved.Available || retrieved.Display != "600.00" {
			t.Errorf("unexpected availability/display: %v %q", retrieved.Available, retrieved.Display)
		}
		if retrieved.Version != 4 || retrieved.Branch != domain.BranchThen {
			t.Errorf("unexpected version/branch: %d %s", retrieved.Version, retrieved.Branch)
		}
		if retrieved.Context.VariableOverrides["guest_count"] != 3 {
			t.Errorf("context not preserved: %+v", retrieved.Context)
		}
	})

	t.Run("NullPrice", func(t *testing.T) {
		if err := repo.SaveQuote(ctx, tenantID, unpriced); err != nil {
			t.Fatalf("SaveQuote failed: %v", err)
		}

		retrieved, err := repo.GetQuote(ctx, tenantID, unpriced.ID)
		if err != nil {
			t.Fatalf("GetQuote failed: %v", err)
		}
		if retrieved.Price != nil || retrieved.Available {
			t.Errorf("expected unavailable quote, got %v (available=%v)", retrieved.Price, retrieved.Available)
		}
		if retrieved.Branch != domain.BranchNoMatch {
			t.Errorf("expected no-match, got %s", retrieved.Branch)
		}
	})

	t.Run("ListQuotesByRule", func(t *testing.T) {
		quotes, err := repo.ListQuotesByRule(ctx, tenantID, "hourly", 0)
		if err != nil {
			t.Fatalf("ListQuotesByRule failed: %v", err)
		}
		if len(quotes) != 2 {
			t.Fatalf("expected 2 quotes, got %d", len(quotes))
		}
		if quotes[0].ID != unpriced.ID {
			t.Errorf("expected newest quote first")
		}

		limited, _ := repo.ListQuotesByRule(ctx, tenantID, "hourly", 1)
		if len(limited) != 1 {
			t.Errorf("expected limit to apply, got %d", len(limited))
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		if _, err := repo.GetQuote(ctx, tenantID, "nonexistent"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got: %v", err)
		}
		if _, err := repo.GetQuote(ctx, "tenant-002", priced.ID); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound for different tenant, got: %v", err)
		}
	})
}

func TestUnsupportedDriver(t *testing.T) {
	cfg := domain.RepositoryConfig{
		Driver: "mysql",
	}

	_, err := New(cfg)
	if err == nil {
		t.Error("expected error for unsupported driver")
	}
}

func TestStatementPlaceholders(t *testing.T) {
	tests := []struct {
		driver   string
		expected string
	}{
		{"postgres", "SELECT id FROM pricing_rules WHERE id = $1 AND tenant_id = $2"},
		{"sqlite", "SELECT id FROM pricing_rules WHERE id = ? AND tenant_id = ?"},
	}

	for _, tt := range tests {
		repo := &SQLRepository{driver: tt.driver}
		query, _, err := repo.newStatement().
			Select("id").
			From(tableRules).
			Where("id = ?", "r").
			Where("tenant_id = ?", "t").
			ToSql()
		if err != nil {
			t.Fatalf("ToSql failed: %v", err)
		}
		if query != tt.expected {
			t.Errorf("%s: got %q, want %q", tt.driver, query, tt.expected)
		}
	}
}

func TestPostgresDSN(t *testing.T) {
	dsn := postgresDSN(domain.RepositoryConfig{PostgresUser: "u", PostgresPassword: "p"})
	want := "host=localhost port=5432 user=u password=p dbname=tariff sslmode=disable"
	if dsn != want {
		t.Errorf("got %q, want %q", dsn, want)
	}
}
