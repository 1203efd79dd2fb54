package pricing

import (
	"testing"

	"github.com/cowork-market/tariff/internal/domain"
)

func strPtr(s string) *string { return &s }

func hourlyRule() domain.PriceRuleDefinition {
	return domain.PriceRuleDefinition{
		Variables: []domain.VariableDefinition{{Key: "base", DefaultValue: 100}},
		Conditions: []domain.Condition{
			{Left: domain.Variable("booking_hours"), Operator: domain.OpGreater, Right: domain.Literal(4)},
		},
		Formula:     "base * booking_hours",
		ElseFormula: strPtr("base"),
	}
}

func assertResult(t *testing.T, got domain.PriceRuleEvaluationResult, wantPrice *float64, wantBranch domain.Branch) {
	t.Helper()
	if got.Branch != wantBranch {
		t.Errorf("branch = %q, want %q", got.Branch, wantBranch)
	}
	switch {
	case wantPrice == nil && got.Price != nil:
		t.Errorf("price = %v, want nil", *got.Price)
	case wantPrice != nil && got.Price == nil:
		t.Errorf("price = nil, want %v", *wantPrice)
	case wantPrice != nil && *got.Price != *wantPrice:
		t.Errorf("price = %v, want %v", *got.Price, *wantPrice)
	}
}

func price(v float64) *float64 { return &v }

func TestEvaluatePriceRuleEndToEnd(t *testing.T) {
	def := hourlyRule()

	t.Run("then branch", func(t *testing.T) {
		res := EvaluatePriceRule(def, domain.EvaluationContext{BookingHours: 6})
		assertResult(t, res, price(600), domain.BranchThen)
	})

	t.Run("else branch", func(t *testing.T) {
		res := EvaluatePriceRule(def, domain.EvaluationContext{BookingHours: 2})
		assertResult(t, res, price(100), domain.BranchElse)
	})
}

func TestEvaluatePriceRuleUnconditional(t *testing.T) {
	def := domain.PriceRuleDefinition{
		Variables: []domain.VariableDefinition{{Key: "rate", DefaultValue: 25}},
		Formula:   "rate * booking_hours + 10",
	}

	for _, hours := range []float64{0, 1, 3.5, 100} {
		res := EvaluatePriceRule(def, domain.EvaluationContext{BookingHours: hours})
		assertResult(t, res, price(25*hours+10), domain.BranchUnconditional)
	}

	// elseFormula is ignored without conditions.
	def.ElseFormula = strPtr("1")
	res := EvaluatePriceRule(def, domain.EvaluationContext{BookingHours: 2})
	assertResult(t, res, price(60), domain.BranchUnconditional)
}

func TestEvaluatePriceRuleNoMatch(t *testing.T) {
	def := domain.PriceRuleDefinition{
		Conditions: []domain.Condition{
			{Left: domain.Variable("guest_count"), Operator: domain.OpGreater, Right: domain.Literal(10)},
		},
		Formula: "500",
	}

	res := EvaluatePriceRule(def, domain.EvaluationContext{
		BookingHours:      3,
		VariableOverrides: map[string]float64{"guest_count": 5},
	})
	assertResult(t, res, nil, domain.BranchNoMatch)
	if res.Available() {
		t.Error("no-match result should not be available")
	}
}

func TestEvaluatePriceRuleNullPrices(t *testing.T) {
	tests := []struct {
		name   string
		def    domain.PriceRuleDefinition
		branch domain.Branch
	}{
		{
			name: "division by zero",
			def: domain.PriceRuleDefinition{
				Variables: []domain.VariableDefinition{{Key: "x", DefaultValue: 0}},
				Formula:   "10 / x",
			},
			branch: domain.BranchUnconditional,
		},
		{
			name:   "unresolved variable",
			def:    domain.PriceRuleDefinition{Formula: "base * 2"},
			branch: domain.BranchUnconditional,
		},
		{
			name:   "malformed formula",
			def:    domain.PriceRuleDefinition{Formula: "base * (2"},
			branch: domain.BranchUnconditional,
		},
		{
			name: "empty formula on then branch",
			def: domain.PriceRuleDefinition{
				Conditions: []domain.Condition{{Left: domain.Literal(1), Operator: domain.OpEqual, Right: domain.Literal(1)}},
				Formula:    "",
			},
			branch: domain.BranchThen,
		},
		{
			name: "malformed else formula",
			def: domain.PriceRuleDefinition{
				Conditions:  []domain.Condition{{Left: domain.Literal(1), Operator: domain.OpEqual, Right: domain.Literal(2)}},
				Formula:     "1",
				ElseFormula: strPtr("2 +"),
			},
			branch: domain.BranchElse,
		},
		{
			name: "unresolved condition operand falls to else",
			def: domain.PriceRuleDefinition{
				Conditions:  []domain.Condition{{Left: domain.Variable("ghost"), Operator: domain.OpNotEqual, Right: domain.Literal(0)}},
				Formula:     "1",
				ElseFormula: strPtr("1 / 0"),
			},
			branch: domain.BranchElse,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := EvaluatePriceRule(tt.def, domain.EvaluationContext{BookingHours: 2})
			assertResult(t, res, nil, tt.branch)
		})
	}
}

func TestEvaluatePriceRuleOverridePrecedence(t *testing.T) {
	def := domain.PriceRuleDefinition{
		Variables: []domain.VariableDefinition{
			{Key: "booking_hours", DefaultValue: 1},
			{Key: "per_guest", DefaultValue: 10},
		},
		Formula: "booking_hours * per_guest",
	}

	res := EvaluatePriceRule(def, domain.EvaluationContext{
		BookingHours:      3,
		VariableOverrides: map[string]float64{"booking_hours": 7, "PER_GUEST": 2},
	})
	assertResult(t, res, price(14), domain.BranchUnconditional)
}

func TestEvaluatePriceRuleCaseInsensitive(t *testing.T) {
	def := domain.PriceRuleDefinition{
		Variables: []domain.VariableDefinition{{Key: "Guest_Count", DefaultValue: 1}},
		Conditions: []domain.Condition{
			{Left: domain.Variable("GUEST_COUNT"), Operator: domain.OpGreaterEqual, Right: domain.Literal(4)},
		},
		Formula:     "Guest_Count * 20",
		ElseFormula: strPtr("50"),
	}

	res := EvaluatePriceRule(def, domain.EvaluationContext{
		BookingHours:      1,
		VariableOverrides: map[string]float64{"guest_count": 6},
	})
	assertResult(t, res, price(120), domain.BranchThen)
}

func TestEvaluatePriceRuleCapacity(t *testing.T) {
	def := domain.PriceRuleDefinition{
		Variables: []domain.VariableDefinition{{Key: "seat_rate", DefaultValue: 15}},
		Conditions: []domain.Condition{
			{Left: domain.Variable(VarGuestCount), Operator: domain.OpLessEqual, Right: domain.Variable(VarAreaMaxCapacity)},
			{Left: domain.Variable(VarGuestCount), Operator: domain.OpGreaterEqual, Right: domain.Variable(VarAreaMinCapacity)},
		},
		Formula: "seat_rate * guest_count * booking_days",
	}

	ctx := domain.EvaluationContext{
		BookingHours: 48,
		VariableOverrides: map[string]float64{
			VarGuestCount:      4,
			VarAreaMaxCapacity: 8,
			VarAreaMinCapacity: 2,
		},
	}
	assertResult(t, EvaluatePriceRule(def, ctx), price(120), domain.BranchThen)

	ctx.VariableOverrides[VarGuestCount] = 9
	assertResult(t, EvaluatePriceRule(def, ctx), nil, domain.BranchNoMatch)
}

func TestEvaluatePriceRuleDeterministic(t *testing.T) {
	def := hourlyRule()
	ctx := domain.EvaluationContext{
		BookingHours:      13,
		VariableOverrides: map[string]float64{"Base": 3, "BASE": 4, "base": 5},
	}

	first := EvaluatePriceRule(def, ctx)
	for i := 0; i < 100; i++ {
		got := EvaluatePriceRule(def, ctx)
		if got.Branch != first.Branch || *got.Price != *first.Price {
			t.Fatalf("iteration %d: got %v/%v, first %v/%v", i, *got.Price, got.Branch, *first.Price, first.Branch)
		}
	}
}
