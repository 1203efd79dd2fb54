package pricing

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/cowork-market/tariff/internal/domain"
	"github.com/cowork-market/tariff/internal/pricing/formula"
)

var tracer = otel.Tracer("tariff-pricing")

// Observer receives engine measurements. The metrics package implements it.
type Observer interface {
	ObserveQuote(branch domain.Branch, available bool, elapsed time.Duration)
	SetRulesLoaded(n int)
}

// Engine holds the loaded pricing rules with their formulas parsed and
// their appliesWhen guards compiled.
type Engine struct {
	mu       sync.RWMutex
	env      *cel.Env
	rules    map[string]*CompiledRule // key: tenantID + "/" + ruleID
	formulas *formula.Cache
	observer Observer
}

// CompiledRule is a loaded pricing rule.
type CompiledRule struct {
	Config *domain.PricingRule
	Then   *formula.Program
	Else   *formula.Program
	Guard  cel.Program
}

// NewEngine creates a pricing engine. formulaCacheSize bounds the parsed
// formula cache shared by ad hoc evaluations.
func NewEngine(formulaCacheSize int, observer Observer) (*Engine, error) {
	// Guards see the resolved variables plus the booking identity.
	env, err := cel.NewEnv(
		cel.Variable("vars", cel.MapType(cel.StringType, cel.DoubleType)),
		cel.Variable("booking_hours", cel.DoubleType),
		cel.Variable("area_id", cel.StringType),
		cel.Variable("tenant_id", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{
		env:      env,
		rules:    make(map[string]*CompiledRule),
		formulas: formula.NewCache(formulaCacheSize),
		observer: observer,
	}, nil
}

// ValidateRule checks a rule without loading it.
func (e *Engine) ValidateRule(rule *domain.PricingRule) error {
	if rule == nil {
		return fmt.Errorf("%w: rule is required", ErrInvalidDefinition)
	}
	_, err := e.compileRule(rule)
	return err
}

// ValidateGuard checks an appliesWhen expression.
func (e *Engine) ValidateGuard(expr string) error {
	_, err := e.compileGuard(expr)
	return err
}

// LoadRule compiles and loads a rule into the engine, replacing any rule
// with the same tenant and ID.
func (e *Engine) LoadRule(rule *domain.PricingRule) error {
	compiled, err := e.compileRule(rule)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.rules[ruleKey(rule.TenantID, rule.ID)] = compiled
	n := len(e.rules)
	e.mu.Unlock()

	e.reportLoaded(n)
	return nil
}

// LoadRules loads every enabled rule in rules.
func (e *Engine) LoadRules(rules []*domain.PricingRule) error {
	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		if err := e.LoadRule(rule); err != nil {
			return err
		}
	}
	return nil
}

// ReloadRules replaces the rules of tenantID with the enabled rules given.
// Rules of other tenants are kept. Nothing changes if any rule fails to
// compile.
func (e *Engine) ReloadRules(tenantID string, rules []*domain.PricingRule) error {
	fresh := make(map[string]*CompiledRule, len(rules))
	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		compiled, err := e.compileRule(rule)
		if err != nil {
			return err
		}
		fresh[ruleKey(tenantID, rule.ID)] = compiled
	}

	e.mu.Lock()
	for key, compiled := range e.rules {
		if compiled.Config.TenantID == tenantID {
			delete(e.rules, key)
		}
	}
	for key, compiled := range fresh {
		e.rules[key] = compiled
	}
	n := len(e.rules)
	e.mu.Unlock()

	e.reportLoaded(n)
	return nil
}

// RemoveRule unloads a rule. It reports whether the rule was loaded.
func (e *Engine) RemoveRule(tenantID, ruleID string) bool {
	e.mu.Lock()
	key := ruleKey(tenantID, ruleID)
	_, ok := e.rules[key]
	delete(e.rules, key)
	n := len(e.rules)
	e.mu.Unlock()

	e.reportLoaded(n)
	return ok
}

// GetRule returns the loaded rule visible to tenantID. Tenant rules shadow
// global rules with the same ID.
func (e *Engine) GetRule(tenantID, ruleID string) (*domain.PricingRule, bool) {
	compiled := e.lookup(tenantID, ruleID)
	if compiled == nil {
		return nil, false
	}
	return compiled.Config, true
}

// GetLoadedRules returns the rules visible to tenantID, ordered by area,
// then priority (highest first), then ID.
func (e *Engine) GetLoadedRules(tenantID string) []*domain.PricingRule {
	compiled := e.visible(tenantID)
	rules := make([]*domain.PricingRule, len(compiled))
	for i, c := range compiled {
		rules[i] = c.Config
	}
	return rules
}

// RulesCount returns the number of loaded rules across tenants.
func (e *Engine) RulesCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.rules)
}

// Evaluate runs an ad hoc definition using the shared formula cache.
func (e *Engine) Evaluate(def domain.PriceRuleDefinition, ectx domain.EvaluationContext) domain.PriceRuleEvaluationResult {
	start := time.Now()
	then, els := compileBranches(def, e.formulas.Get)
	res := evaluateWith(def, Resolve(def.Variables, ectx), then, els)
	e.observe(res, start)
	return res
}

// Quote prices a booking with a loaded rule.
func (e *Engine) Quote(ctx context.Context, tenantID, ruleID string, ectx domain.EvaluationContext) (*domain.Quote, error) {
	compiled := e.lookup(tenantID, ruleID)
	if compiled == nil {
		return nil, fmt.Errorf("%w: %s", ErrRuleNotFound, ruleID)
	}
	return e.quote(ctx, tenantID, compiled, ectx), nil
}

// SelectRule picks the rule used for a booking of areaID: the enabled rule
// with the highest priority whose guard holds. A guard that fails to
// evaluate counts as not holding.
func (e *Engine) SelectRule(ctx context.Context, tenantID, areaID string, ectx domain.EvaluationContext) (*domain.PricingRule, error) {
	compiled := e.selectRule(ctx, tenantID, areaID, ectx)
	if compiled == nil {
		return nil, fmt.Errorf("%w: area %s", ErrNoApplicableRule, areaID)
	}
	return compiled.Config, nil
}

// QuoteArea selects the applicable rule for areaID and prices the booking.
func (e *Engine) QuoteArea(ctx context.Context, tenantID, areaID string, ectx domain.EvaluationContext) (*domain.Quote, error) {
	compiled := e.selectRule(ctx, tenantID, areaID, ectx)
	if compiled == nil {
		return nil, fmt.Errorf("%w: area %s", ErrNoApplicableRule, areaID)
	}
	return e.quote(ctx, tenantID, compiled, ectx), nil
}

// Close unloads every rule.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = make(map[string]*CompiledRule)
	return nil
}

func (e *Engine) quote(ctx context.Context, tenantID string, compiled *CompiledRule, ectx domain.EvaluationContext) *domain.Quote {
	_, span := tracer.Start(ctx, "pricing.quote",
		trace.WithAttributes(
			attribute.String("tenant.id", tenantID),
			attribute.String("rule.id", compiled.Config.ID),
			attribute.Int("rule.version", compiled.Config.Version),
		),
	)
	defer span.End()

	start := time.Now()
	def := compiled.Config.Definition
	table := Resolve(def.Variables, ectx)
	res := evaluateWith(def, table, compiled.Then, compiled.Else)
	e.observe(res, start)

	span.SetAttributes(compiled.resultAttributes(table, res)...)

	return domain.NewQuote(tenantID, compiled.Config, ectx, res)
}

// resultAttributes describes an evaluation on the quote span: the branch,
// whether a price came out, how many variables were resolved and the formula
// that ran.
func (c *CompiledRule) resultAttributes(table Table, res domain.PriceRuleEvaluationResult) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("pricing.branch", string(res.Branch)),
		attribute.Bool("pricing.available", res.Available()),
		attribute.Int("pricing.vars", table.Len()),
	}

	var ran *formula.Program
	switch res.Branch {
	case domain.BranchThen, domain.BranchUnconditional:
		ran = c.Then
	case domain.BranchElse:
		ran = c.Else
	}
	if ran != nil {
		attrs = append(attrs, attribute.String("pricing.formula", ran.Source()))
	}
	return attrs
}

func (e *Engine) selectRule(ctx context.Context, tenantID, areaID string, ectx domain.EvaluationContext) *CompiledRule {
	_, span := tracer.Start(ctx, "pricing.select_rule",
		trace.WithAttributes(
			attribute.String("tenant.id", tenantID),
			attribute.String("area.id", areaID),
		),
	)
	defer span.End()

	for _, compiled := range e.visible(tenantID) {
		if compiled.Config.AreaID != areaID {
			continue
		}
		if compiled.applies(tenantID, ectx) {
			span.SetAttributes(attribute.String("rule.id", compiled.Config.ID))
			return compiled
		}
	}
	return nil
}

func (c *CompiledRule) applies(tenantID string, ectx domain.EvaluationContext) bool {
	if c.Guard == nil {
		return true
	}

	table := Resolve(c.Config.Definition.Variables, ectx)
	out, _, err := c.Guard.Eval(map[string]any{
		"vars":          table.Map(),
		"booking_hours": ectx.BookingHours,
		"area_id":       c.Config.AreaID,
		"tenant_id":     tenantID,
	})
	if err != nil {
		slog.Debug("appliesWhen guard failed", "rule_id", c.Config.ID, "tenant_id", tenantID, "error", err)
		return false
	}
	return out == types.True
}

// visible returns the rules tenantID can use, tenant rules shadowing global
// ones, sorted by area, priority descending, then ID.
func (e *Engine) visible(tenantID string) []*CompiledRule {
	e.mu.RLock()
	byID := make(map[string]*CompiledRule)
	for _, compiled := range e.rules {
		switch compiled.Config.TenantID {
		case tenantID:
			byID[compiled.Config.ID] = compiled
		case domain.GlobalTenantID:
			if _, shadowed := byID[compiled.Config.ID]; !shadowed {
				byID[compiled.Config.ID] = compiled
			}
		}
	}
	e.mu.RUnlock()

	out := make([]*CompiledRule, 0, len(byID))
	for _, compiled := range byID {
		out = append(out, compiled)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Config, out[j].Config
		if a.AreaID != b.AreaID {
			return a.AreaID < b.AreaID
		}
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.ID < b.ID
	})
	return out
}

func (e *Engine) lookup(tenantID, ruleID string) *CompiledRule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if compiled, ok := e.rules[ruleKey(tenantID, ruleID)]; ok {
		return compiled
	}
	return e.rules[ruleKey(domain.GlobalTenantID, ruleID)]
}

func (e *Engine) compileRule(rule *domain.PricingRule) (*CompiledRule, error) {
	if rule.ID == "" {
		return nil, fmt.Errorf("%w: rule id is required", ErrInvalidDefinition)
	}
	if err := Validate(rule.Definition); err != nil {
		return nil, fmt.Errorf("rule %s: %w", rule.ID, err)
	}

	compiled := &CompiledRule{Config: rule}
	compiled.Then, compiled.Else = compileBranches(rule.Definition, e.formulas.Get)

	if rule.AppliesWhen != "" {
		guard, err := e.compileGuard(rule.AppliesWhen)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", rule.ID, err)
		}
		compiled.Guard = guard
	}

	return compiled, nil
}

func (e *Engine) compileGuard(expr string) (cel.Program, error) {
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidAppliesWhen, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("%w: must return bool, got %s", ErrInvalidAppliesWhen, ast.OutputType())
	}
	program, err := e.env.Program(ast, cel.CostLimit(100000))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidAppliesWhen, err)
	}
	return program, nil
}

func (e *Engine) observe(res domain.PriceRuleEvaluationResult, start time.Time) {
	if e.observer != nil {
		e.observer.ObserveQuote(res.Branch, res.Available(), time.Since(start))
	}
}

func (e *Engine) reportLoaded(n int) {
	if e.observer != nil {
		e.observer.SetRulesLoaded(n)
	}
}

func ruleKey(tenantID, ruleID string) string {
	return tenantID + "/" + ruleID
}
