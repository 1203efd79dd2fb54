// Package quoting prices bookings against loaded pricing rules and manages
// the rule lifecycle. It is shared by the HTTP API and the async worker.
package quoting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cowork-market/tariff/internal/domain"
	"github.com/cowork-market/tariff/internal/pricing"
	"github.com/cowork-market/tariff/internal/repository"
)

var (
	ErrRuleExists     = errors.New("pricing rule already exists")
	ErrQuoteNotFound  = errors.New("quote not found")
	ErrInvalidRequest = errors.New("invalid quote request")
	ErrTenantRequired = errors.New("tenantID is required")
)

// CacheObserver is notified of quote cache lookups.
type CacheObserver interface {
	ObserveCache(hit bool)
}

// Options configures a Service.
type Options struct {
	// QuoteTTL is how long evaluation results are cached. Zero disables
	// the quote cache.
	QuoteTTL time.Duration

	Observer CacheObserver
}

// Service prices bookings and keeps the engine in sync with the repository.
// Cache and bus are optional.
type Service struct {
	engine   *pricing.Engine
	repo     domain.Repository
	cache    domain.Cache
	bus      domain.EventBus
	ttl      time.Duration
	observer CacheObserver
}

// NewService creates a quoting service.
func NewService(engine *pricing.Engine, repo domain.Repository, cache domain.Cache, bus domain.EventBus, opts Options) *Service {
	return &Service{
		engine:   engine,
		repo:     repo,
		cache:    cache,
		bus:      bus,
		ttl:      opts.QuoteTTL,
		observer: opts.Observer,
	}
}

// Evaluate runs an ad hoc definition. Nothing is cached or persisted.
func (s *Service) Evaluate(def domain.PriceRuleDefinition, ectx domain.EvaluationContext) domain.PriceRuleEvaluationResult {
	return s.engine.Evaluate(def, ectx)
}

// QuoteRule prices a booking with a specific rule, persists the quote and
// publishes it on TopicQuoteComputed.
func (s *Service) QuoteRule(ctx context.Context, tenantID, ruleID string, ectx domain.EvaluationContext) (*domain.Quote, error) {
	return s.quoteRule(ctx, tenantID, ruleID, ectx, "")
}

func (s *Service) quoteRule(ctx context.Context, tenantID, ruleID string, ectx domain.EvaluationContext, requestID string) (*domain.Quote, error) {
	if tenantID == "" {
		return nil, ErrTenantRequired
	}
	rule, ok := s.engine.GetRule(tenantID, ruleID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", pricing.ErrRuleNotFound, ruleID)
	}
	return s.quote(ctx, tenantID, rule, ectx, requestID)
}

// QuoteArea selects the applicable rule for areaID and prices the booking.
func (s *Service) QuoteArea(ctx context.Context, tenantID, areaID string, ectx domain.EvaluationContext) (*domain.Quote, error) {
	return s.quoteArea(ctx, tenantID, areaID, ectx, "")
}

func (s *Service) quoteArea(ctx context.Context, tenantID, areaID string, ectx domain.EvaluationContext, requestID string) (*domain.Quote, error) {
	if tenantID == "" {
		return nil, ErrTenantRequired
	}
	rule, err := s.engine.SelectRule(ctx, tenantID, areaID, ectx)
	if err != nil {
		return nil, err
	}
	return s.quote(ctx, tenantID, rule, ectx, requestID)
}

// Handle prices a bus quote request. The request names either a rule or an
// area; a rule wins when both are set. The published quote carries the
// request ID.
func (s *Service) Handle(ctx context.Context, tenantID string, req domain.QuoteRequest) (*domain.Quote, error) {
	switch {
	case req.RuleID != "":
		return s.quoteRule(ctx, tenantID, req.RuleID, req.Context, req.RequestID)
	case req.AreaID != "":
		return s.quoteArea(ctx, tenantID, req.AreaID, req.Context, req.RequestID)
	default:
		return nil, fmt.Errorf("%w: ruleId or areaId is required", ErrInvalidRequest)
	}
}

func (s *Service) quote(ctx context.Context, tenantID string, rule *domain.PricingRule, ectx domain.EvaluationContext, requestID string) (*domain.Quote, error) {
	key := CacheKey(rule, ectx)

	var q *domain.Quote
	if res := s.cached(ctx, tenantID, key); res != nil {
		q = domain.NewQuote(tenantID, rule, ectx, *res)
		q.Cached = true
	} else {
		computed, err := s.engine.Quote(ctx, tenantID, rule.ID, ectx)
		if err != nil {
			return nil, err
		}
		q = computed
		s.store(ctx, tenantID, key, q.Result())
	}

	if err := s.repo.SaveQuote(ctx, tenantID, q); err != nil {
		return nil, fmt.Errorf("failed to save quote: %w", err)
	}

	q.RequestID = requestID
	s.publish(ctx, tenantID, domain.TopicQuoteComputed, q)
	return q, nil
}

func (s *Service) cached(ctx context.Context, tenantID, key string) *domain.PriceRuleEvaluationResult {
	if s.cache == nil || s.ttl <= 0 {
		return nil
	}
	res, err := s.cache.GetResult(ctx, tenantID, key)
	if err != nil {
		slog.Warn("quote cache lookup failed", "tenant_id", tenantID, "key", key, "error", err)
	}
	if s.observer != nil {
		s.observer.ObserveCache(res != nil)
	}
	return res
}

func (s *Service) store(ctx context.Context, tenantID, key string, res domain.PriceRuleEvaluationResult) {
	if s.cache == nil || s.ttl <= 0 {
		return
	}
	if err := s.cache.SetResult(ctx, tenantID, key, &res, s.ttl); err != nil {
		slog.Warn("quote cache write failed", "tenant_id", tenantID, "key", key, "error", err)
	}
}

// CacheKey identifies an evaluation of rule for ectx. The owning tenant and
// the version are part of the key: a tenant rule shadowing a global rule of
// the same ID and version must not share its entries, and edits never serve
// stale prices.
func CacheKey(rule *domain.PricingRule, ectx domain.EvaluationContext) string {
	var b strings.Builder
	b.WriteString("quote:")
	b.WriteString(rule.TenantID)
	b.WriteByte(':')
	b.WriteString(rule.ID)
	b.WriteByte(':')
	b.WriteString(strconv.Itoa(rule.Version))
	b.WriteByte(':')
	b.WriteString(strconv.FormatFloat(ectx.BookingHours, 'g', -1, 64))
	b.WriteByte(':')

	keys := make([]string, 0, len(ectx.VariableOverrides))
	for k := range ectx.VariableOverrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(strconv.FormatFloat(ectx.VariableOverrides[k], 'g', -1, 64))
	}
	return b.String()
}

// GetQuote returns a persisted quote.
func (s *Service) GetQuote(ctx context.Context, tenantID, quoteID string) (*domain.Quote, error) {
	q, err := s.repo.GetQuote(ctx, tenantID, quoteID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrQuoteNotFound, quoteID)
	}
	return q, err
}

// ListQuotes returns the most recent quotes computed with ruleID.
func (s *Service) ListQuotes(ctx context.Context, tenantID, ruleID string, limit uint64) ([]*domain.Quote, error) {
	return s.repo.ListQuotesByRule(ctx, tenantID, ruleID, limit)
}

// CreateRule validates, persists and loads a new rule. An ID is generated
// when the rule has none.
func (s *Service) CreateRule(ctx context.Context, tenantID string, rule *domain.PricingRule) (*domain.PricingRule, error) {
	if tenantID == "" {
		return nil, ErrTenantRequired
	}
	rule.TenantID = tenantID
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	} else if _, err := s.repo.GetRule(ctx, tenantID, rule.ID); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrRuleExists, rule.ID)
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	if err := s.save(ctx, tenantID, rule); err != nil {
		return nil, err
	}
	slog.Info("pricing rule created", "tenant_id", tenantID, "rule_id", rule.ID, "version", rule.Version)
	return rule, nil
}

// UpdateRule replaces an existing rule and bumps its version.
func (s *Service) UpdateRule(ctx context.Context, tenantID string, rule *domain.PricingRule) (*domain.PricingRule, error) {
	if tenantID == "" {
		return nil, ErrTenantRequired
	}
	existing, err := s.GetRule(ctx, tenantID, rule.ID)
	if err != nil {
		return nil, err
	}
	rule.TenantID = tenantID
	rule.CreatedAt = existing.CreatedAt

	if err := s.save(ctx, tenantID, rule); err != nil {
		return nil, err
	}
	slog.Info("pricing rule updated", "tenant_id", tenantID, "rule_id", rule.ID, "version", rule.Version)
	return rule, nil
}

// ImportRule upserts a rule without the existence checks of CreateRule and
// UpdateRule. Used for seed packs.
func (s *Service) ImportRule(ctx context.Context, tenantID string, rule *domain.PricingRule) error {
	if tenantID == "" {
		return ErrTenantRequired
	}
	rule.TenantID = tenantID
	return s.save(ctx, tenantID, rule)
}

func (s *Service) save(ctx context.Context, tenantID string, rule *domain.PricingRule) error {
	if err := s.engine.ValidateRule(rule); err != nil {
		return err
	}
	if err := s.repo.SaveRule(ctx, tenantID, rule); err != nil {
		return fmt.Errorf("failed to save rule: %w", err)
	}

	if rule.Enabled {
		if err := s.engine.LoadRule(rule); err != nil {
			return err
		}
	} else {
		s.engine.RemoveRule(tenantID, rule.ID)
	}

	s.publish(ctx, tenantID, domain.TopicRuleChanged, domain.RuleChanged{RuleID: rule.ID})
	return nil
}

// DeleteRule soft-deletes a rule and unloads it.
func (s *Service) DeleteRule(ctx context.Context, tenantID, ruleID string) error {
	if err := s.repo.DeleteRule(ctx, tenantID, ruleID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("%w: %s", pricing.ErrRuleNotFound, ruleID)
		}
		return err
	}
	s.engine.RemoveRule(tenantID, ruleID)

	s.publish(ctx, tenantID, domain.TopicRuleChanged, domain.RuleChanged{RuleID: ruleID, Deleted: true})
	slog.Info("pricing rule deleted", "tenant_id", tenantID, "rule_id", ruleID)
	return nil
}

// GetRule returns a persisted rule.
func (s *Service) GetRule(ctx context.Context, tenantID, ruleID string) (*domain.PricingRule, error) {
	rule, err := s.repo.GetRule(ctx, tenantID, ruleID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", pricing.ErrRuleNotFound, ruleID)
	}
	return rule, err
}

// ListRules returns every persisted rule of tenantID, enabled or not.
func (s *Service) ListRules(ctx context.Context, tenantID string) ([]*domain.PricingRule, error) {
	return s.repo.ListRules(ctx, tenantID)
}

// ReloadRules replaces the engine's rules for tenantID with the enabled
// rules in the repository and returns how many were loaded.
func (s *Service) ReloadRules(ctx context.Context, tenantID string) (int, error) {
	rules, err := s.repo.ListRules(ctx, tenantID)
	if err != nil {
		return 0, fmt.Errorf("failed to list rules: %w", err)
	}
	if err := s.engine.ReloadRules(tenantID, rules); err != nil {
		return 0, err
	}

	loaded := 0
	for _, rule := range rules {
		if rule.Enabled {
			loaded++
		}
	}
	slog.Debug("pricing rules reloaded", "tenant_id", tenantID, "rules_loaded", loaded)
	return loaded, nil
}

// ReloadAll reloads the global tenant and every tenant in tenantIDs. It
// keeps going after a failure and returns the joined errors.
func (s *Service) ReloadAll(ctx context.Context, tenantIDs []string) error {
	var errs []error
	for _, tenantID := range append([]string{domain.GlobalTenantID}, tenantIDs...) {
		if _, err := s.ReloadRules(ctx, tenantID); err != nil {
			errs = append(errs, fmt.Errorf("tenant %s: %w", tenantID, err))
		}
	}
	return errors.Join(errs...)
}

func (s *Service) publish(ctx context.Context, tenantID, topic string, payload any) {
	if s.bus == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("failed to marshal event", "topic", topic, "error", err)
		return
	}
	if err := s.bus.Publish(ctx, tenantID, topic, data); err != nil {
		slog.Error("failed to publish event",
			"tenant_id", tenantID,
			"topic", topic,
			"error", err,
		)
	}
}
