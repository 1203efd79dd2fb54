package domain

import (
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Quote is a persisted price computation for a booking selection.
type Quote struct {
	ID        string            `json:"id"`
	TenantID  string            `json:"tenantId"`
	RuleID    string            `json:"ruleId"`
	AreaID    string            `json:"areaId,omitempty"`
	Version   int               `json:"ruleVersion"`
	Context   EvaluationContext `json:"context"`
	Price     *float64          `json:"price"`
	Branch    Branch            `json:"branch"`
	Currency  string            `json:"currency"`
	Display   string            `json:"display,omitempty"`
	Available bool              `json:"available"`
	Cached    bool              `json:"cached,omitempty"`
	RequestID string            `json:"requestId,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

// NewQuote builds a quote for rule from an evaluation result.
func NewQuote(tenantID string, rule *PricingRule, ctx EvaluationContext, res PriceRuleEvaluationResult) *Quote {
	currency := rule.Currency
	if currency == "" {
		currency = DefaultCurrency
	}

	q := &Quote{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		RuleID:    rule.ID,
		AreaID:    rule.AreaID,
		Version:   rule.Version,
		Context:   ctx,
		Price:     res.Price,
		Branch:    res.Branch,
		Currency:  currency,
		Available: res.Price != nil,
		CreatedAt: time.Now().UTC(),
	}
	q.Display = FormatPrice(res.Price)
	return q
}

// Result returns the evaluation result carried by the quote.
func (q *Quote) Result() PriceRuleEvaluationResult {
	return PriceRuleEvaluationResult{Price: q.Price, Branch: q.Branch}
}

// FormatPrice renders a price with two decimals, rounding half away from zero.
// An unavailable or non-finite price renders as the empty string.
func FormatPrice(price *float64) string {
	if price == nil || math.IsNaN(*price) || math.IsInf(*price, 0) {
		return ""
	}
	return decimal.NewFromFloat(*price).Round(2).StringFixed(2)
}
