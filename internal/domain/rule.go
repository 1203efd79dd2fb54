package domain

import "time"

// PricingRule is a persisted pricing rule authored by a host for one of
// their space areas.
type PricingRule struct {
	ID          string `json:"id"`
	TenantID    string `json:"tenantId"`
	AreaID      string `json:"areaId"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	// Version is bumped on every update and keys cached quotes.
	Version int `json:"version"`

	// Priority orders rules of the same area, highest first.
	Priority int `json:"priority"`

	// AppliesWhen is an optional CEL guard deciding whether the rule is
	// used for a booking. Empty means always.
	AppliesWhen string `json:"appliesWhen,omitempty"`

	Definition PriceRuleDefinition `json:"definition"`
	Currency   string              `json:"currency"`
	Enabled    bool                `json:"enabled"`

	CreatedAt time.Time `json:"createdAt,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// GlobalTenantID marks rules that apply to every tenant.
const GlobalTenantID = "*"

// DefaultCurrency is used when a rule does not declare one.
const DefaultCurrency = "EUR"
