// Package seed imports pricing rules from YAML rule packs.
//
// A pack looks like:
//
//	tenant: "*"
//	rules:
//	  - id: desk-hourly
//	    areaId: desk
//	    name: Hourly desk
//	    definition:
//	      variables:
//	        - key: base
//	          default: 12.5
//	      conditions:
//	        - left: {variable: booking_hours}
//	          op: ">="
//	          right: {literal: 8}
//	      formula: base * booking_hours * 0.9
//	      else: base * booking_hours
//
// Rules without a tenant belong to the pack tenant, which defaults to the
// global tenant.
package seed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/cowork-market/tariff/internal/domain"
)

var ErrInvalidPack = errors.New("invalid rule pack")

// Pack is a YAML rule pack.
type Pack struct {
	Tenant string `yaml:"tenant"`
	Rules  []Rule `yaml:"rules"`
}

// Rule is a pricing rule as written in a pack.
type Rule struct {
	ID          string     `yaml:"id"`
	Tenant      string     `yaml:"tenant"`
	AreaID      string     `yaml:"areaId"`
	Name        string     `yaml:"name"`
	Description string     `yaml:"description"`
	Priority    int        `yaml:"priority"`
	AppliesWhen string     `yaml:"appliesWhen"`
	Currency    string     `yaml:"currency"`
	Enabled     *bool      `yaml:"enabled"`
	Definition  Definition `yaml:"definition"`
}

// Definition is the YAML form of domain.PriceRuleDefinition.
type Definition struct {
	Variables []struct {
		Key     string  `yaml:"key"`
		Default float64 `yaml:"default"`
	} `yaml:"variables"`
	Conditions []Condition `yaml:"conditions"`
	Formula    string      `yaml:"formula"`
	Else       *string     `yaml:"else"`
}

// Condition compares two operands.
type Condition struct {
	Left  Operand `yaml:"left"`
	Op    string  `yaml:"op"`
	Right Operand `yaml:"right"`
}

// Operand sets exactly one of Variable or Literal.
type Operand struct {
	Variable string   `yaml:"variable"`
	Literal  *float64 `yaml:"literal"`
}

// Importer persists and loads a rule.
type Importer interface {
	ImportRule(ctx context.Context, tenantID string, rule *domain.PricingRule) error
}

// LoadFile reads and parses a rule pack.
func LoadFile(path string) ([]*domain.PricingRule, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rule pack: %w", err)
	}
	return Parse(payload)
}

// Parse decodes a rule pack into pricing rules. All problems are reported
// at once.
func Parse(payload []byte) ([]*domain.PricingRule, error) {
	var pack Pack
	if err := yaml.Unmarshal(payload, &pack); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPack, err)
	}

	packTenant := pack.Tenant
	if packTenant == "" {
		packTenant = domain.GlobalTenantID
	}

	var problems []error
	rules := make([]*domain.PricingRule, 0, len(pack.Rules))
	for i, r := range pack.Rules {
		rule, err := r.toDomain(packTenant)
		if err != nil {
			problems = append(problems, fmt.Errorf("rules[%d]: %w", i, err))
			continue
		}
		rules = append(rules, rule)
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPack, errors.Join(problems...))
	}
	return rules, nil
}

func (r Rule) toDomain(packTenant string) (*domain.PricingRule, error) {
	if r.ID == "" || r.AreaID == "" {
		return nil, errors.New("id and areaId are required")
	}

	tenant := r.Tenant
	if tenant == "" {
		tenant = packTenant
	}
	enabled := true
	if r.Enabled != nil {
		enabled = *r.Enabled
	}
	name := r.Name
	if name == "" {
		name = r.ID
	}

	def := domain.PriceRuleDefinition{
		Formula:     r.Definition.Formula,
		ElseFormula: r.Definition.Else,
	}
	for _, v := range r.Definition.Variables {
		def.Variables = append(def.Variables, domain.VariableDefinition{Key: v.Key, DefaultValue: v.Default})
	}
	for j, c := range r.Definition.Conditions {
		left, err := c.Left.toDomain()
		if err != nil {
			return nil, fmt.Errorf("conditions[%d].left: %w", j, err)
		}
		right, err := c.Right.toDomain()
		if err != nil {
			return nil, fmt.Errorf("conditions[%d].right: %w", j, err)
		}
		def.Conditions = append(def.Conditions, domain.Condition{
			Left:     left,
			Operator: domain.Operator(c.Op),
			Right:    right,
		})
	}

	return &domain.PricingRule{
		ID:          r.ID,
		TenantID:    tenant,
		AreaID:      r.AreaID,
		Name:        name,
		Description: r.Description,
		Priority:    r.Priority,
		AppliesWhen: r.AppliesWhen,
		Definition:  def,
		Currency:    r.Currency,
		Enabled:     enabled,
	}, nil
}

func (o Operand) toDomain() (domain.Operand, error) {
	switch {
	case o.Variable != "" && o.Literal != nil:
		return nil, errors.New("operand sets both variable and literal")
	case o.Variable != "":
		return domain.Variable(o.Variable), nil
	case o.Literal != nil:
		return domain.Literal(*o.Literal), nil
	default:
		return nil, errors.New("operand needs a variable or a literal")
	}
}

// Apply imports every rule through importer. It keeps going after a failed
// rule and returns the number imported with the joined errors.
func Apply(ctx context.Context, importer Importer, rules []*domain.PricingRule) (int, error) {
	var errs []error
	imported := 0
	for _, rule := range rules {
		if err := importer.ImportRule(ctx, rule.TenantID, rule); err != nil {
			errs = append(errs, fmt.Errorf("rule %s: %w", rule.ID, err))
			continue
		}
		imported++
	}

	slog.Info("rule pack imported",
		"rules", len(rules),
		"imported", imported,
		"failed", len(errs),
	)
	return imported, errors.Join(errs...)
}
