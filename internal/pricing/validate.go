package pricing

import (
	"errors"
	"fmt"

	"github.com/cowork-market/tariff/internal/domain"
	"github.com/cowork-market/tariff/internal/pricing/formula"
)

var (
	ErrRuleNotFound       = errors.New("pricing rule not found")
	ErrNoApplicableRule   = errors.New("no applicable pricing rule")
	ErrInvalidDefinition  = errors.New("invalid pricing rule definition")
	ErrInvalidAppliesWhen = errors.New("invalid appliesWhen expression")
)

// Validate checks a definition at authoring time. Evaluation tolerates every
// problem reported here; validation lets callers reject rules that could
// never produce a price. All problems are joined into one error wrapping
// ErrInvalidDefinition.
func Validate(def domain.PriceRuleDefinition) error {
	var problems []error

	seen := make(map[string]bool, len(def.Variables))
	for i, v := range def.Variables {
		key := NormalizeKey(v.Key)
		if key == "" {
			problems = append(problems, fmt.Errorf("variables[%d]: key is required", i))
			continue
		}
		if seen[key] {
			problems = append(problems, fmt.Errorf("variables[%d]: duplicate key %q", i, key))
		}
		seen[key] = true
	}

	for i, c := range def.Conditions {
		if !c.Operator.Valid() {
			problems = append(problems, fmt.Errorf("conditions[%d]: unknown operator %q", i, c.Operator))
		}
		if err := validateOperand(c.Left); err != nil {
			problems = append(problems, fmt.Errorf("conditions[%d].left: %w", i, err))
		}
		if err := validateOperand(c.Right); err != nil {
			problems = append(problems, fmt.Errorf("conditions[%d].right: %w", i, err))
		}
	}

	if _, err := formula.Parse(def.Formula); err != nil {
		problems = append(problems, fmt.Errorf("formula: %w", err))
	}

	if def.ElseFormula != nil {
		if len(def.Conditions) == 0 {
			problems = append(problems, errors.New("elseFormula: set without conditions"))
		}
		if _, err := formula.Parse(*def.ElseFormula); err != nil {
			problems = append(problems, fmt.Errorf("elseFormula: %w", err))
		}
	}

	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidDefinition, errors.Join(problems...))
}

func validateOperand(o domain.Operand) error {
	switch v := o.(type) {
	case domain.LiteralOperand:
		return nil
	case domain.VariableOperand:
		if NormalizeKey(v.Key) == "" {
			return errors.New("variable key is required")
		}
		return nil
	case nil:
		return errors.New("operand is required")
	}
	return fmt.Errorf("unsupported operand %T", o)
}

// References returns the variable keys a definition reads, normalized and
// in order of first appearance across conditions, formula and elseFormula.
func References(def domain.PriceRuleDefinition) []string {
	var refs []string
	seen := make(map[string]bool)
	add := func(key string) {
		key = NormalizeKey(key)
		if key != "" && !seen[key] {
			seen[key] = true
			refs = append(refs, key)
		}
	}

	for _, c := range def.Conditions {
		for _, o := range []domain.Operand{c.Left, c.Right} {
			if v, ok := o.(domain.VariableOperand); ok {
				add(v.Key)
			}
		}
	}

	sources := []string{def.Formula}
	if def.ElseFormula != nil {
		sources = append(sources, *def.ElseFormula)
	}
	for _, src := range sources {
		p, err := formula.Compile(src)
		if err != nil {
			continue
		}
		for _, name := range formula.Identifiers(p.Expr()) {
			add(name)
		}
	}
	return refs
}
