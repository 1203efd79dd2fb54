package pricing

import (
	"math"

	"github.com/cowork-market/tariff/internal/domain"
)

// resolveOperand returns the numeric value of o. ok is false when o is a
// variable missing from the table or when the value is NaN or infinite,
// matching how formulas treat identifiers.
func resolveOperand(o domain.Operand, t Table) (float64, bool) {
	var v float64
	switch op := o.(type) {
	case domain.LiteralOperand:
		v = op.Value
	case domain.VariableOperand:
		var ok bool
		if v, ok = t.Lookup(op.Key); !ok {
			return 0, false
		}
	default:
		return 0, false
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// EvaluateCondition applies c to the table. A condition with an unresolved
// operand or an unknown operator is false. Equality is exact.
func EvaluateCondition(c domain.Condition, t Table) bool {
	left, ok := resolveOperand(c.Left, t)
	if !ok {
		return false
	}
	right, ok := resolveOperand(c.Right, t)
	if !ok {
		return false
	}

	switch c.Operator {
	case domain.OpEqual:
		return left == right
	case domain.OpNotEqual:
		return left != right
	case domain.OpLess:
		return left < right
	case domain.OpLessEqual:
		return left <= right
	case domain.OpGreater:
		return left > right
	case domain.OpGreaterEqual:
		return left >= right
	}
	return false
}

// EvaluateConditions reports whether every condition holds. An empty list
// holds.
func EvaluateConditions(conds []domain.Condition, t Table) bool {
	for _, c := range conds {
		if !EvaluateCondition(c, t) {
			return false
		}
	}
	return true
}
