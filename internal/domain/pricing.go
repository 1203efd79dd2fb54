// Package domain defines the core interfaces and types for Tariff.
package domain

import (
	"encoding/json"
	"fmt"
)

// PriceRuleDefinition is the host-authored pricing rule body.
// It is stored as JSON on the pricing rule record.
type PriceRuleDefinition struct {
	Variables   []VariableDefinition `json:"variables"`
	Conditions  []Condition          `json:"conditions"`
	Formula     string               `json:"formula"`
	ElseFormula *string              `json:"elseFormula,omitempty"`
}

// VariableDefinition declares a rule variable with its default value.
// Keys are matched case-insensitively after trimming.
type VariableDefinition struct {
	Key          string  `json:"key"`
	DefaultValue float64 `json:"defaultValue"`
}

// Operator is a numeric comparison operator used by conditions.
type Operator string

const (
	OpEqual        Operator = "="
	OpNotEqual     Operator = "!="
	OpLess         Operator = "<"
	OpLessEqual    Operator = "<="
	OpGreater      Operator = ">"
	OpGreaterEqual Operator = ">="
)

// Valid reports whether op is one of the supported operators.
func (op Operator) Valid() bool {
	switch op {
	case OpEqual, OpNotEqual, OpLess, OpLessEqual, OpGreater, OpGreaterEqual:
		return true
	}
	return false
}

// Condition is a single comparison between two operands.
type Condition struct {
	Left     Operand
	Operator Operator
	Right    Operand
}

// Operand is either a LiteralOperand or a VariableOperand.
type Operand interface {
	operand()
}

// LiteralOperand is a constant number.
type LiteralOperand struct {
	Value float64
}

// VariableOperand references a key in the resolved variable table.
type VariableOperand struct {
	Key string
}

func (LiteralOperand) operand()  {}
func (VariableOperand) operand() {}

// Literal returns a literal operand.
func Literal(v float64) Operand { return LiteralOperand{Value: v} }

// Variable returns a variable reference operand.
func Variable(key string) Operand { return VariableOperand{Key: key} }

// Operand kinds as they appear on the wire.
const (
	OperandKindLiteral  = "literal"
	OperandKindVariable = "variable"
)

type operandJSON struct {
	Kind  string   `json:"kind"`
	Value *float64 `json:"value,omitempty"`
	Key   string   `json:"key,omitempty"`
}

func marshalOperand(o Operand) operandJSON {
	switch v := o.(type) {
	case LiteralOperand:
		val := v.Value
		return operandJSON{Kind: OperandKindLiteral, Value: &val}
	case VariableOperand:
		return operandJSON{Kind: OperandKindVariable, Key: v.Key}
	}
	return operandJSON{}
}

func unmarshalOperand(raw operandJSON) (Operand, error) {
	switch raw.Kind {
	case OperandKindLiteral:
		if raw.Value == nil {
			return nil, fmt.Errorf("literal operand requires a value")
		}
		return LiteralOperand{Value: *raw.Value}, nil
	case OperandKindVariable:
		if raw.Key == "" {
			return nil, fmt.Errorf("variable operand requires a key")
		}
		return VariableOperand{Key: raw.Key}, nil
	default:
		return nil, fmt.Errorf("unknown operand kind %q", raw.Kind)
	}
}

type conditionJSON struct {
	Left     operandJSON `json:"left"`
	Operator Operator    `json:"operator"`
	Right    operandJSON `json:"right"`
}

// MarshalJSON encodes operands with their kind tag.
func (c Condition) MarshalJSON() ([]byte, error) {
	return json.Marshal(conditionJSON{
		Left:     marshalOperand(c.Left),
		Operator: c.Operator,
		Right:    marshalOperand(c.Right),
	})
}

// UnmarshalJSON decodes a condition, rejecting operands of unknown kind.
func (c *Condition) UnmarshalJSON(data []byte) error {
	var raw conditionJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	left, err := unmarshalOperand(raw.Left)
	if err != nil {
		return fmt.Errorf("left: %w", err)
	}
	right, err := unmarshalOperand(raw.Right)
	if err != nil {
		return fmt.Errorf("right: %w", err)
	}

	c.Left = left
	c.Operator = raw.Operator
	c.Right = right
	return nil
}

// EvaluationContext is the per-call booking input. It is never persisted
// as part of a rule.
type EvaluationContext struct {
	BookingHours      float64            `json:"bookingHours"`
	VariableOverrides map[string]float64 `json:"variableOverrides,omitempty"`
}

// Branch identifies which formula, if any, produced a price.
type Branch string

const (
	BranchThen          Branch = "then"
	BranchElse          Branch = "else"
	BranchUnconditional Branch = "unconditional"
	BranchNoMatch       Branch = "no-match"
)

// PriceRuleEvaluationResult is the output of a rule evaluation.
// A nil Price means the price is unavailable and must never be shown as zero.
type PriceRuleEvaluationResult struct {
	Price  *float64 `json:"price"`
	Branch Branch   `json:"branch"`
}

// Available reports whether a price was computed.
func (r PriceRuleEvaluationResult) Available() bool {
	return r.Price != nil
}
