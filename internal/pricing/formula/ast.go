package formula

import (
	"math"
	"strconv"
	"strings"
)

// Resolver looks up variable values. Keys are passed through as written in
// the formula; implementations normalize them.
type Resolver interface {
	Lookup(key string) (float64, bool)
}

// Expr is a node of a parsed formula.
type Expr interface {
	// Eval computes the node value. ok is false when the value is unknown.
	Eval(r Resolver) (v float64, ok bool)
	String() string
}

// Number is a numeric literal.
type Number struct {
	Value float64
}

// Ident is a variable reference.
type Ident struct {
	Name string
}

// Neg is unary minus.
type Neg struct {
	X Expr
}

// Binary is one of + - * /.
type Binary struct {
	Op   byte
	L, R Expr
}

func (n Number) Eval(Resolver) (float64, bool) { return n.Value, true }

func (n Number) String() string { return strconv.FormatFloat(n.Value, 'g', -1, 64) }

func (n Ident) Eval(r Resolver) (float64, bool) {
	if r == nil {
		return 0, false
	}
	v, ok := r.Lookup(n.Name)
	if !ok || !finite(v) {
		return 0, false
	}
	return v, true
}

func (n Ident) String() string { return strings.ToLower(n.Name) }

func (n Neg) Eval(r Resolver) (float64, bool) {
	v, ok := n.X.Eval(r)
	if !ok {
		return 0, false
	}
	return -v, true
}

func (n Neg) String() string { return "(-" + n.X.String() + ")" }

func (n Binary) Eval(r Resolver) (float64, bool) {
	l, ok := n.L.Eval(r)
	if !ok {
		return 0, false
	}
	rv, ok := n.R.Eval(r)
	if !ok {
		return 0, false
	}

	var v float64
	switch n.Op {
	case '+':
		v = l + rv
	case '-':
		v = l - rv
	case '*':
		v = l * rv
	case '/':
		if rv == 0 {
			return 0, false
		}
		v = l / rv
	default:
		return 0, false
	}

	if !finite(v) {
		return 0, false
	}
	return v, true
}

func (n Binary) String() string {
	return "(" + n.L.String() + " " + string(n.Op) + " " + n.R.String() + ")"
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Identifiers returns the distinct lower-cased variable names referenced by e,
// in order of first appearance.
func Identifiers(e Expr) []string {
	var names []string
	seen := make(map[string]bool)
	var walk func(Expr)
	walk = func(e Expr) {
		switch n := e.(type) {
		case Ident:
			name := strings.ToLower(n.Name)
			if !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
		case Neg:
			walk(n.X)
		case Binary:
			walk(n.L)
			walk(n.R)
		}
	}
	walk(e)
	return names
}
