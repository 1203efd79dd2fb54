package formula

import (
	"sync"
)

// Program is a parsed formula ready for repeated evaluation. A Program built
// from invalid source keeps the parse error and always evaluates to no value.
type Program struct {
	source string
	expr   Expr
	err    error
}

// Compile parses src into a Program. The returned error mirrors Err().
func Compile(src string) (*Program, error) {
	expr, err := Parse(src)
	return &Program{source: src, expr: expr, err: err}, err
}

// Source returns the formula text.
func (p *Program) Source() string { return p.source }

// Err returns the parse error, if any.
func (p *Program) Err() error { return p.err }

// Expr returns the parsed tree, nil when the source did not parse.
func (p *Program) Expr() Expr { return p.expr }

// Eval evaluates the program. It returns nil when the formula is malformed or
// its value cannot be computed.
func (p *Program) Eval(r Resolver) *float64 {
	if p == nil || p.err != nil || p.expr == nil {
		return nil
	}
	v, ok := p.expr.Eval(r)
	if !ok {
		return nil
	}
	return &v
}

// Evaluate parses and evaluates src in one step.
func Evaluate(src string, r Resolver) *float64 {
	p, _ := Compile(src)
	return p.Eval(r)
}

// Cache memoizes compiled programs by source text. It is safe for concurrent
// use. When full, the cache is cleared rather than tracking recency.
type Cache struct {
	mu       sync.RWMutex
	maxSize  int
	programs map[string]*Program
}

// NewCache creates a cache holding at most maxSize programs.
func NewCache(maxSize int) *Cache {
	if maxSize <= 0 {
		maxSize = 4096
	}
	return &Cache{
		maxSize:  maxSize,
		programs: make(map[string]*Program),
	}
}

// Get returns the compiled program for src, compiling it on first use.
func (c *Cache) Get(src string) *Program {
	c.mu.RLock()
	p, ok := c.programs[src]
	c.mu.RUnlock()
	if ok {
		return p
	}

	p, _ = Compile(src)

	c.mu.Lock()
	if len(c.programs) >= c.maxSize {
		c.programs = make(map[string]*Program)
	}
	c.programs[src] = p
	c.mu.Unlock()

	return p
}

// Len returns the number of cached programs.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.programs)
}
