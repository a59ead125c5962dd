package rules

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// Conditions compiles and evaluates CEL predicates over a record's `fields` map.
// Programs are cached by expression and safe for concurrent use.
type Conditions struct {
	env   *cel.Env
	mu    sync.RWMutex
	cache map[string]cel.Program
}

func NewConditions() (*Conditions, error) {
	env, err := cel.NewEnv(
		cel.Variable("fields", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	return &Conditions{env: env, cache: map[string]cel.Program{}}, nil
}

// Compile checks that expr is a valid boolean predicate.
func (c *Conditions) Compile(expr string) error {
	_, err := c.program(expr)
	return err
}

// Matches evaluates expr against fields.
func (c *Conditions) Matches(expr string, fields map[string]any) (bool, error) {
	prg, err := c.program(expr)
	if err != nil {
		return false, err
	}
	if fields == nil {
		fields = map[string]any{}
	}
	out, _, err := prg.Eval(map[string]any{"fields": fields})
	if err != nil {
		return false, fmt.Errorf("eval %q: %w", expr, err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("eval %q: result is %T, not bool", expr, out.Value())
	}
	return val, nil
}

func (c *Conditions) program(expr string) (cel.Program, error) {
	c.mu.RLock()
	prg, hit := c.cache[expr]
	c.mu.RUnlock()
	if hit {
		return prg, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if prg, hit = c.cache[expr]; hit {
		return prg, nil
	}

	ast, issues := c.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile %q: %w", expr, issues.Err())
	}
	if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("compile %q: expression yields %s, not bool", expr, ast.OutputType())
	}
	prg, err := c.env.Program(ast, cel.InterruptCheckFrequency(100), cel.CostLimit(10000))
	if err != nil {
		return nil, fmt.Errorf("program %q: %w", expr, err)
	}
	c.cache[expr] = prg
	return prg, nil
}
