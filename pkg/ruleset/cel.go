package ruleset

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/Ignacio1972/mineria-sub003/pkg/contracts"
)

// ThresholdEvaluator compiles and runs sector threshold expressions. The
// expressions see the declared project attributes as `attrs`, a map of
// string to dyn in which every number is a double.
type ThresholdEvaluator struct {
	env      *cel.Env
	mu       sync.RWMutex
	prgCache map[string]cel.Program
}

// NewThresholdEvaluator builds the CEL environment.
func NewThresholdEvaluator() (*ThresholdEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("attrs", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("ruleset: create CEL environment: %w", err)
	}
	return &ThresholdEvaluator{env: env, prgCache: make(map[string]cel.Program)}, nil
}

// Compile checks that expr is a boolean expression, caching the program.
func (e *ThresholdEvaluator) Compile(expr string) error {
	_, err := e.program(expr)
	return err
}

// Exceeded evaluates t against the attributes. A threshold whose attribute is
// not declared is never exceeded.
func (e *ThresholdEvaluator) Exceeded(t Threshold, attrs contracts.Attributes) (bool, error) {
	if t.Attribute != "" {
		if _, declared := attrs[t.Attribute]; !declared {
			return false, nil
		}
	}

	prg, err := e.program(t.Expression)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(map[string]any{"attrs": celAttributes(attrs)})
	if err != nil {
		return false, fmt.Errorf("ruleset: threshold %s: eval: %w", t.Name, err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("ruleset: threshold %s: result is not bool", t.Name)
	}
	return val, nil
}

func (e *ThresholdEvaluator) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, hit := e.prgCache[expr]
	e.mu.RUnlock()
	if hit {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, hit = e.prgCache[expr]; hit {
		return prg, nil
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: compile %q: %v", ErrInvalidRuleSet, expr, issues.Err())
	}
	if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("%w: %q must evaluate to bool, got %s", ErrInvalidRuleSet, expr, ast.OutputType())
	}
	p, err := e.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: program %q: %v", ErrInvalidRuleSet, expr, err)
	}
	e.prgCache[expr] = p
	return p, nil
}

// celAttributes normalises numbers to float64 so expressions compare doubles.
func celAttributes(attrs contracts.Attributes) map[string]any {
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		if n, ok := attrs.Number(k); ok {
			out[k] = n
			continue
		}
		switch t := v.(type) {
		case bool, string:
			out[k] = t
		}
	}
	return out
}
