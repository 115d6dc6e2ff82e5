package expr

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/lyzr/conductor/common/errs"
)

// Evaluator compiles and evaluates CEL expressions with a program cache.
// Flow conditions (IF/SWITCH/LOOP) and edge conversion functions both go
// through it; deploy-time validation calls Compile so bad expressions are
// rejected before anything runs. Expressions are declarative CEL only, raw
// code strings are never evaluated.
type Evaluator struct {
	env   *cel.Env
	cache map[string]cel.Program
	mu    sync.RWMutex
}

// NewEvaluator creates a new expression evaluator
func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("input", cel.DynType),
		cel.Variable("ctx", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}

	return &Evaluator{
		env:   env,
		cache: make(map[string]cel.Program),
	}, nil
}

// Compile compiles an expression, caching the program. Returns
// VALIDATION_ERROR on malformed expressions.
func (e *Evaluator) Compile(expression string) error {
	_, err := e.program(expression)
	return err
}

// EvalBool evaluates a boolean expression against the node's input.
// Non-boolean results are a VALIDATION_ERROR.
func (e *Evaluator) EvalBool(expression string, input, ctx map[string]interface{}) (bool, error) {
	out, err := e.Eval(expression, input, ctx)
	if err != nil {
		return false, err
	}

	result, ok := out.(bool)
	if !ok {
		return false, errs.Newf(errs.KindValidation, "expression %q did not return boolean, got %T", expression, out)
	}
	return result, nil
}

// Eval evaluates an expression and returns its native value
func (e *Evaluator) Eval(expression string, input, ctx map[string]interface{}) (interface{}, error) {
	prg, err := e.program(expression)
	if err != nil {
		return nil, err
	}

	out, _, err := prg.Eval(map[string]interface{}{
		"input": input,
		"ctx":   ctx,
	})
	if err != nil {
		return nil, fmt.Errorf("expression evaluation error: %w", err)
	}

	return out.Value(), nil
}

func (e *Evaluator) program(expression string) (cel.Program, error) {
	// Workflows may write $.field as shorthand for input.field
	normalized := strings.ReplaceAll(expression, "$.", "input.")

	e.mu.RLock()
	prg, exists := e.cache[normalized]
	e.mu.RUnlock()
	if exists {
		return prg, nil
	}

	ast, issues := e.env.Compile(normalized)
	if issues != nil && issues.Err() != nil {
		return nil, errs.Wrap(errs.KindValidation, "invalid expression", issues.Err())
	}

	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}

	e.mu.Lock()
	e.cache[normalized] = prg
	e.mu.Unlock()

	return prg, nil
}

// CacheSize returns the number of cached programs
func (e *Evaluator) CacheSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.cache)
}
