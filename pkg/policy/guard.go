package policy

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// GuardEngine evaluates optional CEL guard expressions attached to rules.
// A guard gates whether the rule participates in evaluation at all; the
// rule's JSON logic still decides the outcome.
type GuardEngine struct {
	env   *cel.Env
	cache map[string]cel.Program
	mu    sync.RWMutex
}

func NewGuardEngine() (*GuardEngine, error) {
	// Guards see the same flattened request context the rule logic sees,
	// exposed as a single "input" map.
	env, err := cel.NewEnv(
		cel.Variable("input", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}
	return &GuardEngine{
		env:   env,
		cache: make(map[string]cel.Program),
	}, nil
}

// Eval compiles (with caching) and evaluates a guard expression.
func (ge *GuardEngine) Eval(expression string, input map[string]any) (bool, error) {
	ge.mu.RLock()
	prg, hit := ge.cache[expression]
	ge.mu.RUnlock()

	if !hit {
		ge.mu.Lock()
		if prg, hit = ge.cache[expression]; !hit {
			ast, issues := ge.env.Compile(expression)
			if issues != nil && issues.Err() != nil {
				ge.mu.Unlock()
				return false, fmt.Errorf("CEL compile error: %w", issues.Err())
			}
			p, err := ge.env.Program(ast)
			if err != nil {
				ge.mu.Unlock()
				return false, fmt.Errorf("CEL program error: %w", err)
			}
			ge.cache[expression] = p
			prg = p
		}
		ge.mu.Unlock()
	}

	out, _, err := prg.Eval(map[string]any{"input": input})
	if err != nil {
		return false, fmt.Errorf("CEL eval error: %w", err)
	}
	allowed, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("guard result not boolean")
	}
	return allowed, nil
}

// Check validates that an expression compiles, without evaluating it.
// Used at rule load time so bad guards are rejected as malformed.
func (ge *GuardEngine) Check(expression string) error {
	ge.mu.RLock()
	_, hit := ge.cache[expression]
	ge.mu.RUnlock()
	if hit {
		return nil
	}
	ast, issues := ge.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("CEL compile error: %w", issues.Err())
	}
	p, err := ge.env.Program(ast)
	if err != nil {
		return fmt.Errorf("CEL program error: %w", err)
	}
	ge.mu.Lock()
	ge.cache[expression] = p
	ge.mu.Unlock()
	return nil
}
