package expressions

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/rivet-studio/loom/pkg/schema"
)

// RetryEvaluator decides whether a failed node attempt may be retried, by
// evaluating the node type's CEL predicate against the provider error.
// Thread-safe: compiled programs are cached and reused across goroutines.
//
// The environment exposes:
//   - error:   map(string, dyn) with code, message, details of the failure
//   - attempt: int, 1-based attempt count that just failed
//   - node:    map(string, dyn) with id and type of the failing node
type RetryEvaluator struct {
	env *cel.Env

	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewRetryEvaluator creates a retry evaluator with a sandboxed environment.
func NewRetryEvaluator() (*RetryEvaluator, error) {
	mapType := cel.MapType(cel.StringType, cel.DynType)

	env, err := cel.NewEnv(
		cel.Variable("error", mapType),
		cel.Variable("attempt", cel.IntType),
		cel.Variable("node", mapType),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	return &RetryEvaluator{
		env:   env,
		cache: make(map[string]cel.Program),
	}, nil
}

// Retryable evaluates the predicate for the given failure. An empty
// predicate falls back to the error code's default retry class. A predicate
// that does not evaluate to a bool is a validation error.
func (e *RetryEvaluator) Retryable(ctx context.Context, predicate string, lmErr *schema.LoomError, attempt int, node *schema.Node) (bool, error) {
	if predicate == "" {
		return lmErr.IsRetryable(), nil
	}

	prg, err := e.getOrCompile(predicate)
	if err != nil {
		return false, err
	}

	activation := map[string]any{
		"error": map[string]any{
			"code":    lmErr.Code,
			"message": lmErr.Message,
			"details": detailsOrEmpty(lmErr.Details),
		},
		"attempt": attempt,
		"node":    map[string]any{"id": node.ID, "type": string(node.Type)},
	}

	out, _, err := prg.Eval(activation)
	if err != nil {
		return false, schema.NewErrorf(schema.ErrCodeInternal,
			"retry predicate evaluation failed for %q: %s", predicate, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": predicate})
	}

	b, ok := out.Value().(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeValidation,
			"retry predicate %q did not evaluate to bool", predicate)
	}
	return b, nil
}

// getOrCompile returns a cached compiled program or compiles and caches a new one.
func (e *RetryEvaluator) getOrCompile(predicate string) (cel.Program, error) {
	e.mu.RLock()
	if prg, ok := e.cache[predicate]; ok {
		e.mu.RUnlock()
		return prg, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	// Double-check after acquiring write lock.
	if prg, ok := e.cache[predicate]; ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(predicate)
	if issues != nil && issues.Err() != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"retry predicate compile error in %q: %s", predicate, issues.Err().Error()).
			WithCause(issues.Err()).
			WithDetails(map[string]any{"expression": predicate})
	}

	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"retry predicate program error for %q: %s", predicate, err.Error()).
			WithCause(err)
	}

	e.cache[predicate] = prg
	return prg, nil
}

func detailsOrEmpty(d map[string]any) map[string]any {
	if d == nil {
		return map[string]any{}
	}
	return d
}
