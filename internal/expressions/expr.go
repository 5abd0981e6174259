package expressions

import (
	"encoding/json"
	"math"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/rivet-studio/loom/pkg/schema"
)

// CostEstimator evaluates per-node-type cost formulas. Formulas are expr
// expressions over the node's params, e.g. `0.10 * (duration ?? 5.0)`.
// Thread-safe: compiled *vm.Program objects are cached and reused.
type CostEstimator struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// NewCostEstimator creates an empty estimator.
func NewCostEstimator() *CostEstimator {
	return &CostEstimator{cache: make(map[string]*vm.Program)}
}

// Estimate evaluates the formula against the node's params. An empty
// formula costs nothing. Params fields are exposed as top-level variables;
// undefined variables resolve to nil so formulas use ?? for defaults.
func (e *CostEstimator) Estimate(formula string, params json.RawMessage) (float64, error) {
	if formula == "" {
		return 0, nil
	}

	env := map[string]any{}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &env); err != nil {
			return 0, schema.NewError(schema.ErrCodeValidation, "cost formula params are not a JSON object").WithCause(err)
		}
	}

	prg, err := e.getOrCompile(formula)
	if err != nil {
		return 0, err
	}

	out, err := vm.Run(prg, env)
	if err != nil {
		return 0, schema.NewErrorf(schema.ErrCodeInternal,
			"cost formula evaluation failed for %q: %s", formula, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": formula})
	}

	cost, ok := toFloat(out)
	if !ok {
		return 0, schema.NewErrorf(schema.ErrCodeValidation,
			"cost formula %q did not evaluate to a number", formula)
	}
	if math.IsNaN(cost) || math.IsInf(cost, 0) || cost < 0 {
		return 0, schema.NewErrorf(schema.ErrCodeValidation,
			"cost formula %q produced an invalid amount", formula)
	}
	return cost, nil
}

// getOrCompile returns a cached compiled program or compiles and caches a new one.
func (e *CostEstimator) getOrCompile(formula string) (*vm.Program, error) {
	e.mu.RLock()
	if prg, ok := e.cache[formula]; ok {
		e.mu.RUnlock()
		return prg, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	// Double-check after acquiring write lock.
	if prg, ok := e.cache[formula]; ok {
		return prg, nil
	}

	prg, err := expr.Compile(formula,
		expr.Env(map[string]any{}),
		expr.AllowUndefinedVariables(),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"cost formula compile error in %q: %s", formula, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": formula})
	}

	e.cache[formula] = prg
	return prg, nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}
