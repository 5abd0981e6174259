package expressions

import (
	"context"
	"sync"

	"github.com/itchyny/gojq"

	"github.com/rivet-studio/loom/pkg/schema"
)

// PathExtractor evaluates jq paths against JSON-shaped data. Subworkflow
// input and output mappings are jq expressions, e.g. `.image.url` or
// `.frames | map(.url)`.
// Thread-safe: compiled *Code objects are cached and reused.
type PathExtractor struct {
	mu    sync.RWMutex
	cache map[string]*gojq.Code
}

// NewPathExtractor creates an empty extractor.
func NewPathExtractor() *PathExtractor {
	return &PathExtractor{cache: make(map[string]*gojq.Code)}
}

// Extract runs the jq path against data. A path yielding exactly one value
// returns it directly; multiple values are collected into []any; no values
// return nil.
func (e *PathExtractor) Extract(ctx context.Context, path string, data any) (any, error) {
	if path == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty mapping path")
	}

	code, err := e.getOrCompile(path)
	if err != nil {
		return nil, err
	}

	iter := code.RunWithContext(ctx, data)

	var results []any
	for {
		val, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := val.(error); isErr {
			return nil, schema.NewErrorf(schema.ErrCodeInternal,
				"mapping path %q failed: %s", path, err.Error()).
				WithCause(err).
				WithDetails(map[string]any{"expression": path})
		}
		results = append(results, val)
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

// getOrCompile returns cached compiled code or compiles and caches it.
func (e *PathExtractor) getOrCompile(path string) (*gojq.Code, error) {
	e.mu.RLock()
	if code, ok := e.cache[path]; ok {
		e.mu.RUnlock()
		return code, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	// Double-check after acquiring write lock.
	if code, ok := e.cache[path]; ok {
		return code, nil
	}

	query, err := gojq.Parse(path)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"mapping path parse error in %q: %s", path, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": path})
	}

	code, err := gojq.Compile(query,
		// Sandbox: block $ENV and env access.
		gojq.WithEnvironLoader(func() []string { return nil }),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"mapping path compile error in %q: %s", path, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": path})
	}

	e.cache[path] = code
	return code, nil
}
