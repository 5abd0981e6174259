package expressions

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rivet-studio/loom/pkg/schema"
)

// --- Retry predicates ---

func newRetryEvaluator(t *testing.T) *RetryEvaluator {
	t.Helper()
	e, err := NewRetryEvaluator()
	require.NoError(t, err)
	return e
}

func imgNode() *schema.Node {
	return &schema.Node{ID: "img", Type: schema.NodeTypeImageGen}
}

func TestRetryable_ProviderErrorMatchesPredicate(t *testing.T) {
	e := newRetryEvaluator(t)
	pred := `error.code in ["PROVIDER_ERROR", "STALL_TIMEOUT"]`

	lmErr := schema.NewError(schema.ErrCodeProvider, "rate limited")
	ok, err := e.Retryable(context.Background(), pred, lmErr, 1, imgNode())
	require.NoError(t, err)
	assert.True(t, ok)

	lmErr = schema.NewError(schema.ErrCodeValidation, "bad payload")
	ok, err = e.Retryable(context.Background(), pred, lmErr, 1, imgNode())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRetryable_MessagePredicate(t *testing.T) {
	e := newRetryEvaluator(t)
	pred := `error.code == "PROVIDER_ERROR" && !error.message.contains("content policy")`

	blocked := schema.NewError(schema.ErrCodeProvider, "rejected by content policy")
	ok, err := e.Retryable(context.Background(), pred, blocked, 1, imgNode())
	require.NoError(t, err)
	assert.False(t, ok, "policy rejections must not be retried")
}

func TestRetryable_EmptyPredicateUsesErrorClass(t *testing.T) {
	e := newRetryEvaluator(t)

	ok, err := e.Retryable(context.Background(), "", schema.NewError(schema.ErrCodeStallTimeout, "stalled"), 2, imgNode())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.Retryable(context.Background(), "", schema.NewError(schema.ErrCodeCancelled, "cancelled"), 2, imgNode())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRetryable_NonBoolPredicate(t *testing.T) {
	e := newRetryEvaluator(t)
	_, err := e.Retryable(context.Background(), `error.code`, schema.NewError(schema.ErrCodeProvider, "x"), 1, imgNode())
	require.Error(t, err)
}

func TestRetryable_CompileErrorReported(t *testing.T) {
	e := newRetryEvaluator(t)
	_, err := e.Retryable(context.Background(), `error.code ==`, schema.NewError(schema.ErrCodeProvider, "x"), 1, imgNode())
	require.Error(t, err)
	lmErr, ok := err.(*schema.LoomError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeValidation, lmErr.Code)
}

// --- Cost formulas ---

func TestEstimate_FormulaOverParams(t *testing.T) {
	e := NewCostEstimator()
	cost, err := e.Estimate(`0.10 * (duration ?? 5.0)`, json.RawMessage(`{"duration": 8}`))
	require.NoError(t, err)
	assert.InDelta(t, 0.80, cost, 1e-9)
}

func TestEstimate_DefaultsWhenParamMissing(t *testing.T) {
	e := NewCostEstimator()
	cost, err := e.Estimate(`0.10 * (duration ?? 5.0)`, nil)
	require.NoError(t, err)
	assert.InDelta(t, 0.50, cost, 1e-9)
}

func TestEstimate_EmptyFormulaIsFree(t *testing.T) {
	e := NewCostEstimator()
	cost, err := e.Estimate("", json.RawMessage(`{"duration": 8}`))
	require.NoError(t, err)
	assert.Zero(t, cost)
}

func TestEstimate_NonNumericRejected(t *testing.T) {
	e := NewCostEstimator()
	_, err := e.Estimate(`"free"`, nil)
	require.Error(t, err)
}

func TestEstimate_NegativeRejected(t *testing.T) {
	e := NewCostEstimator()
	_, err := e.Estimate(`-1.0`, nil)
	require.Error(t, err)
}

// --- Mapping paths ---

func TestExtract_SimplePath(t *testing.T) {
	e := NewPathExtractor()
	data := map[string]any{"image": map[string]any{"url": "s3://bucket/img.png"}}

	out, err := e.Extract(context.Background(), `.image.url`, data)
	require.NoError(t, err)
	assert.Equal(t, "s3://bucket/img.png", out)
}

func TestExtract_MultipleOutputsCollected(t *testing.T) {
	e := NewPathExtractor()
	data := map[string]any{"frames": []any{
		map[string]any{"url": "a"},
		map[string]any{"url": "b"},
	}}

	out, err := e.Extract(context.Background(), `.frames[].url`, data)
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, out)
}

func TestExtract_MissingPathYieldsNil(t *testing.T) {
	e := NewPathExtractor()
	out, err := e.Extract(context.Background(), `.nope`, map[string]any{})
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestExtract_ParseErrorReported(t *testing.T) {
	e := NewPathExtractor()
	_, err := e.Extract(context.Background(), `.[unbalanced`, map[string]any{})
	require.Error(t, err)
	lmErr, ok := err.(*schema.LoomError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeValidation, lmErr.Code)
}

func TestExtract_EnvAccessBlocked(t *testing.T) {
	e := NewPathExtractor()
	out, err := e.Extract(context.Background(), `env.HOME`, map[string]any{})
	require.NoError(t, err)
	assert.Nil(t, out)
}
