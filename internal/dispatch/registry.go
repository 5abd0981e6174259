package dispatch

import (
	"encoding/json"

	"github.com/rivet-studio/loom/pkg/schema"
)

// Registry holds the node type specs an engine instance operates with.
// It is populated at startup and read-only afterwards, so no locking.
type Registry struct {
	specs map[schema.NodeType]*schema.NodeTypeSpec
}

// NewRegistry builds a registry from the given specs.
func NewRegistry(specs ...*schema.NodeTypeSpec) *Registry {
	r := &Registry{specs: make(map[schema.NodeType]*schema.NodeTypeSpec, len(specs))}
	for _, s := range specs {
		r.specs[s.Type] = s
	}
	return r
}

// Spec returns the spec for a node type.
func (r *Registry) Spec(t schema.NodeType) (*schema.NodeTypeSpec, bool) {
	s, ok := r.specs[t]
	return s, ok
}

// Types returns all registered node types.
func (r *Registry) Types() []schema.NodeType {
	out := make([]schema.NodeType, 0, len(r.specs))
	for t := range r.specs {
		out = append(out, t)
	}
	return out
}

// Queues returns the distinct queue names referenced by registered specs.
func (r *Registry) Queues() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, s := range r.specs {
		if s.Queue == "" {
			continue
		}
		if _, ok := seen[s.Queue]; ok {
			continue
		}
		seen[s.Queue] = struct{}{}
		out = append(out, s.Queue)
	}
	return out
}

// DefaultRegistry returns the built-in node type catalogue. Cost formulas
// are expr expressions over the node payload; retryable predicates are CEL
// expressions over the provider error.
func DefaultRegistry() *Registry {
	return NewRegistry(
		&schema.NodeTypeSpec{
			Type:    schema.NodeTypePrompt,
			Queue:   "prompt",
			Outputs: []schema.HandleSpec{{Name: "text", Type: schema.HandleText}},
			PayloadSchema: json.RawMessage(`{
				"type": "object",
				"required": ["text"],
				"properties": {
					"text": {"type": "string", "minLength": 1}
				}
			}`),
			Retry: &schema.RetryPolicy{MaxAttempts: 2, Backoff: "constant", Delay: "1s"},
		},
		&schema.NodeTypeSpec{
			Type:  schema.NodeTypeImageGen,
			Queue: "image-generation",
			Inputs: []schema.HandleSpec{
				{Name: "prompt", Type: schema.HandleText, Required: true},
				{Name: "reference", Type: schema.HandleImage},
			},
			Outputs: []schema.HandleSpec{{Name: "image", Type: schema.HandleImage}},
			PayloadSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"model": {"type": "string"},
					"count": {"type": "integer", "minimum": 1, "maximum": 8},
					"width": {"type": "integer"},
					"height": {"type": "integer"}
				}
			}`),
			CostEstimate: `0.04 * max(count ?? 1, 1)`,
			Retry: &schema.RetryPolicy{
				MaxAttempts: 3, Backoff: "exponential", Delay: "2s", MaxDelay: "30s",
				Retryable: `error.code in ["PROVIDER_ERROR", "STALL_TIMEOUT"] && !error.message.contains("content policy")`,
			},
		},
		&schema.NodeTypeSpec{
			Type:  schema.NodeTypeVideoGen,
			Queue: "video-generation",
			Inputs: []schema.HandleSpec{
				{Name: "image", Type: schema.HandleImage, Required: true},
				{Name: "prompt", Type: schema.HandleText},
			},
			Outputs: []schema.HandleSpec{{Name: "video", Type: schema.HandleVideo}},
			PayloadSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"model": {"type": "string"},
					"duration": {"type": "number", "minimum": 1, "maximum": 60},
					"fps": {"type": "integer"}
				}
			}`),
			CostEstimate: `0.10 * (duration ?? 5.0)`,
			Retry: &schema.RetryPolicy{
				MaxAttempts: 3, Backoff: "exponential", Delay: "5s", MaxDelay: "2m",
				Retryable: `error.code in ["PROVIDER_ERROR", "STALL_TIMEOUT"]`,
			},
		},
		&schema.NodeTypeSpec{
			Type:  schema.NodeTypeLLM,
			Queue: "llm-generation",
			Inputs: []schema.HandleSpec{
				{Name: "prompt", Type: schema.HandleText, Required: true},
				{Name: "context", Type: schema.HandleText},
			},
			Outputs: []schema.HandleSpec{{Name: "text", Type: schema.HandleText}},
			PayloadSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"model": {"type": "string"},
					"max_tokens": {"type": "integer", "minimum": 1},
					"temperature": {"type": "number", "minimum": 0, "maximum": 2}
				}
			}`),
			CostEstimate: `(max_tokens ?? 1024) / 1000.0 * 0.002`,
			Retry: &schema.RetryPolicy{
				MaxAttempts: 4, Backoff: "exponential", Delay: "1s", MaxDelay: "30s",
				Retryable: `error.code != "NON_RETRYABLE"`,
			},
		},
		&schema.NodeTypeSpec{
			Type:  schema.NodeTypeAudioGen,
			Queue: "audio-generation",
			Inputs: []schema.HandleSpec{
				{Name: "text", Type: schema.HandleText, Required: true},
			},
			Outputs: []schema.HandleSpec{{Name: "audio", Type: schema.HandleAudio}},
			PayloadSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"voice": {"type": "string"},
					"duration": {"type": "number", "minimum": 0}
				}
			}`),
			CostEstimate: `0.02 * (duration ?? 10.0)`,
			Retry: &schema.RetryPolicy{
				MaxAttempts: 3, Backoff: "linear", Delay: "2s",
				Retryable: `error.code in ["PROVIDER_ERROR", "STALL_TIMEOUT"]`,
			},
		},
		&schema.NodeTypeSpec{
			Type:  schema.NodeTypePostProcess,
			Queue: "post-process",
			Inputs: []schema.HandleSpec{
				{Name: "input", Type: schema.HandleAny, Required: true},
			},
			Outputs: []schema.HandleSpec{{Name: "output", Type: schema.HandleAny}},
			PayloadSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"operation": {"type": "string"}
				}
			}`),
			Retry: &schema.RetryPolicy{MaxAttempts: 2, Backoff: "constant", Delay: "1s"},
		},
		&schema.NodeTypeSpec{
			Type:  schema.NodeTypeOutput,
			Queue: "output",
			Inputs: []schema.HandleSpec{
				{Name: "result", Type: schema.HandleAny, Required: true},
			},
			Retry: &schema.RetryPolicy{MaxAttempts: 2, Backoff: "constant", Delay: "500ms"},
		},
		// Subworkflow nodes never reach a provider queue; the engine runs
		// the referenced workflow in-process. Ports come from the cached
		// interface on the node, not from this spec.
		&schema.NodeTypeSpec{
			Type: schema.NodeTypeSubworkflow,
		},
	)
}
