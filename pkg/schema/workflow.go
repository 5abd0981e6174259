package schema

import "encoding/json"

// WorkflowGraph is the JSON-serializable node/edge graph format produced by
// the editor and consumed by the engine.
type WorkflowGraph struct {
	Nodes    []Node         `json:"nodes"`
	Edges    []Edge         `json:"edges"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Node is one step in a workflow graph.
type Node struct {
	ID   string          `json:"id"`
	Type NodeType        `json:"type"`
	Data json.RawMessage `json:"data,omitempty"` // node-type specific payload
}

// Edge connects an output handle of one node to an input handle of another.
type Edge struct {
	ID           string   `json:"id"`
	Source       string   `json:"source"`
	SourceHandle string   `json:"source_handle"`
	Target       string   `json:"target"`
	TargetHandle string   `json:"target_handle"`
	Kind         EdgeKind `json:"kind,omitempty"` // data (default) | annotation
}

// EdgeKind distinguishes execution-participating edges from annotation links.
type EdgeKind string

const (
	EdgeKindData       EdgeKind = "data"
	EdgeKindAnnotation EdgeKind = "annotation"
)

// Participates reports whether the edge takes part in execution ordering.
func (e Edge) Participates() bool {
	return e.Kind == "" || e.Kind == EdgeKindData
}

// NodeType enumerates the kinds of nodes in a workflow.
type NodeType string

const (
	NodeTypePrompt      NodeType = "prompt"
	NodeTypeImageGen    NodeType = "image-generation"
	NodeTypeVideoGen    NodeType = "video-generation"
	NodeTypeLLM         NodeType = "llm-generation"
	NodeTypeAudioGen    NodeType = "audio-generation"
	NodeTypePostProcess NodeType = "post-process"
	NodeTypeOutput      NodeType = "output"
	NodeTypeSubworkflow NodeType = "subworkflow"
)

// HandleType is the semantic family of a node port.
type HandleType string

const (
	HandleImage  HandleType = "image"
	HandleVideo  HandleType = "video"
	HandleText   HandleType = "text"
	HandleNumber HandleType = "number"
	HandleAudio  HandleType = "audio"
	HandleAny    HandleType = "any"
)

// Compatible reports whether a value of type src may flow into a port of
// type dst. Either side may declare itself polymorphic ("any").
func (src HandleType) Compatible(dst HandleType) bool {
	return src == dst || src == HandleAny || dst == HandleAny
}

// HandleSpec declares one typed input or output port of a node type.
type HandleSpec struct {
	Name     string     `json:"name"`
	Type     HandleType `json:"type"`
	Required bool       `json:"required,omitempty"`
}

// RetryPolicy configures the retry budget for one node type.
type RetryPolicy struct {
	MaxAttempts int    `json:"max_attempts"`         // total attempts before dead-lettering
	Backoff     string `json:"backoff,omitempty"`    // none | constant | linear | exponential
	Delay       string `json:"delay,omitempty"`      // initial delay (e.g. "1s", "500ms")
	MaxDelay    string `json:"max_delay,omitempty"`  // cap for computed delay
	Retryable   string `json:"retryable,omitempty"`  // CEL predicate over provider errors
}

// NodeTypeSpec is the injected per-node-type configuration: which queue the
// type dispatches to, its port declarations, the JSON schema its payload must
// satisfy, a cost-estimate formula, and its retry budget. The engine carries
// these in an explicit registry rather than process-wide maps so tests and
// concurrent engine instances stay isolated.
type NodeTypeSpec struct {
	Type          NodeType        `json:"type"`
	Queue         string          `json:"queue"`
	Inputs        []HandleSpec    `json:"inputs,omitempty"`
	Outputs       []HandleSpec    `json:"outputs,omitempty"`
	PayloadSchema json.RawMessage `json:"payload_schema,omitempty"`
	CostEstimate  string          `json:"cost_estimate,omitempty"` // expr formula over payload fields
	Retry         *RetryPolicy    `json:"retry,omitempty"`
}

// WorkflowInterface is the contract a workflow publishes to be referenceable
// by another workflow.
type WorkflowInterface struct {
	Inputs  []InputPort  `json:"inputs"`
	Outputs []OutputPort `json:"outputs"`
}

// InputPort is one declared input of a workflow interface.
type InputPort struct {
	Name     string     `json:"name"`
	Type     HandleType `json:"type"`
	Required bool       `json:"required,omitempty"`
}

// OutputPort is one declared output of a workflow interface.
type OutputPort struct {
	Name string     `json:"name"`
	Type HandleType `json:"type"`
}

// SubworkflowReference is held by a subworkflow node and points at another,
// independently stored, workflow. The cached interface is a snapshot
// refreshed on demand, not a live join.
type SubworkflowReference struct {
	ReferencedWorkflowID string             `json:"referenced_workflow_id"`
	CachedInterface      WorkflowInterface  `json:"cached_interface"`
	InputMappings        map[string]*string `json:"input_mappings"`  // input name -> source node output path (nil = unbound)
	OutputMappings       map[string]*string `json:"output_mappings"` // output name -> child node output path (nil = unbound)
	ChildExecutionID     string             `json:"child_execution_id,omitempty"`
}

// ExecutionMode selects whether a run request blocks until completion.
type ExecutionMode string

const (
	ExecutionModeSync  ExecutionMode = "sync"
	ExecutionModeAsync ExecutionMode = "async"
)

// CostSummary tracks estimated versus actual spend of one execution.
type CostSummary struct {
	Estimated float64 `json:"estimated"`
	Actual    float64 `json:"actual"`
	Variance  float64 `json:"variance"` // actual - estimated
}
