package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rivet-studio/loom/pkg/schema"
)

// mapRegistry is a minimal Registry backed by a map, mirroring how the
// engine injects node-type configuration.
type mapRegistry map[schema.NodeType]*schema.NodeTypeSpec

func (m mapRegistry) Spec(t schema.NodeType) (*schema.NodeTypeSpec, bool) {
	s, ok := m[t]
	return s, ok
}

func testRegistry() mapRegistry {
	return mapRegistry{
		schema.NodeTypePrompt: {
			Type:    schema.NodeTypePrompt,
			Queue:   "workflow-orchestrator",
			Outputs: []schema.HandleSpec{{Name: "text", Type: schema.HandleText}},
		},
		schema.NodeTypeImageGen: {
			Type:    schema.NodeTypeImageGen,
			Queue:   "image-generation",
			Inputs:  []schema.HandleSpec{{Name: "prompt", Type: schema.HandleText, Required: true}},
			Outputs: []schema.HandleSpec{{Name: "image", Type: schema.HandleImage}},
		},
		schema.NodeTypeVideoGen: {
			Type:    schema.NodeTypeVideoGen,
			Queue:   "video-generation",
			Inputs:  []schema.HandleSpec{{Name: "image", Type: schema.HandleImage, Required: true}},
			Outputs: []schema.HandleSpec{{Name: "video", Type: schema.HandleVideo}},
		},
		schema.NodeTypeOutput: {
			Type:   schema.NodeTypeOutput,
			Queue:  "workflow-orchestrator",
			Inputs: []schema.HandleSpec{{Name: "result", Type: schema.HandleAny, Required: true}},
		},
	}
}

func node(id string, t schema.NodeType) schema.Node {
	return schema.Node{ID: id, Type: t}
}

func edge(id, src, srcHandle, dst, dstHandle string) schema.Edge {
	return schema.Edge{ID: id, Source: src, SourceHandle: srcHandle, Target: dst, TargetHandle: dstHandle}
}

func pipelineGraph() *schema.WorkflowGraph {
	return &schema.WorkflowGraph{
		Nodes: []schema.Node{
			node("prompt", schema.NodeTypePrompt),
			node("image", schema.NodeTypeImageGen),
			node("out", schema.NodeTypeOutput),
		},
		Edges: []schema.Edge{
			edge("e1", "prompt", "text", "image", "prompt"),
			edge("e2", "image", "image", "out", "result"),
		},
	}
}

func TestValidate_LinearPipeline(t *testing.T) {
	ordered, result := Validate(pipelineGraph(), testRegistry())
	require.True(t, result.Valid(), "errors: %v", result.Errors)
	require.NotNil(t, ordered)
	assert.Equal(t, []string{"prompt", "image", "out"}, ordered.Order())
}

func TestValidate_EmptyGraph(t *testing.T) {
	_, result := Validate(&schema.WorkflowGraph{}, testRegistry())
	require.False(t, result.Valid())
	assert.Equal(t, schema.ErrCodeValidation, result.Errors[0].Code)
}

func TestValidate_DuplicateNodeID(t *testing.T) {
	g := &schema.WorkflowGraph{
		Nodes: []schema.Node{
			node("a", schema.NodeTypePrompt),
			node("a", schema.NodeTypePrompt),
		},
	}
	_, result := Validate(g, testRegistry())
	require.False(t, result.Valid())
	assert.Contains(t, result.Errors[0].Message, "duplicate node ID")
}

func TestValidate_UnknownNodeType(t *testing.T) {
	g := &schema.WorkflowGraph{
		Nodes: []schema.Node{{ID: "x", Type: "teleport"}},
	}
	_, result := Validate(g, testRegistry())
	require.False(t, result.Valid())
	assert.Contains(t, result.Errors[0].Message, "unknown type")
}

func TestValidate_DanglingEdge(t *testing.T) {
	g := pipelineGraph()
	g.Edges = append(g.Edges, edge("bad", "ghost", "text", "image", "prompt"))
	_, result := Validate(g, testRegistry())
	require.False(t, result.Valid())
	found := false
	for _, e := range result.Errors {
		if e.EdgeID == "bad" {
			found = true
		}
	}
	assert.True(t, found, "expected an error for edge 'bad'")
}

func TestValidate_IncompatibleHandle(t *testing.T) {
	g := &schema.WorkflowGraph{
		Nodes: []schema.Node{
			node("prompt", schema.NodeTypePrompt),
			node("video", schema.NodeTypeVideoGen),
		},
		Edges: []schema.Edge{
			// text output into an image input: different semantic families.
			edge("e1", "prompt", "text", "video", "image"),
		},
	}
	_, result := Validate(g, testRegistry())
	require.False(t, result.Valid())
	var codes []string
	for _, e := range result.Errors {
		codes = append(codes, e.Code)
	}
	assert.Contains(t, codes, schema.ErrCodeIncompatibleHandle)
}

func TestValidate_AnyHandleIsPolymorphic(t *testing.T) {
	g := &schema.WorkflowGraph{
		Nodes: []schema.Node{
			node("prompt", schema.NodeTypePrompt),
			node("out", schema.NodeTypeOutput),
		},
		Edges: []schema.Edge{
			edge("e1", "prompt", "text", "out", "result"),
		},
	}
	_, result := Validate(g, testRegistry())
	assert.True(t, result.Valid(), "errors: %v", result.Errors)
}

func TestValidate_MissingRequiredInput(t *testing.T) {
	g := &schema.WorkflowGraph{
		Nodes: []schema.Node{
			node("image", schema.NodeTypeImageGen), // prompt input unconnected
		},
	}
	_, result := Validate(g, testRegistry())
	require.False(t, result.Valid())
	assert.Equal(t, schema.ErrCodeMissingRequiredInput, result.Errors[0].Code)
	assert.Equal(t, "image", result.Errors[0].NodeID)
	assert.Equal(t, "prompt", result.Errors[0].Handle)
}

func TestValidate_CycleDetected(t *testing.T) {
	reg := testRegistry()
	reg[schema.NodeTypePostProcess] = &schema.NodeTypeSpec{
		Type:    schema.NodeTypePostProcess,
		Queue:   "workflow-orchestrator",
		Inputs:  []schema.HandleSpec{{Name: "in", Type: schema.HandleAny, Required: true}},
		Outputs: []schema.HandleSpec{{Name: "out", Type: schema.HandleAny}},
	}
	g := &schema.WorkflowGraph{
		Nodes: []schema.Node{
			node("a", schema.NodeTypePostProcess),
			node("b", schema.NodeTypePostProcess),
			node("c", schema.NodeTypePostProcess),
		},
		Edges: []schema.Edge{
			edge("e1", "a", "out", "b", "in"),
			edge("e2", "b", "out", "c", "in"),
			edge("e3", "c", "out", "a", "in"),
		},
	}
	_, result := Validate(g, reg)
	require.False(t, result.Valid())

	var cycle *schema.ValidationIssue
	for i := range result.Errors {
		if result.Errors[i].Code == schema.ErrCodeCycleDetected {
			cycle = &result.Errors[i]
		}
	}
	require.NotNil(t, cycle, "expected a CYCLE_DETECTED error, got %v", result.Errors)
	assert.NotEmpty(t, cycle.Path)
	assert.Equal(t, cycle.Path[0], cycle.Path[len(cycle.Path)-1], "path should close the loop")
}

func TestValidate_AnnotationEdgeExcludedFromCycle(t *testing.T) {
	g := pipelineGraph()
	// A feedback annotation from out back to prompt must not count as a cycle.
	g.Edges = append(g.Edges, schema.Edge{
		ID: "fb", Source: "out", SourceHandle: "result",
		Target: "prompt", TargetHandle: "text", Kind: schema.EdgeKindAnnotation,
	})
	ordered, result := Validate(g, testRegistry())
	require.True(t, result.Valid(), "errors: %v", result.Errors)
	assert.Equal(t, 3, ordered.Len())
}

func TestValidate_AccumulatesAllErrors(t *testing.T) {
	g := &schema.WorkflowGraph{
		Nodes: []schema.Node{
			node("image", schema.NodeTypeImageGen), // missing required input
			{ID: "weird", Type: "teleport"},        // unknown type
		},
		Edges: []schema.Edge{
			edge("bad", "nope", "x", "image", "prompt"), // dangling source
		},
	}
	_, result := Validate(g, testRegistry())
	require.False(t, result.Valid())
	assert.GreaterOrEqual(t, len(result.Errors), 3, "all problems reported at once: %v", result.Errors)
}
