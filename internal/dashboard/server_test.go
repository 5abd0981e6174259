package dashboard

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rivet-studio/loom/internal/dispatch"
	"github.com/rivet-studio/loom/internal/engine"
	"github.com/rivet-studio/loom/internal/queue"
	"github.com/rivet-studio/loom/internal/recovery"
	"github.com/rivet-studio/loom/internal/store"
	"github.com/rivet-studio/loom/internal/streaming"
	"github.com/rivet-studio/loom/pkg/schema"
)

type apiRig struct {
	srv   *httptest.Server
	store *store.LibSQLStore
	hub   *streaming.MemoryHub
}

// newAPIRig stands up the full stack behind an httptest server: store,
// broker with echo handlers, engine, recoverer, hub.
func newAPIRig(t *testing.T) *apiRig {
	t.Helper()
	ctx := context.Background()

	s, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "dashboard.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(ctx))
	t.Cleanup(func() { _ = s.Close() })

	reg := dispatch.DefaultRegistry()
	broker := queue.NewMemoryBroker(queue.Options{Concurrency: 2}, nil)
	for _, q := range reg.Queues() {
		queueName := q
		broker.Register(queueName, func(ctx context.Context, job *queue.Job) (*queue.Result, error) {
			out, _ := json.Marshal(map[string]any{"text": "ok", "image": "ok", "result": "ok"})
			return &queue.Result{Output: out}, nil
		})
	}

	hub := streaming.NewMemoryHub()
	events := store.NewEventLog(s)
	eng, err := engine.New(s, events, broker, reg, hub, nil, engine.Options{PoolSize: 4})
	require.NoError(t, err)
	require.NoError(t, broker.Start(ctx))

	rec := recovery.NewRecoverer(s, events, reg, eng, nil)
	srv := httptest.NewServer(NewServer(Deps{
		Store:     s,
		Engine:    eng,
		Recoverer: rec,
		Hub:       hub,
	}).Handler())

	t.Cleanup(func() {
		srv.Close()
		_ = broker.Stop(context.Background())
		eng.Shutdown()
	})
	return &apiRig{srv: srv, store: s, hub: hub}
}

func (r *apiRig) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, r.srv.URL+path, reader)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	return resp, data
}

func validGraph() schema.WorkflowGraph {
	return schema.WorkflowGraph{
		Nodes: []schema.Node{
			{ID: "p", Type: schema.NodeTypePrompt, Data: json.RawMessage(`{"text":"hello"}`)},
			{ID: "out", Type: schema.NodeTypeOutput},
		},
		Edges: []schema.Edge{
			{ID: "e1", Source: "p", SourceHandle: "text", Target: "out", TargetHandle: "result"},
		},
	}
}

func TestHealth(t *testing.T) {
	rig := newAPIRig(t)
	resp, body := rig.do(t, http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))
}

func TestWorkflowCRUD(t *testing.T) {
	rig := newAPIRig(t)

	resp, body := rig.do(t, http.MethodPost, "/api/workflows", map[string]any{
		"name":  "greeting",
		"graph": validGraph(),
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created store.Workflow
	require.NoError(t, json.Unmarshal(body, &created))
	require.NotEmpty(t, created.ID)

	resp, body = rig.do(t, http.MethodGet, "/api/workflows/"+created.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var fetched store.Workflow
	require.NoError(t, json.Unmarshal(body, &fetched))
	assert.Equal(t, "greeting", fetched.Name)
	assert.Len(t, fetched.Graph.Nodes, 2)

	newName := "greeting v2"
	resp, body = rig.do(t, http.MethodPut, "/api/workflows/"+created.ID, map[string]any{
		"name": newName,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &fetched))
	assert.Equal(t, newName, fetched.Name)
	assert.Len(t, fetched.Graph.Nodes, 2, "partial update keeps the graph")

	resp, body = rig.do(t, http.MethodGet, "/api/workflows", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var listed []*store.Workflow
	require.NoError(t, json.Unmarshal(body, &listed))
	assert.Len(t, listed, 1)

	resp, _ = rig.do(t, http.MethodDelete, "/api/workflows/"+created.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = rig.do(t, http.MethodGet, "/api/workflows/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCreateWorkflow_RequiresName(t *testing.T) {
	rig := newAPIRig(t)
	resp, _ := rig.do(t, http.MethodPost, "/api/workflows", map[string]any{"graph": validGraph()})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestValidateWorkflow_ReportsIssues(t *testing.T) {
	rig := newAPIRig(t)
	ctx := context.Background()

	bad := &store.Workflow{
		ID:   "wf-bad",
		Name: "dangling edge",
		Graph: schema.WorkflowGraph{
			Nodes: []schema.Node{{ID: "p", Type: schema.NodeTypePrompt, Data: json.RawMessage(`{"text":"x"}`)}},
			Edges: []schema.Edge{{ID: "e1", Source: "p", SourceHandle: "text", Target: "ghost", TargetHandle: "result"}},
		},
	}
	require.NoError(t, rig.store.CreateWorkflow(ctx, bad))

	resp, body := rig.do(t, http.MethodPost, "/api/workflows/wf-bad/validate", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var result schema.ValidationResult
	require.NoError(t, json.Unmarshal(body, &result))
	assert.False(t, result.Valid())
}

func TestRunWorkflow_SyncReturnsTerminalExecution(t *testing.T) {
	rig := newAPIRig(t)
	ctx := context.Background()
	require.NoError(t, rig.store.CreateWorkflow(ctx, &store.Workflow{
		ID: "wf-run", Name: "run me", Graph: validGraph(),
	}))

	resp, body := rig.do(t, http.MethodPost, "/api/workflows/wf-run/run", map[string]any{"mode": "sync"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var ex store.Execution
	require.NoError(t, json.Unmarshal(body, &ex))
	assert.Equal(t, schema.ExecutionStatusCompleted, ex.Status)

	resp, body = rig.do(t, http.MethodGet, "/api/executions/"+ex.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var report engine.StatusReport
	require.NoError(t, json.Unmarshal(body, &report))
	assert.Len(t, report.Nodes, 2)

	resp, body = rig.do(t, http.MethodGet, "/api/executions/"+ex.ID+"/events", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var events []*store.Event
	require.NoError(t, json.Unmarshal(body, &events))
	require.NotEmpty(t, events)
	assert.Equal(t, schema.EventExecutionStarted, events[0].Type)

	resp, _ = rig.do(t, http.MethodPost, "/api/executions/"+ex.ID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "terminal executions cannot be cancelled")
}

func TestRunWorkflow_UnknownWorkflow(t *testing.T) {
	rig := newAPIRig(t)
	resp, _ := rig.do(t, http.MethodPost, "/api/workflows/nope/run", map[string]any{"mode": "sync"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEstimateWorkflow(t *testing.T) {
	rig := newAPIRig(t)
	require.NoError(t, rig.store.CreateWorkflow(context.Background(), &store.Workflow{
		ID: "wf-est", Name: "estimate", Graph: validGraph(),
	}))

	resp, body := rig.do(t, http.MethodGet, "/api/workflows/wf-est/estimate", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out struct {
		Total   float64            `json:"total"`
		PerNode map[string]float64 `json:"per_node"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Len(t, out.PerNode, 2)
}

func TestAdminEndpoints(t *testing.T) {
	rig := newAPIRig(t)

	resp, body := rig.do(t, http.MethodGet, "/api/dlq", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var dlqPage struct {
		Jobs  []*store.DispatchedJob `json:"jobs"`
		Total int                    `json:"total"`
	}
	require.NoError(t, json.Unmarshal(body, &dlqPage))
	assert.Empty(t, dlqPage.Jobs)
	assert.Zero(t, dlqPage.Total)

	resp, _ = rig.do(t, http.MethodGet, "/api/metrics/queues", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = rig.do(t, http.MethodGet, "/api/metrics/jobs", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = rig.do(t, http.MethodPost, "/api/recovery/stalled", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var report recovery.Report
	require.NoError(t, json.Unmarshal(body, &report))
	assert.Zero(t, report.Requeued)
	assert.Zero(t, report.DeadLettered)

	resp, _ = rig.do(t, http.MethodPost, "/api/dlq/no-such-job/retry", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSSE_StreamsPublishedEvents(t *testing.T) {
	rig := newAPIRig(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rig.srv.URL+"/sse/executions/exec-1", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// The subscription is registered before the handler blocks on the
	// channel, but give the server a beat to reach Subscribe.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, rig.hub.Publish(ctx, streaming.StreamEvent{
		ExecutionID: "exec-1",
		NodeID:      "p",
		EventType:   schema.EventNodeStarted,
	}))
	require.NoError(t, rig.hub.Publish(ctx, streaming.StreamEvent{
		ExecutionID: "exec-other",
		EventType:   schema.EventNodeStarted,
	}))

	scanner := bufio.NewScanner(resp.Body)
	var eventLine, dataLine string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			eventLine = line
		}
		if strings.HasPrefix(line, "data: ") {
			dataLine = line
			break
		}
	}
	require.Equal(t, "event: "+schema.EventNodeStarted, eventLine)

	var ev streaming.StreamEvent
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(dataLine, "data: ")), &ev))
	assert.Equal(t, "exec-1", ev.ExecutionID)
	assert.Equal(t, "p", ev.NodeID)
}
