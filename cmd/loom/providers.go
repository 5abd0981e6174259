package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/rivet-studio/loom/internal/dispatch"
	"github.com/rivet-studio/loom/internal/queue"
	"github.com/rivet-studio/loom/pkg/schema"
)

// registerLocalProviders attaches a placeholder handler to every queue in
// the catalogue. Single-node deployments get a working pipeline out of the
// box; real deployments attach provider workers and disable this with
// LOOM_LOCAL_PROVIDERS=false.
func registerLocalProviders(broker *queue.MemoryBroker, reg *dispatch.Registry, logger *slog.Logger) {
	// One queue can serve several node types; the union of their output
	// handles decides what the placeholder produces.
	outputs := make(map[string][]schema.HandleSpec)
	for _, typ := range reg.Types() {
		spec, _ := reg.Spec(typ)
		// Node types the engine runs itself, subworkflows among them,
		// have no queue and need no provider.
		if spec.Queue == "" {
			continue
		}
		outputs[spec.Queue] = append(outputs[spec.Queue], spec.Outputs...)
	}

	for queueName, handles := range outputs {
		broker.Register(queueName, localProviderHandler(queueName, handles))
	}
	logger.Info("local placeholder providers registered", "queues", len(outputs))
}

func localProviderHandler(queueName string, handles []schema.HandleSpec) queue.Handler {
	return func(ctx context.Context, job *queue.Job) (*queue.Result, error) {
		out := make(map[string]any, len(handles))
		for _, h := range handles {
			out[h.Name] = placeholderValue(h, queueName, job)
		}
		data, err := json.Marshal(out)
		if err != nil {
			return nil, err
		}
		return &queue.Result{Output: data}, nil
	}
}

func placeholderValue(h schema.HandleSpec, queueName string, job *queue.Job) any {
	switch h.Type {
	case schema.HandleImage:
		return fmt.Sprintf("loom://local/%s/%s/%s.png", queueName, job.ID, h.Name)
	case schema.HandleVideo:
		return fmt.Sprintf("loom://local/%s/%s/%s.mp4", queueName, job.ID, h.Name)
	case schema.HandleAudio:
		return fmt.Sprintf("loom://local/%s/%s/%s.wav", queueName, job.ID, h.Name)
	case schema.HandleNumber:
		return 0
	default:
		return fmt.Sprintf("placeholder %s output for node %s", queueName, job.NodeID)
	}
}
