package main

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rivet-studio/loom/internal/dispatch"
	"github.com/rivet-studio/loom/internal/queue"
	"github.com/rivet-studio/loom/pkg/schema"
)

func TestRegisterLocalProviders_SkipsQueuelessTypes(t *testing.T) {
	broker := queue.NewMemoryBroker(queue.Options{Concurrency: 1}, nil)
	reg := dispatch.DefaultRegistry()

	registerLocalProviders(broker, reg, newLogger("error"))

	queues := broker.Queues()
	assert.NotContains(t, queues, "")
	assert.ElementsMatch(t, reg.Queues(), queues)
}

func TestLocalProviderHandler_CoversDeclaredHandles(t *testing.T) {
	handles := []schema.HandleSpec{
		{Name: "image", Type: schema.HandleImage},
		{Name: "seed", Type: schema.HandleNumber},
	}
	h := localProviderHandler("image-generation", handles)

	res, err := h(context.Background(), &queue.Job{ID: "job-1", NodeID: "img"})
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(res.Output, &out))
	assert.Contains(t, out["image"], "loom://local/image-generation/")
	assert.Equal(t, float64(0), out["seed"])
}
