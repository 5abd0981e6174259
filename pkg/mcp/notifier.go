package mcp

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rivet-studio/loom/internal/streaming"
)

// Notify pushes an event payload to the session watching the execution.
// Best-effort: returns nil if no client is watching.
func (s *LoomServer) Notify(_ context.Context, executionID string, payload map[string]any) error {
	sessionID, ok := s.sessions.SessionFor(executionID)
	if !ok {
		return nil
	}
	err := s.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		// Session expired between lookup and send.
		s.sessions.Remove(sessionID)
		return nil
	}
	return err
}

// StartEventBridge forwards engine events from the hub to watching MCP
// clients until ctx is cancelled. Returns immediately if no hub is wired.
func (s *LoomServer) StartEventBridge(ctx context.Context) error {
	if s.hub == nil {
		return nil
	}
	ch, cancel, err := s.hub.Subscribe(ctx, streaming.EventFilter{})
	if err != nil {
		return err
	}

	go func() {
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-ch:
				if !ok {
					return
				}
				if notifyErr := s.Notify(ctx, event.ExecutionID, map[string]any{
					"execution_id": event.ExecutionID,
					"node_id":      event.NodeID,
					"event_type":   event.EventType,
					"payload":      event.Payload,
				}); notifyErr != nil {
					s.logger.Warn("MCP push failed", "execution_id", event.ExecutionID, "error", notifyErr)
				}
			}
		}
	}()
	return nil
}
