package mcp

import "sync"

// SessionRegistry tracks which MCP session is watching which execution.
// Entries are added automatically when a client runs or inspects an
// execution; a reverse index keeps disconnect cleanup cheap.
type SessionRegistry struct {
	mu          sync.RWMutex
	byExecution map[string]string
	bySession   map[string]map[string]struct{}
}

// NewSessionRegistry creates a new empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		byExecution: make(map[string]string),
		bySession:   make(map[string]map[string]struct{}),
	}
}

// Register associates an execution with a session, replacing any previous
// watcher of that execution.
func (r *SessionRegistry) Register(executionID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.byExecution[executionID]; ok && prev != sessionID {
		delete(r.bySession[prev], executionID)
		if len(r.bySession[prev]) == 0 {
			delete(r.bySession, prev)
		}
	}
	r.byExecution[executionID] = sessionID
	if r.bySession[sessionID] == nil {
		r.bySession[sessionID] = make(map[string]struct{})
	}
	r.bySession[sessionID][executionID] = struct{}{}
}

// SessionFor returns the session watching the given execution, if any.
func (r *SessionRegistry) SessionFor(executionID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.byExecution[executionID]
	return sid, ok
}

// Remove drops every execution mapping held by a disconnected session.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for executionID := range r.bySession[sessionID] {
		delete(r.byExecution, executionID)
	}
	delete(r.bySession, sessionID)
}
