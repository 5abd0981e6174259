package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSessionRegistry_RegisterAndLookup(t *testing.T) {
	r := NewSessionRegistry()

	_, ok := r.SessionFor("exec-1")
	assert.False(t, ok)

	r.Register("exec-1", "session-a")
	sid, ok := r.SessionFor("exec-1")
	assert.True(t, ok)
	assert.Equal(t, "session-a", sid)
}

func TestSessionRegistry_ReconnectOverwrites(t *testing.T) {
	r := NewSessionRegistry()
	r.Register("exec-1", "session-a")
	r.Register("exec-1", "session-b")

	sid, ok := r.SessionFor("exec-1")
	assert.True(t, ok)
	assert.Equal(t, "session-b", sid)
}

func TestSessionRegistry_RemoveClearsAllMappings(t *testing.T) {
	r := NewSessionRegistry()
	r.Register("exec-1", "session-a")
	r.Register("exec-2", "session-a")
	r.Register("exec-3", "session-b")

	r.Remove("session-a")

	_, ok := r.SessionFor("exec-1")
	assert.False(t, ok)
	_, ok = r.SessionFor("exec-2")
	assert.False(t, ok)
	sid, ok := r.SessionFor("exec-3")
	assert.True(t, ok)
	assert.Equal(t, "session-b", sid)
}
