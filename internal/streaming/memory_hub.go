package streaming

import (
	"context"
	"sync"
	"sync/atomic"
)

// eventBuffer is the per-subscriber channel depth. A subscriber that falls
// further behind than this starts losing events.
const eventBuffer = 64

type subscription struct {
	ch      chan StreamEvent
	exec    string
	types   map[string]struct{}
	dropped atomic.Uint64
	once    sync.Once
}

// wants reports whether the subscription's filter admits the event.
func (s *subscription) wants(e StreamEvent) bool {
	if s.exec != "" && s.exec != e.ExecutionID {
		return false
	}
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[e.EventType]
	return ok
}

// MemoryHub is the in-process EventHub. Delivery is fan-out over buffered
// channels; a full channel drops the event rather than stalling the
// publisher, since the engine publishes from its callback path.
type MemoryHub struct {
	mu   sync.RWMutex
	subs map[*subscription]struct{}
}

// NewMemoryHub creates an empty hub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{subs: make(map[*subscription]struct{})}
}

// Publish delivers the event to every matching subscriber without blocking.
func (h *MemoryHub) Publish(ctx context.Context, event StreamEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs {
		if !sub.wants(event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			sub.dropped.Add(1)
		}
	}
	return nil
}

// Subscribe registers a filtered subscription and returns its channel plus
// a cancel function. Cancel is idempotent; the channel is never closed, so
// receivers must also watch their own context.
func (h *MemoryHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	sub := &subscription{
		ch:   make(chan StreamEvent, eventBuffer),
		exec: filter.ExecutionID,
	}
	if len(filter.EventTypes) > 0 {
		sub.types = make(map[string]struct{}, len(filter.EventTypes))
		for _, t := range filter.EventTypes {
			sub.types[t] = struct{}{}
		}
	}

	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		sub.once.Do(func() {
			h.mu.Lock()
			delete(h.subs, sub)
			h.mu.Unlock()
		})
	}
	return sub.ch, cancel, nil
}
