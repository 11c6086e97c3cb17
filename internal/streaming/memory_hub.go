package streaming

import (
	"context"
	"sync"
)

const defaultChannelBuffer = 64

// MemoryHub is the in-process EventHub. Delivery is best-effort: a
// subscriber that stops draining its channel loses events rather than
// stalling the run that publishes them.
type MemoryHub struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]subscription
}

type subscription struct {
	filter EventFilter
	ch     chan StreamEvent
}

// NewMemoryHub creates an empty hub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{subs: make(map[uint64]subscription)}
}

// Publish fans the event out to every subscriber whose filter accepts
// it. Never blocks on a full subscriber channel.
func (h *MemoryHub) Publish(ctx context.Context, event StreamEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs {
		if !sub.filter.wants(event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
		}
	}
	return nil
}

// Subscribe registers a filtered subscription and returns its channel
// together with a cancel function that removes it. Cancel is safe to
// call more than once.
func (h *MemoryHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	ch := make(chan StreamEvent, defaultChannelBuffer)

	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.subs[id] = subscription{filter: filter, ch: ch}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}
	return ch, cancel, nil
}

// wants reports whether the filter accepts the event. An empty filter
// accepts everything.
func (f EventFilter) wants(e StreamEvent) bool {
	if f.RunID != "" && f.RunID != e.RunID {
		return false
	}
	if len(f.EventTypes) == 0 {
		return true
	}
	for _, t := range f.EventTypes {
		if t == e.EventType {
			return true
		}
	}
	return false
}
