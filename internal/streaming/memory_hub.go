package streaming

import (
	"context"
	"slices"
	"sync"
)

const defaultChannelBuffer = 64

// MemoryHub is an in-memory EventHub built on buffered channels. Slow
// subscribers lose events rather than stall publishers.
type MemoryHub struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]*subscription
}

type subscription struct {
	ch     chan StreamEvent
	filter EventFilter
}

// NewMemoryHub creates a new MemoryHub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{subs: make(map[uint64]*subscription)}
}

// Publish sends an event to every subscriber whose filter matches. It never
// blocks; a full subscriber channel drops the event.
func (h *MemoryHub) Publish(ctx context.Context, event StreamEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		if !sub.filter.matches(event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
		}
	}
	return nil
}

// Subscribe registers a filtered subscription and returns its channel plus a
// cancel func that removes it. Cancel is safe to call more than once.
func (h *MemoryHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	sub := &subscription{
		ch:     make(chan StreamEvent, defaultChannelBuffer),
		filter: filter,
	}

	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.subs[id] = sub
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}
	return sub.ch, cancel, nil
}

// matches reports whether the event passes the filter. Zero-value fields
// match everything.
func (f EventFilter) matches(e StreamEvent) bool {
	if f.RunID != "" && f.RunID != e.RunID {
		return false
	}
	if f.Workflow != "" && f.Workflow != e.Workflow {
		return false
	}
	return len(f.EventTypes) == 0 || slices.Contains(f.EventTypes, e.EventType)
}
