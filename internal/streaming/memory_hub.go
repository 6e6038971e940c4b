package streaming

import (
	"context"
	"sync"
)

// defaultChannelBuffer is the per-subscriber buffer. A subscriber that falls
// more than a buffer behind starts losing events rather than stalling the
// executor's observer callback.
const defaultChannelBuffer = 64

// tap is one live subscription.
type tap struct {
	out    chan Event
	filter Filter
}

// MemoryHub is the in-process Hub. Delivery is best-effort fan-out over
// buffered channels; there is no persistence and no redelivery.
type MemoryHub struct {
	mu   sync.RWMutex
	next int
	taps map[int]*tap
}

// NewMemoryHub creates an empty hub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{taps: make(map[int]*tap)}
}

// Subscribe registers a filtered subscription. The returned cancel function
// removes it; events already buffered stay readable on the channel.
func (h *MemoryHub) Subscribe(ctx context.Context, filter Filter) (<-chan Event, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	t := &tap{
		out:    make(chan Event, defaultChannelBuffer),
		filter: filter,
	}

	h.mu.Lock()
	h.next++
	id := h.next
	h.taps[id] = t
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		delete(h.taps, id)
		h.mu.Unlock()
	}
	return t.out, cancel, nil
}

// Publish fans the event out to every matching subscriber. It never blocks:
// a full buffer means the subscriber misses this event.
func (h *MemoryHub) Publish(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, t := range h.taps {
		if !t.filter.Matches(event) {
			continue
		}
		select {
		case t.out <- event:
		default:
		}
	}
	return nil
}

var _ Hub = (*MemoryHub)(nil)
