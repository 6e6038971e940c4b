package streaming

import (
	"context"
	"time"
)

// Event is one observation from a live execution: a lifecycle event, a node
// transition, or a signal surfaced by a node. At is stamped by the publisher.
type Event struct {
	ExecutionID string    `json:"execution_id"`
	NodeID      string    `json:"node_id,omitempty"`
	EventType   string    `json:"event_type"`
	Payload     any       `json:"payload,omitempty"`
	At          time.Time `json:"at"`
}

// Filter narrows a subscription. Zero-valued fields match everything, so the
// zero Filter subscribes to the full stream.
type Filter struct {
	ExecutionID string   `json:"execution_id,omitempty"`
	EventTypes  []string `json:"event_types,omitempty"`
}

// Matches reports whether an event passes the filter.
func (f Filter) Matches(e Event) bool {
	if f.ExecutionID != "" && f.ExecutionID != e.ExecutionID {
		return false
	}
	if len(f.EventTypes) == 0 {
		return true
	}
	for _, typ := range f.EventTypes {
		if typ == e.EventType {
			return true
		}
	}
	return false
}

// Hub fans execution events out to subscribers.
type Hub interface {
	Publish(ctx context.Context, event Event) error
	Subscribe(ctx context.Context, filter Filter) (<-chan Event, func(), error)
}
