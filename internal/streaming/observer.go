package streaming

import (
	"context"
	"time"

	"github.com/rendis/stategraph/pkg/schema"
)

// HubObserver bridges executor callbacks into a Hub so external consumers
// can watch executions live. Signals are published as events of type
// "signal" with the signal itself as payload, keeping the side channel
// visible without flattening it into state.
type HubObserver struct {
	hub Hub
}

// NewHubObserver creates an observer publishing into the given hub.
func NewHubObserver(hub Hub) *HubObserver {
	return &HubObserver{hub: hub}
}

// OnEvent publishes an execution lifecycle event.
func (o *HubObserver) OnEvent(executionID, event string, payload map[string]any) {
	nodeID, _ := payload["node_id"].(string)
	_ = o.hub.Publish(context.Background(), Event{
		ExecutionID: executionID,
		NodeID:      nodeID,
		EventType:   event,
		Payload:     payload,
		At:          time.Now().UTC(),
	})
}

// OnSignal publishes a node signal.
func (o *HubObserver) OnSignal(sig schema.Signal) {
	_ = o.hub.Publish(context.Background(), Event{
		NodeID:    sig.NodeID,
		EventType: "signal",
		Payload:   sig,
		At:        time.Now().UTC(),
	})
}
