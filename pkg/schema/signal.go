package schema

import "time"

// SignalType enumerates the side-channel events a node can emit.
type SignalType string

const (
	SignalContextWindowWarning SignalType = "context_window_warning"
	SignalCheckpoint           SignalType = "checkpoint"
	SignalHumanInputRequired   SignalType = "human_input_required"
	SignalDebugReportGenerated SignalType = "debug_report_generated"
	SignalRecreateSession      SignalType = "recreate_session"
)

// Signal is a typed, timestamped event emitted by a node alongside (but never
// inside) its state update. Signals are forwarded to the execution observer;
// they do not participate in state reduction.
type Signal struct {
	Type          SignalType     `json:"type"`
	NodeID        string         `json:"node_id,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Prompt        string         `json:"prompt,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
}
