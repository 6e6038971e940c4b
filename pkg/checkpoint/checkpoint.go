// Package checkpoint defines the durable-storage contract for execution
// snapshots and provides interchangeable implementations: in-memory,
// flat-file, directory-with-metadata, libSQL, and Redis. Implementations
// store and retrieve opaque, structurally-cloned snapshots keyed by execution
// ID and label; they assume nothing about execution semantics.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rendis/stategraph/pkg/schema"
	"github.com/rendis/stategraph/pkg/state"
)

// LoopFrame captures one active loop's iteration counter. Frames are stacked
// outermost first so nested loops resume with their exact counters.
type LoopFrame struct {
	LoopID  string `json:"loop_id"`
	Counter int    `json:"counter"`
}

// Snapshot is a serializable capture of in-flight execution, sufficient to
// resume with no other context.
type Snapshot struct {
	ExecutionID  string                 `json:"execution_id"`
	Status       schema.ExecutionStatus `json:"status"`
	State        state.State            `json:"state"`
	CurrentNodes []string               `json:"current_nodes"` // a single node, or the in-flight parallel branch heads
	LoopFrames   []LoopFrame            `json:"loop_frames,omitempty"`
	Metadata     map[string]any         `json:"metadata,omitempty"`
	Label        string                 `json:"label"`
	CreatedAt    time.Time              `json:"created_at"`
}

// Clone returns a structural copy. Stores clone on save and load so callers
// can never mutate persisted snapshots through shared references.
func (s *Snapshot) Clone() (*Snapshot, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore,
			"snapshot is not serializable: %s", err.Error()).WithCause(err)
	}
	var out Snapshot
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore,
			"snapshot clone failed: %s", err.Error()).WithCause(err)
	}
	return &out, nil
}

// Checkpointer is the durable store the executor saves to at configured
// intervals and on every suspension. Implementations must be safe for
// concurrent use.
type Checkpointer interface {
	// Save persists a snapshot under (execution id, label). Saving an
	// existing label overwrites it without disturbing its list position.
	Save(ctx context.Context, snap *Snapshot) error

	// Load returns the most recently saved snapshot for an execution, or a
	// NOT_FOUND error when none exists.
	Load(ctx context.Context, executionID string) (*Snapshot, error)

	// LoadByLabel returns the snapshot saved under a specific label.
	LoadByLabel(ctx context.Context, executionID, label string) (*Snapshot, error)

	// List returns the execution's labels in save order.
	List(ctx context.Context, executionID string) ([]string, error)

	// Delete removes one labeled snapshot, or every snapshot of the
	// execution when label is empty.
	Delete(ctx context.Context, executionID, label string) error
}

// ErrNotFound builds the canonical absent-snapshot error.
func ErrNotFound(executionID, label string) error {
	if label != "" {
		return schema.NewErrorf(schema.ErrCodeNotFound,
			"no checkpoint %q for execution %s", label, executionID)
	}
	return schema.NewErrorf(schema.ErrCodeNotFound,
		"no checkpoints for execution %s", executionID)
}

// IsNotFound reports whether an error is the absent-snapshot case, as opposed
// to a storage failure.
func IsNotFound(err error) bool {
	var gerr *schema.GraphError
	if !errors.As(err, &gerr) {
		return false
	}
	return gerr.Code == schema.ErrCodeNotFound
}
