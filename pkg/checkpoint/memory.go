package checkpoint

import (
	"context"
	"sync"
)

type executionEntry struct {
	byLabel map[string]*Snapshot
	savedAt map[string]int // label -> save sequence, for most-recent lookup
	order   []string       // labels in first-save order
	seq     int
}

// MemoryCheckpointer keeps snapshots in process memory. Intended for tests
// and single-run tooling; nothing survives a restart.
type MemoryCheckpointer struct {
	mu         sync.RWMutex
	executions map[string]*executionEntry
}

// NewMemoryCheckpointer creates an empty in-memory checkpointer.
func NewMemoryCheckpointer() *MemoryCheckpointer {
	return &MemoryCheckpointer{executions: make(map[string]*executionEntry)}
}

func (m *MemoryCheckpointer) Save(_ context.Context, snap *Snapshot) error {
	clone, err := snap.Clone()
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.executions[clone.ExecutionID]
	if !ok {
		entry = &executionEntry{
			byLabel: make(map[string]*Snapshot),
			savedAt: make(map[string]int),
		}
		m.executions[clone.ExecutionID] = entry
	}
	if _, exists := entry.byLabel[clone.Label]; !exists {
		entry.order = append(entry.order, clone.Label)
	}
	entry.seq++
	entry.byLabel[clone.Label] = clone
	entry.savedAt[clone.Label] = entry.seq
	return nil
}

func (m *MemoryCheckpointer) Load(_ context.Context, executionID string) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.executions[executionID]
	if !ok || len(entry.order) == 0 {
		return nil, ErrNotFound(executionID, "")
	}

	// Most recently saved wins, re-saves included.
	var latest *Snapshot
	best := -1
	for label, snap := range entry.byLabel {
		if entry.savedAt[label] > best {
			best = entry.savedAt[label]
			latest = snap
		}
	}
	return latest.Clone()
}

func (m *MemoryCheckpointer) LoadByLabel(_ context.Context, executionID, label string) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.executions[executionID]
	if !ok {
		return nil, ErrNotFound(executionID, label)
	}
	snap, ok := entry.byLabel[label]
	if !ok {
		return nil, ErrNotFound(executionID, label)
	}
	return snap.Clone()
}

func (m *MemoryCheckpointer) List(_ context.Context, executionID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.executions[executionID]
	if !ok {
		return nil, nil
	}
	return append([]string(nil), entry.order...), nil
}

func (m *MemoryCheckpointer) Delete(_ context.Context, executionID, label string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.executions[executionID]
	if !ok {
		return nil
	}
	if label == "" {
		delete(m.executions, executionID)
		return nil
	}
	if _, exists := entry.byLabel[label]; !exists {
		return nil
	}
	delete(entry.byLabel, label)
	delete(entry.savedAt, label)
	for i, l := range entry.order {
		if l == label {
			entry.order = append(entry.order[:i], entry.order[i+1:]...)
			break
		}
	}
	if len(entry.order) == 0 {
		delete(m.executions, executionID)
	}
	return nil
}

var _ Checkpointer = (*MemoryCheckpointer)(nil)
