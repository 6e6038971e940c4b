package checkpoint

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/rendis/stategraph/pkg/schema"
)

type fileRecord struct {
	Seq      int       `json:"seq"`
	Snapshot *Snapshot `json:"snapshot"`
}

type fileExecution struct {
	ByLabel map[string]*fileRecord `json:"by_label"`
	Order   []string               `json:"order"`
	LastSeq int                    `json:"last_seq"`
}

type fileIndex struct {
	Executions map[string]*fileExecution `json:"executions"`
}

// FileCheckpointer persists all snapshots in a single JSON file. Writes go
// through a temp file and rename so a crash mid-save never corrupts the
// store. Suited to small single-process deployments; use DirCheckpointer or
// LibSQLCheckpointer when snapshots grow large.
type FileCheckpointer struct {
	path string
	mu   sync.Mutex
}

// NewFileCheckpointer creates a flat-file checkpointer at the given path. The
// parent directory must exist.
func NewFileCheckpointer(path string) *FileCheckpointer {
	return &FileCheckpointer{path: path}
}

func (f *FileCheckpointer) load() (*fileIndex, error) {
	raw, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return &fileIndex{Executions: make(map[string]*fileExecution)}, nil
	}
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore,
			"read checkpoint file: %s", err.Error()).WithCause(err)
	}
	var idx fileIndex
	if err := json.Unmarshal(raw, &idx); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore,
			"checkpoint file is corrupt: %s", err.Error()).WithCause(err)
	}
	if idx.Executions == nil {
		idx.Executions = make(map[string]*fileExecution)
	}
	return &idx, nil
}

func (f *FileCheckpointer) store(idx *fileIndex) error {
	raw, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore,
			"marshal checkpoint file: %s", err.Error()).WithCause(err)
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore,
			"write checkpoint file: %s", err.Error()).WithCause(err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore,
			"replace checkpoint file: %s", err.Error()).WithCause(err)
	}
	return nil
}

func (f *FileCheckpointer) Save(_ context.Context, snap *Snapshot) error {
	clone, err := snap.Clone()
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	idx, err := f.load()
	if err != nil {
		return err
	}

	exec, ok := idx.Executions[clone.ExecutionID]
	if !ok {
		exec = &fileExecution{ByLabel: make(map[string]*fileRecord)}
		idx.Executions[clone.ExecutionID] = exec
	}
	if _, exists := exec.ByLabel[clone.Label]; !exists {
		exec.Order = append(exec.Order, clone.Label)
	}
	exec.LastSeq++
	exec.ByLabel[clone.Label] = &fileRecord{Seq: exec.LastSeq, Snapshot: clone}

	return f.store(idx)
}

func (f *FileCheckpointer) Load(_ context.Context, executionID string) (*Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	idx, err := f.load()
	if err != nil {
		return nil, err
	}
	exec, ok := idx.Executions[executionID]
	if !ok || len(exec.ByLabel) == 0 {
		return nil, ErrNotFound(executionID, "")
	}

	var latest *fileRecord
	for _, rec := range exec.ByLabel {
		if latest == nil || rec.Seq > latest.Seq {
			latest = rec
		}
	}
	return latest.Snapshot.Clone()
}

func (f *FileCheckpointer) LoadByLabel(_ context.Context, executionID, label string) (*Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	idx, err := f.load()
	if err != nil {
		return nil, err
	}
	exec, ok := idx.Executions[executionID]
	if !ok {
		return nil, ErrNotFound(executionID, label)
	}
	rec, ok := exec.ByLabel[label]
	if !ok {
		return nil, ErrNotFound(executionID, label)
	}
	return rec.Snapshot.Clone()
}

func (f *FileCheckpointer) List(_ context.Context, executionID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	idx, err := f.load()
	if err != nil {
		return nil, err
	}
	exec, ok := idx.Executions[executionID]
	if !ok {
		return nil, nil
	}
	return append([]string(nil), exec.Order...), nil
}

func (f *FileCheckpointer) Delete(_ context.Context, executionID, label string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	idx, err := f.load()
	if err != nil {
		return err
	}
	exec, ok := idx.Executions[executionID]
	if !ok {
		return nil
	}
	if label == "" {
		delete(idx.Executions, executionID)
		return f.store(idx)
	}
	if _, exists := exec.ByLabel[label]; !exists {
		return nil
	}
	delete(exec.ByLabel, label)
	for i, l := range exec.Order {
		if l == label {
			exec.Order = append(exec.Order[:i], exec.Order[i+1:]...)
			break
		}
	}
	if len(exec.Order) == 0 {
		delete(idx.Executions, executionID)
	}
	return f.store(idx)
}

// Path returns the backing file's location.
func (f *FileCheckpointer) Path() string { return filepath.Clean(f.path) }

var _ Checkpointer = (*FileCheckpointer)(nil)
