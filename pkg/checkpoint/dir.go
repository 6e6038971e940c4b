package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rendis/stategraph/pkg/schema"
)

type dirMetadata struct {
	Order   []string          `json:"order"` // labels in first-save order
	Files   map[string]string `json:"files"` // label -> snapshot filename
	Saves   map[string]int    `json:"saves"` // label -> seq of its most recent write
	LastSeq int               `json:"last_seq"`
	Latest  string            `json:"latest"` // label of the most recent save
}

// DirCheckpointer stores each execution in its own directory: one JSON file
// per labeled snapshot plus a metadata file tracking label order and the most
// recent save. Snapshots stay individually inspectable on disk.
type DirCheckpointer struct {
	baseDir string
	mu      sync.Mutex
}

// NewDirCheckpointer creates a directory-backed checkpointer rooted at
// baseDir, creating it if needed.
func NewDirCheckpointer(baseDir string) (*DirCheckpointer, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore,
			"create checkpoint dir: %s", err.Error()).WithCause(err)
	}
	return &DirCheckpointer{baseDir: baseDir}, nil
}

func (d *DirCheckpointer) execDir(executionID string) string {
	return filepath.Join(d.baseDir, sanitizePathComponent(executionID))
}

func (d *DirCheckpointer) metaPath(executionID string) string {
	return filepath.Join(d.execDir(executionID), "metadata.json")
}

func (d *DirCheckpointer) readMeta(executionID string) (*dirMetadata, error) {
	raw, err := os.ReadFile(d.metaPath(executionID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore,
			"read checkpoint metadata: %s", err.Error()).WithCause(err)
	}
	var meta dirMetadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore,
			"checkpoint metadata is corrupt: %s", err.Error()).WithCause(err)
	}
	if meta.Files == nil {
		meta.Files = make(map[string]string)
	}
	if meta.Saves == nil {
		meta.Saves = make(map[string]int)
	}
	return &meta, nil
}

func (d *DirCheckpointer) writeMeta(executionID string, meta *dirMetadata) error {
	raw, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore,
			"marshal checkpoint metadata: %s", err.Error()).WithCause(err)
	}
	path := d.metaPath(executionID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore,
			"write checkpoint metadata: %s", err.Error()).WithCause(err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore,
			"replace checkpoint metadata: %s", err.Error()).WithCause(err)
	}
	return nil
}

func (d *DirCheckpointer) Save(_ context.Context, snap *Snapshot) error {
	clone, err := snap.Clone()
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	dir := d.execDir(clone.ExecutionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore,
			"create execution dir: %s", err.Error()).WithCause(err)
	}

	meta, err := d.readMeta(clone.ExecutionID)
	if err != nil {
		return err
	}
	if meta == nil {
		meta = &dirMetadata{Files: make(map[string]string), Saves: make(map[string]int)}
	}

	meta.LastSeq++
	filename, exists := meta.Files[clone.Label]
	if !exists {
		filename = fmt.Sprintf("%03d_%s.json", meta.LastSeq, sanitizePathComponent(clone.Label))
		meta.Order = append(meta.Order, clone.Label)
		meta.Files[clone.Label] = filename
	}
	meta.Saves[clone.Label] = meta.LastSeq
	meta.Latest = clone.Label

	raw, err := json.MarshalIndent(clone, "", "  ")
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore,
			"marshal snapshot: %s", err.Error()).WithCause(err)
	}
	path := filepath.Join(dir, filename)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore,
			"write snapshot: %s", err.Error()).WithCause(err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore,
			"replace snapshot: %s", err.Error()).WithCause(err)
	}

	return d.writeMeta(clone.ExecutionID, meta)
}

func (d *DirCheckpointer) loadFile(executionID, filename string) (*Snapshot, error) {
	raw, err := os.ReadFile(filepath.Join(d.execDir(executionID), filename))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore,
			"read snapshot: %s", err.Error()).WithCause(err)
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore,
			"snapshot is corrupt: %s", err.Error()).WithCause(err)
	}
	return &snap, nil
}

func (d *DirCheckpointer) Load(_ context.Context, executionID string) (*Snapshot, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	meta, err := d.readMeta(executionID)
	if err != nil {
		return nil, err
	}
	if meta == nil || meta.Latest == "" {
		return nil, ErrNotFound(executionID, "")
	}
	filename, ok := meta.Files[meta.Latest]
	if !ok {
		return nil, ErrNotFound(executionID, "")
	}
	return d.loadFile(executionID, filename)
}

func (d *DirCheckpointer) LoadByLabel(_ context.Context, executionID, label string) (*Snapshot, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	meta, err := d.readMeta(executionID)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		return nil, ErrNotFound(executionID, label)
	}
	filename, ok := meta.Files[label]
	if !ok {
		return nil, ErrNotFound(executionID, label)
	}
	return d.loadFile(executionID, filename)
}

func (d *DirCheckpointer) List(_ context.Context, executionID string) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	meta, err := d.readMeta(executionID)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		return nil, nil
	}
	return append([]string(nil), meta.Order...), nil
}

func (d *DirCheckpointer) Delete(_ context.Context, executionID, label string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if label == "" {
		if err := os.RemoveAll(d.execDir(executionID)); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore,
				"delete execution dir: %s", err.Error()).WithCause(err)
		}
		return nil
	}

	meta, err := d.readMeta(executionID)
	if err != nil {
		return err
	}
	if meta == nil {
		return nil
	}
	filename, ok := meta.Files[label]
	if !ok {
		return nil
	}
	if err := os.Remove(filepath.Join(d.execDir(executionID), filename)); err != nil && !os.IsNotExist(err) {
		return schema.NewErrorf(schema.ErrCodeStore,
			"delete snapshot: %s", err.Error()).WithCause(err)
	}
	delete(meta.Files, label)
	delete(meta.Saves, label)
	for i, l := range meta.Order {
		if l == label {
			meta.Order = append(meta.Order[:i], meta.Order[i+1:]...)
			break
		}
	}
	if meta.Latest == label {
		// Repoint to the label with the most recent write, not the one
		// registered first.
		meta.Latest = ""
		best := -1
		for _, l := range meta.Order {
			if seq := meta.Saves[l]; seq >= best {
				best = seq
				meta.Latest = l
			}
		}
	}
	if len(meta.Order) == 0 {
		if err := os.RemoveAll(d.execDir(executionID)); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore,
				"delete execution dir: %s", err.Error()).WithCause(err)
		}
		return nil
	}
	return d.writeMeta(executionID, meta)
}

// sanitizePathComponent keeps IDs and labels filesystem-safe.
func sanitizePathComponent(s string) string {
	r := strings.NewReplacer("/", "_", "\\", "_", "..", "_", ":", "_", " ", "_")
	out := r.Replace(s)
	if out == "" {
		out = "_"
	}
	return out
}

var _ Checkpointer = (*DirCheckpointer)(nil)
