package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/stategraph/pkg/schema"
)

// LibSQLCheckpointer stores snapshots in a libSQL database (embedded SQLite
// fork). The durable option for long-lived workflows that must survive
// process restarts.
type LibSQLCheckpointer struct {
	db *sql.DB
}

// NewLibSQLCheckpointer opens a libSQL database at the given path and applies
// pending migrations. The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLCheckpointer(ctx context.Context, dbPath string) (*LibSQLCheckpointer, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore,
			"open libsql: %s", err.Error()).WithCause(err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use
	// QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, schema.NewErrorf(schema.ErrCodeStore,
			"migrate checkpoint schema: %s", err.Error()).WithCause(err)
	}

	return &LibSQLCheckpointer{db: db}, nil
}

// Close closes the database.
func (s *LibSQLCheckpointer) Close() error { return s.db.Close() }

func (s *LibSQLCheckpointer) Save(ctx context.Context, snap *Snapshot) error {
	clone, err := snap.Clone()
	if err != nil {
		return err
	}
	raw, err := json.Marshal(clone)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore,
			"marshal snapshot: %s", err.Error()).WithCause(err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (execution_id, label, first_seq, save_seq, snapshot, created_at)
		 VALUES (?, ?,
		   (SELECT COALESCE(MAX(first_seq), 0) + 1 FROM checkpoints WHERE execution_id = ?),
		   (SELECT COALESCE(MAX(save_seq), 0) + 1 FROM checkpoints WHERE execution_id = ?),
		   ?, ?)
		 ON CONFLICT(execution_id, label) DO UPDATE SET
		   snapshot = excluded.snapshot,
		   save_seq = excluded.save_seq,
		   created_at = excluded.created_at`,
		clone.ExecutionID, clone.Label, clone.ExecutionID, clone.ExecutionID,
		string(raw), clone.CreatedAt,
	)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore,
			"save checkpoint: %s", err.Error()).WithCause(err)
	}
	return nil
}

func (s *LibSQLCheckpointer) scanSnapshot(row *sql.Row, executionID, label string) (*Snapshot, error) {
	var raw string
	err := row.Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound(executionID, label)
	}
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore,
			"load checkpoint: %s", err.Error()).WithCause(err)
	}
	var snap Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore,
			"snapshot is corrupt: %s", err.Error()).WithCause(err)
	}
	return &snap, nil
}

func (s *LibSQLCheckpointer) Load(ctx context.Context, executionID string) (*Snapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT snapshot FROM checkpoints WHERE execution_id = ?
		 ORDER BY save_seq DESC LIMIT 1`, executionID)
	return s.scanSnapshot(row, executionID, "")
}

func (s *LibSQLCheckpointer) LoadByLabel(ctx context.Context, executionID, label string) (*Snapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT snapshot FROM checkpoints WHERE execution_id = ? AND label = ?`,
		executionID, label)
	return s.scanSnapshot(row, executionID, label)
}

func (s *LibSQLCheckpointer) List(ctx context.Context, executionID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT label FROM checkpoints WHERE execution_id = ? ORDER BY first_seq`,
		executionID)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore,
			"list checkpoints: %s", err.Error()).WithCause(err)
	}
	defer rows.Close()

	var labels []string
	for rows.Next() {
		var label string
		if err := rows.Scan(&label); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"scan checkpoint label: %s", err.Error()).WithCause(err)
		}
		labels = append(labels, label)
	}
	if err := rows.Err(); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore,
			"list checkpoints: %s", err.Error()).WithCause(err)
	}
	return labels, nil
}

func (s *LibSQLCheckpointer) Delete(ctx context.Context, executionID, label string) error {
	var err error
	if label == "" {
		_, err = s.db.ExecContext(ctx,
			`DELETE FROM checkpoints WHERE execution_id = ?`, executionID)
	} else {
		_, err = s.db.ExecContext(ctx,
			`DELETE FROM checkpoints WHERE execution_id = ? AND label = ?`, executionID, label)
	}
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore,
			"delete checkpoint: %s", err.Error()).WithCause(err)
	}
	return nil
}

var _ Checkpointer = (*LibSQLCheckpointer)(nil)
