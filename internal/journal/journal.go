package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/gofer/pkg/schema"
)

// Entry is one journaled run event. Sequence is per-run and monotonic,
// so the journal replays a run's lifecycle in emission order.
type Entry struct {
	ID            int64        `json:"id"`
	RunID         schema.RunID `json:"run_id"`
	WorkflowRunID string       `json:"workflow_run_id,omitempty"`
	ActionID      string       `json:"action_id,omitempty"`
	Event         string       `json:"event"`
	Payload       string       `json:"payload,omitempty"`
	WorkerID      string       `json:"worker_id,omitempty"`
	Timestamp     time.Time    `json:"timestamp"`
	Sequence      int64        `json:"sequence"`
}

// NewEntry converts a lifecycle event into a journal entry.
func NewEntry(ev *schema.ActionEvent, workerID string) *Entry {
	return &Entry{
		RunID:         ev.Action.RunID(),
		WorkflowRunID: ev.Action.WorkflowRunID,
		ActionID:      ev.Action.ActionID,
		Event:         ev.EventName(),
		Payload:       ev.Payload,
		WorkerID:      workerID,
		Timestamp:     ev.Timestamp,
	}
}

// Journal is a local, append-only record of emitted run events backed
// by libSQL (embedded SQLite fork).
type Journal struct {
	db *sql.DB
}

// Open opens (or creates) a journal database at the given path and runs
// pending migrations. The path should be a file URI, e.g. "file:/path/to/db.db".
func Open(ctx context.Context, dbPath string) (*Journal, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	j := &Journal{db: db}
	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return j, nil
}

// Close closes the database.
func (j *Journal) Close() error { return j.db.Close() }

// Vacuum runs VACUUM on the database.
func (j *Journal) Vacuum(ctx context.Context) error {
	_, err := j.db.ExecContext(ctx, "VACUUM")
	return err
}

// Append writes an entry with a monotonically increasing per-run sequence.
// The entry's Sequence and Timestamp fields are filled in.
func (j *Journal) Append(ctx context.Context, entry *Entry) error {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// In WAL mode, BeginTx alone may start a deferred transaction. We
	// force write-lock acquisition with a write-intent noop so concurrent
	// appenders cannot interleave sequence reads and writes.
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_version (version, name) VALUES (-1, '_lock_noop')`); err != nil {
		return fmt.Errorf("acquire write lock: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM schema_version WHERE version = -1`); err != nil {
		return fmt.Errorf("cleanup write lock: %w", err)
	}

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM run_events WHERE run_id = ?`, string(entry.RunID),
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	entry.Sequence = seq

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO run_events (run_id, workflow_run_id, action_id, event, payload, worker_id, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		string(entry.RunID), nullStr(entry.WorkflowRunID), nullStr(entry.ActionID),
		entry.Event, nullStr(entry.Payload), nullStr(entry.WorkerID), entry.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert run event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit run event: %w", err)
	}
	return nil
}

// ListByRun returns all entries for a run ordered by sequence ASC.
func (j *Journal) ListByRun(ctx context.Context, runID schema.RunID) ([]*Entry, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, run_id, workflow_run_id, action_id, event, payload, worker_id, timestamp, sequence
		 FROM run_events WHERE run_id = ? ORDER BY sequence ASC`, string(runID),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

// ListRecent returns the newest entries across all runs, newest first.
func (j *Journal) ListRecent(ctx context.Context, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, run_id, workflow_run_id, action_id, event, payload, worker_id, timestamp, sequence
		 FROM run_events ORDER BY timestamp DESC, id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

// PruneBefore deletes entries older than the cutoff and reports how many
// rows were removed.
func (j *Journal) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := j.db.ExecContext(ctx,
		`DELETE FROM run_events WHERE timestamp < ?`, cutoff,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanEntries(rows *sql.Rows) ([]*Entry, error) {
	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		var runID string
		var workflowRunID, actionID, payload, workerID sql.NullString
		if err := rows.Scan(&e.ID, &runID, &workflowRunID, &actionID, &e.Event,
			&payload, &workerID, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.RunID = schema.RunID(runID)
		e.WorkflowRunID = workflowRunID.String
		e.ActionID = actionID.String
		e.Payload = payload.String
		e.WorkerID = workerID.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
