package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/petrijr/shipit/pkg/api"
)

const sqliteHistorySchema = `
CREATE TABLE IF NOT EXISTS run_history (
	seq           INTEGER PRIMARY KEY AUTOINCREMENT,
	workflow_id   TEXT    NOT NULL,
	run_id        TEXT    NOT NULL,
	at_ns         INTEGER NOT NULL,
	kind          TEXT    NOT NULL,
	workflow_name TEXT    NOT NULL DEFAULT '',
	event         TEXT    NOT NULL DEFAULT '',
	step          TEXT    NOT NULL DEFAULT '',
	detail        TEXT    NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_run_history_run ON run_history(workflow_id, run_id, seq);
`

// SQLiteEventStore keeps run history in the run_history table.
type SQLiteEventStore struct {
	db *sql.DB
}

var _ EventStore = (*SQLiteEventStore)(nil)

func NewSQLiteEventStore(db *sql.DB) (*SQLiteEventStore, error) {
	if _, err := db.Exec(sqliteHistorySchema); err != nil {
		return nil, fmt.Errorf("create history schema: %w", err)
	}
	return &SQLiteEventStore{db: db}, nil
}

// NewSQLitePersistence returns instance, inbox and history stores sharing db.
func NewSQLitePersistence(db *sql.DB) (Persistence, error) {
	instances, err := NewSQLiteInstanceStore(db)
	if err != nil {
		return Persistence{}, err
	}
	history, err := NewSQLiteEventStore(db)
	if err != nil {
		return Persistence{}, err
	}
	return Persistence{Instances: instances, Inbox: instances, Events: history}, nil
}

func (s *SQLiteEventStore) AppendEvent(ctx context.Context, ev api.WorkflowEvent) error {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_history (workflow_id, run_id, at_ns, kind, workflow_name, event, step, detail)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.WorkflowID, ev.RunID, ev.At.UnixNano(), string(ev.Type),
		ev.WorkflowName, ev.Event, ev.Step, ev.Detail,
	)
	return err
}

func (s *SQLiteEventStore) ListEvents(ctx context.Context, workflowID, runID string) ([]api.WorkflowEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT at_ns, kind, workflow_name, event, step, detail
		 FROM run_history
		 WHERE workflow_id = ? AND run_id = ?
		 ORDER BY seq`, workflowID, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []api.WorkflowEvent
	for rows.Next() {
		ev := api.WorkflowEvent{WorkflowID: workflowID, RunID: runID}
		var (
			atNanos int64
			kind    string
		)
		if err := rows.Scan(&atNanos, &kind, &ev.WorkflowName, &ev.Event, &ev.Step, &ev.Detail); err != nil {
			return nil, err
		}
		ev.At = time.Unix(0, atNanos)
		ev.Type = api.EventType(kind)
		history = append(history, ev)
	}
	return history, rows.Err()
}
