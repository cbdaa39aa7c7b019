package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/petrijr/shipit/pkg/api"
)

// SQLiteInstanceStore is an InstanceStore and Inbox backed by SQLite.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite"). The caller is responsible for importing
// the driver, e.g.:
//
//	import _ "modernc.org/sqlite"
type SQLiteInstanceStore struct {
	db *sql.DB
}

// Ensure SQLiteInstanceStore implements the interfaces.
var (
	_ InstanceStore = (*SQLiteInstanceStore)(nil)
	_ Inbox         = (*SQLiteInstanceStore)(nil)
)

// NewSQLiteInstanceStore initializes the required schema in the given
// database and returns a new SQLiteInstanceStore.
func NewSQLiteInstanceStore(db *sql.DB) (*SQLiteInstanceStore, error) {
	s := &SQLiteInstanceStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteInstanceStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS instances (
			workflow_id TEXT NOT NULL,
			run_id TEXT NOT NULL,
			workflow_name TEXT NOT NULL,
			status TEXT NOT NULL,
			vars BLOB,
			error TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (workflow_id, run_id)
		);
		CREATE TABLE IF NOT EXISTS inbox (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			workflow_id TEXT NOT NULL,
			run_id TEXT NOT NULL,
			event_id TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL,
			payload BLOB,
			enqueued_at INTEGER NOT NULL,
			acked INTEGER NOT NULL DEFAULT 0
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_inbox_event_id
			ON inbox(workflow_id, run_id, event_id) WHERE event_id <> '';
		CREATE INDEX IF NOT EXISTS idx_inbox_pending
			ON inbox(workflow_id, run_id, acked, seq);
	`)
	return err
}

func (s *SQLiteInstanceStore) SaveInstance(ctx context.Context, inst *api.WorkflowInstance) error {
	vars, err := encodeVars(inst.Vars)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO instances (workflow_id, run_id, workflow_name, status, vars, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		inst.WorkflowID,
		inst.RunID,
		inst.Name,
		string(inst.Status),
		vars,
		errString(inst.Err),
		inst.CreatedAt.UnixNano(),
		inst.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrInstanceExists
	}
	return nil
}

func (s *SQLiteInstanceStore) UpdateInstance(ctx context.Context, inst *api.WorkflowInstance) error {
	vars, err := encodeVars(inst.Vars)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE instances
		SET workflow_name = ?, status = ?, vars = ?, error = ?, updated_at = ?
		WHERE workflow_id = ? AND run_id = ?`,
		inst.Name,
		string(inst.Status),
		vars,
		errString(inst.Err),
		inst.UpdatedAt.UnixNano(),
		inst.WorkflowID,
		inst.RunID,
	)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrInstanceNotFound
	}

	return nil
}

const instanceColumns = `workflow_id, run_id, workflow_name, status, vars, error, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner) (*api.WorkflowInstance, error) {
	var (
		inst      api.WorkflowInstance
		statusStr string
		vars      []byte
		errStr    sql.NullString
		created   int64
		updated   int64
	)
	if err := row.Scan(&inst.WorkflowID, &inst.RunID, &inst.Name, &statusStr, &vars, &errStr, &created, &updated); err != nil {
		return nil, err
	}

	inst.Status = api.Status(statusStr)
	inst.CreatedAt = time.Unix(0, created)
	inst.UpdatedAt = time.Unix(0, updated)

	decoded, err := decodeVars(vars)
	if err != nil {
		return nil, err
	}
	inst.Vars = decoded

	if errStr.Valid && errStr.String != "" {
		inst.Err = errors.New(errStr.String)
	}
	return &inst, nil
}

func (s *SQLiteInstanceStore) GetInstance(ctx context.Context, workflowID, runID string) (*api.WorkflowInstance, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+instanceColumns+`
		FROM instances
		WHERE workflow_id = ? AND run_id = ?`,
		workflowID, runID,
	)

	inst, err := scanInstance(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInstanceNotFound
		}
		return nil, err
	}
	return inst, nil
}

func (s *SQLiteInstanceStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*api.WorkflowInstance, error) {
	query := `SELECT ` + instanceColumns + ` FROM instances`
	var args []any
	var clauses []string

	if filter.WorkflowName != "" {
		clauses = append(clauses, "workflow_name = ?")
		args = append(args, filter.WorkflowName)
	}
	if filter.WorkflowID != "" {
		clauses = append(clauses, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(filter.Status))
	}

	if len(clauses) > 0 {
		query = query + " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var instances []*api.WorkflowInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return instances, nil
}

func (s *SQLiteInstanceStore) Push(ctx context.Context, workflowID, runID string, ev api.Event) (int64, bool, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO inbox (workflow_id, run_id, event_id, name, payload, enqueued_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
		RETURNING seq`,
		workflowID, runID, ev.ID, ev.Name, []byte(ev.Payload), time.Now().UnixNano(),
	).Scan(&seq)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, true, nil
		}
		return 0, false, err
	}
	return seq, false, nil
}

func (s *SQLiteInstanceStore) Ack(ctx context.Context, workflowID, runID string, seq int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE inbox SET acked = 1
		WHERE workflow_id = ? AND run_id = ? AND seq = ?`,
		workflowID, runID, seq,
	)
	return err
}

func (s *SQLiteInstanceStore) Pending(ctx context.Context, workflowID, runID string) ([]InboxEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, event_id, name, payload, enqueued_at
		FROM inbox
		WHERE workflow_id = ? AND run_id = ? AND acked = 0
		ORDER BY seq ASC`,
		workflowID, runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []InboxEntry
	for rows.Next() {
		var (
			e        InboxEntry
			payload  []byte
			enqueued int64
		)
		if err := rows.Scan(&e.Seq, &e.Event.ID, &e.Event.Name, &payload, &enqueued); err != nil {
			return nil, err
		}
		e.WorkflowID = workflowID
		e.RunID = runID
		if len(payload) > 0 {
			e.Event.Payload = json.RawMessage(payload)
		}
		e.EnqueuedAt = time.Unix(0, enqueued)
		out = append(out, e)
	}
	return out, rows.Err()
}
