package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/petrijr/shipit/pkg/api"
)

// PostgresStore implements InstanceStore, Inbox and EventStore on
// PostgreSQL.
//
// It expects an *sql.DB that uses a PostgreSQL driver (for example,
// "github.com/jackc/pgx/v5/stdlib").
//
// The caller is responsible for:
//   - importing the driver for its side effects, e.g.:
//     _ "github.com/jackc/pgx/v5/stdlib"
//   - providing a DSN via sql.Open.
type PostgresStore struct {
	db *sql.DB
}

var (
	_ InstanceStore = (*PostgresStore)(nil)
	_ Inbox         = (*PostgresStore)(nil)
	_ EventStore    = (*PostgresStore)(nil)
)

// NewPostgresStore initializes the required schema in the given database
// and returns a new PostgresStore.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

// Persistence returns a Persistence bundle backed entirely by s.
func (s *PostgresStore) Persistence() Persistence {
	return Persistence{Instances: s, Inbox: s, Events: s}
}

func (s *PostgresStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS shipit_instances (
			workflow_id TEXT NOT NULL,
			run_id TEXT NOT NULL,
			workflow_name TEXT NOT NULL,
			status TEXT NOT NULL,
			vars BYTEA,
			error TEXT,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			PRIMARY KEY (workflow_id, run_id)
		);
		CREATE TABLE IF NOT EXISTS shipit_inbox (
			seq BIGSERIAL PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			run_id TEXT NOT NULL,
			event_id TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL,
			payload BYTEA,
			enqueued_at BIGINT NOT NULL,
			acked BOOLEAN NOT NULL DEFAULT FALSE
		);
		CREATE UNIQUE INDEX IF NOT EXISTS shipit_inbox_event_id
			ON shipit_inbox(workflow_id, run_id, event_id) WHERE event_id <> '';
		CREATE INDEX IF NOT EXISTS shipit_inbox_pending
			ON shipit_inbox(workflow_id, run_id, seq) WHERE NOT acked;
		CREATE TABLE IF NOT EXISTS shipit_events (
			id BIGSERIAL PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			run_id TEXT NOT NULL,
			at BIGINT NOT NULL,
			type TEXT NOT NULL,
			workflow_name TEXT NOT NULL DEFAULT '',
			event TEXT NOT NULL DEFAULT '',
			step TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS shipit_events_run ON shipit_events(workflow_id, run_id, id);
	`)
	return err
}

func (s *PostgresStore) SaveInstance(ctx context.Context, inst *api.WorkflowInstance) error {
	vars, err := encodeVars(inst.Vars)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO shipit_instances (workflow_id, run_id, workflow_name, status, vars, error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT DO NOTHING
	`,
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

func (s *PostgresStore) UpdateInstance(ctx context.Context, inst *api.WorkflowInstance) error {
	vars, err := encodeVars(inst.Vars)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE shipit_instances
		SET workflow_name = $1,
		    status        = $2,
		    vars          = $3,
		    error         = $4,
		    updated_at    = $5
		WHERE workflow_id = $6 AND run_id = $7
	`,
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

func (s *PostgresStore) GetInstance(ctx context.Context, workflowID, runID string) (*api.WorkflowInstance, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+instanceColumns+`
		FROM shipit_instances
		WHERE workflow_id = $1 AND run_id = $2
	`, workflowID, runID)

	inst, err := scanInstance(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInstanceNotFound
		}
		return nil, err
	}
	return inst, nil
}

func (s *PostgresStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*api.WorkflowInstance, error) {
	var (
		sb    strings.Builder
		args  []any
		conds []string
	)

	sb.WriteString(`SELECT ` + instanceColumns + ` FROM shipit_instances`)

	if filter.WorkflowName != "" {
		args = append(args, filter.WorkflowName)
		conds = append(conds, fmt.Sprintf("workflow_name = $%d", len(args)))
	}
	if filter.WorkflowID != "" {
		args = append(args, filter.WorkflowID)
		conds = append(conds, fmt.Sprintf("workflow_id = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}

	if len(conds) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(conds, " AND "))
	}
	sb.WriteString(" ORDER BY created_at")

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*api.WorkflowInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *PostgresStore) Push(ctx context.Context, workflowID, runID string, ev api.Event) (int64, bool, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO shipit_inbox (workflow_id, run_id, event_id, name, payload, enqueued_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT DO NOTHING
		RETURNING seq
	`, workflowID, runID, ev.ID, ev.Name, []byte(ev.Payload), time.Now().UnixNano()).Scan(&seq)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, true, nil
		}
		return 0, false, err
	}
	return seq, false, nil
}

func (s *PostgresStore) Ack(ctx context.Context, workflowID, runID string, seq int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE shipit_inbox SET acked = TRUE
		WHERE workflow_id = $1 AND run_id = $2 AND seq = $3
	`, workflowID, runID, seq)
	return err
}

func (s *PostgresStore) Pending(ctx context.Context, workflowID, runID string) ([]InboxEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, event_id, name, payload, enqueued_at
		FROM shipit_inbox
		WHERE workflow_id = $1 AND run_id = $2 AND NOT acked
		ORDER BY seq ASC
	`, workflowID, runID)
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

func (s *PostgresStore) AppendEvent(ctx context.Context, ev api.WorkflowEvent) error {
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO shipit_events (workflow_id, run_id, at, type, workflow_name, event, step, detail)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, ev.WorkflowID, ev.RunID, at.UnixNano(), string(ev.Type), ev.WorkflowName, ev.Event, ev.Step, ev.Detail)
	return err
}

func (s *PostgresStore) ListEvents(ctx context.Context, workflowID, runID string) ([]api.WorkflowEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT at, type, workflow_name, event, step, detail
		FROM shipit_events
		WHERE workflow_id = $1 AND run_id = $2
		ORDER BY id ASC
	`, workflowID, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []api.WorkflowEvent
	for rows.Next() {
		var (
			atN int64
			typ string
			ev  = api.WorkflowEvent{WorkflowID: workflowID, RunID: runID}
		)
		if err := rows.Scan(&atN, &typ, &ev.WorkflowName, &ev.Event, &ev.Step, &ev.Detail); err != nil {
			return nil, err
		}
		ev.At = time.Unix(0, atN)
		ev.Type = api.EventType(typ)
		out = append(out, ev)
	}
	return out, rows.Err()
}
