package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/notebookos/cellagent/pkg/notebook"
	"github.com/notebookos/cellagent/pkg/store"
)

// Commit appends the event and applies it to the materialized tables in one
// transaction. When the queue changed, pg_notify fires inside the same
// transaction, so other processes observe the notification only after the
// commit is durable.
func (s *Store) Commit(ctx context.Context, ev notebook.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("commit %s: marshal event: %w", ev.EventType(), err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("commit %s: begin: %w", ev.EventType(), err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO events (event_type, payload) VALUES ($1, $2)`,
		ev.EventType(), payload); err != nil {
		return fmt.Errorf("commit %s: append event: %w", ev.EventType(), err)
	}

	queueChanged, err := s.apply(ctx, tx, ev)
	if err != nil {
		return fmt.Errorf("commit %s: %w", ev.EventType(), err)
	}

	if queueChanged {
		if _, err := tx.ExecContext(ctx,
			`SELECT pg_notify($1, $2)`, queueChannel, ev.EventType()); err != nil {
			return fmt.Errorf("commit %s: notify: %w", ev.EventType(), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s: %w", ev.EventType(), err)
	}

	// The NOTIFY round-trip covers other processes; wake local subscriptions
	// directly so in-process subscribers do not wait on it.
	if queueChanged {
		s.wakeQueueSubs()
	}
	return nil
}

// apply runs the event's conditional SQL. Returns whether the execution
// queue changed, which decides whether subscriptions get woken.
func (s *Store) apply(ctx context.Context, tx *sql.Tx, ev notebook.Event) (bool, error) {
	switch e := ev.(type) {
	case notebook.CellCreated:
		visible := true
		if e.AIContextVisible != nil {
			visible = *e.AIContextVisible
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO cells (id, cell_type, position, ai_context_visible)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (id) DO NOTHING`,
			e.CellID, string(e.CellType), e.Position, visible)
		if err != nil {
			return false, err
		}
		if affected(res) == 0 {
			return false, store.ErrConflict
		}
		return false, nil

	case notebook.CellSourceChanged:
		res, err := tx.ExecContext(ctx,
			`UPDATE cells SET source = $2 WHERE id = $1`, e.CellID, e.Source)
		if err != nil {
			return false, err
		}
		if affected(res) == 0 {
			return false, store.ErrNotFound
		}
		return false, nil

	case notebook.CellAIContextChanged:
		res, err := tx.ExecContext(ctx,
			`UPDATE cells SET ai_context_visible = $2 WHERE id = $1`, e.CellID, e.Visible)
		if err != nil {
			return false, err
		}
		if affected(res) == 0 {
			return false, store.ErrNotFound
		}
		return false, nil

	case notebook.ExecutionRequested:
		res, err := tx.ExecContext(ctx,
			`INSERT INTO execution_queue (id, cell_id, execution_count, requested_by, priority, status)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (id) DO NOTHING`,
			e.QueueID, e.CellID, e.ExecutionCount, e.RequestedBy, e.Priority,
			string(notebook.QueueStatusPending))
		if err != nil {
			return false, err
		}
		if affected(res) == 0 {
			return false, store.ErrConflict
		}
		return true, nil

	case notebook.ExecutionAssigned:
		// The claim race: only a pending entry may be assigned. The losing
		// racer's UPDATE matches zero rows.
		res, err := tx.ExecContext(ctx,
			`UPDATE execution_queue SET status = $2, assigned_session = $3
			 WHERE id = $1 AND status = $4`,
			e.QueueID, string(notebook.QueueStatusAssigned), e.SessionID,
			string(notebook.QueueStatusPending))
		if err != nil {
			return false, err
		}
		if affected(res) == 0 {
			return false, s.queueEntryConflict(ctx, tx, e.QueueID)
		}
		return true, nil

	case notebook.ExecutionStarted:
		res, err := tx.ExecContext(ctx,
			`UPDATE execution_queue SET status = $2, started_at = $3
			 WHERE id = $1 AND status = $4`,
			e.QueueID, string(notebook.QueueStatusExecuting), e.StartedAt,
			string(notebook.QueueStatusAssigned))
		if err != nil {
			return false, err
		}
		if affected(res) == 0 {
			return false, s.queueEntryConflict(ctx, tx, e.QueueID)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE cells SET execution_count = GREATEST(execution_count,
			     (SELECT execution_count FROM execution_queue WHERE id = $1))
			 WHERE id = $2`,
			e.QueueID, e.CellID); err != nil {
			return false, err
		}
		return true, nil

	case notebook.ExecutionCompleted:
		status := notebook.QueueStatusCompleted
		if e.Status != notebook.CompletionSuccess {
			status = notebook.QueueStatusFailed
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE execution_queue
			 SET status = $2, completed_at = $3, duration_ms = $4, error = $5
			 WHERE id = $1 AND status IN ($6, $7, $8)`,
			e.QueueID, string(status), e.CompletedAt, e.DurationMs, e.Error,
			string(notebook.QueueStatusPending), string(notebook.QueueStatusAssigned),
			string(notebook.QueueStatusExecuting))
		if err != nil {
			return false, err
		}
		if affected(res) == 0 {
			return false, s.queueEntryConflict(ctx, tx, e.QueueID)
		}
		return true, nil

	case notebook.ExecutionCancelled:
		res, err := tx.ExecContext(ctx,
			`UPDATE execution_queue SET status = $2
			 WHERE id = $1 AND status IN ($3, $4, $5)`,
			e.QueueID, string(notebook.QueueStatusCancelled),
			string(notebook.QueueStatusPending), string(notebook.QueueStatusAssigned),
			string(notebook.QueueStatusExecuting))
		if err != nil {
			return false, err
		}
		if affected(res) == 0 {
			return false, s.queueEntryConflict(ctx, tx, e.QueueID)
		}
		return true, nil

	case notebook.CellOutputAdded:
		payload, err := json.Marshal(e.Output)
		if err != nil {
			return false, err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO outputs (id, cell_id, position, payload) VALUES ($1, $2, $3, $4)`,
			e.Output.ID, e.Output.CellID, e.Output.Position, payload); err != nil {
			return false, err
		}
		return false, nil

	case notebook.CellOutputAppended:
		// Terminal first, markdown second; unknown output ids are ignored.
		res, err := tx.ExecContext(ctx,
			`UPDATE outputs
			 SET payload = jsonb_set(payload, '{terminal,text}',
			     to_jsonb((payload #>> '{terminal,text}') || $3))
			 WHERE id = $1 AND cell_id = $2 AND payload -> 'terminal' IS NOT NULL`,
			e.OutputID, e.CellID, e.Text)
		if err != nil {
			return false, err
		}
		if affected(res) > 0 {
			return false, nil
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE outputs
			 SET payload = jsonb_set(payload, '{markdown,text}',
			     to_jsonb((payload #>> '{markdown,text}') || $3))
			 WHERE id = $1 AND cell_id = $2 AND payload -> 'markdown' IS NOT NULL`,
			e.OutputID, e.CellID, e.Text); err != nil {
			return false, err
		}
		return false, nil

	case notebook.CellOutputUpdated:
		reps, err := json.Marshal(e.Representations)
		if err != nil {
			return false, err
		}
		// Unknown display ids are ignored.
		if _, err := tx.ExecContext(ctx,
			`UPDATE outputs
			 SET payload = jsonb_set(payload, '{display,representations}', $3::jsonb)
			 WHERE cell_id = $1 AND payload #>> '{display,displayId}' = $2`,
			e.CellID, e.DisplayID, reps); err != nil {
			return false, err
		}
		return false, nil

	case notebook.CellOutputsCleared:
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM outputs WHERE cell_id = $1`, e.CellID); err != nil {
			return false, err
		}
		return false, nil

	case notebook.RuntimeSessionStarted:
		caps, err := json.Marshal(e.Session.Capabilities)
		if err != nil {
			return false, err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO runtime_sessions
			     (session_id, runtime_id, runtime_type, capabilities, status, is_active, last_heartbeat)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (session_id) DO UPDATE SET
			     runtime_id = EXCLUDED.runtime_id,
			     runtime_type = EXCLUDED.runtime_type,
			     capabilities = EXCLUDED.capabilities,
			     status = EXCLUDED.status,
			     is_active = EXCLUDED.is_active,
			     last_heartbeat = EXCLUDED.last_heartbeat`,
			e.Session.SessionID, e.Session.RuntimeID, e.Session.RuntimeType,
			caps, string(e.Session.Status), e.Session.IsActive, e.Session.LastHeartbeat); err != nil {
			return false, err
		}
		return false, nil

	case notebook.RuntimeSessionStatusChanged:
		res, err := tx.ExecContext(ctx,
			`UPDATE runtime_sessions SET status = $2 WHERE session_id = $1`,
			e.SessionID, string(e.Status))
		if err != nil {
			return false, err
		}
		if affected(res) == 0 {
			return false, store.ErrNotFound
		}
		return false, nil

	case notebook.RuntimeSessionHeartbeat:
		res, err := tx.ExecContext(ctx,
			`UPDATE runtime_sessions SET last_heartbeat = $2 WHERE session_id = $1`,
			e.SessionID, e.At)
		if err != nil {
			return false, err
		}
		if affected(res) == 0 {
			return false, store.ErrNotFound
		}
		return false, nil

	case notebook.RuntimeSessionTerminated:
		res, err := tx.ExecContext(ctx,
			`UPDATE runtime_sessions SET status = $2, is_active = FALSE WHERE session_id = $1`,
			e.SessionID, string(notebook.SessionStatusTerminated))
		if err != nil {
			return false, err
		}
		if affected(res) == 0 {
			return false, store.ErrNotFound
		}
		return false, nil
	}

	return false, fmt.Errorf("unknown event type %q", ev.EventType())
}

// queueEntryConflict distinguishes the two reasons a conditional queue UPDATE
// can match zero rows: the entry is missing, or it exists in a state the
// event cannot apply to.
func (s *Store) queueEntryConflict(ctx context.Context, tx *sql.Tx, queueID string) error {
	var exists bool
	if err := tx.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM execution_queue WHERE id = $1)`, queueID).Scan(&exists); err != nil {
		return err
	}
	if exists {
		return store.ErrConflict
	}
	return store.ErrNotFound
}

func affected(res sql.Result) int64 {
	n, err := res.RowsAffected()
	if err != nil {
		return 0
	}
	return n
}
