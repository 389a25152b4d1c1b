package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/notebookos/cellagent/pkg/notebook"
	"github.com/notebookos/cellagent/pkg/store"
)

// Cell returns a cell by id.
func (s *Store) Cell(ctx context.Context, id string) (*notebook.Cell, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, cell_type, source, position, ai_context_visible, execution_count
		 FROM cells WHERE id = $1`, id)
	cell, err := scanCell(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query cell %s: %w", id, err)
	}
	return &cell, nil
}

// Cells returns all cells ordered by position.
func (s *Store) Cells(ctx context.Context) ([]notebook.Cell, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, cell_type, source, position, ai_context_visible, execution_count
		 FROM cells ORDER BY position, id`)
	if err != nil {
		return nil, fmt.Errorf("query cells: %w", err)
	}
	defer rows.Close()

	var cells []notebook.Cell
	for rows.Next() {
		cell, err := scanCell(rows)
		if err != nil {
			return nil, fmt.Errorf("query cells: %w", err)
		}
		cells = append(cells, cell)
	}
	return cells, rows.Err()
}

// Outputs returns a cell's outputs in emission order.
func (s *Store) Outputs(ctx context.Context, cellID string) ([]notebook.Output, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM outputs WHERE cell_id = $1 ORDER BY seq`, cellID)
	if err != nil {
		return nil, fmt.Errorf("query outputs for cell %s: %w", cellID, err)
	}
	defer rows.Close()

	var outputs []notebook.Output
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("query outputs for cell %s: %w", cellID, err)
		}
		var out notebook.Output
		if err := json.Unmarshal(payload, &out); err != nil {
			return nil, fmt.Errorf("query outputs for cell %s: decode: %w", cellID, err)
		}
		outputs = append(outputs, out)
	}
	return outputs, rows.Err()
}

// QueueEntries returns the entries matching q.
func (s *Store) QueueEntries(ctx context.Context, q store.QueueQuery) ([]notebook.ExecutionQueueEntry, error) {
	query, args := buildQueueQuery(q)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query queue entries: %w", err)
	}
	defer rows.Close()

	var entries []notebook.ExecutionQueueEntry
	for rows.Next() {
		var (
			e                      notebook.ExecutionQueueEntry
			status                 string
			startedAt, completedAt sql.NullTime
		)
		err := rows.Scan(&e.ID, &e.CellID, &e.ExecutionCount, &e.RequestedBy,
			&e.Priority, &status, &e.AssignedSession, &startedAt, &completedAt,
			&e.DurationMs, &e.Error)
		if err != nil {
			return nil, fmt.Errorf("query queue entries: %w", err)
		}
		e.Status = notebook.QueueStatus(status)
		if startedAt.Valid {
			t := startedAt.Time
			e.StartedAt = &t
		}
		if completedAt.Valid {
			t := completedAt.Time
			e.CompletedAt = &t
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// buildQueueQuery renders a QueueQuery to SQL. Insertion order rides the seq
// column; ByPriority sorts priority descending with seq as the tiebreak.
func buildQueueQuery(q store.QueueQuery) (string, []any) {
	var b strings.Builder
	b.WriteString(`SELECT id, cell_id, execution_count, requested_by, priority, status,
	 assigned_session, started_at, completed_at, duration_ms, error
	 FROM execution_queue`)

	var conds []string
	var args []any
	if len(q.Statuses) > 0 {
		placeholders := make([]string, len(q.Statuses))
		for i, status := range q.Statuses {
			args = append(args, string(status))
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		conds = append(conds, "status IN ("+strings.Join(placeholders, ", ")+")")
	}
	if q.AssignedSession != "" {
		args = append(args, q.AssignedSession)
		conds = append(conds, fmt.Sprintf("assigned_session = $%d", len(args)))
	}
	if len(conds) > 0 {
		b.WriteString(" WHERE " + strings.Join(conds, " AND "))
	}
	if q.ByPriority {
		b.WriteString(" ORDER BY priority DESC, seq")
	} else {
		b.WriteString(" ORDER BY seq")
	}
	return b.String(), args
}

// ActiveSessions returns sessions with is_active set, ordered by session id.
func (s *Store) ActiveSessions(ctx context.Context) ([]notebook.RuntimeSession, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, runtime_id, runtime_type, capabilities, status, is_active, last_heartbeat
		 FROM runtime_sessions WHERE is_active ORDER BY session_id`)
	if err != nil {
		return nil, fmt.Errorf("query active sessions: %w", err)
	}
	defer rows.Close()

	var sessions []notebook.RuntimeSession
	for rows.Next() {
		var (
			sess   notebook.RuntimeSession
			caps   []byte
			status string
		)
		err := rows.Scan(&sess.SessionID, &sess.RuntimeID, &sess.RuntimeType,
			&caps, &status, &sess.IsActive, &sess.LastHeartbeat)
		if err != nil {
			return nil, fmt.Errorf("query active sessions: %w", err)
		}
		if err := json.Unmarshal(caps, &sess.Capabilities); err != nil {
			return nil, fmt.Errorf("query active sessions: decode capabilities: %w", err)
		}
		sess.Status = notebook.SessionStatus(status)
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// scanCell reads one cells row from either a Row or Rows.
func scanCell(row interface{ Scan(...any) error }) (notebook.Cell, error) {
	var (
		cell     notebook.Cell
		cellType string
	)
	err := row.Scan(&cell.ID, &cellType, &cell.Source, &cell.Position,
		&cell.AIContextVisible, &cell.ExecutionCount)
	if err != nil {
		return notebook.Cell{}, err
	}
	cell.CellType = notebook.CellType(cellType)
	return cell, nil
}
