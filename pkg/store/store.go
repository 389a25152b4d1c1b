// Package store defines the agent's view of the external replicated notebook
// store. The agent consumes exactly three primitives: commit an event, run a
// point-in-time query, and subscribe to a query for live result-set delivery.
// Two implementations ship in-tree: an in-process store (memory) and a
// PostgreSQL-backed store (postgres).
package store

import (
	"context"
	"errors"

	"github.com/notebookos/cellagent/pkg/notebook"
)

// ErrNotFound is returned by point queries for missing records.
var ErrNotFound = errors.New("store: record not found")

// ErrConflict is returned by Commit when an event cannot be applied to the
// current state, e.g. an executionAssigned for an entry that is no longer
// pending. It is the losing side of a claim race.
var ErrConflict = errors.New("store: event conflicts with current state")

// QueueQuery selects execution queue entries.
type QueueQuery struct {
	// Statuses filters by status. Empty means all.
	Statuses []notebook.QueueStatus

	// AssignedSession, when non-empty, restricts to entries assigned to
	// that runtime session.
	AssignedSession string

	// ByPriority orders results by priority descending (ties by id) instead
	// of insertion order.
	ByPriority bool
}

// Matches reports whether an entry satisfies the query's filters.
func (q QueueQuery) Matches(e notebook.ExecutionQueueEntry) bool {
	if q.AssignedSession != "" && e.AssignedSession != q.AssignedSession {
		return false
	}
	if len(q.Statuses) == 0 {
		return true
	}
	for _, s := range q.Statuses {
		if e.Status == s {
			return true
		}
	}
	return false
}

// Unsubscribe tears down a subscription. Safe to call more than once.
type Unsubscribe func()

// Store is the agent's contract with the replicated notebook document.
//
// Commit appends an event; the store applies it to materialized state and
// wakes affected subscriptions. Commits are linearized by the store; the
// agent holds no read-modify-write invariants across commits.
//
// Subscription callbacks for a given subscription are serialized: the store
// never invokes the same callback concurrently with itself. Each invocation
// receives the query's full current result set.
type Store interface {
	Commit(ctx context.Context, ev notebook.Event) error

	Cell(ctx context.Context, id string) (*notebook.Cell, error)
	Cells(ctx context.Context) ([]notebook.Cell, error)
	Outputs(ctx context.Context, cellID string) ([]notebook.Output, error)
	QueueEntries(ctx context.Context, q QueueQuery) ([]notebook.ExecutionQueueEntry, error)
	ActiveSessions(ctx context.Context) ([]notebook.RuntimeSession, error)

	SubscribeQueue(q QueueQuery, onUpdate func([]notebook.ExecutionQueueEntry)) (Unsubscribe, error)

	Close() error
}
