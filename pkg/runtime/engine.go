package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/notebookos/cellagent/pkg/notebook"
	"github.com/notebookos/cellagent/pkg/store"
)

// Handler executes one cell of a given type. Execute blocks until the
// execution finishes; ctx is the execution's cancellation handle and ectx the
// only channel for observable output.
//
// A nil error with a result describes a finished execution (successful or
// not). A non-nil error is an infrastructure failure inside the handler; the
// engine records it as a failed execution. Returning an error wrapping
// ErrExecutionCancelled marks the execution as cancelled instead.
type Handler interface {
	Execute(ctx context.Context, ectx *ExecutionContext, cell notebook.Cell) (*HandlerResult, error)
}

// HandlerResult is the terminal outcome a handler reports to the engine.
type HandlerResult struct {
	Success bool
	// Error is the user-facing failure message when Success is false.
	Error string
	// Data, when non-empty, is a MIME map the engine emits as a final
	// multimedia_result output before completing the entry.
	Data     map[string]any
	Metadata map[string]any
}

// EngineConfig configures a coordination engine.
type EngineConfig struct {
	SessionID string
	Store     store.Store
	Handlers  map[notebook.CellType]Handler

	// OnExecutionError, when set, observes handler infrastructure failures
	// before the entry is marked failed. Used to restart a crashed worker.
	OnExecutionError func(queueID string, err error)
}

// execState tracks one in-flight (or about to be in-flight) execution.
// Guarded by Engine.mu.
type execState struct {
	cancel    context.CancelCauseFunc
	cancelled bool
}

// Engine is the claim-and-dispatch loop of a runtime session. It watches the
// execution queue, claims pending entries for its session, and runs them one
// at a time through the registered handlers.
//
// Dispatch is strictly serial: a single goroutine drains the dispatch channel,
// so at most one handler runs at any moment. Claiming is decoupled from
// dispatch; the engine may claim the next entry while the current one runs.
type Engine struct {
	sessionID string
	store     store.Store
	handlers  map[notebook.CellType]Handler
	onError   func(queueID string, err error)

	mu         sync.Mutex
	processing map[string]*execState
	unsubs     []store.Unsubscribe
	started    bool

	dispatchCh chan notebook.ExecutionQueueEntry
	stop       chan struct{}
	stopOnce   sync.Once
	done       chan struct{}
}

// NewEngine builds an engine; Start wires it to the store.
func NewEngine(cfg EngineConfig) *Engine {
	return &Engine{
		sessionID:  cfg.SessionID,
		store:      cfg.Store,
		handlers:   cfg.Handlers,
		onError:    cfg.OnExecutionError,
		processing: make(map[string]*execState),
		dispatchCh: make(chan notebook.ExecutionQueueEntry, 16),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start installs the queue subscriptions and launches the dispatch loop.
// ctx is the engine's lifetime: cancelling it aborts in-flight executions
// and stops the loop.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return errors.New("engine already started")
	}
	e.started = true
	e.mu.Unlock()

	go e.dispatchLoop(ctx)

	subs := []struct {
		query store.QueueQuery
		fn    func([]notebook.ExecutionQueueEntry)
	}{
		{
			store.QueueQuery{
				Statuses:        []notebook.QueueStatus{notebook.QueueStatusAssigned},
				AssignedSession: e.sessionID,
				ByPriority:      true,
			},
			e.onAssigned,
		},
		{
			store.QueueQuery{
				Statuses:   []notebook.QueueStatus{notebook.QueueStatusPending},
				ByPriority: true,
			},
			func(entries []notebook.ExecutionQueueEntry) { e.claimNext(ctx, entries) },
		},
		{
			store.QueueQuery{Statuses: []notebook.QueueStatus{notebook.QueueStatusCancelled}},
			e.onCancelled,
		},
		{
			store.QueueQuery{
				Statuses: []notebook.QueueStatus{notebook.QueueStatusCompleted, notebook.QueueStatusFailed},
			},
			e.onFinished,
		},
	}
	for _, s := range subs {
		unsub, err := e.store.SubscribeQueue(s.query, s.fn)
		if err != nil {
			e.teardown()
			return fmt.Errorf("failed to subscribe to execution queue: %w", err)
		}
		e.mu.Lock()
		e.unsubs = append(e.unsubs, unsub)
		e.mu.Unlock()
	}

	slog.Info("Coordination engine started", "session_id", e.sessionID)
	return nil
}

// Stop tears down subscriptions, cancels any in-flight execution and waits
// for the dispatch loop to exit. Idempotent, and safe on an engine that was
// never started.
func (e *Engine) Stop() {
	e.teardown()

	e.mu.Lock()
	for _, st := range e.processing {
		st.cancelled = true
		if st.cancel != nil {
			st.cancel(ErrExecutionCancelled)
		}
	}
	started := e.started
	e.mu.Unlock()

	e.stopOnce.Do(func() { close(e.stop) })
	if !started {
		// No dispatch loop to wait for.
		return
	}
	<-e.done
	slog.Info("Coordination engine stopped", "session_id", e.sessionID)
}

func (e *Engine) teardown() {
	e.mu.Lock()
	unsubs := e.unsubs
	e.unsubs = nil
	e.mu.Unlock()
	for _, u := range unsubs {
		u()
	}
}

// InFlight returns the number of executions claimed or running.
func (e *Engine) InFlight() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.processing)
}

// onAssigned enqueues entries assigned to this session, once each. The
// processing set deduplicates across subscription refires; entries stay in
// the set until a terminal status is observed.
func (e *Engine) onAssigned(entries []notebook.ExecutionQueueEntry) {
	for _, entry := range entries {
		e.mu.Lock()
		if _, seen := e.processing[entry.ID]; seen {
			e.mu.Unlock()
			continue
		}
		e.processing[entry.ID] = &execState{}
		e.mu.Unlock()

		select {
		case e.dispatchCh <- entry:
		case <-e.stop:
			return
		default:
			// Channel full: drop the claim locally, the subscription will
			// refire while the entry stays assigned.
			e.mu.Lock()
			delete(e.processing, entry.ID)
			e.mu.Unlock()
			slog.Warn("Dispatch queue full, deferring entry", "queue_id", entry.ID)
		}
	}
}

// claimNext attempts to claim the highest-priority pending entry. The claim
// is a conditional commit: if another session wins the race the store rejects
// it and this session simply waits for the next wakeup. Claims are suppressed
// until this session is visible as an active session, so a not-yet-started or
// displaced session never takes work.
func (e *Engine) claimNext(ctx context.Context, entries []notebook.ExecutionQueueEntry) {
	if len(entries) == 0 {
		return
	}
	sessions, err := e.store.ActiveSessions(ctx)
	if err != nil {
		slog.Warn("Failed to check active sessions before claiming", "error", err)
		return
	}
	active := false
	for _, s := range sessions {
		if s.SessionID == e.sessionID {
			active = true
			break
		}
	}
	if !active {
		return
	}

	entry := entries[0]
	err = e.store.Commit(ctx, notebook.ExecutionAssigned{QueueID: entry.ID, SessionID: e.sessionID})
	if err != nil {
		// Lost the race or transient store trouble; either way another
		// wakeup follows if work remains.
		slog.Debug("Claim not applied", "queue_id", entry.ID, "error", err)
		return
	}
	slog.Info("Claimed execution", "queue_id", entry.ID, "cell_id", entry.CellID)
}

// onCancelled aborts matching in-flight executions. The terminal status
// itself is already committed by whoever cancelled; the engine only has to
// stop the handler.
func (e *Engine) onCancelled(entries []notebook.ExecutionQueueEntry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, entry := range entries {
		st, ok := e.processing[entry.ID]
		if !ok || st.cancelled {
			continue
		}
		st.cancelled = true
		if st.cancel != nil {
			st.cancel(ErrExecutionCancelled)
		}
		slog.Info("Execution cancelled", "queue_id", entry.ID)
	}
}

// onFinished drops terminal entries from the processing set.
func (e *Engine) onFinished(entries []notebook.ExecutionQueueEntry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, entry := range entries {
		delete(e.processing, entry.ID)
	}
}

func (e *Engine) dispatchLoop(ctx context.Context) {
	defer close(e.done)
	for {
		select {
		case <-e.stop:
			return
		case <-ctx.Done():
			return
		case entry := <-e.dispatchCh:
			e.dispatch(ctx, entry)
		}
	}
}

// dispatch runs a single claimed entry through its handler and commits the
// terminal outcome. Bookkeeping commits (started, cleared, completed) are
// best-effort: failures are logged, never fatal to the execution.
func (e *Engine) dispatch(parent context.Context, entry notebook.ExecutionQueueEntry) {
	abortCtx, cancel := context.WithCancelCause(parent)
	defer cancel(nil)

	e.mu.Lock()
	st, ok := e.processing[entry.ID]
	if !ok {
		// Finished (cancelled) before dispatch got to it.
		e.mu.Unlock()
		return
	}
	st.cancel = cancel
	if st.cancelled {
		cancel(ErrExecutionCancelled)
	}
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		delete(e.processing, entry.ID)
		e.mu.Unlock()
	}()

	cell, err := e.store.Cell(parent, entry.CellID)
	if err != nil {
		msg := fmt.Sprintf("Cell %s not found", entry.CellID)
		if !errors.Is(err, store.ErrNotFound) {
			msg = fmt.Sprintf("Failed to load cell %s: %v", entry.CellID, err)
		}
		e.complete(parent, entry, time.Now(), notebook.CompletionError, msg)
		return
	}

	ectx := NewExecutionContext(parent, abortCtx, e.store, entry, e.sessionID)
	startedAt := time.Now()

	e.bookkeep(parent, notebook.ExecutionStarted{
		QueueID:   entry.ID,
		CellID:    entry.CellID,
		SessionID: e.sessionID,
		StartedAt: startedAt,
	})
	// Fresh run, fresh outputs.
	e.bookkeep(parent, notebook.CellOutputsCleared{CellID: entry.CellID, ClearedBy: e.sessionID})

	slog.Info("Executing cell",
		"queue_id", entry.ID, "cell_id", entry.CellID, "cell_type", cell.CellType)

	handler, ok := e.handlers[cell.CellType]
	if !ok {
		e.complete(parent, entry, startedAt, notebook.CompletionError,
			fmt.Sprintf("No handler registered for cell type %q", cell.CellType))
		return
	}

	result, err := handler.Execute(abortCtx, ectx, *cell)

	if e.wasCancelled(entry.ID, abortCtx, err) {
		// Whoever cancelled owns the terminal status; committing a
		// completion here would race it.
		slog.Info("Execution aborted", "queue_id", entry.ID, "cell_id", entry.CellID)
		return
	}
	if err != nil {
		slog.Error("Handler failed", "queue_id", entry.ID, "cell_id", entry.CellID, "error", err)
		if e.onError != nil {
			e.onError(entry.ID, err)
		}
		e.complete(parent, entry, startedAt, notebook.CompletionError, err.Error())
		return
	}

	if result == nil {
		e.complete(parent, entry, startedAt, notebook.CompletionError,
			fmt.Sprintf("Handler for cell type %q returned no result", cell.CellType))
		return
	}

	if result.Success && len(result.Data) > 0 {
		ectx.Result(result.Data, result.Metadata)
	}
	status := notebook.CompletionSuccess
	if !result.Success {
		status = notebook.CompletionError
	}
	e.complete(parent, entry, startedAt, status, result.Error)
}

func (e *Engine) wasCancelled(queueID string, abortCtx context.Context, err error) bool {
	if errors.Is(err, ErrExecutionCancelled) {
		return true
	}
	if errors.Is(context.Cause(abortCtx), ErrExecutionCancelled) {
		return true
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.processing[queueID]
	return ok && st.cancelled
}

func (e *Engine) complete(ctx context.Context, entry notebook.ExecutionQueueEntry, startedAt time.Time, status, errMsg string) {
	now := time.Now()
	e.bookkeep(ctx, notebook.ExecutionCompleted{
		QueueID:     entry.ID,
		CellID:      entry.CellID,
		Status:      status,
		Error:       errMsg,
		CompletedAt: now,
		DurationMs:  now.Sub(startedAt).Milliseconds(),
	})
	slog.Info("Execution finished",
		"queue_id", entry.ID, "cell_id", entry.CellID, "status", status,
		"duration_ms", now.Sub(startedAt).Milliseconds())
}

func (e *Engine) bookkeep(ctx context.Context, ev notebook.Event) {
	if err := e.store.Commit(ctx, ev); err != nil {
		slog.Warn("Bookkeeping commit failed", "event", ev.EventType(), "error", err)
	}
}
