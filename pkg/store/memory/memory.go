// Package memory provides an in-process Store implementation with the same
// commit/query/subscribe semantics as the PostgreSQL store. It backs unit
// tests and embedded single-process deployments.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/notebookos/cellagent/pkg/notebook"
	"github.com/notebookos/cellagent/pkg/store"
)

// Store is a mutex-guarded notebook state machine. Commits apply events
// synchronously; subscription callbacks run on one goroutine per
// subscription, so a given callback is never invoked concurrently with
// itself.
type Store struct {
	mu sync.RWMutex

	cells    map[string]*notebook.Cell
	queue    map[string]*queueEntry
	sessions map[string]*notebook.RuntimeSession
	outputs  map[string][]notebook.Output

	nextSeq   int64
	subs      map[int]*queueSub
	nextSubID int
	closed    bool
}

// queueEntry pairs an entry with its insertion sequence for FIFO tiebreaks.
type queueEntry struct {
	entry notebook.ExecutionQueueEntry
	seq   int64
}

type queueSub struct {
	query    store.QueueQuery
	onUpdate func([]notebook.ExecutionQueueEntry)
	wake     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		cells:    make(map[string]*notebook.Cell),
		queue:    make(map[string]*queueEntry),
		sessions: make(map[string]*notebook.RuntimeSession),
		outputs:  make(map[string][]notebook.Output),
		subs:     make(map[int]*queueSub),
	}
}

// Commit applies an event to the materialized state and wakes queue
// subscriptions when the queue changed.
func (s *Store) Commit(_ context.Context, ev notebook.Event) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("commit %s: store closed", ev.EventType())
	}
	queueChanged, err := s.apply(ev)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("commit %s: %w", ev.EventType(), err)
	}
	if queueChanged {
		s.wakeQueueSubs()
	}
	return nil
}

// apply mutates state under s.mu. Returns whether the queue table changed.
func (s *Store) apply(ev notebook.Event) (bool, error) {
	switch e := ev.(type) {
	case notebook.CellCreated:
		if _, exists := s.cells[e.CellID]; exists {
			return false, store.ErrConflict
		}
		visible := true
		if e.AIContextVisible != nil {
			visible = *e.AIContextVisible
		}
		s.cells[e.CellID] = &notebook.Cell{
			ID:               e.CellID,
			CellType:         e.CellType,
			Position:         e.Position,
			AIContextVisible: visible,
		}
		return false, nil

	case notebook.CellSourceChanged:
		cell, ok := s.cells[e.CellID]
		if !ok {
			return false, store.ErrNotFound
		}
		cell.Source = e.Source
		return false, nil

	case notebook.CellAIContextChanged:
		cell, ok := s.cells[e.CellID]
		if !ok {
			return false, store.ErrNotFound
		}
		cell.AIContextVisible = e.Visible
		return false, nil

	case notebook.ExecutionRequested:
		if _, exists := s.queue[e.QueueID]; exists {
			return false, store.ErrConflict
		}
		s.nextSeq++
		s.queue[e.QueueID] = &queueEntry{
			entry: notebook.ExecutionQueueEntry{
				ID:             e.QueueID,
				CellID:         e.CellID,
				ExecutionCount: e.ExecutionCount,
				RequestedBy:    e.RequestedBy,
				Priority:       e.Priority,
				Status:         notebook.QueueStatusPending,
			},
			seq: s.nextSeq,
		}
		return true, nil

	case notebook.ExecutionAssigned:
		qe, ok := s.queue[e.QueueID]
		if !ok {
			return false, store.ErrNotFound
		}
		// The claim race: only a pending entry may be assigned. Losing
		// racers get ErrConflict and back off to their subscriptions.
		if qe.entry.Status != notebook.QueueStatusPending {
			return false, store.ErrConflict
		}
		qe.entry.Status = notebook.QueueStatusAssigned
		qe.entry.AssignedSession = e.SessionID
		return true, nil

	case notebook.ExecutionStarted:
		qe, ok := s.queue[e.QueueID]
		if !ok {
			return false, store.ErrNotFound
		}
		if qe.entry.Status != notebook.QueueStatusAssigned {
			return false, store.ErrConflict
		}
		started := e.StartedAt
		qe.entry.Status = notebook.QueueStatusExecuting
		qe.entry.StartedAt = &started
		if cell, ok := s.cells[qe.entry.CellID]; ok && qe.entry.ExecutionCount > cell.ExecutionCount {
			cell.ExecutionCount = qe.entry.ExecutionCount
		}
		return true, nil

	case notebook.ExecutionCompleted:
		qe, ok := s.queue[e.QueueID]
		if !ok {
			return false, store.ErrNotFound
		}
		if qe.entry.Status.IsTerminal() {
			return false, store.ErrConflict
		}
		if e.Status == notebook.CompletionSuccess {
			qe.entry.Status = notebook.QueueStatusCompleted
		} else {
			qe.entry.Status = notebook.QueueStatusFailed
		}
		completed := e.CompletedAt
		qe.entry.CompletedAt = &completed
		qe.entry.DurationMs = e.DurationMs
		qe.entry.Error = e.Error
		return true, nil

	case notebook.ExecutionCancelled:
		qe, ok := s.queue[e.QueueID]
		if !ok {
			return false, store.ErrNotFound
		}
		if qe.entry.Status.IsTerminal() {
			return false, store.ErrConflict
		}
		qe.entry.Status = notebook.QueueStatusCancelled
		return true, nil

	case notebook.CellOutputAdded:
		// Detach from the event so the committer cannot mutate stored state.
		out := cloneOutput(e.Output)
		s.outputs[out.CellID] = append(s.outputs[out.CellID], out)
		return false, nil

	case notebook.CellOutputAppended:
		outs := s.outputs[e.CellID]
		for i := range outs {
			if outs[i].ID != e.OutputID {
				continue
			}
			switch {
			case outs[i].Terminal != nil:
				outs[i].Terminal.Text += e.Text
			case outs[i].Markdown != nil:
				outs[i].Markdown.Text += e.Text
			}
			return false, nil
		}
		// Unknown output id: ignored, matching updateDisplay semantics.
		return false, nil

	case notebook.CellOutputUpdated:
		outs := s.outputs[e.CellID]
		for i := range outs {
			if outs[i].Display != nil && outs[i].Display.DisplayID == e.DisplayID {
				outs[i].Display.Representations = e.Representations
				return false, nil
			}
		}
		return false, nil

	case notebook.CellOutputsCleared:
		delete(s.outputs, e.CellID)
		return false, nil

	case notebook.RuntimeSessionStarted:
		sess := e.Session
		s.sessions[sess.SessionID] = &sess
		return false, nil

	case notebook.RuntimeSessionStatusChanged:
		sess, ok := s.sessions[e.SessionID]
		if !ok {
			return false, store.ErrNotFound
		}
		sess.Status = e.Status
		return false, nil

	case notebook.RuntimeSessionHeartbeat:
		sess, ok := s.sessions[e.SessionID]
		if !ok {
			return false, store.ErrNotFound
		}
		sess.LastHeartbeat = e.At
		return false, nil

	case notebook.RuntimeSessionTerminated:
		sess, ok := s.sessions[e.SessionID]
		if !ok {
			return false, store.ErrNotFound
		}
		sess.Status = notebook.SessionStatusTerminated
		sess.IsActive = false
		return false, nil
	}

	return false, fmt.Errorf("unknown event type %q", ev.EventType())
}

// Cell returns a cell by id.
func (s *Store) Cell(_ context.Context, id string) (*notebook.Cell, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cell, ok := s.cells[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := *cell
	return &c, nil
}

// Cells returns all cells ordered by position.
func (s *Store) Cells(_ context.Context) ([]notebook.Cell, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cells := make([]notebook.Cell, 0, len(s.cells))
	for _, c := range s.cells {
		cells = append(cells, *c)
	}
	sort.Slice(cells, func(i, j int) bool {
		if cells[i].Position != cells[j].Position {
			return cells[i].Position < cells[j].Position
		}
		return cells[i].ID < cells[j].ID
	})
	return cells, nil
}

// Outputs returns a cell's outputs in emission order. The snapshot is
// detached from the store: later appends and display updates never show
// through it.
func (s *Store) Outputs(_ context.Context, cellID string) ([]notebook.Output, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	outs := s.outputs[cellID]
	copied := make([]notebook.Output, len(outs))
	for i := range outs {
		copied[i] = cloneOutput(outs[i])
	}
	return copied, nil
}

// cloneOutput deep-copies an output's variant payload so a snapshot never
// aliases store-owned memory.
func cloneOutput(out notebook.Output) notebook.Output {
	switch {
	case out.Terminal != nil:
		t := *out.Terminal
		out.Terminal = &t
	case out.Display != nil:
		d := *out.Display
		d.Representations = cloneBundle(d.Representations)
		out.Display = &d
	case out.Result != nil:
		r := *out.Result
		r.Representations = cloneBundle(r.Representations)
		out.Result = &r
	case out.Markdown != nil:
		m := *out.Markdown
		if m.Metadata != nil {
			md := make(map[string]any, len(m.Metadata))
			for k, v := range m.Metadata {
				md[k] = v
			}
			m.Metadata = md
		}
		out.Markdown = &m
	case out.Error != nil:
		e := *out.Error
		e.Traceback = append([]string(nil), e.Traceback...)
		out.Error = &e
	}
	return out
}

func cloneBundle(b notebook.MimeBundle) notebook.MimeBundle {
	if b == nil {
		return nil
	}
	c := make(notebook.MimeBundle, len(b))
	for k, v := range b {
		c[k] = v
	}
	return c
}

// QueueEntries returns the entries matching q.
func (s *Store) QueueEntries(_ context.Context, q store.QueueQuery) ([]notebook.ExecutionQueueEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queueSnapshot(q), nil
}

// queueSnapshot evaluates q under s.mu (read or write).
func (s *Store) queueSnapshot(q store.QueueQuery) []notebook.ExecutionQueueEntry {
	matched := make([]*queueEntry, 0, len(s.queue))
	for _, qe := range s.queue {
		if q.Matches(qe.entry) {
			matched = append(matched, qe)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if q.ByPriority && matched[i].entry.Priority != matched[j].entry.Priority {
			return matched[i].entry.Priority > matched[j].entry.Priority
		}
		return matched[i].seq < matched[j].seq
	})
	entries := make([]notebook.ExecutionQueueEntry, len(matched))
	for i, qe := range matched {
		entries[i] = qe.entry
	}
	return entries
}

// ActiveSessions returns sessions with IsActive=true.
func (s *Store) ActiveSessions(_ context.Context) ([]notebook.RuntimeSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sessions := make([]notebook.RuntimeSession, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if sess.IsActive {
			sessions = append(sessions, *sess)
		}
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].SessionID < sessions[j].SessionID
	})
	return sessions, nil
}

// SubscribeQueue registers a live query over the execution queue. The
// callback receives the full current result set immediately and again after
// every commit that changes the queue.
func (s *Store) SubscribeQueue(q store.QueueQuery, onUpdate func([]notebook.ExecutionQueueEntry)) (store.Unsubscribe, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("subscribe: store closed")
	}
	sub := &queueSub{
		query:    q,
		onUpdate: onUpdate,
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}
	id := s.nextSubID
	s.nextSubID++
	s.subs[id] = sub
	s.mu.Unlock()

	go s.runSub(sub)

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
		sub.stopOnce.Do(func() { close(sub.stop) })
	}, nil
}

// runSub delivers result sets to one subscription, serialized.
func (s *Store) runSub(sub *queueSub) {
	deliver := func() {
		s.mu.RLock()
		snapshot := s.queueSnapshot(sub.query)
		s.mu.RUnlock()
		sub.onUpdate(snapshot)
	}
	deliver()
	for {
		select {
		case <-sub.stop:
			return
		case <-sub.wake:
			deliver()
		}
	}
}

// wakeQueueSubs nudges every queue subscription. The wake channel is
// buffered with capacity one, so bursts of commits coalesce into a single
// delivery of the latest result set.
func (s *Store) wakeQueueSubs() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sub := range s.subs {
		select {
		case sub.wake <- struct{}{}:
		default:
		}
	}
}

// Close stops all subscriptions. Subsequent commits and subscribes fail.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for id, sub := range s.subs {
		sub.stopOnce.Do(func() { close(sub.stop) })
		delete(s.subs, id)
	}
	return nil
}
