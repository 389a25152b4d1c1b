package runtime

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/notebookos/cellagent/pkg/media"
	"github.com/notebookos/cellagent/pkg/notebook"
	"github.com/notebookos/cellagent/pkg/store"
)

// ErrExecutionCancelled is the cancellation cause attached to an execution's
// context when the entry is cancelled, the session shuts down, or the worker
// interrupt fires. Handlers and bridges translate it into a single stderr
// line instead of an error output.
var ErrExecutionCancelled = errors.New("execution was cancelled")

// ExecutionContext is the sole conduit by which handlers emit observable
// results. It owns the per-execution output position counter and shapes
// emissions into store events.
//
// Store commit failures are transport errors: they are logged and dropped,
// never surfaced to the handler (a transiently unavailable store must not
// kill an execution). The position counter still advances so ordering stays
// consistent once the store recovers.
//
// Methods are safe for concurrent use; emissions are serialized by an
// internal mutex so positions reflect call order.
type ExecutionContext struct {
	QueueID        string
	CellID         string
	ExecutionCount int
	SessionID      string

	store store.Store

	// commitCtx is the engine's long-lived context, used for store commits.
	// Deliberately not the abort context: the final stderr line of a
	// cancelled execution must still reach the store.
	commitCtx context.Context

	// abortCtx carries the execution's cancellation handle.
	abortCtx context.Context

	mu           sync.Mutex
	position     int
	pendingClear bool
}

// NewExecutionContext builds the output conduit for one claimed queue entry.
// The engine creates one per dispatch; handler tests construct them directly.
func NewExecutionContext(commitCtx, abortCtx context.Context, st store.Store, entry notebook.ExecutionQueueEntry, sessionID string) *ExecutionContext {
	return &ExecutionContext{
		QueueID:        entry.ID,
		CellID:         entry.CellID,
		ExecutionCount: entry.ExecutionCount,
		SessionID:      sessionID,
		store:          st,
		commitCtx:      commitCtx,
		abortCtx:       abortCtx,
	}
}

// Done exposes the execution's cancellation handle.
func (c *ExecutionContext) Done() <-chan struct{} { return c.abortCtx.Done() }

// AbortContext returns the context carrying the cancellation handle, for
// plumbing into blocking calls (model HTTP streams, worker requests).
func (c *ExecutionContext) AbortContext() context.Context { return c.abortCtx }

// CheckCancellation returns ErrExecutionCancelled if the handle has fired.
// Handlers call it at natural yield points.
func (c *ExecutionContext) CheckCancellation() error {
	select {
	case <-c.abortCtx.Done():
		return ErrExecutionCancelled
	default:
		return nil
	}
}

// Cancelled reports whether the cancellation handle has fired.
func (c *ExecutionContext) Cancelled() bool {
	return c.CheckCancellation() != nil
}

// Stdout appends a stdout terminal output and returns its id. Empty or
// whitespace-only text emits nothing and returns "".
func (c *ExecutionContext) Stdout(text string) string {
	return c.emitTerminal(notebook.StreamStdout, text)
}

// Stderr appends a stderr terminal output and returns its id. Empty or
// whitespace-only text emits nothing and returns "".
func (c *ExecutionContext) Stderr(text string) string {
	return c.emitTerminal(notebook.StreamStderr, text)
}

func (c *ExecutionContext) emitTerminal(stream notebook.StreamName, text string) string {
	if strings.TrimSpace(text) == "" {
		return ""
	}
	id := uuid.New().String()
	c.emit(notebook.Output{
		ID:       id,
		CellID:   c.CellID,
		Terminal: &notebook.TerminalOutput{Stream: stream, Text: text},
	})
	return id
}

// AppendTerminal appends text to an existing terminal output. Streaming
// workers use it to coalesce chunks into one record; the position counter
// does not advance.
func (c *ExecutionContext) AppendTerminal(outputID, text string) {
	if text == "" {
		return
	}
	c.commit(notebook.CellOutputAppended{CellID: c.CellID, OutputID: outputID, Text: text})
}

// Display emits a multimedia_display output built from the MIME entries of
// data. A non-empty displayID makes the output addressable by UpdateDisplay.
func (c *ExecutionContext) Display(data map[string]any, metadata map[string]any, displayID string) {
	c.emit(notebook.Output{
		ID:     uuid.New().String(),
		CellID: c.CellID,
		Display: &notebook.DisplayOutput{
			Representations: media.Normalize(data, metadata),
			DisplayID:       displayID,
		},
	})
}

// UpdateDisplay replaces the representations of the output previously
// created with displayID. It does not create a new output and does not
// advance the position counter; the store ignores unknown display ids.
func (c *ExecutionContext) UpdateDisplay(displayID string, data map[string]any, metadata map[string]any) {
	c.commit(notebook.CellOutputUpdated{
		CellID:          c.CellID,
		DisplayID:       displayID,
		Representations: media.Normalize(data, metadata),
	})
}

// Result emits a multimedia_result output carrying the execution count.
func (c *ExecutionContext) Result(data map[string]any, metadata map[string]any) {
	c.emit(notebook.Output{
		ID:     uuid.New().String(),
		CellID: c.CellID,
		Result: &notebook.ResultOutput{
			Representations: media.Normalize(data, metadata),
			ExecutionCount:  c.ExecutionCount,
		},
	})
}

// Error emits a structured error output.
func (c *ExecutionContext) Error(ename, evalue string, traceback []string) {
	c.emit(notebook.Output{
		ID:     uuid.New().String(),
		CellID: c.CellID,
		Error:  &notebook.ErrorOutput{Ename: ename, Evalue: evalue, Traceback: traceback},
	})
}

// Markdown emits a new appendable markdown output and returns its id, for
// token-by-token streaming via AppendMarkdown.
func (c *ExecutionContext) Markdown(content string, metadata map[string]any) string {
	id := uuid.New().String()
	c.emit(notebook.Output{
		ID:       id,
		CellID:   c.CellID,
		Markdown: &notebook.MarkdownOutput{Text: content, Metadata: metadata},
	})
	return id
}

// AppendMarkdown appends text to an existing markdown output without
// advancing the position counter.
func (c *ExecutionContext) AppendMarkdown(outputID, text string) {
	if text == "" {
		return
	}
	c.commit(notebook.CellOutputAppended{CellID: c.CellID, OutputID: outputID, Text: text})
}

// Clear clears all current outputs for this cell.
//
// With wait=false the clear is committed immediately and the position
// counter resets to 0. With wait=true the clear is deferred until the next
// position-advancing emission, which replaces the old outputs atomically;
// the counter is not reset. A pending UpdateDisplay does not trigger the
// deferred clear.
func (c *ExecutionContext) Clear(wait bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if wait {
		c.pendingClear = true
		return
	}
	c.pendingClear = false
	c.position = 0
	c.commitLocked(notebook.CellOutputsCleared{CellID: c.CellID, ClearedBy: c.SessionID})
}

// emit assigns the next position and commits a cellOutputAdded, flushing a
// pending deferred clear first.
func (c *ExecutionContext) emit(out notebook.Output) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pendingClear {
		c.pendingClear = false
		c.commitLocked(notebook.CellOutputsCleared{CellID: c.CellID, ClearedBy: c.SessionID})
	}
	out.Position = c.position
	c.position++
	c.commitLocked(notebook.CellOutputAdded{Output: out})
}

func (c *ExecutionContext) commit(ev notebook.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commitLocked(ev)
}

func (c *ExecutionContext) commitLocked(ev notebook.Event) {
	if err := c.store.Commit(c.commitCtx, ev); err != nil {
		slog.Debug("Output commit dropped",
			"queue_id", c.QueueID, "cell_id", c.CellID, "event", ev.EventType(), "error", err)
	}
}
