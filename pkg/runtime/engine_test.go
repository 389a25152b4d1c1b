package runtime

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notebookos/cellagent/pkg/notebook"
	"github.com/notebookos/cellagent/pkg/store"
	"github.com/notebookos/cellagent/pkg/store/memory"
)

// handlerFunc adapts a function to the Handler interface.
type handlerFunc func(ctx context.Context, ectx *ExecutionContext, cell notebook.Cell) (*HandlerResult, error)

func (f handlerFunc) Execute(ctx context.Context, ectx *ExecutionContext, cell notebook.Cell) (*HandlerResult, error) {
	return f(ctx, ectx, cell)
}

func registerSession(t *testing.T, st store.Store, sessionID string) {
	t.Helper()
	require.NoError(t, st.Commit(context.Background(), notebook.RuntimeSessionStarted{
		Session: notebook.RuntimeSession{
			SessionID: sessionID,
			Status:    notebook.SessionStatusReady,
			IsActive:  true,
		},
	}))
}

func createCell(t *testing.T, st store.Store, cellID string, cellType notebook.CellType, source string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.Commit(ctx, notebook.CellCreated{
		CellID: cellID, CellType: cellType, Position: 1,
	}))
	if source != "" {
		require.NoError(t, st.Commit(ctx, notebook.CellSourceChanged{CellID: cellID, Source: source}))
	}
}

func requestExecution(t *testing.T, st store.Store, cellID string, priority int) string {
	t.Helper()
	queueID := uuid.New().String()
	require.NoError(t, st.Commit(context.Background(), notebook.ExecutionRequested{
		QueueID:  queueID,
		CellID:   cellID,
		Priority: priority,
	}))
	return queueID
}

func waitForStatus(t *testing.T, st store.Store, queueID string, want notebook.QueueStatus) notebook.ExecutionQueueEntry {
	t.Helper()
	var got notebook.ExecutionQueueEntry
	require.Eventually(t, func() bool {
		entries, err := st.QueueEntries(context.Background(), store.QueueQuery{})
		if err != nil {
			return false
		}
		for _, e := range entries {
			if e.ID == queueID {
				got = e
				return e.Status == want
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond, "entry %s never reached %s (last: %+v)", queueID, want, &got)
	return got
}

func startEngine(t *testing.T, st store.Store, sessionID string, handlers map[notebook.CellType]Handler) *Engine {
	t.Helper()
	eng := NewEngine(EngineConfig{SessionID: sessionID, Store: st, Handlers: handlers})
	require.NoError(t, eng.Start(context.Background()))
	t.Cleanup(eng.Stop)
	return eng
}

func TestEngine_ClaimsAndExecutesPendingEntry(t *testing.T) {
	st := memory.New()
	t.Cleanup(func() { _ = st.Close() })
	registerSession(t, st, "session-1")
	createCell(t, st, "cell-1", notebook.CellTypeCode, "print('hi')")

	var gotCell atomic.Value
	handlers := map[notebook.CellType]Handler{
		notebook.CellTypeCode: handlerFunc(func(_ context.Context, ectx *ExecutionContext, cell notebook.Cell) (*HandlerResult, error) {
			gotCell.Store(cell)
			ectx.Stdout("hi\n")
			return &HandlerResult{Success: true, Data: map[string]any{"text/plain": "done"}}, nil
		}),
	}
	startEngine(t, st, "session-1", handlers)

	queueID := requestExecution(t, st, "cell-1", 0)
	entry := waitForStatus(t, st, queueID, notebook.QueueStatusCompleted)

	assert.Equal(t, "session-1", entry.AssignedSession)
	require.NotNil(t, entry.StartedAt)
	require.NotNil(t, entry.CompletedAt)
	assert.Empty(t, entry.Error)
	assert.Equal(t, "print('hi')", gotCell.Load().(notebook.Cell).Source)

	outs, err := st.Outputs(context.Background(), "cell-1")
	require.NoError(t, err)
	require.Len(t, outs, 2)
	assert.Equal(t, notebook.OutputTypeTerminal, outs[0].Type())
	assert.Equal(t, notebook.OutputTypeResult, outs[1].Type())
}

func TestEngine_HandlerErrorMarksEntryFailed(t *testing.T) {
	st := memory.New()
	t.Cleanup(func() { _ = st.Close() })
	registerSession(t, st, "session-1")
	createCell(t, st, "cell-1", notebook.CellTypeCode, "boom")

	var observed atomic.Value
	eng := NewEngine(EngineConfig{
		SessionID: "session-1",
		Store:     st,
		Handlers: map[notebook.CellType]Handler{
			notebook.CellTypeCode: handlerFunc(func(context.Context, *ExecutionContext, notebook.Cell) (*HandlerResult, error) {
				return nil, errors.New("worker pipe broken")
			}),
		},
		OnExecutionError: func(queueID string, err error) { observed.Store(err) },
	})
	require.NoError(t, eng.Start(context.Background()))
	t.Cleanup(eng.Stop)

	queueID := requestExecution(t, st, "cell-1", 0)
	entry := waitForStatus(t, st, queueID, notebook.QueueStatusFailed)

	assert.Equal(t, "worker pipe broken", entry.Error)
	require.NotNil(t, observed.Load())
	assert.EqualError(t, observed.Load().(error), "worker pipe broken")
}

func TestEngine_UnsuccessfulResultMarksEntryFailed(t *testing.T) {
	st := memory.New()
	t.Cleanup(func() { _ = st.Close() })
	registerSession(t, st, "session-1")
	createCell(t, st, "cell-1", notebook.CellTypeCode, "1/0")

	handlers := map[notebook.CellType]Handler{
		notebook.CellTypeCode: handlerFunc(func(_ context.Context, ectx *ExecutionContext, _ notebook.Cell) (*HandlerResult, error) {
			ectx.Error("ZeroDivisionError", "division by zero", nil)
			return &HandlerResult{Success: false, Error: "ZeroDivisionError: division by zero"}, nil
		}),
	}
	startEngine(t, st, "session-1", handlers)

	queueID := requestExecution(t, st, "cell-1", 0)
	entry := waitForStatus(t, st, queueID, notebook.QueueStatusFailed)
	assert.Equal(t, "ZeroDivisionError: division by zero", entry.Error)
}

func TestEngine_MissingCellFailsEntry(t *testing.T) {
	st := memory.New()
	t.Cleanup(func() { _ = st.Close() })
	registerSession(t, st, "session-1")

	startEngine(t, st, "session-1", nil)

	queueID := uuid.New().String()
	require.NoError(t, st.Commit(context.Background(), notebook.ExecutionRequested{
		QueueID: queueID,
		CellID:  "no-such-cell",
	}))

	entry := waitForStatus(t, st, queueID, notebook.QueueStatusFailed)
	assert.Equal(t, "Cell no-such-cell not found", entry.Error)
}

func TestEngine_NoHandlerForCellType(t *testing.T) {
	st := memory.New()
	t.Cleanup(func() { _ = st.Close() })
	registerSession(t, st, "session-1")
	createCell(t, st, "cell-1", notebook.CellTypeSQL, "select 1")

	startEngine(t, st, "session-1", map[notebook.CellType]Handler{})

	queueID := requestExecution(t, st, "cell-1", 0)
	entry := waitForStatus(t, st, queueID, notebook.QueueStatusFailed)
	assert.Contains(t, entry.Error, `No handler registered for cell type "sql"`)
}

func TestEngine_DoesNotClaimWithoutActiveSession(t *testing.T) {
	st := memory.New()
	t.Cleanup(func() { _ = st.Close() })
	createCell(t, st, "cell-1", notebook.CellTypeCode, "print(1)")

	startEngine(t, st, "ghost-session", map[notebook.CellType]Handler{
		notebook.CellTypeCode: handlerFunc(func(context.Context, *ExecutionContext, notebook.Cell) (*HandlerResult, error) {
			return &HandlerResult{Success: true}, nil
		}),
	})

	queueID := requestExecution(t, st, "cell-1", 0)

	// No session record exists, so the entry must stay pending.
	time.Sleep(100 * time.Millisecond)
	entries, err := st.QueueEntries(context.Background(), store.QueueQuery{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, queueID, entries[0].ID)
	assert.Equal(t, notebook.QueueStatusPending, entries[0].Status)
}

func TestEngine_CancellationAbortsHandlerWithoutCompletion(t *testing.T) {
	st := memory.New()
	t.Cleanup(func() { _ = st.Close() })
	registerSession(t, st, "session-1")
	createCell(t, st, "cell-1", notebook.CellTypeCode, "while True: pass")

	started := make(chan struct{})
	aborted := make(chan struct{})
	handlers := map[notebook.CellType]Handler{
		notebook.CellTypeCode: handlerFunc(func(ctx context.Context, ectx *ExecutionContext, _ notebook.Cell) (*HandlerResult, error) {
			close(started)
			<-ctx.Done()
			ectx.Stderr("Execution was cancelled\n")
			close(aborted)
			return nil, ErrExecutionCancelled
		}),
	}
	startEngine(t, st, "session-1", handlers)

	queueID := requestExecution(t, st, "cell-1", 0)

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never started")
	}

	require.NoError(t, st.Commit(context.Background(), notebook.ExecutionCancelled{
		QueueID: queueID, CancelledBy: "user-1",
	}))

	select {
	case <-aborted:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never observed cancellation")
	}

	// The cancelled status is terminal; the engine must not overwrite it
	// with a completion.
	time.Sleep(50 * time.Millisecond)
	entry := waitForStatus(t, st, queueID, notebook.QueueStatusCancelled)
	assert.Empty(t, entry.Error)

	outs, err := st.Outputs(context.Background(), "cell-1")
	require.NoError(t, err)
	require.NotEmpty(t, outs)
	last := outs[len(outs)-1]
	require.Equal(t, notebook.OutputTypeTerminal, last.Type())
	assert.Equal(t, notebook.StreamStderr, last.Terminal.Stream)
}

func TestEngine_ExecutionsAreSerialized(t *testing.T) {
	st := memory.New()
	t.Cleanup(func() { _ = st.Close() })
	registerSession(t, st, "session-1")
	createCell(t, st, "cell-1", notebook.CellTypeCode, "a")
	createCell(t, st, "cell-2", notebook.CellTypeCode, "b")
	createCell(t, st, "cell-3", notebook.CellTypeCode, "c")

	var concurrent, maxConcurrent atomic.Int32
	handlers := map[notebook.CellType]Handler{
		notebook.CellTypeCode: handlerFunc(func(context.Context, *ExecutionContext, notebook.Cell) (*HandlerResult, error) {
			n := concurrent.Add(1)
			if n > maxConcurrent.Load() {
				maxConcurrent.Store(n)
			}
			time.Sleep(20 * time.Millisecond)
			concurrent.Add(-1)
			return &HandlerResult{Success: true}, nil
		}),
	}
	startEngine(t, st, "session-1", handlers)

	ids := []string{
		requestExecution(t, st, "cell-1", 0),
		requestExecution(t, st, "cell-2", 0),
		requestExecution(t, st, "cell-3", 0),
	}
	for _, id := range ids {
		waitForStatus(t, st, id, notebook.QueueStatusCompleted)
	}
	assert.Equal(t, int32(1), maxConcurrent.Load(), "handlers must never overlap")
}

func TestEngine_HigherPriorityClaimedFirst(t *testing.T) {
	st := memory.New()
	t.Cleanup(func() { _ = st.Close() })
	registerSession(t, st, "session-1")
	createCell(t, st, "cell-low", notebook.CellTypeCode, "low")
	createCell(t, st, "cell-high", notebook.CellTypeCode, "high")

	// Enqueue before the engine subscribes, so both are visible on the
	// first pending delivery.
	lowID := requestExecution(t, st, "cell-low", 0)
	highID := requestExecution(t, st, "cell-high", 10)

	var order []string
	done := make(chan struct{}, 2)
	handlers := map[notebook.CellType]Handler{
		notebook.CellTypeCode: handlerFunc(func(_ context.Context, _ *ExecutionContext, cell notebook.Cell) (*HandlerResult, error) {
			order = append(order, cell.ID)
			done <- struct{}{}
			return &HandlerResult{Success: true}, nil
		}),
	}
	startEngine(t, st, "session-1", handlers)

	waitForStatus(t, st, highID, notebook.QueueStatusCompleted)
	waitForStatus(t, st, lowID, notebook.QueueStatusCompleted)
	<-done
	<-done

	require.Len(t, order, 2)
	assert.Equal(t, []string{"cell-high", "cell-low"}, order)
}

func TestEngine_NilResultMarksEntryFailed(t *testing.T) {
	st := memory.New()
	t.Cleanup(func() { _ = st.Close() })
	registerSession(t, st, "session-1")
	createCell(t, st, "cell-1", notebook.CellTypeCode, "pass")
	createCell(t, st, "cell-2", notebook.CellTypeCode, "print(1)")

	var calls atomic.Int32
	handlers := map[notebook.CellType]Handler{
		notebook.CellTypeCode: handlerFunc(func(context.Context, *ExecutionContext, notebook.Cell) (*HandlerResult, error) {
			if calls.Add(1) == 1 {
				return nil, nil
			}
			return &HandlerResult{Success: true}, nil
		}),
	}
	startEngine(t, st, "session-1", handlers)

	queueID := requestExecution(t, st, "cell-1", 0)
	entry := waitForStatus(t, st, queueID, notebook.QueueStatusFailed)
	assert.Contains(t, entry.Error, `returned no result`)

	// The dispatch loop must survive the degenerate handler.
	nextID := requestExecution(t, st, "cell-2", 0)
	waitForStatus(t, st, nextID, notebook.QueueStatusCompleted)
}

func TestEngine_StopIsIdempotent(t *testing.T) {
	st := memory.New()
	t.Cleanup(func() { _ = st.Close() })
	registerSession(t, st, "session-1")

	eng := NewEngine(EngineConfig{SessionID: "session-1", Store: st})
	require.NoError(t, eng.Start(context.Background()))

	eng.Stop()
	eng.Stop()
}

func TestEngine_StopWithoutStartReturns(t *testing.T) {
	eng := NewEngine(EngineConfig{SessionID: "session-1", Store: memory.New()})

	done := make(chan struct{})
	go func() {
		eng.Stop()
		eng.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked on an engine that was never started")
	}
}

func TestEngine_SingleClaimAcrossCompetingSessions(t *testing.T) {
	st := memory.New()
	t.Cleanup(func() { _ = st.Close() })
	registerSession(t, st, "session-a")
	registerSession(t, st, "session-b")
	createCell(t, st, "cell-1", notebook.CellTypeCode, "print(1)")

	var executions atomic.Int32
	handler := handlerFunc(func(context.Context, *ExecutionContext, notebook.Cell) (*HandlerResult, error) {
		executions.Add(1)
		return &HandlerResult{Success: true}, nil
	})
	startEngine(t, st, "session-a", map[notebook.CellType]Handler{notebook.CellTypeCode: handler})
	startEngine(t, st, "session-b", map[notebook.CellType]Handler{notebook.CellTypeCode: handler})

	queueID := requestExecution(t, st, "cell-1", 0)
	entry := waitForStatus(t, st, queueID, notebook.QueueStatusCompleted)

	assert.Contains(t, []string{"session-a", "session-b"}, entry.AssignedSession)
	// Give the losing session time to (incorrectly) execute, if it were
	// going to.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), executions.Load())
}
