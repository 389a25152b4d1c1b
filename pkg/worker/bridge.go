package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/notebookos/cellagent/pkg/notebook"
	"github.com/notebookos/cellagent/pkg/runtime"
)

// Config configures a Bridge.
type Config struct {
	// Command and Args launch the worker process.
	Command string
	Args    []string

	// Packages are pre-loaded into the interpreter at init.
	Packages []string

	// InterruptDir hosts the shared interrupt file. Empty uses the system
	// temp directory.
	InterruptDir string

	// StartTransport overrides the process transport, for tests.
	StartTransport func(ctx context.Context) (Transport, error)
}

// execJob is one queued execution.
type execJob struct {
	ctx  context.Context
	ectx *runtime.ExecutionContext
	code string
	done chan error
}

// controlResult resolves one outstanding control request.
type controlResult struct {
	msg      workerMessage
	crashErr error
}

// Bridge owns one worker process and serializes executions through it.
//
// Executions are FIFO: ExecuteCode appends a job and a single pump drains
// them one at a time, so streams from different executions never interleave
// and position ordering is preserved. A crash rejects the in-flight request
// and every queued job; the bridge then marks itself uninitialized, and the
// next ExecuteCode starts a fresh worker.
type Bridge struct {
	cfg Config

	queueMu sync.Mutex
	jobs    []*execJob
	pumping bool

	mu          sync.Mutex
	transport   Transport
	initialized bool
	pending     map[string]chan controlResult
	current     *runtime.ExecutionContext
	interrupt   *InterruptBuffer
}

// NewBridge builds a bridge; the worker starts lazily on first use.
func NewBridge(cfg Config) *Bridge {
	return &Bridge{cfg: cfg}
}

// ExecuteCode runs code in the worker, streaming outputs into ectx, and
// blocks until the execution finishes. ctx is the execution's cancellation
// handle; cancelling it raises the interrupt byte and the call returns
// runtime.ErrExecutionCancelled once the worker yields.
func (b *Bridge) ExecuteCode(ctx context.Context, ectx *runtime.ExecutionContext, code string) error {
	job := &execJob{ctx: ctx, ectx: ectx, code: code, done: make(chan error, 1)}

	b.queueMu.Lock()
	b.jobs = append(b.jobs, job)
	if !b.pumping {
		b.pumping = true
		go b.pump()
	}
	b.queueMu.Unlock()

	return <-job.done
}

// pump drains the job queue serially.
func (b *Bridge) pump() {
	for {
		b.queueMu.Lock()
		if len(b.jobs) == 0 {
			b.pumping = false
			b.queueMu.Unlock()
			return
		}
		job := b.jobs[0]
		b.jobs = b.jobs[1:]
		b.queueMu.Unlock()

		job.done <- b.run(job)
	}
}

func (b *Bridge) run(job *execJob) error {
	if err := job.ctx.Err(); err != nil {
		job.ectx.Stderr("Execution was cancelled\n")
		return runtime.ErrExecutionCancelled
	}
	if err := b.ensureStarted(job.ctx); err != nil {
		return err
	}

	b.mu.Lock()
	b.current = job.ectx
	interrupt := b.interrupt
	b.mu.Unlock()

	// Watch the cancellation handle for the duration of the execution and
	// translate it into the shared interrupt byte.
	watchDone := make(chan struct{})
	go func() {
		select {
		case <-job.ctx.Done():
			interrupt.Raise()
		case <-watchDone:
		}
	}()

	res, err := b.roundTrip(ControlRequest{
		ID:   uuid.New().String(),
		Type: RequestExecute,
		Data: map[string]any{"code": job.code},
	})

	close(watchDone)
	interrupt.Reset()
	b.mu.Lock()
	b.current = nil
	b.mu.Unlock()

	if err != nil {
		return err
	}
	if res.crashErr != nil {
		return fmt.Errorf("%w: %v", ErrWorkerCrashed, res.crashErr)
	}

	cancelled := job.ctx.Err() != nil
	if !res.msg.OK {
		if cancelled || isInterruptError(res.msg.Error) {
			job.ectx.Stderr("Execution was cancelled\n")
			return runtime.ErrExecutionCancelled
		}
		return parseExecError(res.msg.Error)
	}
	if cancelled {
		job.ectx.Stderr("Execution was cancelled\n")
		return runtime.ErrExecutionCancelled
	}
	if len(res.msg.Result) > 0 {
		job.ectx.Result(ToPlainDataMap(res.msg.Result), nil)
	}
	return nil
}

// ensureStarted boots the worker and completes the init handshake, once.
func (b *Bridge) ensureStarted(ctx context.Context) error {
	b.mu.Lock()
	if b.initialized {
		b.mu.Unlock()
		return nil
	}
	if b.interrupt == nil {
		buf, err := NewInterruptBuffer(b.cfg.InterruptDir)
		if err != nil {
			b.mu.Unlock()
			return fmt.Errorf("failed to create interrupt buffer: %w", err)
		}
		b.interrupt = buf
	}
	start := b.cfg.StartTransport
	if start == nil {
		start = func(ctx context.Context) (Transport, error) {
			return startProcessTransport(ctx, b.cfg.Command, b.cfg.Args)
		}
	}
	t, err := start(ctx)
	if err != nil {
		b.mu.Unlock()
		return fmt.Errorf("failed to start worker: %w", err)
	}
	b.transport = t
	b.pending = make(map[string]chan controlResult)
	b.mu.Unlock()

	go b.readLoop(t)

	slog.Info("Worker starting", "command", b.cfg.Command, "packages", b.cfg.Packages)
	res, err := b.roundTrip(ControlRequest{
		ID:   uuid.New().String(),
		Type: RequestInit,
		Data: map[string]any{
			"interruptPath": b.interrupt.Path(),
			"packages":      b.cfg.Packages,
		},
	})
	if err != nil {
		return err
	}
	if res.crashErr != nil {
		return fmt.Errorf("%w: %v", ErrWorkerCrashed, res.crashErr)
	}
	if !res.msg.OK {
		b.crash(fmt.Errorf("init failed: %s", res.msg.Error))
		return fmt.Errorf("worker init failed: %s", res.msg.Error)
	}

	b.mu.Lock()
	b.initialized = true
	b.mu.Unlock()
	slog.Info("Worker ready")
	return nil
}

// roundTrip sends a control request and waits for its response or a crash.
func (b *Bridge) roundTrip(req ControlRequest) (controlResult, error) {
	ch := make(chan controlResult, 1)
	b.mu.Lock()
	t := b.transport
	if t == nil {
		b.mu.Unlock()
		return controlResult{}, fmt.Errorf("%w: transport gone", ErrWorkerCrashed)
	}
	b.pending[req.ID] = ch
	b.mu.Unlock()

	if err := t.Send(req); err != nil {
		b.crash(fmt.Errorf("send failed: %w", err))
		return controlResult{}, fmt.Errorf("%w: %v", ErrWorkerCrashed, err)
	}
	return <-ch, nil
}

// readLoop routes inbound messages until the transport dies.
func (b *Bridge) readLoop(t Transport) {
	for {
		msg, err := t.Recv()
		if err != nil {
			b.crash(err)
			return
		}
		if msg.ID != "" {
			b.mu.Lock()
			ch, ok := b.pending[msg.ID]
			delete(b.pending, msg.ID)
			b.mu.Unlock()
			if ok {
				ch <- controlResult{msg: msg}
			} else {
				slog.Warn("Control response for unknown request", "id", msg.ID)
			}
			continue
		}
		b.handleStream(msg)
	}
}

// crash tears the worker down: rejects all outstanding control requests and
// every queued job, and marks the bridge uninitialized so the next execution
// starts fresh.
func (b *Bridge) crash(reason error) {
	b.mu.Lock()
	t := b.transport
	if t == nil {
		b.mu.Unlock()
		return
	}
	b.transport = nil
	b.initialized = false
	pend := b.pending
	b.pending = nil
	b.current = nil
	b.mu.Unlock()

	slog.Error("Worker crashed", "error", reason)
	_ = t.Kill()

	for _, ch := range pend {
		ch <- controlResult{crashErr: reason}
	}

	b.queueMu.Lock()
	jobs := b.jobs
	b.jobs = nil
	b.queueMu.Unlock()
	for _, job := range jobs {
		job.done <- fmt.Errorf("%w: %v", ErrWorkerCrashed, reason)
	}
}

// handleStream forwards an unsolicited worker message into the streaming
// execution context.
func (b *Bridge) handleStream(msg workerMessage) {
	switch msg.Type {
	case "log":
		var lm logMessage
		if err := json.Unmarshal(msg.Data, &lm); err == nil {
			slog.Info("Worker log", "level", lm.Level, "message", lm.Message)
		}
		return
	case "stream_output":
	default:
		slog.Debug("Unknown worker message", "type", msg.Type)
		return
	}

	var so streamOutput
	if err := json.Unmarshal(msg.Data, &so); err != nil {
		slog.Warn("Malformed stream output", "error", err)
		return
	}

	b.mu.Lock()
	ectx := b.current
	b.mu.Unlock()
	if ectx == nil {
		slog.Debug("Stream output outside an execution dropped", "type", so.Type)
		return
	}

	displayID := ""
	if so.Transient != nil {
		displayID = so.Transient.DisplayID
	}

	switch so.Type {
	case StreamStdout:
		ectx.Stdout(so.Text)
	case StreamStderr:
		ectx.Stderr(so.Text)
	case StreamDisplayData:
		ectx.Display(ToPlainDataMap(so.Data), so.Metadata, displayID)
	case StreamUpdateDisplayData:
		if displayID == "" {
			ectx.Display(ToPlainDataMap(so.Data), so.Metadata, "")
			return
		}
		ectx.UpdateDisplay(displayID, ToPlainDataMap(so.Data), so.Metadata)
	case StreamExecuteResult:
		ectx.Result(ToPlainDataMap(so.Data), so.Metadata)
	case StreamError:
		ectx.Error(so.Ename, so.Evalue, so.Traceback)
	case StreamClearOutput:
		ectx.Clear(so.Wait)
	default:
		slog.Debug("Unknown stream output type", "type", so.Type)
	}
}

// Close kills the worker and releases the interrupt region.
func (b *Bridge) Close() error {
	b.crash(errors.New("bridge closed"))
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.interrupt != nil {
		err := b.interrupt.Close()
		b.interrupt = nil
		return err
	}
	return nil
}

// Handler adapts the bridge to the engine's code-cell handler slot.
type Handler struct {
	bridge *Bridge
}

// NewHandler wraps a bridge as a code-cell Handler.
func NewHandler(b *Bridge) *Handler {
	return &Handler{bridge: b}
}

// Execute satisfies runtime.Handler.
func (h *Handler) Execute(ctx context.Context, ectx *runtime.ExecutionContext, cell notebook.Cell) (*runtime.HandlerResult, error) {
	err := h.bridge.ExecuteCode(ctx, ectx, cell.Source)
	var execErr *ExecError
	switch {
	case err == nil:
		return &runtime.HandlerResult{Success: true}, nil
	case errors.Is(err, runtime.ErrExecutionCancelled):
		return nil, err
	case errors.As(err, &execErr):
		return &runtime.HandlerResult{Success: false, Error: execErr.Error()}, nil
	default:
		return nil, err
	}
}
