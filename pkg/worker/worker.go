// Package worker bridges code cells to a sandboxed out-of-process Python
// interpreter. The wire is newline-delimited JSON over the worker's stdio:
// control request/response pairs plus unsolicited stream messages that flow
// into the current execution context. Cancellation reaches the worker through
// a shared-memory interrupt byte observed at interpreter safe points.
package worker

import (
	"encoding/json"
	"errors"
)

// Sentinel errors surfaced by the bridge.
var (
	// ErrWorkerCrashed rejects pending and queued executions when the
	// worker process dies or its channel breaks.
	ErrWorkerCrashed = errors.New("worker crashed")

	// ErrInterrupted marks an execution stopped by the interrupt byte.
	ErrInterrupted = errors.New("execution interrupted")
)

// Control request types.
const (
	RequestInit    = "init"
	RequestExecute = "execute"
)

// Stream output variants posted by the worker during an execution.
const (
	StreamStdout            = "stdout"
	StreamStderr            = "stderr"
	StreamDisplayData       = "display_data"
	StreamUpdateDisplayData = "update_display_data"
	StreamExecuteResult     = "execute_result"
	StreamError             = "error"
	StreamClearOutput       = "clear_output"
)

// ControlRequest is an outbound control message. The worker answers every
// request with a message carrying the same id.
type ControlRequest struct {
	ID   string         `json:"id"`
	Type string         `json:"type"`
	Data map[string]any `json:"data,omitempty"`
}

// workerMessage is any inbound message. Control responses carry an id;
// stream messages omit it.
type workerMessage struct {
	ID     string          `json:"id,omitempty"`
	Type   string          `json:"type,omitempty"`
	OK     bool            `json:"ok,omitempty"`
	Error  string          `json:"error,omitempty"`
	Result map[string]any  `json:"result,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// streamOutput is the payload of a "stream_output" message.
type streamOutput struct {
	Type     string         `json:"type"`
	Text     string         `json:"text,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`

	Transient *struct {
		DisplayID string `json:"display_id"`
	} `json:"transient,omitempty"`

	Ename     string   `json:"ename,omitempty"`
	Evalue    string   `json:"evalue,omitempty"`
	Traceback []string `json:"traceback,omitempty"`

	Wait bool `json:"wait,omitempty"`
}

// logMessage is the payload of a "log" message.
type logMessage struct {
	Level   string `json:"level,omitempty"`
	Message string `json:"message"`
}

// Transport is the wire between the bridge and one worker process. Recv
// blocks until a message arrives; any returned error is treated as a crash.
// Implementations need not support concurrent Send calls; the bridge
// serializes them.
type Transport interface {
	Send(req ControlRequest) error
	Recv() (workerMessage, error)
	Kill() error
}
