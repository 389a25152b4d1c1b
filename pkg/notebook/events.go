package notebook

import "time"

// Event is one append-only mutation of notebook state. The agent never writes
// records directly; every observable effect is a committed event that the
// store applies to its materialized state and broadcasts to subscribers.
//
// The set is closed: all implementations live in this package.
type Event interface {
	// EventType returns the wire name of the event, e.g. "executionAssigned".
	EventType() string
}

// Event type names.
const (
	EventCellCreated          = "cellCreated"
	EventCellSourceChanged    = "cellSourceChanged"
	EventCellAIContextChanged = "cellAiContextChanged"
	EventExecutionRequested   = "executionRequested"
	EventExecutionAssigned    = "executionAssigned"
	EventExecutionStarted     = "executionStarted"
	EventExecutionCompleted   = "executionCompleted"
	EventExecutionCancelled   = "executionCancelled"
	EventCellOutputAdded      = "cellOutputAdded"
	EventCellOutputAppended   = "cellOutputAppended"
	EventCellOutputUpdated    = "cellOutputUpdated"
	EventCellOutputsCleared   = "cellOutputsCleared"
	EventSessionStarted       = "runtimeSessionStarted"
	EventSessionStatusChanged = "runtimeSessionStatusChanged"
	EventSessionHeartbeat     = "runtimeSessionHeartbeat"
	EventSessionTerminated    = "runtimeSessionTerminated"
)

// Execution completion status values carried by ExecutionCompleted.
const (
	CompletionSuccess = "success"
	CompletionError   = "error"
)

// Session termination reasons.
const (
	TerminationDisplaced = "displaced"
	TerminationShutdown  = "shutdown"
)

// CellCreated inserts a new cell. AIContextVisible nil means the default
// (visible).
type CellCreated struct {
	CellID           string   `json:"cellId"`
	CellType         CellType `json:"cellType"`
	Position         float64  `json:"position"`
	CreatedBy        string   `json:"createdBy,omitempty"`
	AIContextVisible *bool    `json:"aiContextVisible,omitempty"`
}

func (CellCreated) EventType() string { return EventCellCreated }

// CellSourceChanged replaces a cell's source text.
type CellSourceChanged struct {
	CellID string `json:"cellId"`
	Source string `json:"source"`
}

func (CellSourceChanged) EventType() string { return EventCellSourceChanged }

// CellAIContextChanged toggles a cell's visibility to AI context assembly.
type CellAIContextChanged struct {
	CellID  string `json:"cellId"`
	Visible bool   `json:"visible"`
}

func (CellAIContextChanged) EventType() string { return EventCellAIContextChanged }

// ExecutionRequested enqueues a new execution for a cell.
type ExecutionRequested struct {
	QueueID        string `json:"queueId"`
	CellID         string `json:"cellId"`
	ExecutionCount int    `json:"executionCount"`
	RequestedBy    string `json:"requestedBy"`
	Priority       int    `json:"priority"`
}

func (ExecutionRequested) EventType() string { return EventExecutionRequested }

// ExecutionAssigned claims a pending entry for a session. The store applies
// it only when the entry is still pending; a losing racer's commit fails.
type ExecutionAssigned struct {
	QueueID   string `json:"queueId"`
	SessionID string `json:"sessionId"`
}

func (ExecutionAssigned) EventType() string { return EventExecutionAssigned }

// ExecutionStarted marks an assigned entry as executing.
type ExecutionStarted struct {
	QueueID   string    `json:"queueId"`
	CellID    string    `json:"cellId"`
	SessionID string    `json:"sessionId"`
	StartedAt time.Time `json:"startedAt"`
}

func (ExecutionStarted) EventType() string { return EventExecutionStarted }

// ExecutionCompleted records the terminal outcome of an execution.
// Status is CompletionSuccess or CompletionError.
type ExecutionCompleted struct {
	QueueID     string    `json:"queueId"`
	CellID      string    `json:"cellId"`
	Status      string    `json:"status"`
	Error       string    `json:"error,omitempty"`
	CompletedAt time.Time `json:"completedAt"`
	DurationMs  int64     `json:"executionDurationMs"`
}

func (ExecutionCompleted) EventType() string { return EventExecutionCompleted }

// ExecutionCancelled cancels a non-terminal entry.
type ExecutionCancelled struct {
	QueueID     string `json:"queueId"`
	CancelledBy string `json:"cancelledBy,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

func (ExecutionCancelled) EventType() string { return EventExecutionCancelled }

// CellOutputAdded appends a new output record to a cell.
type CellOutputAdded struct {
	Output Output `json:"output"`
}

func (CellOutputAdded) EventType() string { return EventCellOutputAdded }

// CellOutputAppended appends text to an existing terminal or markdown output.
// It does not advance the cell's position counter.
type CellOutputAppended struct {
	CellID   string `json:"cellId"`
	OutputID string `json:"outputId"`
	Text     string `json:"text"`
}

func (CellOutputAppended) EventType() string { return EventCellOutputAppended }

// CellOutputUpdated replaces the representations of the display output
// previously created with DisplayID. Stores ignore updates for unknown
// display ids.
type CellOutputUpdated struct {
	CellID          string     `json:"cellId"`
	DisplayID       string     `json:"displayId"`
	Representations MimeBundle `json:"representations"`
}

func (CellOutputUpdated) EventType() string { return EventCellOutputUpdated }

// CellOutputsCleared removes all outputs of a cell.
type CellOutputsCleared struct {
	CellID    string `json:"cellId"`
	ClearedBy string `json:"clearedBy,omitempty"`
}

func (CellOutputsCleared) EventType() string { return EventCellOutputsCleared }

// RuntimeSessionStarted announces a new runtime session.
type RuntimeSessionStarted struct {
	Session RuntimeSession `json:"session"`
}

func (RuntimeSessionStarted) EventType() string { return EventSessionStarted }

// RuntimeSessionStatusChanged transitions a session's status.
type RuntimeSessionStatusChanged struct {
	SessionID string        `json:"sessionId"`
	Status    SessionStatus `json:"status"`
}

func (RuntimeSessionStatusChanged) EventType() string { return EventSessionStatusChanged }

// RuntimeSessionHeartbeat refreshes a session's liveness timestamp.
type RuntimeSessionHeartbeat struct {
	SessionID string    `json:"sessionId"`
	At        time.Time `json:"at"`
}

func (RuntimeSessionHeartbeat) EventType() string { return EventSessionHeartbeat }

// RuntimeSessionTerminated deactivates a session. Reason is
// TerminationDisplaced or TerminationShutdown.
type RuntimeSessionTerminated struct {
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason"`
}

func (RuntimeSessionTerminated) EventType() string { return EventSessionTerminated }
