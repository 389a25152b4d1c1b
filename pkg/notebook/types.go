// Package notebook defines the shared data model of a collaborative notebook
// document: cells, execution queue entries, runtime sessions, and outputs.
// The agent owns none of this state; every entity is a record in the external
// replicated store and is mutated exclusively through events (see events.go).
package notebook

import "time"

// CellType identifies what a cell contains and which handler executes it.
type CellType string

// Cell type constants.
const (
	CellTypeCode     CellType = "code"
	CellTypeMarkdown CellType = "markdown"
	CellTypeRaw      CellType = "raw"
	CellTypeSQL      CellType = "sql"
	CellTypeAI       CellType = "ai"
)

// Cell is a unit of content and execution. Identity is immutable; source and
// position are mutable through events. Positions are floating-point so new
// cells can be inserted between existing ones without renumbering.
type Cell struct {
	ID       string   `json:"id"`
	CellType CellType `json:"cellType"`
	Source   string   `json:"source"`
	Position float64  `json:"position"`

	// AIContextVisible controls whether this cell is included when assembling
	// context for AI cells below it. Defaults to true at creation.
	AIContextVisible bool `json:"aiContextVisible"`

	// ExecutionCount is the per-cell monotonic execution counter.
	ExecutionCount int `json:"executionCount"`
}

// QueueStatus is the lifecycle state of an execution queue entry.
// Transitions: pending → assigned → executing → (completed | failed | cancelled).
// Cancellation may also occur from pending or assigned.
type QueueStatus string

// Queue status constants.
const (
	QueueStatusPending   QueueStatus = "pending"
	QueueStatusAssigned  QueueStatus = "assigned"
	QueueStatusExecuting QueueStatus = "executing"
	QueueStatusCompleted QueueStatus = "completed"
	QueueStatusFailed    QueueStatus = "failed"
	QueueStatusCancelled QueueStatus = "cancelled"
)

// IsTerminal reports whether the status is a terminal state.
func (s QueueStatus) IsTerminal() bool {
	return s == QueueStatusCompleted || s == QueueStatusFailed || s == QueueStatusCancelled
}

// ExecutionQueueEntry is a single request to execute a cell.
type ExecutionQueueEntry struct {
	ID             string      `json:"id"`
	CellID         string      `json:"cellId"`
	ExecutionCount int         `json:"executionCount"`
	RequestedBy    string      `json:"requestedBy"`
	Priority       int         `json:"priority"`
	Status         QueueStatus `json:"status"`

	// AssignedSession is the sessionID of the runtime session that claimed
	// this entry. Empty while pending.
	AssignedSession string `json:"assignedRuntimeSession,omitempty"`

	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	DurationMs  int64      `json:"executionDurationMs,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// SessionStatus is the lifecycle state of a runtime session.
type SessionStatus string

// Session status constants.
const (
	SessionStatusStarting   SessionStatus = "starting"
	SessionStatusReady      SessionStatus = "ready"
	SessionStatusBusy       SessionStatus = "busy"
	SessionStatusTerminated SessionStatus = "terminated"
)

// Capabilities declares what a runtime session can execute.
type Capabilities struct {
	CanExecuteCode    bool     `json:"canExecuteCode"`
	CanExecuteSQL     bool     `json:"canExecuteSql"`
	CanExecuteAI      bool     `json:"canExecuteAi"`
	AvailableAIModels []string `json:"availableAiModels,omitempty"`
}

// RuntimeSession is one agent instance attached to a notebook. At most one
// session per notebook has IsActive=true; a newly starting session displaces
// existing active ones before announcing itself.
type RuntimeSession struct {
	SessionID     string        `json:"sessionId"`
	RuntimeID     string        `json:"runtimeId"`
	RuntimeType   string        `json:"runtimeType"`
	Capabilities  Capabilities  `json:"capabilities"`
	Status        SessionStatus `json:"status"`
	IsActive      bool          `json:"isActive"`
	LastHeartbeat time.Time     `json:"lastHeartbeat"`
}

// OutputType discriminates the Output variants.
type OutputType string

// Output type constants.
const (
	OutputTypeTerminal OutputType = "terminal"
	OutputTypeDisplay  OutputType = "multimedia_display"
	OutputTypeResult   OutputType = "multimedia_result"
	OutputTypeMarkdown OutputType = "markdown"
	OutputTypeError    OutputType = "error"
)

// StreamName identifies a terminal stream.
type StreamName string

// Terminal stream constants.
const (
	StreamStdout StreamName = "stdout"
	StreamStderr StreamName = "stderr"
)

// Representation kinds. Inline representations carry their data in the
// record; reference representations point at externally stored content.
const (
	RepresentationInline    = "inline"
	RepresentationReference = "reference"
)

// MediaRepresentation is one MIME-typed payload variant of a rich output.
type MediaRepresentation struct {
	Kind     string         `json:"kind"`
	Data     any            `json:"data"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// MimeBundle maps MIME types to their representations.
type MimeBundle map[string]MediaRepresentation

// Output is one emitted output record, owned by its cell. Exactly one of the
// variant pointers is non-nil; Type derives the discriminator from it. The
// tagged-union shape keeps position and identity invariants checkable at the
// type level instead of through a bag of optional fields.
type Output struct {
	ID     string `json:"id"`
	CellID string `json:"cellId"`

	// Position is the 0-based index within the cell's current output sequence
	// since the last clear. Strictly increasing per execution.
	Position int `json:"position"`

	Terminal *TerminalOutput `json:"terminal,omitempty"`
	Display  *DisplayOutput  `json:"display,omitempty"`
	Result   *ResultOutput   `json:"result,omitempty"`
	Markdown *MarkdownOutput `json:"markdown,omitempty"`
	Error    *ErrorOutput    `json:"error,omitempty"`
}

// Type returns the output's discriminator, or "" for a malformed record.
func (o Output) Type() OutputType {
	switch {
	case o.Terminal != nil:
		return OutputTypeTerminal
	case o.Display != nil:
		return OutputTypeDisplay
	case o.Result != nil:
		return OutputTypeResult
	case o.Markdown != nil:
		return OutputTypeMarkdown
	case o.Error != nil:
		return OutputTypeError
	}
	return ""
}

// TerminalOutput is appendable stdout/stderr text.
type TerminalOutput struct {
	Stream StreamName `json:"streamName"`
	Text   string     `json:"text"`
}

// DisplayOutput is a rich output. DisplayID, when set, allows later in-place
// replacement of the representations without emitting a new record.
type DisplayOutput struct {
	Representations MimeBundle `json:"representations"`
	DisplayID       string     `json:"displayId,omitempty"`
}

// ResultOutput is a rich output tied to a specific execution.
type ResultOutput struct {
	Representations MimeBundle `json:"representations"`
	ExecutionCount  int        `json:"executionCount"`
}

// MarkdownOutput is appendable markdown text, used for token-by-token
// streaming of assistant responses.
type MarkdownOutput struct {
	Text     string         `json:"text"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ErrorOutput is a structured execution error.
type ErrorOutput struct {
	Ename     string   `json:"ename"`
	Evalue    string   `json:"evalue"`
	Traceback []string `json:"traceback"`
}
