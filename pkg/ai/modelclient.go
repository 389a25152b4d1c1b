// Package ai drives ai-type cells: it assembles notebook context into a chat
// conversation, streams assistant markdown token-by-token, and lets the model
// mutate the notebook through a small tool set until it stops calling tools
// or a turn cap is reached.
package ai

import "context"

// Conversation roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ToolCall is one completed tool invocation requested by the assistant.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Message is one conversation turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`

	// ToolCalls is set on assistant turns that requested tools.
	ToolCalls []ToolCall `json:"toolCalls,omitempty"`

	// ToolCallID links a tool turn to the call it answers.
	ToolCallID string `json:"toolCallId,omitempty"`
}

// ToolDef describes one callable tool offered to the model.
type ToolDef struct {
	Name        string
	Description string
	// Parameters is a JSON schema object.
	Parameters map[string]any
}

// Request is one streaming generation call.
type Request struct {
	Model    string
	Messages []Message
	Tools    []ToolDef
}

// ToolCallDelta is a fragment of a tool call, keyed by the provider-assigned
// index. ID and Name arrive on the first fragment; Arguments accumulate.
type ToolCallDelta struct {
	Index     int
	ID        string
	Name      string
	Arguments string
}

// Delta is one streamed chunk.
type Delta struct {
	Content   string
	ToolCalls []ToolCallDelta
}

// Stream yields deltas until io.EOF.
type Stream interface {
	Recv() (Delta, error)
	Close() error
}

// ModelClient is the outbound chat-completion surface. Implementations map
// the generic request onto a concrete provider API.
type ModelClient interface {
	GenerateStream(ctx context.Context, req Request) (Stream, error)
}
