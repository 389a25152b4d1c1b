package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"

	"github.com/notebookos/cellagent/pkg/media"
	"github.com/notebookos/cellagent/pkg/notebook"
	"github.com/notebookos/cellagent/pkg/runtime"
	"github.com/notebookos/cellagent/pkg/store"
)

// DefaultMaxIterations bounds the tool-call loop.
const DefaultMaxIterations = 10

const setupInstructions = `**AI assistant is not configured.**

To enable AI cells, provide credentials for an OpenAI-compatible endpoint:

- ` + "`OPENAI_API_KEY`" + ` - API key (required)
- ` + "`OPENAI_BASE_URL`" + ` - endpoint override (optional)
- ` + "`CELLAGENT_AI_MODEL`" + ` - model name (optional)

Restart the runtime agent after setting them.`

// Config configures a Driver.
type Config struct {
	Store store.Store

	// Client may be nil: the driver then reports the provider-not-configured
	// state instead of failing.
	Client ModelClient
	Model  string

	// MaxIterations defaults to DefaultMaxIterations.
	MaxIterations int

	SessionID string
}

// Driver executes ai-type cells: it assembles notebook context, streams the
// assistant's markdown reply token-by-token, and dispatches tool calls back
// into the notebook until the model stops calling tools or the turn cap hits.
type Driver struct {
	store         store.Store
	client        ModelClient
	model         string
	maxIterations int
	toolbox       *Toolbox
}

// NewDriver builds a driver; it satisfies runtime.Handler.
func NewDriver(cfg Config) *Driver {
	maxIterations := cfg.MaxIterations
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}
	return &Driver{
		store:         cfg.Store,
		client:        cfg.Client,
		model:         cfg.Model,
		maxIterations: maxIterations,
		toolbox:       NewToolbox(cfg.Store, cfg.SessionID),
	}
}

// Execute satisfies runtime.Handler.
func (d *Driver) Execute(ctx context.Context, ectx *runtime.ExecutionContext, cell notebook.Cell) (*runtime.HandlerResult, error) {
	// A blank prompt is a successful no-op.
	if strings.TrimSpace(cell.Source) == "" {
		return &runtime.HandlerResult{Success: true}, nil
	}

	if d.client == nil {
		ectx.Markdown(setupInstructions, nil)
		return &runtime.HandlerResult{Success: true}, nil
	}

	messages, err := buildMessages(ctx, d.store, cell)
	if err != nil {
		return nil, err
	}
	tools := d.toolbox.Definitions()

	for turn := 0; turn < d.maxIterations; turn++ {
		if err := ectx.CheckCancellation(); err != nil {
			return d.cancelled(ectx)
		}

		reply, err := d.streamTurn(ctx, ectx, Request{Model: d.model, Messages: messages, Tools: tools})
		if err != nil {
			if errors.Is(err, runtime.ErrExecutionCancelled) || ectx.Cancelled() {
				return d.cancelled(ectx)
			}
			return nil, err
		}

		messages = append(messages, reply)
		if len(reply.ToolCalls) == 0 {
			return &runtime.HandlerResult{Success: true}, nil
		}

		for _, call := range reply.ToolCalls {
			if err := ectx.CheckCancellation(); err != nil {
				return d.cancelled(ectx)
			}
			messages = append(messages, d.dispatchToolCall(ctx, ectx, cell, call))
		}
	}

	ectx.Display(map[string]any{
		media.TypePlain: fmt.Sprintf("Maximum iterations reached (%d); stopping.", d.maxIterations),
	}, nil, "")
	return &runtime.HandlerResult{Success: true}, nil
}

func (d *Driver) cancelled(ectx *runtime.ExecutionContext) (*runtime.HandlerResult, error) {
	ectx.Stderr("Execution was cancelled\n")
	return nil, runtime.ErrExecutionCancelled
}

// streamTurn runs one model turn, appending content tokens to a lazily
// created markdown output and accumulating tool-call fragments by index.
func (d *Driver) streamTurn(ctx context.Context, ectx *runtime.ExecutionContext, req Request) (Message, error) {
	stream, err := d.client.GenerateStream(ctx, req)
	if err != nil {
		return Message{}, fmt.Errorf("model request failed: %w", err)
	}
	defer stream.Close()

	var content strings.Builder
	markdownID := ""
	calls := make(map[int]*ToolCall)

	for {
		if err := ectx.CheckCancellation(); err != nil {
			return Message{}, err
		}
		delta, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Message{}, fmt.Errorf("model stream failed: %w", err)
		}

		if delta.Content != "" {
			content.WriteString(delta.Content)
			if markdownID == "" {
				markdownID = ectx.Markdown(delta.Content, nil)
			} else {
				ectx.AppendMarkdown(markdownID, delta.Content)
			}
		}
		for _, frag := range delta.ToolCalls {
			call, ok := calls[frag.Index]
			if !ok {
				call = &ToolCall{}
				calls[frag.Index] = call
			}
			if frag.ID != "" {
				call.ID = frag.ID
			}
			if frag.Name != "" {
				call.Name = frag.Name
			}
			call.Arguments += frag.Arguments
		}
	}

	reply := Message{Role: RoleAssistant, Content: content.String()}
	indexes := make([]int, 0, len(calls))
	for idx := range calls {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)
	for _, idx := range indexes {
		reply.ToolCalls = append(reply.ToolCalls, *calls[idx])
	}
	return reply, nil
}

// dispatchToolCall emits the invocation trace, runs the tool, emits the
// result trace, and returns the tool message to extend the conversation.
// Failures become the tool result text so the model can recover.
func (d *Driver) dispatchToolCall(ctx context.Context, ectx *runtime.ExecutionContext, cell notebook.Cell, call ToolCall) Message {
	ectx.Display(map[string]any{
		media.TypeToolCall: map[string]any{
			"id":        call.ID,
			"name":      call.Name,
			"arguments": call.Arguments,
		},
		media.TypePlain: fmt.Sprintf("Calling %s", call.Name),
	}, nil, "")

	result, err := d.toolbox.Dispatch(ctx, cell, call.Name, call.Arguments)
	if err != nil {
		slog.Warn("Tool call failed", "tool", call.Name, "error", err)
		result = fmt.Sprintf("Error: %v", err)
	}

	ectx.Display(map[string]any{
		media.TypeToolResult: map[string]any{
			"toolCallId": call.ID,
			"result":     result,
		},
		media.TypePlain: result,
	}, nil, "")

	return Message{Role: RoleTool, Content: result, ToolCallID: call.ID}
}
