package ai

import (
	"context"
	"fmt"
	"strings"

	"github.com/notebookos/cellagent/pkg/media"
	"github.com/notebookos/cellagent/pkg/notebook"
	"github.com/notebookos/cellagent/pkg/store"
)

const systemPrompt = `You are an AI assistant embedded in a collaborative notebook.
You help users by creating and modifying notebook cells, not by describing code in prose.

Guidelines:
- When the user asks for code, create a code cell with the create_cell tool instead of
  pasting code into your reply.
- Use modify_cell to change existing cells and execute_cell to run code cells.
- Reference cells by their cell id when discussing them.
- Keep prose replies short; the notebook itself is the deliverable.`

// buildMessages assembles the conversation for one AI cell: a system message,
// a structured dump of the visible notebook above the cell, prior AI turns
// folded back as assistant/tool messages, and the cell's source as the final
// user message.
//
// Only cells strictly above the current one (by position) with
// aiContextVisible left enabled contribute.
func buildMessages(ctx context.Context, st store.Store, current notebook.Cell) ([]Message, error) {
	cells, err := st.Cells(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list cells: %w", err)
	}

	messages := []Message{{Role: RoleSystem, Content: systemPrompt}}

	var dump strings.Builder
	var folded []Message
	for _, cell := range cells {
		if cell.Position >= current.Position || !cell.AIContextVisible || cell.ID == current.ID {
			continue
		}
		outputs, err := st.Outputs(ctx, cell.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to load outputs for cell %s: %w", cell.ID, err)
		}
		if cell.CellType == notebook.CellTypeAI {
			folded = append(folded, foldAICell(cell, outputs)...)
			continue
		}
		renderCell(&dump, cell, outputs)
	}

	if dump.Len() > 0 {
		messages = append(messages, Message{
			Role:    RoleUser,
			Content: "Current notebook contents:\n\n" + dump.String(),
		})
	}
	messages = append(messages, folded...)
	messages = append(messages, Message{Role: RoleUser, Content: current.Source})
	return messages, nil
}

// renderCell appends one non-AI cell and its outputs to the context dump.
func renderCell(b *strings.Builder, cell notebook.Cell, outputs []notebook.Output) {
	fmt.Fprintf(b, "### Cell %s (%s)\n", cell.ID, cell.CellType)
	switch cell.CellType {
	case notebook.CellTypeMarkdown, notebook.CellTypeRaw:
		b.WriteString(cell.Source)
		b.WriteString("\n")
	default:
		fmt.Fprintf(b, "```%s\n%s\n```\n", cell.CellType, cell.Source)
	}

	rendered := renderOutputs(outputs)
	if rendered != "" {
		b.WriteString("Outputs:\n")
		b.WriteString(rendered)
	}
	b.WriteString("\n")
}

// renderOutputs reduces a cell's outputs to the textual form handed to the
// model: terminal text with ANSI escapes stripped, rich outputs through the
// AI media bundle, errors as one line.
func renderOutputs(outputs []notebook.Output) string {
	var b strings.Builder
	for _, out := range outputs {
		switch out.Type() {
		case notebook.OutputTypeTerminal:
			b.WriteString(media.StripANSI(out.Terminal.Text))
			if !strings.HasSuffix(out.Terminal.Text, "\n") {
				b.WriteString("\n")
			}
		case notebook.OutputTypeDisplay:
			if bundle, ok := media.ToAIBundle(out.Display.Representations); ok {
				b.WriteString(bundle.Text)
				b.WriteString("\n")
			}
		case notebook.OutputTypeResult:
			if bundle, ok := media.ToAIBundle(out.Result.Representations); ok {
				b.WriteString(bundle.Text)
				b.WriteString("\n")
			}
		case notebook.OutputTypeMarkdown:
			b.WriteString(out.Markdown.Text)
			b.WriteString("\n")
		case notebook.OutputTypeError:
			fmt.Fprintf(&b, "Error: %s: %s\n", out.Error.Ename, out.Error.Evalue)
		}
	}
	return b.String()
}

// foldAICell reconstructs a prior AI cell's conversation turns from its
// outputs: the cell source as the user prompt, markdown outputs as assistant
// content, tool-call displays as assistant tool_calls, and tool-result
// displays as tool messages. This keeps multi-cell AI sessions coherent
// across executions.
func foldAICell(cell notebook.Cell, outputs []notebook.Output) []Message {
	msgs := []Message{{Role: RoleUser, Content: cell.Source}}

	var turn *Message
	var toolMsgs []Message
	flush := func() {
		if turn == nil {
			return
		}
		msgs = append(msgs, *turn)
		msgs = append(msgs, toolMsgs...)
		turn = nil
		toolMsgs = nil
	}

	for _, out := range outputs {
		switch out.Type() {
		case notebook.OutputTypeMarkdown:
			if turn != nil && len(turn.ToolCalls) > 0 {
				// A new assistant message after tool calls starts the next
				// turn.
				flush()
			}
			if turn == nil {
				turn = &Message{Role: RoleAssistant}
			}
			turn.Content += out.Markdown.Text

		case notebook.OutputTypeDisplay:
			reps := out.Display.Representations
			if rep, ok := reps[media.TypeToolCall]; ok {
				if turn == nil {
					turn = &Message{Role: RoleAssistant}
				}
				turn.ToolCalls = append(turn.ToolCalls, ToolCall{
					ID:        jsonField(rep.Data, "id"),
					Name:      jsonField(rep.Data, "name"),
					Arguments: jsonField(rep.Data, "arguments"),
				})
			} else if rep, ok := reps[media.TypeToolResult]; ok {
				toolMsgs = append(toolMsgs, Message{
					Role:       RoleTool,
					Content:    jsonField(rep.Data, "result"),
					ToolCallID: jsonField(rep.Data, "toolCallId"),
				})
			}
		}
	}
	flush()
	return msgs
}

// jsonField reads a string field out of a decoded JSON object.
func jsonField(data any, key string) string {
	m, ok := data.(map[string]any)
	if !ok {
		return ""
	}
	s, _ := m[key].(string)
	return s
}
