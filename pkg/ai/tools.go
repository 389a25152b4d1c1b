package ai

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/notebookos/cellagent/pkg/notebook"
	"github.com/notebookos/cellagent/pkg/store"
)

// Tool names offered to the model.
const (
	ToolCreateCell  = "create_cell"
	ToolModifyCell  = "modify_cell"
	ToolExecuteCell = "execute_cell"
)

// Placement values accepted by create_cell.
const (
	PlaceBeforeCurrent = "before_current"
	PlaceAfterCurrent  = "after_current"
	PlaceAtEnd         = "at_end"
)

// positionNudge is the fractional offset used to slot a new cell directly
// before or after the current one without renumbering neighbours.
const positionNudge = 0.1

// Toolbox executes the notebook-mutating tools on behalf of the model.
// Every effect is a committed event; nothing is mutated directly.
type Toolbox struct {
	store     store.Store
	sessionID string
}

// NewToolbox builds a toolbox acting as the given runtime session.
func NewToolbox(st store.Store, sessionID string) *Toolbox {
	return &Toolbox{store: st, sessionID: sessionID}
}

// requestedBy tags events and queue entries created on the model's behalf.
func (tb *Toolbox) requestedBy() string {
	return "ai-assistant-" + tb.sessionID
}

// Definitions returns the tool schemas offered to the model.
func (tb *Toolbox) Definitions() []ToolDef {
	return []ToolDef{
		{
			Name:        ToolCreateCell,
			Description: "Create a new notebook cell with the given content. Prefer this over describing code in prose.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"cellType": map[string]any{
						"type": "string",
						"enum": []string{"code", "markdown", "sql", "raw"},
					},
					"content": map[string]any{
						"type":        "string",
						"description": "Full source of the new cell.",
					},
					"position": map[string]any{
						"type": "string",
						"enum": []string{PlaceBeforeCurrent, PlaceAfterCurrent, PlaceAtEnd},
					},
				},
				"required": []string{"cellType", "content", "position"},
			},
		},
		{
			Name:        ToolModifyCell,
			Description: "Replace the source of an existing cell, identified by its cell id.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"cellId":  map[string]any{"type": "string"},
					"content": map[string]any{"type": "string"},
				},
				"required": []string{"cellId", "content"},
			},
		},
		{
			Name:        ToolExecuteCell,
			Description: "Queue an existing code cell for execution.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"cellId": map[string]any{"type": "string"},
				},
				"required": []string{"cellId"},
			},
		},
	}
}

// Dispatch runs one tool call and returns its short status string. current is
// the AI cell the call originates from, used for relative placement.
func (tb *Toolbox) Dispatch(ctx context.Context, current notebook.Cell, name, arguments string) (string, error) {
	switch name {
	case ToolCreateCell:
		return tb.createCell(ctx, current, arguments)
	case ToolModifyCell:
		return tb.modifyCell(ctx, arguments)
	case ToolExecuteCell:
		return tb.executeCell(ctx, arguments)
	default:
		return "", fmt.Errorf("unknown tool %q", name)
	}
}

func (tb *Toolbox) createCell(ctx context.Context, current notebook.Cell, arguments string) (string, error) {
	var args struct {
		CellType string `json:"cellType"`
		Content  string `json:"content"`
		Position string `json:"position"`
	}
	if err := json.Unmarshal([]byte(arguments), &args); err != nil {
		return "", fmt.Errorf("invalid create_cell arguments: %w", err)
	}

	var position float64
	switch args.Position {
	case PlaceBeforeCurrent:
		position = current.Position - positionNudge
	case PlaceAfterCurrent:
		position = current.Position + positionNudge
	case PlaceAtEnd:
		cells, err := tb.store.Cells(ctx)
		if err != nil {
			return "", fmt.Errorf("failed to list cells: %w", err)
		}
		max := current.Position
		for _, c := range cells {
			if c.Position > max {
				max = c.Position
			}
		}
		position = max + 1
	default:
		return "", fmt.Errorf("invalid position %q, expected one of %s, %s, %s",
			args.Position, PlaceBeforeCurrent, PlaceAfterCurrent, PlaceAtEnd)
	}

	cellID := uuid.New().String()
	err := tb.store.Commit(ctx, notebook.CellCreated{
		CellID:    cellID,
		CellType:  notebook.CellType(args.CellType),
		Position:  position,
		CreatedBy: tb.requestedBy(),
	})
	if err != nil {
		return "", fmt.Errorf("failed to create cell: %w", err)
	}
	if err := tb.store.Commit(ctx, notebook.CellSourceChanged{CellID: cellID, Source: args.Content}); err != nil {
		return "", fmt.Errorf("failed to set cell source: %w", err)
	}
	return fmt.Sprintf("Created %s cell %s at position %g", args.CellType, cellID, position), nil
}

func (tb *Toolbox) modifyCell(ctx context.Context, arguments string) (string, error) {
	var args struct {
		CellID  string `json:"cellId"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal([]byte(arguments), &args); err != nil {
		return "", fmt.Errorf("invalid modify_cell arguments: %w", err)
	}
	if _, err := tb.store.Cell(ctx, args.CellID); err != nil {
		return "", fmt.Errorf("cell %s not found", args.CellID)
	}
	if err := tb.store.Commit(ctx, notebook.CellSourceChanged{CellID: args.CellID, Source: args.Content}); err != nil {
		return "", fmt.Errorf("failed to update cell source: %w", err)
	}
	return fmt.Sprintf("Updated cell %s", args.CellID), nil
}

func (tb *Toolbox) executeCell(ctx context.Context, arguments string) (string, error) {
	var args struct {
		CellID string `json:"cellId"`
	}
	if err := json.Unmarshal([]byte(arguments), &args); err != nil {
		return "", fmt.Errorf("invalid execute_cell arguments: %w", err)
	}
	cell, err := tb.store.Cell(ctx, args.CellID)
	if err != nil {
		return "", fmt.Errorf("cell %s not found", args.CellID)
	}
	if cell.CellType != notebook.CellTypeCode {
		return "", fmt.Errorf("cell %s is a %s cell; only code cells can be executed", cell.ID, cell.CellType)
	}
	queueID := uuid.New().String()
	err = tb.store.Commit(ctx, notebook.ExecutionRequested{
		QueueID:        queueID,
		CellID:         cell.ID,
		ExecutionCount: cell.ExecutionCount + 1,
		RequestedBy:    tb.requestedBy(),
	})
	if err != nil {
		return "", fmt.Errorf("failed to queue execution: %w", err)
	}
	return fmt.Sprintf("Queued execution of cell %s", cell.ID), nil
}
