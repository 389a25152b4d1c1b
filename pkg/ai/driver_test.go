package ai

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notebookos/cellagent/pkg/media"
	"github.com/notebookos/cellagent/pkg/notebook"
	"github.com/notebookos/cellagent/pkg/runtime"
	"github.com/notebookos/cellagent/pkg/store"
	"github.com/notebookos/cellagent/pkg/store/memory"
)

type fakeStream struct {
	deltas []Delta
	next   int
}

func (s *fakeStream) Recv() (Delta, error) {
	if s.next >= len(s.deltas) {
		return Delta{}, io.EOF
	}
	d := s.deltas[s.next]
	s.next++
	return d, nil
}

func (s *fakeStream) Close() error { return nil }

// fakeModel scripts model turns; the last turn repeats when the driver asks
// for more.
type fakeModel struct {
	turns    [][]Delta
	requests []Request
}

func (m *fakeModel) GenerateStream(_ context.Context, req Request) (Stream, error) {
	m.requests = append(m.requests, req)
	idx := len(m.requests) - 1
	if idx >= len(m.turns) {
		idx = len(m.turns) - 1
	}
	return &fakeStream{deltas: m.turns[idx]}, nil
}

func newAIStore(t *testing.T) *memory.Store {
	t.Helper()
	st := memory.New()
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func seedCell(t *testing.T, st store.Store, id string, cellType notebook.CellType, position float64, source string) notebook.Cell {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.Commit(ctx, notebook.CellCreated{CellID: id, CellType: cellType, Position: position}))
	if source != "" {
		require.NoError(t, st.Commit(ctx, notebook.CellSourceChanged{CellID: id, Source: source}))
	}
	cell, err := st.Cell(ctx, id)
	require.NoError(t, err)
	return *cell
}

func newAIContext(t *testing.T, st store.Store, cellID string) *runtime.ExecutionContext {
	t.Helper()
	entry := notebook.ExecutionQueueEntry{ID: "queue-ai", CellID: cellID, ExecutionCount: 1}
	return runtime.NewExecutionContext(context.Background(), context.Background(), st, entry, "session-1")
}

func toolCallDelta(id, name, arguments string) Delta {
	return Delta{ToolCalls: []ToolCallDelta{{Index: 0, ID: id, Name: name, Arguments: arguments}}}
}

func TestDriver_CreateCellToolFlow(t *testing.T) {
	st := newAIStore(t)
	cell := seedCell(t, st, "ai-1", notebook.CellTypeAI, 5, "Create a code cell that prints hello")
	ectx := newAIContext(t, st, "ai-1")

	model := &fakeModel{turns: [][]Delta{
		{toolCallDelta("call-1", ToolCreateCell,
			`{"cellType":"code","content":"print('hello')","position":"after_current"}`)},
		{{Content: "Done."}},
	}}
	driver := NewDriver(Config{Store: st, Client: model, Model: "test-model", SessionID: "session-1"})

	res, err := driver.Execute(context.Background(), ectx, cell)
	require.NoError(t, err)
	assert.True(t, res.Success)

	// Exactly two model turns.
	require.Len(t, model.requests, 2)

	// The new cell exists with the requested source just below the AI cell.
	cells, err := st.Cells(context.Background())
	require.NoError(t, err)
	require.Len(t, cells, 2)
	created := cells[1]
	assert.Equal(t, notebook.CellTypeCode, created.CellType)
	assert.Equal(t, "print('hello')", created.Source)
	assert.InDelta(t, 5.1, created.Position, 1e-9)

	// The second request carries the assistant tool_calls turn and the tool
	// result.
	second := model.requests[1].Messages
	assistant := second[len(second)-2]
	tool := second[len(second)-1]
	require.Equal(t, RoleAssistant, assistant.Role)
	require.Len(t, assistant.ToolCalls, 1)
	assert.Equal(t, ToolCreateCell, assistant.ToolCalls[0].Name)
	assert.Equal(t, RoleTool, tool.Role)
	assert.Equal(t, "call-1", tool.ToolCallID)
	assert.Contains(t, tool.Content, "Created code cell")

	// Outputs: invocation display, result display, then the final markdown.
	outs, err := st.Outputs(context.Background(), "ai-1")
	require.NoError(t, err)
	require.Len(t, outs, 3)
	require.Equal(t, notebook.OutputTypeDisplay, outs[0].Type())
	assert.Contains(t, outs[0].Display.Representations, media.TypeToolCall)
	require.Equal(t, notebook.OutputTypeDisplay, outs[1].Type())
	assert.Contains(t, outs[1].Display.Representations, media.TypeToolResult)
	require.Equal(t, notebook.OutputTypeMarkdown, outs[2].Type())
	assert.Equal(t, "Done.", outs[2].Markdown.Text)
}

func TestDriver_PlainResponseStopsAfterOneTurn(t *testing.T) {
	st := newAIStore(t)
	cell := seedCell(t, st, "ai-1", notebook.CellTypeAI, 1, "Say hi")
	ectx := newAIContext(t, st, "ai-1")

	model := &fakeModel{turns: [][]Delta{
		{{Content: "Hello"}, {Content: ", "}, {Content: "world!"}},
	}}
	driver := NewDriver(Config{Store: st, Client: model, SessionID: "session-1"})

	res, err := driver.Execute(context.Background(), ectx, cell)
	require.NoError(t, err)
	assert.True(t, res.Success)
	require.Len(t, model.requests, 1)

	// Tokens accumulate into a single streamed markdown output.
	outs, err := st.Outputs(context.Background(), "ai-1")
	require.NoError(t, err)
	require.Len(t, outs, 1)
	require.Equal(t, notebook.OutputTypeMarkdown, outs[0].Type())
	assert.Equal(t, "Hello, world!", outs[0].Markdown.Text)
}

func TestDriver_TurnCapStopsRunawayToolLoop(t *testing.T) {
	st := newAIStore(t)
	seedCell(t, st, "code-1", notebook.CellTypeCode, 1, "x = 1")
	cell := seedCell(t, st, "ai-1", notebook.CellTypeAI, 2, "Keep editing forever")
	ectx := newAIContext(t, st, "ai-1")

	model := &fakeModel{turns: [][]Delta{
		{toolCallDelta("call-n", ToolModifyCell, `{"cellId":"code-1","content":"x = 2"}`)},
	}}
	driver := NewDriver(Config{Store: st, Client: model, MaxIterations: 3, SessionID: "session-1"})

	res, err := driver.Execute(context.Background(), ectx, cell)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Len(t, model.requests, 3)

	outs, err := st.Outputs(context.Background(), "ai-1")
	require.NoError(t, err)
	require.NotEmpty(t, outs)
	last := outs[len(outs)-1]
	require.Equal(t, notebook.OutputTypeDisplay, last.Type())
	assert.Contains(t, last.Display.Representations[media.TypePlain].Data, "Maximum iterations reached")
}

func TestDriver_BlankSourceIsSuccessfulNoOp(t *testing.T) {
	st := newAIStore(t)
	cell := seedCell(t, st, "ai-1", notebook.CellTypeAI, 1, "   \n")
	ectx := newAIContext(t, st, "ai-1")

	model := &fakeModel{turns: [][]Delta{{{Content: "never"}}}}
	driver := NewDriver(Config{Store: st, Client: model, SessionID: "session-1"})

	res, err := driver.Execute(context.Background(), ectx, cell)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Empty(t, model.requests)

	outs, err := st.Outputs(context.Background(), "ai-1")
	require.NoError(t, err)
	assert.Empty(t, outs)
}

func TestDriver_NotConfiguredEmitsSetupInstructions(t *testing.T) {
	st := newAIStore(t)
	cell := seedCell(t, st, "ai-1", notebook.CellTypeAI, 1, "Help me")
	ectx := newAIContext(t, st, "ai-1")

	driver := NewDriver(Config{Store: st, SessionID: "session-1"})

	res, err := driver.Execute(context.Background(), ectx, cell)
	require.NoError(t, err)
	assert.True(t, res.Success)

	outs, err := st.Outputs(context.Background(), "ai-1")
	require.NoError(t, err)
	require.Len(t, outs, 1)
	require.Equal(t, notebook.OutputTypeMarkdown, outs[0].Type())
	assert.Contains(t, outs[0].Markdown.Text, "OPENAI_API_KEY")
}

func TestDriver_ContextRespectsVisibilityAndPosition(t *testing.T) {
	st := newAIStore(t)
	seedCell(t, st, "visible", notebook.CellTypeCode, 1, "import pandas")
	seedCell(t, st, "hidden", notebook.CellTypeCode, 2, "secret_token = 'xyz'")
	require.NoError(t, st.Commit(context.Background(), notebook.CellAIContextChanged{CellID: "hidden", Visible: false}))
	seedCell(t, st, "below", notebook.CellTypeCode, 10, "after_the_ai_cell()")
	cell := seedCell(t, st, "ai-1", notebook.CellTypeAI, 5, "What did I import?")
	ectx := newAIContext(t, st, "ai-1")

	model := &fakeModel{turns: [][]Delta{{{Content: "pandas"}}}}
	driver := NewDriver(Config{Store: st, Client: model, SessionID: "session-1"})

	_, err := driver.Execute(context.Background(), ectx, cell)
	require.NoError(t, err)
	require.Len(t, model.requests, 1)

	all := ""
	for _, m := range model.requests[0].Messages {
		all += m.Content + "\n"
	}
	assert.Contains(t, all, "import pandas")
	assert.NotContains(t, all, "secret_token")
	assert.NotContains(t, all, "after_the_ai_cell")
}

func TestDriver_MalformedToolArgumentsRecover(t *testing.T) {
	st := newAIStore(t)
	cell := seedCell(t, st, "ai-1", notebook.CellTypeAI, 1, "Make a cell")
	ectx := newAIContext(t, st, "ai-1")

	model := &fakeModel{turns: [][]Delta{
		{toolCallDelta("call-1", ToolCreateCell, `{"cellType": "code", "content": `)},
		{{Content: "Sorry about that."}},
	}}
	driver := NewDriver(Config{Store: st, Client: model, SessionID: "session-1"})

	res, err := driver.Execute(context.Background(), ectx, cell)
	require.NoError(t, err)
	assert.True(t, res.Success)
	require.Len(t, model.requests, 2)

	// The parse failure flows back to the model as the tool result.
	second := model.requests[1].Messages
	tool := second[len(second)-1]
	require.Equal(t, RoleTool, tool.Role)
	assert.Contains(t, tool.Content, "Error:")

	// No cell was created.
	cells, err := st.Cells(context.Background())
	require.NoError(t, err)
	assert.Len(t, cells, 1)
}

func TestDriver_CancellationBeforeTurn(t *testing.T) {
	st := newAIStore(t)
	cell := seedCell(t, st, "ai-1", notebook.CellTypeAI, 1, "Long task")

	abortCtx, cancel := context.WithCancelCause(context.Background())
	entry := notebook.ExecutionQueueEntry{ID: "queue-ai", CellID: "ai-1", ExecutionCount: 1}
	ectx := runtime.NewExecutionContext(context.Background(), abortCtx, st, entry, "session-1")
	cancel(runtime.ErrExecutionCancelled)

	model := &fakeModel{turns: [][]Delta{{{Content: "never"}}}}
	driver := NewDriver(Config{Store: st, Client: model, SessionID: "session-1"})

	_, err := driver.Execute(abortCtx, ectx, cell)
	assert.ErrorIs(t, err, runtime.ErrExecutionCancelled)
	assert.Empty(t, model.requests)

	outs, outErr := st.Outputs(context.Background(), "ai-1")
	require.NoError(t, outErr)
	require.Len(t, outs, 1)
	require.Equal(t, notebook.OutputTypeTerminal, outs[0].Type())
	assert.Equal(t, notebook.StreamStderr, outs[0].Terminal.Stream)
}

func TestDriver_FoldsPriorAITurnsIntoConversation(t *testing.T) {
	st := newAIStore(t)
	prior := seedCell(t, st, "ai-0", notebook.CellTypeAI, 1, "Make a hello cell")

	// Simulate a finished earlier AI execution by replaying its outputs.
	priorCtx := newAIContext(t, st, prior.ID)
	priorCtx.Display(map[string]any{
		media.TypeToolCall: map[string]any{
			"id": "call-0", "name": ToolCreateCell,
			"arguments": `{"cellType":"code","content":"print('hello')","position":"after_current"}`,
		},
		media.TypePlain: "Calling create_cell",
	}, nil, "")
	priorCtx.Display(map[string]any{
		media.TypeToolResult: map[string]any{"toolCallId": "call-0", "result": "Created code cell abc"},
		media.TypePlain:      "Created code cell abc",
	}, nil, "")
	priorCtx.Markdown("Created it for you.", nil)

	cell := seedCell(t, st, "ai-1", notebook.CellTypeAI, 5, "Now run it")
	ectx := newAIContext(t, st, "ai-1")

	model := &fakeModel{turns: [][]Delta{{{Content: "ok"}}}}
	driver := NewDriver(Config{Store: st, Client: model, SessionID: "session-1"})

	_, err := driver.Execute(context.Background(), ectx, cell)
	require.NoError(t, err)
	require.Len(t, model.requests, 1)

	msgs := model.requests[0].Messages
	var assistant *Message
	var tool *Message
	for i := range msgs {
		switch {
		case msgs[i].Role == RoleAssistant && len(msgs[i].ToolCalls) > 0:
			assistant = &msgs[i]
		case msgs[i].Role == RoleTool:
			tool = &msgs[i]
		}
	}
	require.NotNil(t, assistant, "prior assistant tool-call turn must be folded back")
	assert.Equal(t, ToolCreateCell, assistant.ToolCalls[0].Name)
	require.NotNil(t, tool)
	assert.Equal(t, "call-0", tool.ToolCallID)
	assert.Equal(t, "Created code cell abc", tool.Content)

	// The follow-up assistant prose survives as its own turn.
	followUp := false
	for _, m := range msgs {
		if m.Role == RoleAssistant && m.Content == "Created it for you." {
			followUp = true
		}
	}
	assert.True(t, followUp)
}
