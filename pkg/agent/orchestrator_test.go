package agent

import (
	"context"
	"testing"
	"time"

	"openvia/pkg/llm"
	"openvia/pkg/permission"
	"openvia/pkg/policy"
	"openvia/pkg/session"
	"openvia/pkg/tools"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClient drives StreamChat from a scripted sequence of chunk batches,
// one batch per call, so a test can script a multi-round tool-calling
// conversation without a real provider.
type fakeClient struct {
	rounds      [][]llm.StreamChunk
	calls       int
	lastSchemas []llm.ToolSchema
}

func (f *fakeClient) StreamChat(ctx context.Context, messages []llm.Message, toolSchemas []llm.ToolSchema, toolResults []llm.ToolResultRecord, systemPrompt string, previousResponseID string) (<-chan llm.StreamChunk, error) {
	ch := make(chan llm.StreamChunk, 8)
	idx := f.calls
	f.calls++
	f.lastSchemas = toolSchemas
	go func() {
		defer close(ch)
		if idx >= len(f.rounds) {
			ch <- llm.StreamChunk{IsFinal: true}
			return
		}
		for _, c := range f.rounds[idx] {
			ch <- c
		}
	}()
	return ch, nil
}

func (f *fakeClient) IsTransientError(err error) bool { return false }
func (f *fakeClient) Provider() string                { return "fake" }
func (f *fakeClient) MaxContextTokens() int            { return 100000 }

func newTestOrchestrator(client llm.Client) (*Orchestrator, *tools.Registry) {
	registry := tools.NewRegistry()
	return &Orchestrator{
		Client:        client,
		Tools:         registry,
		Policy:        policy.NewEngine(nil, nil),
		Bridge:        permission.NewBridge(),
		Sessions:      session.NewManager(20, time.Minute),
		SystemPrompt:  "you are a test agent",
		MaxIterations: 5,
	}, registry
}

func drain(t *testing.T, events <-chan AgentEvent, timeout time.Duration) []AgentEvent {
	t.Helper()
	var out []AgentEvent
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-deadline:
			t.Fatal("timed out waiting for orchestrator events")
		}
	}
}

func TestOrchestrator_Run_SimpleTextResponseEmitsDone(t *testing.T) {
	client := &fakeClient{rounds: [][]llm.StreamChunk{
		{{ContentBlocks: []llm.ContentBlock{llm.NewTextBlock("hello there")}, IsFinal: true}},
	}}
	o, _ := newTestOrchestrator(client)
	sess := &session.Session{UserID: "u", ChatID: "c"}

	events := drain(t, o.Run(context.Background(), sess, llm.NewUserMessage("hi"), false), time.Second)

	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, EventDone, last.Type)
	assert.Equal(t, "hello there", last.FullResponse)
}

func TestOrchestrator_Run_TerminatesInExactlyOneTerminalEvent(t *testing.T) {
	client := &fakeClient{rounds: [][]llm.StreamChunk{
		{{ContentBlocks: []llm.ContentBlock{llm.NewTextBlock("ok")}, IsFinal: true}},
	}}
	o, _ := newTestOrchestrator(client)
	sess := &session.Session{UserID: "u", ChatID: "c"}

	events := drain(t, o.Run(context.Background(), sess, llm.NewUserMessage("hi"), false), time.Second)

	terminal := 0
	for _, ev := range events {
		if ev.Type == EventDone || ev.Type == EventError {
			terminal++
		}
	}
	assert.Equal(t, 1, terminal)
	assert.Contains(t, []EventType{EventDone, EventError}, events[len(events)-1].Type)
}

func TestOrchestrator_Run_AllowedToolExecutesWithoutApproval(t *testing.T) {
	client := &fakeClient{rounds: [][]llm.StreamChunk{
		{{ToolCalls: []llm.ToolCall{{ID: "call1", Name: "read_file", Function: llm.FunctionCall{Name: "read_file", Arguments: `{"path":"a.txt"}`}}}, IsFinal: true}},
		{{ContentBlocks: []llm.ContentBlock{llm.NewTextBlock("done")}, IsFinal: true}},
	}}
	o, registry := newTestOrchestrator(client)
	registry.Register(&stubTool{name: "read_file", result: tools.Text("file contents")})
	sess := &session.Session{UserID: "u", ChatID: "c"}

	events := drain(t, o.Run(context.Background(), sess, llm.NewUserMessage("read a.txt"), false), time.Second)

	var sawResult bool
	for _, ev := range events {
		if ev.Type == EventToolResult {
			sawResult = true
			assert.False(t, ev.Result.IsError)
		}
		assert.NotEqual(t, EventToolPending, ev.Type, "read_file auto-allows, no approval expected")
	}
	assert.True(t, sawResult)
	assert.Equal(t, EventDone, events[len(events)-1].Type)
}

func TestOrchestrator_Run_UnknownToolReturnsErrorResultNotPanic(t *testing.T) {
	client := &fakeClient{rounds: [][]llm.StreamChunk{
		{{ToolCalls: []llm.ToolCall{{ID: "call1", Name: "nonexistent", Function: llm.FunctionCall{Name: "nonexistent", Arguments: `{}`}}}, IsFinal: true}},
		{{ContentBlocks: []llm.ContentBlock{llm.NewTextBlock("done")}, IsFinal: true}},
	}}
	o, _ := newTestOrchestrator(client)
	sess := &session.Session{UserID: "u", ChatID: "c"}

	events := drain(t, o.Run(context.Background(), sess, llm.NewUserMessage("hi"), false), time.Second)

	var foundError bool
	for _, ev := range events {
		if ev.Type == EventToolResult {
			foundError = ev.Result.IsError
		}
	}
	assert.True(t, foundError)
}

func TestOrchestrator_Run_RequireApprovalWaitsOnBridge(t *testing.T) {
	client := &fakeClient{rounds: [][]llm.StreamChunk{
		{{ToolCalls: []llm.ToolCall{{ID: "call1", Name: "write_file", Function: llm.FunctionCall{Name: "write_file", Arguments: `{"path":"a.txt","content":"x"}`}}}, IsFinal: true}},
		{{ContentBlocks: []llm.ContentBlock{llm.NewTextBlock("done")}, IsFinal: true}},
	}}
	o, registry := newTestOrchestrator(client)
	registry.Register(&stubTool{name: "write_file", result: tools.Text("wrote")})
	o.Bridge.RegisterHandler(func(req permission.Request) {
		o.Bridge.ResolveRequest(req.ID, permission.DecisionAllow)
	})
	sess := &session.Session{UserID: "u", ChatID: "c"}

	events := drain(t, o.Run(context.Background(), sess, llm.NewUserMessage("write it"), false), time.Second)

	var sawPending bool
	for _, ev := range events {
		if ev.Type == EventToolPending {
			sawPending = true
		}
	}
	assert.True(t, sawPending)
	assert.Equal(t, EventDone, events[len(events)-1].Type)
}

func TestOrchestrator_Run_DeniedApprovalSurfacesErrorResult(t *testing.T) {
	client := &fakeClient{rounds: [][]llm.StreamChunk{
		{{ToolCalls: []llm.ToolCall{{ID: "call1", Name: "write_file", Function: llm.FunctionCall{Name: "write_file", Arguments: `{"path":"a.txt","content":"x"}`}}}, IsFinal: true}},
		{{ContentBlocks: []llm.ContentBlock{llm.NewTextBlock("done")}, IsFinal: true}},
	}}
	o, registry := newTestOrchestrator(client)
	registry.Register(&stubTool{name: "write_file", result: tools.Text("wrote")})
	o.Bridge.RegisterHandler(func(req permission.Request) {
		o.Bridge.ResolveRequest(req.ID, permission.DecisionDeny)
	})
	sess := &session.Session{UserID: "u", ChatID: "c"}

	events := drain(t, o.Run(context.Background(), sess, llm.NewUserMessage("write it"), false), time.Second)

	var result *tools.ToolResult
	for _, ev := range events {
		if ev.Type == EventToolResult {
			result = ev.Result
		}
	}
	require.NotNil(t, result)
	assert.True(t, result.IsError)
}

func TestOrchestrator_Run_MaxIterationsBoundsTheLoop(t *testing.T) {
	rounds := make([][]llm.StreamChunk, 0, 10)
	for i := 0; i < 10; i++ {
		rounds = append(rounds, []llm.StreamChunk{
			{ToolCalls: []llm.ToolCall{{ID: "call", Name: "read_file", Function: llm.FunctionCall{Name: "read_file", Arguments: `{"path":"a"}`}}}, IsFinal: true},
		})
	}
	client := &fakeClient{rounds: rounds}
	o, registry := newTestOrchestrator(client)
	o.MaxIterations = 3
	registry.Register(&stubTool{name: "read_file", result: tools.Text("contents")})
	sess := &session.Session{UserID: "u", ChatID: "c"}

	events := drain(t, o.Run(context.Background(), sess, llm.NewUserMessage("loop forever"), false), time.Second)

	last := events[len(events)-1]
	assert.Equal(t, EventError, last.Type)
	assert.Equal(t, 3, client.calls)
}

func TestOrchestrator_Run_NoToolsSkipsSchemas(t *testing.T) {
	client := &fakeClient{rounds: [][]llm.StreamChunk{
		{{ContentBlocks: []llm.ContentBlock{llm.NewTextBlock("no tools here")}, IsFinal: true}},
	}}
	o, registry := newTestOrchestrator(client)
	registry.Register(&stubTool{name: "read_file", result: tools.Text("x")})
	sess := &session.Session{UserID: "u", ChatID: "c"}

	events := drain(t, o.Run(context.Background(), sess, llm.NewUserMessage("hi"), true), time.Second)

	assert.Equal(t, EventDone, events[len(events)-1].Type)
	assert.Empty(t, client.lastSchemas)
}

func TestOrchestrator_Run_UnparseableArgsForceApproval(t *testing.T) {
	client := &fakeClient{rounds: [][]llm.StreamChunk{
		{{ToolCalls: []llm.ToolCall{{ID: "call1", Name: "read_file", Function: llm.FunctionCall{Name: "read_file", Arguments: `not json`}}}, IsFinal: true}},
		{{ContentBlocks: []llm.ContentBlock{llm.NewTextBlock("done")}, IsFinal: true}},
	}}
	o, registry := newTestOrchestrator(client)
	registry.Register(&stubTool{name: "read_file", result: tools.Text("x")})

	var requestedPrompt string
	o.Bridge.RegisterHandler(func(req permission.Request) {
		requestedPrompt = req.Prompt
		o.Bridge.ResolveRequest(req.ID, permission.DecisionDeny)
	})
	sess := &session.Session{UserID: "u", ChatID: "c"}

	drain(t, o.Run(context.Background(), sess, llm.NewUserMessage("hi"), false), time.Second)

	assert.Contains(t, requestedPrompt, "unparseable arguments")
}

// stubTool is a minimal tools.Tool used to exercise the orchestrator without
// depending on the real shell/file tool implementations.
type stubTool struct {
	name   string
	result *tools.ToolResult
}

func (s *stubTool) Name() string                  { return s.name }
func (s *stubTool) Description() string           { return "stub" }
func (s *stubTool) Parameters() map[string]any    { return map[string]any{} }
func (s *stubTool) RequiredParameters() []string  { return nil }
func (s *stubTool) Execute(ctx context.Context, args map[string]any) (*tools.ToolResult, error) {
	return s.result, nil
}
