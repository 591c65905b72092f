// Package agent implements the Agent Orchestrator: the iterative
// tool-calling loop over a unified LLM event stream, including multi-round
// state, the hard iteration bound, and tool-result splicing.
//
// The prior implementation drove the same round loop via unbounded Go
// recursion (`return e.ProcessLLMStream(...)`) with no cap. The bounded
// `for iter := 1; iter <= maxIterations` shape here closes that gap.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"openvia/pkg/api"
	"openvia/pkg/llm"
	"openvia/pkg/permission"
	"openvia/pkg/policy"
	"openvia/pkg/session"
	"openvia/pkg/tools"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DefaultMaxIterations is the liveness bound on rounds-per-turn.
const DefaultMaxIterations = 10

// EventType enumerates the AgentEvent variants emitted for one turn.
type EventType string

const (
	EventTextDelta   EventType = "text_delta"
	EventToolStart   EventType = "tool_start"
	EventToolPending EventType = "tool_pending"
	EventToolResult  EventType = "tool_result"
	EventDone        EventType = "done"
	EventError       EventType = "error"
)

// AgentEvent is the outgoing event stream the Orchestrator produces for one
// turn.
type AgentEvent struct {
	Type EventType

	// text_delta
	Content string

	// tool_start / tool_pending / tool_result
	ToolCallID string
	ToolName   string
	ToolArgs   map[string]any
	Prompt     string // tool_pending only
	Result     *tools.ToolResult

	// done
	FullResponse string

	// error
	Err error
}

// Orchestrator drives the multi-round tool-calling loop, wiring together the
// LLM adapter, tool registry/executor, policy engine, permission bridge, and
// session manager.
type Orchestrator struct {
	Client   llm.Client
	Tools    *tools.Registry
	Policy   *policy.Engine
	Bridge   *permission.Bridge
	Sessions *session.Manager

	SystemPrompt  string
	MaxIterations int
}

func (o *Orchestrator) maxIterations() int {
	if o.MaxIterations <= 0 {
		return DefaultMaxIterations
	}
	return o.MaxIterations
}

// Run executes one full turn for sess, given the incoming user message, and
// returns a finite, non-restartable channel of AgentEvents whose last
// element is always exactly one of EventDone or EventError.
//
// Callers are expected to serialize turns of the same conversation for the
// duration of Run (Handler holds a per-(user, chat) mutex for this); Run
// itself takes no such lock so the caller controls lock scope around any
// channel I/O.
func (o *Orchestrator) Run(ctx context.Context, sess *session.Session, userMsg llm.Message, noTools bool) <-chan AgentEvent {
	out := make(chan AgentEvent, 32)
	go o.run(ctx, sess, userMsg, noTools, out)
	return out
}

func (o *Orchestrator) run(ctx context.Context, sess *session.Session, userMsg llm.Message, noTools bool, out chan<- AgentEvent) {
	defer close(out)

	maxHistory := session.DefaultMaxHistory
	if o.Sessions != nil {
		maxHistory = o.Sessions.MaxHistory
	}
	sess.AddMessages(maxHistory, userMsg)

	messages := sess.History()

	var schemas []llm.ToolSchema
	if !noTools && o.Tools != nil {
		schemas = o.Tools.Schemas()
	}

	reqCtx := permission.RequestContext{UserID: sess.UserID, ChatID: sess.ChatID, ChannelID: sess.ChannelID}
	sessView := policy.SessionView{UserID: sess.UserID, ChatID: sess.ChatID, AllowedTools: sess.AllowedTools, DeniedTools: sess.DeniedTools}

	var lastToolResults []llm.ToolResultRecord
	var previousResponseID string
	var accumulatedText strings.Builder

	maxIter := o.maxIterations()
	for iter := 1; iter <= maxIter; iter++ {
		chunkCh, err := o.Client.StreamChat(ctx, messages, schemas, lastToolResults, o.SystemPrompt, previousResponseID)
		if err != nil {
			out <- AgentEvent{Type: EventError, Content: fmt.Sprintf("transport error: %v", err), Err: err}
			return
		}

		var pendingToolCalls []llm.ToolCall
		var roundText strings.Builder
		roundDone := false
		var roundErr error

		for chunk := range chunkCh {
			if chunk.RawError != nil || chunk.Error != "" {
				roundErr = chunk.RawError
				if roundErr == nil {
					roundErr = fmt.Errorf("%s", chunk.Error)
				}
				break
			}

			for _, b := range chunk.ContentBlocks {
				if b.Type == llm.BlockTypeText {
					accumulatedText.WriteString(b.Text)
					roundText.WriteString(b.Text)
					out <- AgentEvent{Type: EventTextDelta, Content: b.Text}
				}
			}

			for _, tc := range chunk.ToolCalls {
				if tc.Name == "" {
					continue
				}
				pendingToolCalls = append(pendingToolCalls, tc)
			}

			if chunk.IsFinal {
				if chunk.ResponseID != "" {
					previousResponseID = chunk.ResponseID
				}
				if len(pendingToolCalls) == 0 {
					roundDone = true
				}
				break
			}
		}

		if roundErr != nil {
			out <- AgentEvent{Type: EventError, Content: fmt.Sprintf("stream error: %v", roundErr), Err: roundErr}
			return
		}

		if roundDone {
			final := accumulatedText.String()
			sess.AddMessages(maxHistory, llm.NewAssistantMessage(final))
			out <- AgentEvent{Type: EventDone, FullResponse: final}
			return
		}

		// Tool calls within a round are processed strictly in emission
		// order, sequentially — this also keeps approval prompts from the
		// same turn from racing.
		resultsThisRound := make([]llm.ToolResultRecord, 0, len(pendingToolCalls))
		for _, tc := range pendingToolCalls {
			args, parseErr := parseToolArgs(tc.Function.Arguments)

			out <- AgentEvent{Type: EventToolStart, ToolCallID: tc.ID, ToolName: tc.Name, ToolArgs: args}

			result := o.resolveToolCall(ctx, tc, args, parseErr, sessView, reqCtx, out)

			out <- AgentEvent{Type: EventToolResult, ToolCallID: tc.ID, ToolName: tc.Name, ToolArgs: args, Result: result}

			resultsThisRound = append(resultsThisRound, llm.ToolResultRecord{
				ToolCallID: tc.ID,
				ToolName:   tc.Name,
				ToolArgs:   tc.Function.Arguments,
				ToolMeta:   tc.Meta,
				Content:    toolResultJSON(result),
				IsError:    result.IsError,
			})
		}
		lastToolResults = resultsThisRound

		// Splice this round's tool-call turn into the in-memory messages
		// slice passed to the adapter on the next iteration. This is
		// distinct from session history, which retains only textual
		// assistant output; stateless providers
		// (chat-completions, Gemini, Ollama) need the full round replayed
		// here since they carry no server-side state between calls. The
		// Responses-API adapter ignores this and instead reconstructs the
		// round from lastToolResults plus previousResponseID.
		assistantTurn := llm.Message{Role: "assistant", ToolCalls: pendingToolCalls}
		if text := roundText.String(); text != "" {
			assistantTurn.Content = append(assistantTurn.Content, llm.NewTextBlock(text))
		}
		messages = append(messages, assistantTurn)
		for _, r := range resultsThisRound {
			messages = append(messages, llm.Message{
				Role:       "tool",
				Content:    []llm.ContentBlock{llm.NewTextBlock(r.Content)},
				ToolCallID: r.ToolCallID,
				ToolName:   r.ToolName,
			})
		}
	}

	out <- AgentEvent{Type: EventError, Content: fmt.Sprintf("Max iterations (%d) reached", maxIter), Err: fmt.Errorf("max iterations (%d) reached", maxIter)}
}

// resolveToolCall looks up the tool, runs it through the Policy Engine,
// optionally round-trips through the Permission Bridge, and executes it.
// It never returns nil.
func (o *Orchestrator) resolveToolCall(ctx context.Context, tc llm.ToolCall, args map[string]any, parseErr error, sessView policy.SessionView, reqCtx permission.RequestContext, out chan<- AgentEvent) *tools.ToolResult {
	toolDef, ok := o.Tools.Get(tc.Name)
	if !ok {
		return tools.Error("tool not found")
	}

	if parseErr != nil {
		// Unparseable args deterministically classify as require_approval
		// using the raw argument JSON.
		prompt := fmt.Sprintf("Permission Request: %s(%s) [unparseable arguments]", tc.Name, tc.Function.Arguments)
		return o.requireApproval(ctx, tc, prompt, map[string]any{"raw": tc.Function.Arguments}, reqCtx, out)
	}

	decision := o.Policy.Evaluate(policy.Tool{Name: toolDef.Name()}, args, sessView)
	switch decision.Kind {
	case policy.Allow:
		result, err := o.Tools.Execute(ctx, tc.Name, args)
		if err != nil {
			return tools.Error(fmt.Sprintf("invalid arguments: %v", err))
		}
		return result
	case policy.Deny:
		return tools.Error(decision.Reason)
	default: // RequireApproval
		return o.requireApproval(ctx, tc, decision.Prompt, args, reqCtx, out)
	}
}

func (o *Orchestrator) requireApproval(ctx context.Context, tc llm.ToolCall, prompt string, args map[string]any, reqCtx permission.RequestContext, out chan<- AgentEvent) *tools.ToolResult {
	out <- AgentEvent{Type: EventToolPending, ToolCallID: tc.ID, ToolName: tc.Name, ToolArgs: args, Prompt: prompt}

	decisionCh := o.Bridge.Request(ctx, prompt, reqCtx)
	select {
	case decision := <-decisionCh:
		if decision == permission.DecisionAllow {
			result, err := o.Tools.Execute(ctx, tc.Name, args)
			if err != nil {
				return tools.Error(fmt.Sprintf("invalid arguments: %v", err))
			}
			return result
		}
		return tools.Error("User denied permission")
	case <-ctx.Done():
		return tools.Error("User denied permission")
	}
}

func parseToolArgs(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, err
	}
	return args, nil
}

func toolResultJSON(result *tools.ToolResult) string {
	raw, err := json.Marshal(result)
	if err != nil {
		slog.Error("failed to marshal tool result for history splicing", "error", err)
		return fmt.Sprintf(`{"success":%v}`, !result.IsError)
	}
	return string(raw)
}

// BuildUserMessage translates an incoming api.UnifiedMessage into the
// unified llm.Message shape, attaching file blocks as images.
func BuildUserMessage(msg *api.UnifiedMessage) llm.Message {
	m := llm.Message{Role: "user", Timestamp: time.Now().Unix()}
	if msg.Content != "" {
		m.Content = append(m.Content, llm.NewTextBlock(msg.Content))
	}
	for _, f := range msg.Files {
		if f.Path != "" {
			m.Content = append(m.Content, llm.NewImageBlockFromPath(f.Path, f.MimeType))
		} else {
			m.Content = append(m.Content, llm.NewImageBlock(f.Data, f.MimeType))
		}
	}
	return m
}
