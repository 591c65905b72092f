package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
)

// json is the package-wide encoding/json drop-in, matching the convention
// used throughout the rest of the module.
var json = jsoniter.ConfigCompatibleWithStandardLibrary

// LLMUsage is a provider-agnostic token usage summary.
type LLMUsage struct {
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	TotalTokens      int    `json:"total_tokens"`
	ThoughtsTokens   int    `json:"thoughts_tokens,omitempty"`
	CachedTokens     int    `json:"cached_tokens,omitempty"`
	StopReason       string `json:"stop_reason,omitempty"`
}

// LogUsage emits a structured usage summary for a completed round.
func LogUsage(model string, usage *LLMUsage) {
	if usage == nil {
		return
	}
	slog.Info("token usage", "model", model,
		"prompt", usage.PromptTokens, "completion", usage.CompletionTokens,
		"total", usage.TotalTokens, "thoughts", usage.ThoughtsTokens,
		"cached", usage.CachedTokens, "stop_reason", usage.StopReason)
}

// Client is the unified contract every provider adapter implements. It
// subsumes the three wire variants in use (chat-completions, Responses API,
// Gemini) plus a bonus Ollama variant: callers always see the same
// request/response shape regardless of wire format.
//
// toolResults carries the previous round's outcomes so the adapter can
// render them in whatever shape the provider expects (role=tool messages,
// function_call_output items, or paired model/user functionResponse turns).
// previousResponseID lets stateful providers (Responses API) chain rounds
// without resending full history; stateless providers ignore it.
type Client interface {
	StreamChat(ctx context.Context, messages []Message, tools []ToolSchema, toolResults []ToolResultRecord, systemPrompt string, previousResponseID string) (<-chan StreamChunk, error)

	// IsTransientError classifies an error returned from StreamChat (or
	// surfaced via a StreamChunk.RawError) as retryable or not.
	IsTransientError(err error) bool

	// Provider returns the adapter's short identifier ("openai", "gemini",
	// "ollama", ...), used for logging and for naming debug output.
	Provider() string

	// MaxContextTokens publishes a static, model-name-driven estimate of
	// the context window. The orchestrator does not enforce it today but
	// may consult it.
	MaxContextTokens() int
}

// FallbackClient chains multiple Clients, retrying each with backoff before
// falling through to the next.
type FallbackClient struct {
	Clients    []Client
	MaxRetries int
	RetryDelay time.Duration
}

func (f *FallbackClient) StreamChat(ctx context.Context, messages []Message, tools []ToolSchema, toolResults []ToolResultRecord, systemPrompt string, previousResponseID string) (<-chan StreamChunk, error) {
	var lastErr error
	for i, client := range f.Clients {
		if i > 0 {
			slog.Warn("previous provider failed, trying fallback", "index", i)
		}
		maxRetries := f.MaxRetries
		if maxRetries <= 0 {
			maxRetries = 1
		}
		for retry := 1; retry <= maxRetries; retry++ {
			if retry > 1 {
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(time.Duration(retry-1) * f.RetryDelay):
				}
			}
			ch, err := client.StreamChat(ctx, messages, tools, toolResults, systemPrompt, previousResponseID)
			if err == nil {
				return ch, nil
			}
			lastErr = err
			if client.IsTransientError(err) && retry < maxRetries {
				slog.Warn("provider failed with transient error, retrying", "provider", client.Provider(), "error", err)
				continue
			}
			slog.Error("provider failed", "provider", client.Provider(), "error", err)
			break
		}
	}
	return nil, fmt.Errorf("all fallback providers failed: %w", lastErr)
}

func (f *FallbackClient) IsTransientError(err error) bool { return false }

func (f *FallbackClient) Provider() string {
	names := make([]string, 0, len(f.Clients))
	for _, c := range f.Clients {
		names = append(names, c.Provider())
	}
	return "fallback(" + strings.Join(names, ",") + ")"
}

func (f *FallbackClient) MaxContextTokens() int {
	if len(f.Clients) == 0 {
		return 0
	}
	return f.Clients[0].MaxContextTokens()
}
