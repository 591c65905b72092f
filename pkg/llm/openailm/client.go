package openailm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"openvia/pkg/config"
	"openvia/pkg/llm"
	"reflect"
	"strings"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// Client wraps the official OpenAI Go SDK and implements llm.Client for the
// chat-completions wire variant (also used for Qwen/DeepSeek/Moonshot and
// other OpenAI-compatible chat-completions gateways served behind the same
// SDK; the Responses API is handled by package openairesponses).
type Client struct {
	client   *openai.Client
	provider string
	model    string
	options  map[string]any
	debug    bool
	sysCfg   *config.SystemConfig
}

func NewClient(provider, apiKey, model, baseURL string, options map[string]any) (*Client, error) {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	c := openai.NewClient(opts...)
	return &Client{client: &c, provider: provider, model: model, options: options}, nil
}

func (c *Client) Provider() string { return c.provider }

// SetDebug enables raw-chunk logging via StreamDebugger, threading the
// system config through so NewStreamDebugger can see DebugChunks.
func (c *Client) SetDebug(enabled bool) {
	c.debug = enabled
	if enabled && c.sysCfg == nil {
		c.sysCfg = &config.SystemConfig{DebugChunks: true}
	}
}

func (c *Client) MaxContextTokens() int {
	return contextWindowForModel(c.model)
}

func (c *Client) IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "context deadline exceeded") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "503") ||
		strings.Contains(msg, "rate limit")
}

func (c *Client) StreamChat(ctx context.Context, messages []llm.Message, tools []llm.ToolSchema, toolResults []llm.ToolResultRecord, systemPrompt string, previousResponseID string) (<-chan llm.StreamChunk, error) {
	chunkCh := make(chan llm.StreamChunk, 100)

	convertedMsgs := c.convertMessages(messages, systemPrompt)
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(c.model),
		Messages: convertedMsgs,
	}
	if len(tools) > 0 {
		params.Tools = convertTools(tools)
	}

	go func() {
		defer close(chunkCh)

		debugger := llm.NewStreamDebugger(ctx, c.provider, c.sysCfg)
		defer debugger.Close()

		stream := c.client.Chat.Completions.NewStreaming(ctx, params)

		var lastFinishReason string
		var lastUsage *llm.LLMUsage
		acc := newToolCallAccumulator()

		for stream.Next() {
			event := stream.Current()

			if c.debug {
				debugger.Write(rawEventJSON(event))
			}

			if len(event.Choices) > 0 {
				choice := event.Choices[0]

				if choice.FinishReason != "" {
					lastFinishReason = string(choice.FinishReason)
				}

				if thought := extractReasoning(rawEventJSON(event)); thought != "" {
					chunkCh <- llm.NewThinkingChunk(thought)
				}

				if choice.Delta.Content != "" {
					chunkCh <- llm.NewTextChunk(choice.Delta.Content)
				}

				// Tool calls arrive as indexed fragments: the first delta for
				// an index carries {id, function.name}, subsequent deltas for
				// the same index carry only an arguments fragment. Accumulate
				// per index and only emit complete calls once the stream
				// reaches finish_reason (see acc.finalize below).
				for _, tc := range choice.Delta.ToolCalls {
					acc.add(tc.Index, tc.ID, tc.Function.Name, tc.Function.Arguments)
				}
			}

			if event.Usage.TotalTokens > 0 {
				lastUsage = &llm.LLMUsage{
					PromptTokens:     int(event.Usage.PromptTokens),
					CompletionTokens: int(event.Usage.CompletionTokens),
					TotalTokens:      int(event.Usage.TotalTokens),
				}
			}
		}

		if err := stream.Err(); err != nil {
			chunkCh <- llm.NewErrorChunk(fmt.Errorf("stream error: %w", err))
			return
		}

		if toolCalls := acc.finalize(); len(toolCalls) > 0 {
			chunkCh <- llm.StreamChunk{ToolCalls: toolCalls}
		}

		reason := llm.StopReasonStop
		if lastFinishReason != "" {
			reason = normalizeStopReason(lastFinishReason)
		}
		chunkCh <- llm.NewFinalChunk(reason, lastUsage)
	}()

	return chunkCh, nil
}

// toolCallAccumulator reassembles the chat-completions wire format's
// per-index tool-call fragments (an id+name fragment followed by zero or
// more arguments-only fragments) into complete ToolCalls, preserving the
// order indices first appeared in.
type toolCallAccumulator struct {
	order []int64
	byIdx map[int64]*accumulatedToolCall
}

type accumulatedToolCall struct {
	id   string
	name string
	args strings.Builder
}

func newToolCallAccumulator() *toolCallAccumulator {
	return &toolCallAccumulator{byIdx: make(map[int64]*accumulatedToolCall)}
}

func (a *toolCallAccumulator) add(index int64, id, name, argsFragment string) {
	entry, ok := a.byIdx[index]
	if !ok {
		entry = &accumulatedToolCall{}
		a.byIdx[index] = entry
		a.order = append(a.order, index)
	}
	if id != "" {
		entry.id = id
	}
	if name != "" {
		entry.name = name
	}
	entry.args.WriteString(argsFragment)
}

func (a *toolCallAccumulator) finalize() []llm.ToolCall {
	calls := make([]llm.ToolCall, 0, len(a.order))
	for _, idx := range a.order {
		entry := a.byIdx[idx]
		if entry.name == "" {
			continue
		}
		args := entry.args.String()
		calls = append(calls, llm.ToolCall{
			ID:   entry.id,
			Name: entry.name,
			Function: llm.FunctionCall{
				Name:      entry.name,
				Arguments: args,
			},
		})
	}
	return calls
}

// rawEventJSON pulls the unexported raw wire JSON off an SDK event via
// reflection, for debug logging and for reasoning-field sniffing that the
// typed SDK surface doesn't expose yet.
func rawEventJSON(event any) []byte {
	rv := reflect.ValueOf(event)
	jsonField := rv.FieldByName("JSON")
	if !jsonField.IsValid() {
		return nil
	}
	rawField := jsonField.FieldByName("raw")
	if !rawField.IsValid() || rawField.Kind() != reflect.String {
		return nil
	}
	return []byte(rawField.String())
}

// extractReasoning checks the handful of field-name variants different
// OpenAI-compatible providers (DeepSeek, Moonshot, Qwen) use for reasoning
// tokens, since the SDK's typed surface doesn't model them uniformly.
func extractReasoning(raw []byte) string {
	if len(raw) == 0 {
		return ""
	}
	var probe struct {
		Reasoning        string `json:"reasoning"`
		Thinking         string `json:"thinking"`
		ReasoningContent string `json:"reasoning_content"`
		Choices          []struct {
			Delta struct {
				ReasoningContent string `json:"reasoning_content"`
				Reasoning        string `json:"reasoning"`
				Thinking         string `json:"thinking"`
			} `json:"delta"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return ""
	}
	for _, v := range []string{probe.Reasoning, probe.Thinking, probe.ReasoningContent} {
		if v != "" {
			return v
		}
	}
	if len(probe.Choices) > 0 {
		d := probe.Choices[0].Delta
		for _, v := range []string{d.ReasoningContent, d.Reasoning, d.Thinking} {
			if v != "" {
				return v
			}
		}
	}
	return ""
}

// convertMessages renders the unified Message history into the
// chat-completions wire shape. Tool round-trips (assistant tool_calls +
// role=tool results) are expected to already be present as entries in
// messages — the orchestrator is responsible for appending them there each
// round, so a single conversion pass here handles every round uniformly.
func (c *Client) convertMessages(messages []llm.Message, systemPrompt string) []openai.ChatCompletionMessageParamUnion {
	var items []openai.ChatCompletionMessageParamUnion

	if systemPrompt != "" {
		items = append(items, openai.ChatCompletionMessageParamUnion{
			OfSystem: &openai.ChatCompletionSystemMessageParam{
				Role:    "system",
				Content: openai.ChatCompletionSystemMessageParamContentUnion{OfString: openai.String(systemPrompt)},
			},
		})
	}

	for _, m := range messages {
		switch m.Role {
		case "tool":
			items = append(items, openai.ChatCompletionMessageParamUnion{
				OfTool: &openai.ChatCompletionToolMessageParam{
					Role:       "tool",
					ToolCallID: m.ToolCallID,
					Content:    openai.ChatCompletionToolMessageParamContentUnion{OfString: openai.String(m.GetTextContent())},
				},
			})

		case "assistant":
			if len(m.ToolCalls) > 0 {
				var toolCalls []openai.ChatCompletionMessageToolCallUnionParam
				for _, tc := range m.ToolCalls {
					toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCallUnionParam{
						OfFunction: &openai.ChatCompletionMessageFunctionToolCallParam{
							ID:   tc.ID,
							Type: "function",
							Function: openai.ChatCompletionMessageFunctionToolCallFunctionParam{
								Name:      tc.Name,
								Arguments: tc.Function.Arguments,
							},
						},
					})
				}
				items = append(items, openai.ChatCompletionMessageParamUnion{
					OfAssistant: &openai.ChatCompletionAssistantMessageParam{Role: "assistant", ToolCalls: toolCalls},
				})
			} else {
				items = append(items, openai.ChatCompletionMessageParamUnion{
					OfAssistant: &openai.ChatCompletionAssistantMessageParam{
						Role:    "assistant",
						Content: openai.ChatCompletionAssistantMessageParamContentUnion{OfString: openai.String(m.GetTextContent())},
					},
				})
			}

		case "user":
			if m.HasImages() {
				var parts []openai.ChatCompletionContentPartUnionParam
				for _, block := range m.Content {
					switch block.Type {
					case llm.BlockTypeText:
						parts = append(parts, openai.ChatCompletionContentPartUnionParam{
							OfText: &openai.ChatCompletionContentPartTextParam{Type: "text", Text: block.Text},
						})
					case llm.BlockTypeImage:
						if block.Image != nil {
							parts = append(parts, openai.ChatCompletionContentPartUnionParam{
								OfImageURL: &openai.ChatCompletionContentPartImageParam{
									Type:     "image_url",
									ImageURL: openai.ChatCompletionContentPartImageImageURLParam{URL: imageDataURL(block.Image)},
								},
							})
						}
					}
				}
				items = append(items, openai.ChatCompletionMessageParamUnion{
					OfUser: &openai.ChatCompletionUserMessageParam{
						Role:    "user",
						Content: openai.ChatCompletionUserMessageParamContentUnion{OfArrayOfContentParts: parts},
					},
				})
			} else {
				items = append(items, openai.ChatCompletionMessageParamUnion{
					OfUser: &openai.ChatCompletionUserMessageParam{
						Role:    "user",
						Content: openai.ChatCompletionUserMessageParamContentUnion{OfString: openai.String(m.GetTextContent())},
					},
				})
			}

		case "system":
			items = append(items, openai.ChatCompletionMessageParamUnion{
				OfSystem: &openai.ChatCompletionSystemMessageParam{
					Role:    "system",
					Content: openai.ChatCompletionSystemMessageParamContentUnion{OfString: openai.String(m.GetTextContent())},
				},
			})
		}
	}

	return items
}

func imageDataURL(img *llm.ImageSource) string {
	if img.Type == "url" {
		return img.URL
	}
	data, err := img.LoadData()
	if err != nil {
		return ""
	}
	return fmt.Sprintf("data:%s;base64,%s", img.MediaType, base64.StdEncoding.EncodeToString(data))
}

func convertTools(tools []llm.ToolSchema) []openai.ChatCompletionToolUnionParam {
	var out []openai.ChatCompletionToolUnionParam
	for _, t := range tools {
		out = append(out, openai.ChatCompletionToolUnionParam{
			OfFunction: &openai.ChatCompletionFunctionToolParam{
				Type: "function",
				Function: openai.FunctionDefinitionParam{
					Name:        t.Name,
					Description: openai.String(t.Description),
					Parameters:  openai.FunctionParameters(t.InputSchema),
				},
			},
		})
	}
	return out
}

func normalizeStopReason(reason string) string {
	switch strings.ToLower(reason) {
	case "stop":
		return llm.StopReasonStop
	case "length":
		return llm.StopReasonLength
	default:
		return reason
	}
}

// contextWindowForModel is a table-driven static estimate; unknown models
// fall back to a conservative default.
func contextWindowForModel(model string) int {
	switch {
	case strings.Contains(model, "gpt-4o"), strings.Contains(model, "gpt-4.1"):
		return 128_000
	case strings.Contains(model, "o1"), strings.Contains(model, "o3"):
		return 200_000
	case strings.Contains(model, "deepseek"):
		return 64_000
	default:
		return 32_000
	}
}
