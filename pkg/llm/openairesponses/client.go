// Package openairesponses implements the Responses API wire variant: unlike
// chat-completions, the server retains conversation state keyed by a
// response id, so each round only needs to send the turn's new input items
// plus a previous_response_id rather than replaying full history.
package openairesponses

import (
	"context"
	"fmt"
	"openvia/pkg/llm"
	"strings"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/responses"
)

// cachedFunctionCall is the item_id-scoped cache entry bridging
// response.output_item.added to the later done events for the same call.
type cachedFunctionCall struct {
	callID string
	name   string
}

type Client struct {
	client   *openai.Client
	provider string
	model    string
	options  map[string]any
}

func NewClient(apiKey, model, baseURL string, options map[string]any) (*Client, error) {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	c := openai.NewClient(opts...)
	return &Client{client: &c, provider: "openai-responses", model: model, options: options}, nil
}

func (c *Client) Provider() string { return c.provider }
func (c *Client) MaxContextTokens() int { return 200_000 }

func (c *Client) IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "timeout") || strings.Contains(msg, "503") || strings.Contains(msg, "rate limit")
}

// StreamChat builds the Responses API input list. When previousResponseID is
// set, only the new user turn and any pending function_call_output items
// (derived from toolResults) are sent; otherwise the full message history is
// flattened into input items.
func (c *Client) StreamChat(ctx context.Context, messages []llm.Message, tools []llm.ToolSchema, toolResults []llm.ToolResultRecord, systemPrompt string, previousResponseID string) (<-chan llm.StreamChunk, error) {
	chunkCh := make(chan llm.StreamChunk, 100)

	params := responses.ResponseNewParams{Model: c.model}
	if systemPrompt != "" {
		params.Instructions = openai.String(systemPrompt)
	}
	if previousResponseID != "" {
		params.PreviousResponseID = openai.String(previousResponseID)
		params.Input = responses.ResponseNewParamsInputUnion{OfInputItemList: toolResultItems(toolResults, messages)}
	} else {
		params.Input = responses.ResponseNewParamsInputUnion{OfInputItemList: fullHistoryItems(messages)}
	}
	if len(tools) > 0 {
		params.Tools = convertTools(tools)
	}

	go func() {
		defer close(chunkCh)

		stream := c.client.Responses.NewStreaming(ctx, params)

		var lastUsage *llm.LLMUsage
		var responseID string

		// The Responses API splits one function call across events: the
		// item is introduced by response.output_item.added (carrying
		// item_id, call_id, name but no/partial arguments), and the
		// arguments only arrive whole in response.function_call_arguments.
		// done (carrying item_id but no name). Cache the item_id -> {call_id,
		// name} pairing from "added" so "done" can resolve a complete call;
		// response.output_item.done is the fallback for any item missed by
		// the arguments-done path. emitted dedupes by call_id so a call
		// resolved via one path is never re-emitted by the other.
		itemCache := map[string]cachedFunctionCall{}
		emitted := map[string]bool{}

		for stream.Next() {
			event := stream.Current()

			switch event.Type {
			case "response.output_text.delta":
				if event.Delta != "" {
					chunkCh <- llm.NewTextChunk(event.Delta)
				}
			case "response.created", "response.completed":
				if event.Response.ID != "" {
					responseID = event.Response.ID
				}
				if u := event.Response.Usage; u.TotalTokens > 0 {
					lastUsage = &llm.LLMUsage{
						PromptTokens:     int(u.InputTokens),
						CompletionTokens: int(u.OutputTokens),
						TotalTokens:      int(u.TotalTokens),
					}
				}
			case "response.output_item.added":
				if event.Item.Type == "function_call" {
					itemCache[event.Item.ID] = cachedFunctionCall{callID: event.Item.CallID, name: event.Item.Name}
				}
			case "response.function_call_arguments.done":
				cached, ok := itemCache[event.ItemID]
				if !ok || emitted[cached.callID] {
					continue
				}
				emitted[cached.callID] = true
				chunkCh <- llm.StreamChunk{ToolCalls: []llm.ToolCall{{
					ID:   cached.callID,
					Name: cached.name,
					Function: llm.FunctionCall{
						Name:      cached.name,
						Arguments: event.Arguments,
					},
				}}}
			case "response.output_item.done":
				if event.Item.Type != "function_call" {
					continue
				}
				cached, ok := itemCache[event.Item.ID]
				if !ok {
					cached = cachedFunctionCall{callID: event.Item.CallID, name: event.Item.Name}
				}
				if emitted[cached.callID] {
					continue
				}
				emitted[cached.callID] = true
				chunkCh <- llm.StreamChunk{ToolCalls: []llm.ToolCall{{
					ID:   cached.callID,
					Name: cached.name,
					Function: llm.FunctionCall{
						Name:      cached.name,
						Arguments: event.Item.Arguments,
					},
				}}}
			}
		}

		if err := stream.Err(); err != nil {
			chunkCh <- llm.NewErrorChunk(fmt.Errorf("responses stream error: %w", err))
			return
		}

		if lastUsage != nil {
			llm.LogUsage(c.model, lastUsage)
		}
		chunkCh <- llm.StreamChunk{IsFinal: true, FinishReason: llm.StopReasonStop, Usage: lastUsage, ResponseID: responseID}
	}()

	return chunkCh, nil
}

// fullHistoryItems is used only for the first round of a turn (no
// previous_response_id yet); later rounds rely on server-side state.
func fullHistoryItems(messages []llm.Message) []responses.ResponseInputItemUnionParam {
	var items []responses.ResponseInputItemUnionParam
	for _, m := range messages {
		if m.Role == "tool" || m.Role == "system" {
			continue
		}
		role := responses.EasyInputMessageRoleUser
		if m.Role == "assistant" {
			role = responses.EasyInputMessageRoleAssistant
		}
		items = append(items, responses.ResponseInputItemParamOfMessage(m.GetTextContent(), role))
	}
	return items
}

// toolResultItems renders the previous round's tool outcomes as
// function_call_output items, the Responses API's idiomatic shape, plus the
// newest user message (if any) appended at the end.
func toolResultItems(toolResults []llm.ToolResultRecord, messages []llm.Message) []responses.ResponseInputItemUnionParam {
	var items []responses.ResponseInputItemUnionParam
	for _, tr := range toolResults {
		items = append(items, responses.ResponseInputItemParamOfFunctionCallOutput(tr.ToolCallID, tr.Content))
	}
	if len(messages) > 0 {
		last := messages[len(messages)-1]
		if last.Role == "user" {
			items = append(items, responses.ResponseInputItemParamOfMessage(last.GetTextContent(), responses.EasyInputMessageRoleUser))
		}
	}
	return items
}

func convertTools(tools []llm.ToolSchema) []responses.ToolUnionParam {
	var out []responses.ToolUnionParam
	for _, t := range tools {
		out = append(out, responses.ToolParamOfFunction(t.Name, t.InputSchema, false))
	}
	return out
}
