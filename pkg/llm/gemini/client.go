package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"openvia/pkg/config"
	"openvia/pkg/llm"
	"strings"

	"google.golang.org/genai"
)

// Client wraps the Google genai SDK and implements llm.Client for the
// Gemini wire variant: functionResponse turns paired into the history as
// role="user" content, and an optional thoughtSignature round-trip carried
// in ToolCall.Meta so multi-turn tool use survives across rounds.
type Client struct {
	client     *genai.Client
	model      string
	useThought bool
	sysConfig  *config.SystemConfig
	options    map[string]any
}

func NewClient(apiKey, model string, useThought bool, options map[string]any, sys *config.SystemConfig) (*Client, error) {
	ctx := context.Background()
	c, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &Client{client: c, model: model, useThought: useThought, options: options, sysConfig: sys}, nil
}

func (g *Client) Provider() string { return "gemini" }

func (g *Client) MaxContextTokens() int {
	if strings.Contains(g.model, "1.5-pro") || strings.Contains(g.model, "2.5-pro") {
		return 2_000_000
	}
	return 1_000_000
}

func formatModality(details []*genai.ModalityTokenCount) string {
	if len(details) == 0 {
		return "0"
	}
	var res []string
	for _, d := range details {
		res = append(res, fmt.Sprintf("%v: %d", d.Modality, d.TokenCount))
	}
	return strings.Join(res, " | ")
}

func (g *Client) StreamChat(ctx context.Context, messages []llm.Message, tools []llm.ToolSchema, toolResults []llm.ToolResultRecord, systemPrompt string, previousResponseID string) (<-chan llm.StreamChunk, error) {
	apiMessages, systemInstruction := g.convertMessages(messages, systemPrompt)

	var genaiTools []*genai.Tool
	if len(tools) > 0 {
		var fds []*genai.FunctionDeclaration
		for _, t := range tools {
			fd := &genai.FunctionDeclaration{Name: t.Name, Description: t.Description}
			if t.InputSchema != nil {
				schemaB, _ := json.Marshal(t.InputSchema)
				var schema genai.Schema
				if err := json.Unmarshal(schemaB, &schema); err == nil {
					fd.Parameters = &schema
				}
			}
			fds = append(fds, fd)
		}
		genaiTools = append(genaiTools, &genai.Tool{FunctionDeclarations: fds})
	}

	chunkCh := make(chan llm.StreamChunk, 100)
	startResultCh := make(chan error, 1)

	slog.InfoContext(ctx, "streaming", "provider", g.Provider(), "model", g.model)

	go func() {
		defer close(chunkCh)

		var thinkingCfg *genai.ThinkingConfig
		if g.useThought {
			thinkingCfg = &genai.ThinkingConfig{IncludeThoughts: true}
		}

		genConfig := &genai.GenerateContentConfig{
			SystemInstruction: systemInstruction,
			Tools:             genaiTools,
			ThinkingConfig:    thinkingCfg,
		}
		if t, ok := g.options["temperature"].(float64); ok {
			t32 := float32(t)
			genConfig.Temperature = &t32
		}
		if p, ok := g.options["top_p"].(float64); ok {
			p32 := float32(p)
			genConfig.TopP = &p32
		}
		if maxTok, ok := g.options["max_tokens"].(float64); ok {
			genConfig.MaxOutputTokens = int32(maxTok)
		}

		iter := g.client.Models.GenerateContentStream(ctx, g.model, apiMessages, genConfig)

		started := false
		var lastUsage *llm.LLMUsage

		debugger := llm.NewStreamDebugger(ctx, g.Provider(), g.sysConfig)
		defer debugger.Close()

		for resp, err := range iter {
			if resp != nil {
				jsonData, _ := json.Marshal(resp)
				debugger.Write(jsonData)
			}

			if err != nil {
				if resp == nil {
					slog.ErrorContext(ctx, "stream error", "provider", g.Provider(), "error", err)
					if !started {
						startResultCh <- err
					} else {
						chunkCh <- llm.NewErrorChunk(fmt.Errorf("stream interrupted: %w", err))
					}
					return
				}
				slog.WarnContext(ctx, "stream error with data", "provider", g.Provider(), "error", err)
			}

			if !started {
				started = true
				startResultCh <- nil
			}

			if resp.UsageMetadata != nil {
				u := resp.UsageMetadata
				lastUsage = &llm.LLMUsage{
					PromptTokens:     int(u.PromptTokenCount),
					CompletionTokens: int(u.CandidatesTokenCount),
					TotalTokens:      int(u.TotalTokenCount),
					ThoughtsTokens:   int(u.ThoughtsTokenCount),
					CachedTokens:     int(u.CachedContentTokenCount),
				}
			}

			for _, candidate := range resp.Candidates {
				if candidate.FinishReason != "" && lastUsage != nil {
					lastUsage.StopReason = normalizeStopReason(string(candidate.FinishReason))
				}
				if candidate.Content == nil {
					continue
				}

				var blocks []llm.ContentBlock
				var toolCalls []llm.ToolCall

				for _, part := range candidate.Content.Parts {
					if part.Text != "" {
						if part.Thought {
							blocks = append(blocks, llm.NewThinkingBlock(part.Text))
						} else {
							blocks = append(blocks, llm.NewTextBlock(part.Text))
						}
					}

					if part.FunctionCall != nil {
						argsB, _ := json.Marshal(part.FunctionCall.Args)
						toolCalls = append(toolCalls, llm.ToolCall{
							Name: part.FunctionCall.Name,
							Function: llm.FunctionCall{
								Name:      part.FunctionCall.Name,
								Arguments: string(argsB),
							},
							Meta: map[string]any{
								"gemini_function_call":     part.FunctionCall,
								"gemini_thought_signature": part.ThoughtSignature,
							},
						})
						slog.DebugContext(ctx, "tool call", "provider", g.Provider(), "name", part.FunctionCall.Name)
					}
				}

				if len(blocks) > 0 || len(toolCalls) > 0 {
					chunkCh <- llm.StreamChunk{ContentBlocks: blocks, ToolCalls: toolCalls}
				}
			}
		}

		reason := llm.StopReasonStop
		if lastUsage != nil {
			reason = lastUsage.StopReason
			llm.LogUsage(g.model, lastUsage)
		}
		chunkCh <- llm.NewFinalChunk(reason, lastUsage)
	}()

	select {
	case err := <-startResultCh:
		if err != nil {
			return nil, err
		}
		return chunkCh, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// convertMessages renders unified history to genai Content. Tool round-trips
// already live in messages as assistant(ToolCalls) / tool(ToolCallID) pairs,
// so a single pass covers every round without consulting toolResults
// directly; thoughtSignature continuity comes from ToolCall.Meta, which the
// orchestrator preserves verbatim across rounds within a turn.
func (g *Client) convertMessages(messages []llm.Message, systemPrompt string) ([]*genai.Content, *genai.Content) {
	var genaiContents []*genai.Content
	var systemInstruction *genai.Content
	if systemPrompt != "" {
		systemInstruction = &genai.Content{Parts: []*genai.Part{{Text: systemPrompt}}}
	}

	for _, msg := range messages {
		if msg.Role == "system" {
			if systemInstruction == nil {
				systemInstruction = &genai.Content{}
			}
			for _, block := range msg.Content {
				if block.Type == llm.BlockTypeText && block.Text != "" {
					systemInstruction.Parts = append(systemInstruction.Parts, &genai.Part{Text: block.Text})
				}
			}
			continue
		}

		if msg.Role == "tool" {
			genaiContents = append(genaiContents, &genai.Content{
				Role: "user",
				Parts: []*genai.Part{{
					FunctionResponse: &genai.FunctionResponse{
						Name:     msg.ToolName,
						Response: map[string]any{"result": msg.GetTextContent()},
					},
				}},
			})
			continue
		}

		role := "user"
		if msg.Role == "assistant" {
			role = "model"
		}

		var parts []*genai.Part
		for _, block := range msg.Content {
			switch block.Type {
			case llm.BlockTypeText:
				if block.Text != "" {
					parts = append(parts, &genai.Part{Text: block.Text})
				}
			case llm.BlockTypeThinking:
				if block.Text != "" {
					parts = append(parts, &genai.Part{Text: block.Text, Thought: true})
				}
			case llm.BlockTypeImage:
				if block.Image != nil {
					data, err := block.Image.LoadData()
					if err != nil {
						slog.Error("failed to read image", "path", block.Image.Path, "error", err)
						continue
					}
					if len(data) > 0 {
						parts = append(parts, &genai.Part{InlineData: &genai.Blob{MIMEType: block.Image.MediaType, Data: data}})
					}
				}
			}
		}

		if len(msg.ToolCalls) > 0 {
			for _, tc := range msg.ToolCalls {
				if tc.Meta != nil {
					if fc, ok := tc.Meta["gemini_function_call"].(*genai.FunctionCall); ok {
						sig, _ := tc.Meta["gemini_thought_signature"].([]byte)
						parts = append(parts, &genai.Part{FunctionCall: fc, ThoughtSignature: sig})
						continue
					}
				}
				var args map[string]any
				json.Unmarshal([]byte(tc.Function.Arguments), &args)
				parts = append(parts, &genai.Part{FunctionCall: &genai.FunctionCall{Name: tc.Function.Name, Args: args}})
			}
		}

		if len(parts) > 0 {
			genaiContents = append(genaiContents, &genai.Content{Role: role, Parts: parts})
		}
	}

	return genaiContents, systemInstruction
}

func normalizeStopReason(reason string) string {
	switch strings.ToUpper(reason) {
	case "STOP", "FINISH_REASON_STOP":
		return llm.StopReasonStop
	case "MAX_TOKENS", "FINISH_REASON_MAX_TOKENS":
		return llm.StopReasonLength
	default:
		return strings.ToLower(reason)
	}
}

func (g *Client) IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	errMsg := strings.ToLower(err.Error())
	for _, needle := range []string{"503", "overloaded", "429", "resource exhausted", "500", "internal error", "timeout", "connection refused", "context deadline exceeded"} {
		if strings.Contains(errMsg, needle) {
			return true
		}
	}
	return false
}
