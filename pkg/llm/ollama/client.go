package ollama

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"openvia/pkg/llm"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/ollama/ollama/api"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Client wraps the ollama/ollama API client and implements llm.Client for
// locally-hosted models. Tool schemas are round-tripped through JSON to
// dodge SDK type incompatibilities between llm.ToolSchema and api.Tool.
type Client struct {
	client  *api.Client
	model   string
	options map[string]any
}

func NewClient(model string, baseURL string, options map[string]any) (*Client, error) {
	var apiClient *api.Client
	var err error

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: 0,
	}
	httpClient := &http.Client{Transport: transport, Timeout: 0}

	if baseURL != "" {
		u, err := url.Parse(baseURL)
		if err != nil {
			return nil, fmt.Errorf("invalid base URL: %w", err)
		}
		apiClient = api.NewClient(u, httpClient)
	} else {
		apiClient, err = api.ClientFromEnvironment()
		if err != nil {
			return nil, err
		}
	}

	slog.Info("ollama client initialized", "model", model, "base_url", baseURL)
	return &Client{client: apiClient, model: model, options: options}, nil
}

func (o *Client) Provider() string { return "ollama" }

func (o *Client) MaxContextTokens() int {
	if n, ok := o.options["num_ctx"].(float64); ok && n > 0 {
		return int(n)
	}
	return 8192
}

func (o *Client) StreamChat(ctx context.Context, messages []llm.Message, tools []llm.ToolSchema, toolResults []llm.ToolResultRecord, systemPrompt string, previousResponseID string) (<-chan llm.StreamChunk, error) {
	apiMessages := o.convertMessages(messages, systemPrompt)

	chunkCh := make(chan llm.StreamChunk, 100)
	startResultCh := make(chan error)

	go func() {
		defer close(chunkCh)

		var ollamaTools []api.Tool
		if len(tools) > 0 {
			rawB, err := json.Marshal(tools)
			if err != nil {
				slog.Error("failed to marshal tools", "error", err)
			} else if err := json.Unmarshal(rawB, &ollamaTools); err != nil {
				slog.Error("failed to unmarshal to api.Tool", "error", err)
			}
		}

		streamVal := true
		req := &api.ChatRequest{
			Model:    o.model,
			Messages: apiMessages,
			Options:  o.options,
			Tools:    ollamaTools,
			Stream:   &streamVal,
		}

		started := false
		var thoughtsCount int

		err := o.client.Chat(ctx, req, func(resp api.ChatResponse) error {
			if !started {
				started = true
				select {
				case startResultCh <- nil:
				default:
				}
			}

			if resp.Message.Thinking != "" {
				thoughtsCount++
				chunkCh <- llm.NewThinkingChunk(resp.Message.Thinking)
			}

			if resp.Message.Content != "" {
				chunkCh <- llm.NewTextChunk(resp.Message.Content)
			}

			if len(resp.Message.ToolCalls) > 0 {
				var toolCalls []llm.ToolCall
				for _, tc := range resp.Message.ToolCalls {
					argsB, _ := json.Marshal(tc.Function.Arguments)
					toolCalls = append(toolCalls, llm.ToolCall{
						ID:   tc.ID,
						Name: tc.Function.Name,
						Function: llm.FunctionCall{
							Name:      tc.Function.Name,
							Arguments: string(argsB),
						},
					})
				}
				chunkCh <- llm.StreamChunk{ToolCalls: toolCalls}
			}

			if resp.Done {
				usage := &llm.LLMUsage{
					PromptTokens:     resp.PromptEvalCount,
					CompletionTokens: resp.EvalCount,
					TotalTokens:      resp.PromptEvalCount + resp.EvalCount,
					ThoughtsTokens:   thoughtsCount,
					StopReason:       resp.DoneReason,
				}
				chunkCh <- llm.NewFinalChunk(resp.DoneReason, usage)
				llm.LogUsage(o.model, usage)
				if resp.DoneReason == "length" {
					slog.Warn("response truncated by num_predict", "model", o.model, "num_predict", o.options["num_predict"])
				}
			}

			return nil
		})

		if err != nil {
			slog.Error("ollama stream error", "model", o.model, "error", err)
			if !started {
				select {
				case startResultCh <- err:
				default:
					chunkCh <- llm.NewErrorChunk(fmt.Errorf("loading model %s: %w", o.model, err))
				}
			}
		} else if !started {
			select {
			case startResultCh <- nil:
			default:
			}
		}
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

// convertMessages renders unified history to Ollama's flat message list.
// Thinking blocks fold into content since Ollama's own Thinking field is
// populated only on responses, not on replayed history.
func (o *Client) convertMessages(messages []llm.Message, systemPrompt string) []api.Message {
	var ollamaMsgs []api.Message

	if systemPrompt != "" {
		ollamaMsgs = append(ollamaMsgs, api.Message{Role: "system", Content: systemPrompt})
	}

	for _, m := range messages {
		var content strings.Builder
		var images []api.ImageData

		for _, block := range m.Content {
			switch block.Type {
			case llm.BlockTypeText, llm.BlockTypeThinking:
				content.WriteString(block.Text)
			case llm.BlockTypeImage:
				if block.Image != nil {
					data, err := block.Image.LoadData()
					if err == nil && len(data) > 0 {
						images = append(images, data)
					}
				}
			}
		}

		msg := api.Message{Role: m.Role, Content: content.String()}

		if m.Role == "assistant" && len(m.ToolCalls) > 0 {
			var ollamaToolCalls []api.ToolCall
			for _, tc := range m.ToolCalls {
				var args map[string]any
				json.Unmarshal([]byte(tc.Function.Arguments), &args)
				argBytes, _ := json.Marshal(args)
				var apiArgs api.ToolCallFunctionArguments
				_ = json.Unmarshal(argBytes, &apiArgs)
				ollamaToolCalls = append(ollamaToolCalls, api.ToolCall{
					ID: tc.ID,
					Function: api.ToolCallFunction{
						Name:      tc.Function.Name,
						Arguments: apiArgs,
					},
				})
			}
			msg.ToolCalls = ollamaToolCalls
		}

		if m.Role == "tool" {
			msg.ToolCallID = m.ToolCallID
		}

		if len(images) > 0 {
			msg.Images = images
		}

		ollamaMsgs = append(ollamaMsgs, msg)
	}

	return ollamaMsgs
}

func (o *Client) IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	errMsg := strings.ToLower(err.Error())
	return strings.Contains(errMsg, "connection refused") ||
		strings.Contains(errMsg, "connection reset") ||
		strings.Contains(errMsg, "overloaded")
}
