package llm

import (
	"encoding/base64"
	"os"
	"time"
)

// Message is one turn in a conversation. Role is one of "user", "assistant",
// "system", or "tool". Content holds the ordered content blocks; ToolCalls
// is populated only on assistant messages that requested tool execution;
// ToolCallID/Name correlate a tool-role message back to the call it answers.
type Message struct {
	Role      string         `json:"role"`
	Content   []ContentBlock `json:"content"`
	Timestamp int64          `json:"timestamp,omitempty"`

	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolName   string     `json:"tool_name,omitempty"`
}

// ToolCall is a single tool invocation requested by the model.
type ToolCall struct {
	ID       string       `json:"id"`
	Name     string       `json:"name"`
	Function FunctionCall `json:"function"`

	// Meta carries provider-specific round-trip data (e.g. Gemini's
	// thoughtSignature). Never serialized; consumed only by the adapter
	// that produced it.
	Meta map[string]any `json:"-"`
}

// FunctionCall holds the raw, unparsed JSON arguments string for a ToolCall.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ContentBlock is one piece of message content: text, thinking (reasoning),
// an image, or an error surfaced to the user.
type ContentBlock struct {
	Type string `json:"type"`

	Text string `json:"text,omitempty"`

	Image *ImageSource `json:"image,omitempty"`
}

// ImageSource describes where image bytes come from: inline base64, a
// remote URL, or a path on local disk (lazily loaded via LoadData).
type ImageSource struct {
	Type      string `json:"type"` // "base64" | "url" | "file"
	MediaType string `json:"media_type"`
	Data      []byte `json:"-"`
	URL       string `json:"url,omitempty"`
	Path      string `json:"path,omitempty"`
}

// LoadData returns the raw bytes for the image, reading from disk on first
// use for file-backed sources.
func (is *ImageSource) LoadData() ([]byte, error) {
	if len(is.Data) > 0 {
		return is.Data, nil
	}
	if is.Type == "file" && is.Path != "" {
		data, err := os.ReadFile(is.Path)
		if err != nil {
			return nil, err
		}
		is.Data = data
		return data, nil
	}
	return is.Data, nil
}

// MarshalJSON renders inline image bytes as base64; file/url sources keep
// their pointer instead of embedding bytes.
func (is *ImageSource) MarshalJSON() ([]byte, error) {
	type wire struct {
		Type      string `json:"type"`
		MediaType string `json:"media_type"`
		Data      string `json:"data,omitempty"`
		URL       string `json:"url,omitempty"`
		Path      string `json:"path,omitempty"`
	}
	w := wire{Type: is.Type, MediaType: is.MediaType, URL: is.URL, Path: is.Path}
	if is.Type == "base64" && len(is.Data) > 0 {
		w.Data = base64.StdEncoding.EncodeToString(is.Data)
	}
	return json.Marshal(w)
}

// UnmarshalJSON reverses MarshalJSON, decoding base64 payloads back to bytes.
func (is *ImageSource) UnmarshalJSON(data []byte) error {
	var w struct {
		Type      string `json:"type"`
		MediaType string `json:"media_type"`
		Data      string `json:"data,omitempty"`
		URL       string `json:"url,omitempty"`
		Path      string `json:"path,omitempty"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	is.Type, is.MediaType, is.URL, is.Path = w.Type, w.MediaType, w.URL, w.Path
	if w.Data != "" {
		decoded, err := base64.StdEncoding.DecodeString(w.Data)
		if err != nil {
			return err
		}
		is.Data = decoded
	}
	return nil
}

// StreamChunk is one incremental fragment of a streaming LLM response.
type StreamChunk struct {
	ContentBlocks []ContentBlock `json:"content_blocks,omitempty"`
	ToolCalls     []ToolCall     `json:"tool_calls,omitempty"`
	IsFinal       bool           `json:"is_final"`
	FinishReason  string         `json:"finish_reason,omitempty"`
	Usage         *LLMUsage      `json:"usage,omitempty"`
	ResponseID    string         `json:"response_id,omitempty"`
	Error         string         `json:"error,omitempty"`
	RawError      error          `json:"-"`
}

// ToolSchema is the wire-facing projection of a tool registration, sent to
// the provider so the model knows what it can call.
type ToolSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// ToolResultRecord is what the orchestrator hands the adapter for the
// *previous* round's tool outcomes, so the adapter can render them in the
// provider's idiomatic tool-response shape (role=tool, function_call_output
// items, or paired model/user functionResponse turns).
type ToolResultRecord struct {
	ToolCallID string
	ToolName   string
	ToolArgs   string
	ToolMeta   map[string]any
	Content    string
	IsError    bool
}

func NewTextMessage(role, text string) Message {
	return Message{Role: role, Content: []ContentBlock{NewTextBlock(text)}, Timestamp: time.Now().Unix()}
}

func NewSystemMessage(text string) Message    { return NewTextMessage("system", text) }
func NewUserMessage(text string) Message      { return NewTextMessage("user", text) }
func NewAssistantMessage(text string) Message { return NewTextMessage("assistant", text) }

func (m *Message) GetTextContent() string {
	var out string
	for _, b := range m.Content {
		if b.Type == BlockTypeText {
			out += b.Text
		}
	}
	return out
}

func (m *Message) HasImages() bool {
	for _, b := range m.Content {
		if b.Type == BlockTypeImage {
			return true
		}
	}
	return false
}

func NewTextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockTypeText, Text: text}
}

func NewThinkingBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockTypeThinking, Text: text}
}

func NewErrorBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockTypeError, Text: text}
}

func NewImageBlock(data []byte, mimeType string) ContentBlock {
	return ContentBlock{Type: BlockTypeImage, Image: &ImageSource{Type: "base64", MediaType: mimeType, Data: data}}
}

func NewImageBlockFromURL(url, mimeType string) ContentBlock {
	return ContentBlock{Type: BlockTypeImage, Image: &ImageSource{Type: "url", MediaType: mimeType, URL: url}}
}

func NewImageBlockFromPath(path, mimeType string) ContentBlock {
	return ContentBlock{Type: BlockTypeImage, Image: &ImageSource{Type: "file", MediaType: mimeType, Path: path}}
}

func NewTextChunk(text string) StreamChunk {
	return StreamChunk{ContentBlocks: []ContentBlock{NewTextBlock(text)}}
}

func NewThinkingChunk(text string) StreamChunk {
	return StreamChunk{ContentBlocks: []ContentBlock{NewThinkingBlock(text)}}
}

func NewFinalChunk(reason string, usage *LLMUsage) StreamChunk {
	return StreamChunk{IsFinal: true, FinishReason: reason, Usage: usage}
}

func NewErrorChunk(err error) StreamChunk {
	return StreamChunk{IsFinal: true, Error: err.Error(), RawError: err}
}
