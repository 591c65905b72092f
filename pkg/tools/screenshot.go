package tools

import (
	"context"
	"encoding/base64"
	"openvia/pkg/llm"
)

// ScreenshotCapturer is the per-OS screenshot backend.
type ScreenshotCapturer interface {
	Screenshot(ctx context.Context) (string, error) // base64-encoded PNG
}

// ScreenshotTool captures the host's primary display via the platform
// os-control worker, adapted here as a standalone tool rather than routed
// through an action-dispatch controller.
type ScreenshotTool struct {
	capturer ScreenshotCapturer
}

func NewScreenshotTool(capturer ScreenshotCapturer) *ScreenshotTool {
	return &ScreenshotTool{capturer: capturer}
}

func (t *ScreenshotTool) Name() string        { return "screenshot" }
func (t *ScreenshotTool) Description() string { return "Capture a screenshot of the host's primary display." }
func (t *ScreenshotTool) Parameters() map[string]any { return map[string]any{} }
func (t *ScreenshotTool) RequiredParameters() []string { return nil }

func (t *ScreenshotTool) Execute(ctx context.Context, args map[string]any) (*ToolResult, error) {
	b64, err := t.capturer.Screenshot(ctx)
	if err != nil {
		return Error(err.Error()), nil
	}
	data, decodeErr := base64.StdEncoding.DecodeString(b64)
	if decodeErr != nil {
		return Error("failed to decode screenshot data: " + decodeErr.Error()), nil
	}
	return &ToolResult{Content: []llm.ContentBlock{llm.NewImageBlock(data, "image/png")}}, nil
}
