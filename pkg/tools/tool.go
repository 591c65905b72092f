// Package tools implements the Tool Registry & Executor component: a
// schema-driven catalog of ctx-aware capabilities the agent orchestrator can
// invoke, plus the built-in tool set (shell, file I/O, skill lookup).
package tools

import (
	"context"
	"openvia/pkg/llm"
)

// Tool is the structural contract every capability the agent can call
// implements. Execute is ctx-aware so tools can honor cancellation; the
// schema methods take no context, and Execute receives nothing beyond ctx
// and the parsed arguments.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]any
	RequiredParameters() []string
	Execute(ctx context.Context, args map[string]any) (*ToolResult, error)
}

// ToolResult is the outcome of a tool execution: ordered content blocks
// (text, images) plus arbitrary technical metadata for audit logging.
type ToolResult struct {
	Content []llm.ContentBlock `json:"content"`
	Details map[string]any     `json:"details,omitempty"`
	IsError bool                `json:"is_error,omitempty"`
}

// Text is a convenience constructor for a single text-block result.
func Text(s string) *ToolResult {
	return &ToolResult{Content: []llm.ContentBlock{llm.NewTextBlock(s)}}
}

// Error is a convenience constructor for a single error-flagged result; it
// is still returned as a value (not a Go error) so the LLM sees it and can
// react, per the tool-result-is-not-the-same-as-execution-failure
// distinction.
func Error(s string) *ToolResult {
	return &ToolResult{Content: []llm.ContentBlock{llm.NewTextBlock(s)}, IsError: true}
}

// Schema projects a Tool's parameter metadata into the wire-facing
// llm.ToolSchema sent to providers.
func Schema(t Tool) llm.ToolSchema {
	return llm.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		InputSchema: buildJSONSchema(t.Parameters(), t.RequiredParameters()),
	}
}

// buildJSONSchema wraps a flat property map into a full JSON Schema object,
// honoring optional/default/nullable markers on each property so marked
// fields never leak into "required". Only each property's own top-level
// keys are inspected; nested schemas are not.
func buildJSONSchema(properties map[string]any, required []string) map[string]any {
	cleanProps := make(map[string]any, len(properties))
	var effectiveRequired []string

	requiredSet := make(map[string]bool, len(required))
	for _, r := range required {
		requiredSet[r] = true
	}

	for name, raw := range properties {
		prop, isRequired := unwrapOptional(raw, requiredSet[name])
		cleanProps[name] = prop
		if isRequired {
			effectiveRequired = append(effectiveRequired, name)
		}
	}

	schema := map[string]any{
		"type":       "object",
		"properties": cleanProps,
	}
	if len(effectiveRequired) > 0 {
		schema["required"] = effectiveRequired
	}
	return schema
}

// unwrapOptional reads the "optional"/"default"/"nullable" marker keys a
// property definition may carry (a convention tools use to mark a field as
// non-required without duplicating it in a separate required list). Any of
// these markers (optional/nullable only when true) flips the field to
// non-required regardless of the caller's initial required-set membership.
// The "optional" key is dropped from the emitted property; "default" and a
// true "nullable" are kept.
func unwrapOptional(raw any, initiallyRequired bool) (any, bool) {
	m, ok := raw.(map[string]any)
	if !ok {
		return raw, initiallyRequired
	}

	required := initiallyRequired
	cleaned := make(map[string]any, len(m))
	for k, v := range m {
		switch k {
		case "optional":
			if b, ok := v.(bool); ok && b {
				required = false
			}
		case "nullable":
			if b, ok := v.(bool); ok && b {
				required = false
				cleaned[k] = v
			}
		case "default":
			required = false
			cleaned[k] = v
		default:
			cleaned[k] = v
		}
	}
	return cleaned, required
}
