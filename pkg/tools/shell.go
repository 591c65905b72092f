package tools

import (
	"context"
	"runtime"
)

// maxShellOutput bounds the combined stdout/stderr buffer returned to the
// model; output beyond this is truncated rather than grown unbounded.
const maxShellOutput = 10 * 1024 * 1024 // 10 MiB

// CommandRunner is the per-OS shell backend (pkg/tools/os), kept narrow so
// the shell tool itself stays platform-agnostic.
type CommandRunner interface {
	RunCommand(ctx context.Context, command string) (string, error)
}

// ShellTool executes a shell command through the platform worker. The
// policy engine — not this tool — decides whether a command is
// auto-allowed, requires confirmation, or is denied outright; ShellTool
// itself performs no safety filtering.
type ShellTool struct {
	runner CommandRunner
}

func NewShellTool(runner CommandRunner) *ShellTool {
	return &ShellTool{runner: runner}
}

func (t *ShellTool) Name() string { return "shell" }

func (t *ShellTool) Description() string {
	return "Run a shell command on the host (" + runtime.GOOS + ") and return its combined stdout/stderr."
}

func (t *ShellTool) Parameters() map[string]any {
	return map[string]any{
		"command": map[string]any{
			"type":        "string",
			"description": "The command to execute.",
		},
		"timeout_ms": map[string]any{
			"type":        "integer",
			"description": "Optional execution timeout in milliseconds.",
			"optional":    true,
		},
	}
}

func (t *ShellTool) RequiredParameters() []string { return []string{"command"} }

func (t *ShellTool) Execute(ctx context.Context, args map[string]any) (*ToolResult, error) {
	command, _ := args["command"].(string)
	if command == "" {
		return Error("missing required argument 'command'"), nil
	}

	runCtx := ctx
	if ms, ok := args["timeout_ms"].(float64); ok && ms > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = withTimeoutMillis(ctx, ms)
		defer cancel()
	}

	output, err := t.runner.RunCommand(runCtx, command)
	if err != nil {
		if output == "" {
			output = err.Error()
		}
		return Error(truncateOutput(output)), nil
	}
	return Text(truncateOutput(output)), nil
}

func truncateOutput(s string) string {
	if len(s) <= maxShellOutput {
		return s
	}
	return s[:maxShellOutput] + "\n...[truncated]"
}
