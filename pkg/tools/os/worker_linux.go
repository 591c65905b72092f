//go:build linux

package os

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
)

// Worker runs shell commands and takes screenshots on Linux, tracking the
// working directory across calls so a `cd` in one command affects the next.
type Worker struct {
	workingDir string
}

func NewWorker() *Worker {
	cwd, _ := os.Getwd()
	return &Worker{workingDir: cwd}
}

func (w *Worker) RunCommand(ctx context.Context, cmdStr string) (string, error) {
	slog.InfoContext(ctx, "executing command", "dir", w.workingDir, "command", cmdStr)

	fullCmd := fmt.Sprintf("cd %q && %s && pwd", w.workingDir, cmdStr)
	cmd := exec.CommandContext(ctx, "/bin/bash", "-c", fullCmd)
	outputBytes, err := cmd.CombinedOutput()
	output := string(outputBytes)
	if err != nil {
		return output, err
	}

	lines := strings.Split(strings.TrimSpace(output), "\n")
	if len(lines) > 0 {
		possibleCwd := lines[len(lines)-1]
		if info, statErr := os.Stat(possibleCwd); statErr == nil && info.IsDir() {
			w.workingDir = possibleCwd
			output = strings.Join(lines[:len(lines)-1], "\n")
		}
	}
	return output, nil
}

func (w *Worker) Screenshot(ctx context.Context) (string, error) {
	tempFile := "/tmp/openvia-screenshot.png"
	cmd := exec.CommandContext(ctx, "gnome-screenshot", "-f", tempFile)
	if err := cmd.Run(); err != nil {
		slog.WarnContext(ctx, "gnome-screenshot failed, trying scrot", "error", err)
		cmd = exec.CommandContext(ctx, "scrot", tempFile)
		if err := cmd.Run(); err != nil {
			return "", fmt.Errorf("screenshot failed (tried gnome-screenshot and scrot): %w", err)
		}
	}
	defer os.Remove(tempFile)

	data, err := os.ReadFile(tempFile)
	if err != nil {
		return "", fmt.Errorf("failed to read screenshot file: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}
