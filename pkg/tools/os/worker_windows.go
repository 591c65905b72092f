//go:build windows

package os

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"strings"
)

// Worker runs shell commands and takes screenshots on Windows, tracking the
// working directory across calls via PowerShell's CurrentLocation.
type Worker struct {
	workingDir string
}

func NewWorker() *Worker {
	cwd, _ := os.Getwd()
	return &Worker{workingDir: cwd}
}

func (w *Worker) RunCommand(ctx context.Context, cmdStr string) (string, error) {
	re := regexp.MustCompile(`%([^%]+)%`)
	expandedCmd := re.ReplaceAllString(cmdStr, `$env:$1`)

	utf8Cmd := "[Console]::OutputEncoding = [System.Text.Encoding]::UTF8; $OutputEncoding = [System.Text.Encoding]::UTF8; " + expandedCmd
	fullCmd := fmt.Sprintf("%s; $ExecutionContext.SessionState.Path.CurrentLocation.Path", utf8Cmd)

	slog.InfoContext(ctx, "executing command", "dir", w.workingDir, "command", fullCmd)

	cmd := exec.CommandContext(ctx, "powershell", "-Command", fullCmd)
	cmd.Dir = w.workingDir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()

	output := out.String()
	lines := strings.Split(strings.TrimSpace(output), "\n")
	if len(lines) > 0 {
		newCwd := strings.TrimSpace(lines[len(lines)-1])
		if info, statErr := os.Stat(newCwd); statErr == nil && info.IsDir() {
			w.workingDir = newCwd
			output = strings.Join(lines[:len(lines)-1], "\n")
			if strings.TrimSpace(output) == "" {
				output = fmt.Sprintf("Current directory: %s", w.workingDir)
			}
		}
	}
	return output, err
}

func (w *Worker) Screenshot(ctx context.Context) (string, error) {
	tempFile := "temp_screenshot.png"
	psScript := fmt.Sprintf(`
Add-Type -AssemblyName System.Windows.Forms
Add-Type -AssemblyName System.Drawing
$Screen = [System.Windows.Forms.Screen]::PrimaryScreen
$Width = $Screen.Bounds.Width
$Height = $Screen.Bounds.Height
$Left = $Screen.Bounds.Left
$Top = $Screen.Bounds.Top
$Bitmap = New-Object System.Drawing.Bitmap($Width, $Height)
$Graphics = [System.Drawing.Graphics]::FromImage($Bitmap)
$Graphics.CopyFromScreen($Left, $Top, 0, 0, $Bitmap.Size)
$Bitmap.Save('%s', [System.Drawing.Imaging.ImageFormat]::Png)
$Graphics.Dispose()
$Bitmap.Dispose()
`, tempFile)

	if _, err := w.RunCommand(ctx, psScript); err != nil {
		return "", fmt.Errorf("failed to take screenshot via powershell: %w", err)
	}
	defer os.Remove(tempFile)

	data, err := os.ReadFile(tempFile)
	if err != nil {
		return "", fmt.Errorf("failed to read screenshot file: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}
