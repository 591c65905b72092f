package llm

import (
	"context"
	"fmt"
	"log/slog"
	"openvia/pkg/config"
	"os"
	"path/filepath"
	"time"
)

// debugDirContextKey is an unexported type so context values set with it
// can't collide with keys from other packages.
type debugDirContextKey struct{}

// DebugDirContextKey is the context key agent.Handler sets to group all
// of one turn's provider debug logs into a single directory.
var DebugDirContextKey = debugDirContextKey{}

// StreamDebugger writes raw provider stream bytes to disk when debug
// logging is enabled, nesting under the turn's debug id if present.
type StreamDebugger struct {
	file     *os.File
	debugDir string
	filename string
	enabled  bool
}

// NewStreamDebugger opens a debug log file for one provider round and
// writes its round-start marker. No-op if debugging is disabled in config.
func NewStreamDebugger(ctx context.Context, provider string, cfg *config.SystemConfig) *StreamDebugger {
	if cfg == nil || !cfg.DebugChunks {
		return &StreamDebugger{enabled: false}
	}

	debugDir := filepath.Join("debug", "chunks", provider)
	if val := ctx.Value(DebugDirContextKey); val != nil {
		if dirStr, ok := val.(string); ok && dirStr != "" {
			debugDir = filepath.Join("debug", "chunks", dirStr, provider)
		}
	}

	d := &StreamDebugger{
		debugDir: debugDir,
		filename: filepath.Join(debugDir, "chat.log"),
		enabled:  true,
	}
	d.WriteString(fmt.Sprintf("\n--- ROUND START: %s ---\n", time.Now().Format("2006-01-02 15:04:05")))
	return d
}

func (d *StreamDebugger) ensureFileOpened() error {
	if !d.enabled || d.file != nil {
		return nil
	}
	if err := os.MkdirAll(d.debugDir, 0755); err != nil {
		slog.Error("failed to create debug directory", "dir", d.debugDir, "error", err)
		d.enabled = false
		return err
	}
	f, err := os.OpenFile(d.filename, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		slog.Error("failed to open debug file", "file", d.filename, "error", err)
		d.enabled = false
		return err
	}
	d.file = f
	return nil
}

func (d *StreamDebugger) Write(data []byte) {
	if !d.enabled {
		return
	}
	if err := d.ensureFileOpened(); err != nil || d.file == nil {
		return
	}
	if _, err := d.file.Write(data); err != nil {
		slog.Warn("failed to write debug file", "error", err)
	}
	d.file.WriteString("\n")
}

func (d *StreamDebugger) WriteString(s string) {
	if !d.enabled {
		return
	}
	if err := d.ensureFileOpened(); err != nil || d.file == nil {
		return
	}
	if _, err := d.file.WriteString(s); err != nil {
		slog.Warn("failed to write debug file", "error", err)
	}
	d.file.WriteString("\n")
}

func (d *StreamDebugger) Close() {
	if d.file != nil {
		d.file.Close()
		d.file = nil
	}
}
