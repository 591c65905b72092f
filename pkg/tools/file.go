package tools

import (
	"context"
	"fmt"
	"os"
	"strings"
)

const maxFileSize = 10 * 1024 * 1024 // 10 MiB, per the file-tool size cap

// ReadFileTool reads a UTF-8 text file from disk, bounded by maxFileSize.
type ReadFileTool struct{}

func NewReadFileTool() *ReadFileTool { return &ReadFileTool{} }

func (t *ReadFileTool) Name() string        { return "read_file" }
func (t *ReadFileTool) Description() string { return "Read the contents of a text file from disk." }
func (t *ReadFileTool) Parameters() map[string]any {
	return map[string]any{
		"path": map[string]any{"type": "string", "description": "Path to the file to read."},
	}
}
func (t *ReadFileTool) RequiredParameters() []string { return []string{"path"} }

func (t *ReadFileTool) Execute(ctx context.Context, args map[string]any) (*ToolResult, error) {
	path, _ := args["path"].(string)
	if path == "" {
		return Error("missing required argument 'path'"), nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return Error(fmt.Sprintf("cannot stat %s: %v", path, err)), nil
	}
	if info.Size() > maxFileSize {
		return Error(fmt.Sprintf("%s is %d bytes, exceeds the %d byte limit", path, info.Size(), maxFileSize)), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Error(fmt.Sprintf("cannot read %s: %v", path, err)), nil
	}
	return Text(string(data)), nil
}

// WriteFileTool writes (overwriting) a UTF-8 text file to disk, bounded by
// maxFileSize.
type WriteFileTool struct{}

func NewWriteFileTool() *WriteFileTool { return &WriteFileTool{} }

func (t *WriteFileTool) Name() string        { return "write_file" }
func (t *WriteFileTool) Description() string { return "Write text content to a file, overwriting it if it exists." }
func (t *WriteFileTool) Parameters() map[string]any {
	return map[string]any{
		"path":    map[string]any{"type": "string", "description": "Path to the file to write."},
		"content": map[string]any{"type": "string", "description": "Text content to write."},
	}
}
func (t *WriteFileTool) RequiredParameters() []string { return []string{"path", "content"} }

func (t *WriteFileTool) Execute(ctx context.Context, args map[string]any) (*ToolResult, error) {
	path, _ := args["path"].(string)
	content, _ := args["content"].(string)
	if path == "" {
		return Error("missing required argument 'path'"), nil
	}
	if len(content) > maxFileSize {
		return Error(fmt.Sprintf("content is %d bytes, exceeds the %d byte limit", len(content), maxFileSize)), nil
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return Error(fmt.Sprintf("cannot write %s: %v", path, err)), nil
	}
	return Text(fmt.Sprintf("wrote %d bytes to %s", len(content), path)), nil
}

// EditFileTool performs a single exact string replacement within a file,
// mirroring the find/replace contract an interactive editor tool needs.
type EditFileTool struct{}

func NewEditFileTool() *EditFileTool { return &EditFileTool{} }

func (t *EditFileTool) Name() string        { return "edit_file" }
func (t *EditFileTool) Description() string { return "Replace an exact substring within a file." }
func (t *EditFileTool) Parameters() map[string]any {
	return map[string]any{
		"path":       map[string]any{"type": "string", "description": "Path to the file to edit."},
		"old_string": map[string]any{"type": "string", "description": "Exact text to find (must be unique in the file)."},
		"new_string": map[string]any{"type": "string", "description": "Replacement text."},
	}
}
func (t *EditFileTool) RequiredParameters() []string { return []string{"path", "old_string", "new_string"} }

func (t *EditFileTool) Execute(ctx context.Context, args map[string]any) (*ToolResult, error) {
	path, _ := args["path"].(string)
	oldString, _ := args["old_string"].(string)
	newString, _ := args["new_string"].(string)
	if path == "" || oldString == "" {
		return Error("missing required argument"), nil
	}

	info, err := os.Stat(path)
	if err != nil {
		return Error(fmt.Sprintf("cannot stat %s: %v", path, err)), nil
	}
	if info.Size() > maxFileSize {
		return Error(fmt.Sprintf("%s exceeds the %d byte limit", path, maxFileSize)), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Error(fmt.Sprintf("cannot read %s: %v", path, err)), nil
	}
	content := string(data)

	count := strings.Count(content, oldString)
	if count == 0 {
		return Error("old_string not found in file"), nil
	}
	if count > 1 {
		return Error(fmt.Sprintf("old_string is not unique in file (%d occurrences)", count)), nil
	}

	updated := strings.Replace(content, oldString, newString, 1)
	if err := os.WriteFile(path, []byte(updated), info.Mode()); err != nil {
		return Error(fmt.Sprintf("cannot write %s: %v", path, err)), nil
	}
	return Text(fmt.Sprintf("edited %s", path)), nil
}
