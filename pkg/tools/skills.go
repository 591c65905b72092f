package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ListSkillsTool and ReadSkillTool treat a configured directory as the sole
// source of truth for skills, reading it fresh on every call. No caching
// layer is introduced — skills are an external collaborator whose loading
// strategy is out of scope for this gateway.
type ListSkillsTool struct {
	dir string
}

func NewListSkillsTool(dir string) *ListSkillsTool { return &ListSkillsTool{dir: dir} }

func (t *ListSkillsTool) Name() string                  { return "list_skills" }
func (t *ListSkillsTool) Description() string           { return "List available skill names." }
func (t *ListSkillsTool) Parameters() map[string]any     { return map[string]any{} }
func (t *ListSkillsTool) RequiredParameters() []string  { return nil }

func (t *ListSkillsTool) Execute(ctx context.Context, args map[string]any) (*ToolResult, error) {
	entries, err := os.ReadDir(t.dir)
	if err != nil {
		return Error(fmt.Sprintf("cannot list skills directory: %v", err)), nil
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
			continue
		}
		if strings.HasSuffix(e.Name(), ".md") {
			names = append(names, strings.TrimSuffix(e.Name(), ".md"))
		}
	}
	sort.Strings(names)
	if len(names) == 0 {
		return Text("no skills found"), nil
	}
	return Text(strings.Join(names, "\n")), nil
}

type ReadSkillTool struct {
	dir string
}

func NewReadSkillTool(dir string) *ReadSkillTool { return &ReadSkillTool{dir: dir} }

func (t *ReadSkillTool) Name() string        { return "read_skill" }
func (t *ReadSkillTool) Description() string { return "Read the contents of a named skill." }
func (t *ReadSkillTool) Parameters() map[string]any {
	return map[string]any{
		"name": map[string]any{"type": "string", "description": "Skill name as returned by list_skills."},
	}
}
func (t *ReadSkillTool) RequiredParameters() []string { return []string{"name"} }

func (t *ReadSkillTool) Execute(ctx context.Context, args map[string]any) (*ToolResult, error) {
	name, _ := args["name"].(string)
	if name == "" {
		return Error("missing required argument 'name'"), nil
	}
	if strings.ContainsAny(name, "/\\") || strings.Contains(name, "..") {
		return Error("invalid skill name"), nil
	}

	candidates := []string{
		filepath.Join(t.dir, name+".md"),
		filepath.Join(t.dir, name, "SKILL.md"),
	}
	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if err == nil {
			return Text(string(data)), nil
		}
	}
	return Error(fmt.Sprintf("skill %q not found", name)), nil
}
