package tools

import (
	"context"
	"fmt"
	"openvia/pkg/llm"
	"sort"
	"sync"
)

// Registry is the Tool Registry: a concurrency-safe catalog of Tools keyed
// by name. Reads dominate after startup registration, so a RWMutex is used
// defensively even though most callers register once at boot.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
}

func (r *Registry) RegisterAll(tools ...Tool) {
	for _, t := range tools {
		r.Register(t)
	}
}

func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

func (r *Registry) GetAll() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	all := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		all = append(all, t)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Name() < all[j].Name() })
	return all
}

// Schemas projects every registered tool into the wire-facing form sent to
// the LLM each round.
func (r *Registry) Schemas() []llm.ToolSchema {
	all := r.GetAll()
	schemas := make([]llm.ToolSchema, 0, len(all))
	for _, t := range all {
		schemas = append(schemas, Schema(t))
	}
	return schemas
}

// ValidateArgs checks that every parameter the tool declared required is
// present in args, without invoking the tool. Execute calls this before
// running the tool and returns its error without invoking the tool.
func (r *Registry) ValidateArgs(name string, args map[string]any) error {
	t, ok := r.Get(name)
	if !ok {
		return fmt.Errorf("unknown tool: %s", name)
	}
	for _, req := range t.RequiredParameters() {
		if _, present := args[req]; !present {
			return fmt.Errorf("tool %q missing required argument %q", name, req)
		}
	}
	return nil
}

// Execute validates then runs the named tool. It is the single execution
// path the orchestrator calls after a policy decision has already approved
// the call; the registry itself carries no policy logic. A panic inside the
// tool's Execute is recovered and normalized into an error result rather
// than crashing the turn.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (result *ToolResult, err error) {
	t, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("unknown tool: %s", name)
	}
	if err := r.ValidateArgs(name, args); err != nil {
		return nil, err
	}

	defer func() {
		if rec := recover(); rec != nil {
			result = Error(fmt.Sprintf("tool %q panicked: %v", name, rec))
			err = nil
		}
	}()

	return t.Execute(ctx, args)
}
