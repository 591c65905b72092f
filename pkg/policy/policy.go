// Package policy implements the Policy Engine: per-call classification of a
// (tool, args, session) triple into allow / deny / require-approval, plus
// the bounded audit ring buffer every evaluation appends to.
//
// This is a new component with no direct prior-art elsewhere in the
// codebase — it is built in the surrounding idiom for small, pure,
// side-effect-logged components: a mutex-guarded bounded structure for the
// ring buffer (mirroring the shape of the mutex-guarded session map
// elsewhere) and structured log/slog audit lines matching the logging
// conventions used throughout pkg/gateway.
package policy

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// MaxAudit bounds the in-memory audit ring buffer.
const MaxAudit = 1000

// Decision kinds. A PolicyDecision is exactly one of these.
const (
	Allow           = "allow"
	Deny            = "deny"
	RequireApproval = "require_approval"
)

// Decision is the tagged-union result of Evaluate. Kind is always one of
// Allow, Deny, RequireApproval; Reason is populated for Deny, Prompt for
// RequireApproval.
type Decision struct {
	Kind   string
	Reason string
	Prompt string
}

// Tool is the minimal view of a tool definition the policy engine needs. It
// intentionally does not depend on pkg/tools to avoid an import cycle
// (pkg/tools never needs to know about policy).
type Tool struct {
	Name string
}

// SessionView is the minimal per-session state the policy engine consults:
// the per-user allow/deny lists consulted in the first two decision steps.
type SessionView struct {
	UserID       string
	ChatID       string
	AllowedTools map[string]bool
	DeniedTools  map[string]bool
}

// Rule is one user-supplied policy rule in the ordered rule list. Pattern is "*" (all), "prefix*" (starts-with), or an exact
// tool name.
type Rule struct {
	ToolPattern string
	Decision    string
	Reason      string
}

func (r Rule) matches(toolName string) bool {
	switch {
	case r.ToolPattern == "*":
		return true
	case strings.HasSuffix(r.ToolPattern, "*"):
		return strings.HasPrefix(toolName, strings.TrimSuffix(r.ToolPattern, "*"))
	default:
		return r.ToolPattern == toolName
	}
}

// AuditEntry is one evaluation record kept in the ring buffer.
type AuditEntry struct {
	Timestamp time.Time
	UserID    string
	ChatID    string
	Tool      string
	Args      string
	Decision  string
}

// shellSafeCommands is the fixed allowlist of read-only shell commands,
// restricted to simple "-flag" arguments with no shell metacharacters.
var shellSafeCommands = []string{
	"get-date", "date", "timedatectl", "whoami", "hostname", "uname", "uptime", "pwd",
}

var shellSafeRe = regexp.MustCompile(`^[a-zA-Z0-9_\-]+(\s+-{1,2}[a-zA-Z0-9_:=%'".\-]+)*$`)

var shellMetaChars = []string{";", "&&", "||", "&", "`", "$(", ">", "<<"}

// defaultConfirmList is the default set of substrings in a shell command
// that trigger require_approval.
var defaultConfirmList = []string{
	"rm", "mv", "sudo", "su", "dd", "reboot", "shutdown", "mkfs", "chmod", "chown", ">", ">>", "|",
}

// readOnlyNameMarkers are the built-in name-based auto-allow heuristic.
var readOnlyNameMarkers = []string{"read", "list", "ls", "search", "grep", "glob", "view"}

// writeNameMarkers trigger require_approval by name.
var writeNameMarkers = []string{"write", "edit", "delete", "remove", "create"}

// Engine is the Policy Engine. Rules and ShellConfirmList are set at
// construction (config hot-reload builds a new Engine) or swapped
// atomically through SetRules/SetShellConfirmList;
// AuditLog is the only field mutated per-call, guarded by its own mutex.
type Engine struct {
	mu               sync.RWMutex
	rules            []Rule
	shellConfirmList []string

	auditMu  sync.Mutex
	auditLog []AuditEntry
}

// NewEngine constructs a Policy Engine with the given user rules and shell
// confirm list. A nil/empty confirmList falls back to defaultConfirmList.
func NewEngine(rules []Rule, confirmList []string) *Engine {
	if len(confirmList) == 0 {
		confirmList = defaultConfirmList
	}
	return &Engine{rules: rules, shellConfirmList: confirmList}
}

// SetRules atomically replaces the user rule list.
func (e *Engine) SetRules(rules []Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = rules
}

// SetShellConfirmList atomically replaces the shell confirm-list; an empty
// list falls back to defaultConfirmList.
func (e *Engine) SetShellConfirmList(list []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(list) == 0 {
		list = defaultConfirmList
	}
	e.shellConfirmList = list
}

// Evaluate classifies one (tool, args, session) triple. It is total: it
// always returns a Decision and never panics or errors.
func (e *Engine) Evaluate(tool Tool, args map[string]any, sess SessionView) Decision {
	decision := e.classify(tool, args, sess)
	e.logAudit(AuditEntry{
		Timestamp: time.Now(),
		UserID:    sess.UserID,
		ChatID:    sess.ChatID,
		Tool:      tool.Name,
		Args:      summarizeArgs(args),
		Decision:  decision.Kind,
	})
	return decision
}

func (e *Engine) classify(tool Tool, args map[string]any, sess SessionView) Decision {
	// Step 1: per-session deny list, first match wins over everything else.
	if sess.DeniedTools != nil && sess.DeniedTools[tool.Name] {
		return Decision{Kind: Deny, Reason: "denied for this user"}
	}

	// Step 2: per-session allow list, if set, is exhaustive.
	if sess.AllowedTools != nil && len(sess.AllowedTools) > 0 && !sess.AllowedTools[tool.Name] {
		return Decision{Kind: Deny, Reason: "not in allowed list"}
	}

	// Step 3: user-supplied rules, first match wins.
	e.mu.RLock()
	rules := e.rules
	confirmList := e.shellConfirmList
	e.mu.RUnlock()

	for _, r := range rules {
		if r.matches(tool.Name) {
			return Decision{Kind: r.Decision, Reason: r.Reason, Prompt: r.Reason}
		}
	}

	lowerName := strings.ToLower(tool.Name)

	// Step 4: read-only name heuristic.
	for _, marker := range readOnlyNameMarkers {
		if strings.Contains(lowerName, marker) {
			return Decision{Kind: Allow}
		}
	}

	// Step 5: shell/bash heuristics.
	if lowerName == "bash" || lowerName == "shell" {
		command, _ := args["command"].(string)
		if isShellSafe(command) {
			return Decision{Kind: Allow}
		}
		if containsConfirmSubstring(command, confirmList) {
			return Decision{Kind: RequireApproval, Prompt: fmt.Sprintf("Permission Request: execute `%s`?", command)}
		}
		return Decision{Kind: Allow}
	}

	// Step 6: write/edit/delete name heuristic.
	for _, marker := range writeNameMarkers {
		if strings.Contains(lowerName, marker) {
			path := firstStringArg(args, "path", "file", "filename")
			prompt := fmt.Sprintf("Permission Request: %s", tool.Name)
			if path != "" {
				prompt = fmt.Sprintf("Permission Request: %s on %s?", tool.Name, path)
			}
			return Decision{Kind: RequireApproval, Prompt: prompt}
		}
	}

	// Step 7: default, generic require_approval.
	return Decision{Kind: RequireApproval, Prompt: fmt.Sprintf("Permission Request: %s(%s)", tool.Name, summarizeArgs(args))}
}

func firstStringArg(args map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := args[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func isShellSafe(command string) bool {
	command = strings.TrimSpace(command)
	if command == "" {
		return false
	}
	for _, meta := range shellMetaChars {
		if strings.Contains(command, meta) {
			return false
		}
	}
	if !shellSafeRe.MatchString(command) {
		return false
	}
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return false
	}
	base := fields[0]
	for _, safe := range shellSafeCommands {
		if base == safe {
			return true
		}
	}
	return false
}

func containsConfirmSubstring(command string, confirmList []string) bool {
	for _, substr := range confirmList {
		if strings.Contains(command, substr) {
			return true
		}
	}
	return false
}

// summarizeArgs renders args as JSON truncated to 100 characters, used both
// for audit snapshots and the default require_approval prompt. Falls back to a deterministic require_approval-friendly
// string if args can't be marshaled.
func summarizeArgs(args map[string]any) string {
	raw, err := json.Marshal(args)
	s := string(raw)
	if err != nil {
		s = fmt.Sprintf("%v", args)
	}
	if len(s) > 100 {
		s = s[:100] + "..."
	}
	return s
}

func (e *Engine) logAudit(entry AuditEntry) {
	e.auditMu.Lock()
	defer e.auditMu.Unlock()
	e.auditLog = append(e.auditLog, entry)
	if len(e.auditLog) > MaxAudit {
		e.auditLog = e.auditLog[len(e.auditLog)-MaxAudit:]
	}
	slog.Info("policy decision", "user", entry.UserID, "chat", entry.ChatID,
		"tool", entry.Tool, "decision", entry.Decision, "args", entry.Args)
}

// Audit returns a snapshot of the current ring buffer, oldest first.
func (e *Engine) Audit() []AuditEntry {
	e.auditMu.Lock()
	defer e.auditMu.Unlock()
	out := make([]AuditEntry, len(e.auditLog))
	copy(out, e.auditLog)
	return out
}
