package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEngine_Evaluate_SessionDenyListWinsOverEverything(t *testing.T) {
	e := NewEngine([]Rule{{ToolPattern: "*", Decision: Allow}}, nil)
	sess := SessionView{DeniedTools: map[string]bool{"read_file": true}}

	d := e.Evaluate(Tool{Name: "read_file"}, nil, sess)

	require.Equal(t, Deny, d.Kind)
}

func TestEngine_Evaluate_SessionAllowListIsExhaustive(t *testing.T) {
	e := NewEngine(nil, nil)
	sess := SessionView{AllowedTools: map[string]bool{"read_file": true}}

	allowed := e.Evaluate(Tool{Name: "read_file"}, nil, sess)
	denied := e.Evaluate(Tool{Name: "write_file"}, nil, sess)

	assert.Equal(t, Allow, allowed.Kind)
	assert.Equal(t, Deny, denied.Kind)
}

func TestEngine_Evaluate_UserRulesBeforeHeuristics(t *testing.T) {
	e := NewEngine([]Rule{{ToolPattern: "read_*", Decision: Deny, Reason: "blocked by rule"}}, nil)

	d := e.Evaluate(Tool{Name: "read_file"}, nil, SessionView{})

	require.Equal(t, Deny, d.Kind)
	assert.Equal(t, "blocked by rule", d.Reason)
}

func TestEngine_Evaluate_ReadOnlyNameHeuristicAllows(t *testing.T) {
	e := NewEngine(nil, nil)

	for _, name := range []string{"read_file", "list_skills", "search_docs", "glob_files"} {
		d := e.Evaluate(Tool{Name: name}, nil, SessionView{})
		assert.Equal(t, Allow, d.Kind, "tool %s should auto-allow", name)
	}
}

func TestEngine_Evaluate_ShellSafeCommandAllowed(t *testing.T) {
	e := NewEngine(nil, nil)

	d := e.Evaluate(Tool{Name: "shell"}, map[string]any{"command": "whoami"}, SessionView{})

	assert.Equal(t, Allow, d.Kind)
}

func TestEngine_Evaluate_ShellDangerousCommandRequiresApproval(t *testing.T) {
	e := NewEngine(nil, nil)

	d := e.Evaluate(Tool{Name: "shell"}, map[string]any{"command": "rm -rf /tmp/x"}, SessionView{})

	require.Equal(t, RequireApproval, d.Kind)
	assert.Contains(t, d.Prompt, "rm -rf /tmp/x")
}

func TestEngine_Evaluate_ShellOrdinaryCommandAllowedByDefault(t *testing.T) {
	e := NewEngine(nil, nil)

	d := e.Evaluate(Tool{Name: "shell"}, map[string]any{"command": "npm run build"}, SessionView{})

	assert.Equal(t, Allow, d.Kind)
}

func TestEngine_Evaluate_WriteNameHeuristicRequiresApproval(t *testing.T) {
	e := NewEngine(nil, nil)

	d := e.Evaluate(Tool{Name: "write_file"}, map[string]any{"path": "/tmp/out.txt"}, SessionView{})

	require.Equal(t, RequireApproval, d.Kind)
	assert.Contains(t, d.Prompt, "/tmp/out.txt")
}

func TestEngine_Evaluate_DefaultIsRequireApproval(t *testing.T) {
	e := NewEngine(nil, nil)

	d := e.Evaluate(Tool{Name: "send_email"}, map[string]any{"to": "a@b.com"}, SessionView{})

	assert.Equal(t, RequireApproval, d.Kind)
}

func TestEngine_Evaluate_IsTotalAndNeverPanics(t *testing.T) {
	e := NewEngine(nil, nil)

	assert.NotPanics(t, func() {
		e.Evaluate(Tool{Name: ""}, nil, SessionView{})
		e.Evaluate(Tool{Name: "shell"}, map[string]any{"command": 42}, SessionView{})
		e.Evaluate(Tool{Name: "anything"}, map[string]any{"nested": map[string]any{"a": 1}}, SessionView{})
	})
}

func TestEngine_Audit_RecordsEveryEvaluation(t *testing.T) {
	e := NewEngine(nil, nil)

	e.Evaluate(Tool{Name: "read_file"}, nil, SessionView{UserID: "u1", ChatID: "c1"})
	e.Evaluate(Tool{Name: "write_file"}, nil, SessionView{UserID: "u1", ChatID: "c1"})

	audit := e.Audit()

	require.Len(t, audit, 2)
	assert.Equal(t, "read_file", audit[0].Tool)
	assert.Equal(t, Allow, audit[0].Decision)
}

func TestEngine_Audit_RingBufferBoundedAtMaxAudit(t *testing.T) {
	e := NewEngine(nil, nil)

	for i := 0; i < MaxAudit+50; i++ {
		e.Evaluate(Tool{Name: "read_file"}, nil, SessionView{})
	}

	assert.Len(t, e.Audit(), MaxAudit)
}

func TestEngine_SetRules_ReplacesAtomically(t *testing.T) {
	e := NewEngine([]Rule{{ToolPattern: "*", Decision: Deny}}, nil)
	require.Equal(t, Deny, e.Evaluate(Tool{Name: "anything"}, nil, SessionView{}).Kind)

	e.SetRules([]Rule{{ToolPattern: "*", Decision: Allow}})

	assert.Equal(t, Allow, e.Evaluate(Tool{Name: "anything"}, nil, SessionView{}).Kind)
}

func TestEngine_SetShellConfirmList_FallsBackToDefaultWhenEmpty(t *testing.T) {
	e := NewEngine(nil, []string{"custom"})

	e.SetShellConfirmList(nil)

	d := e.Evaluate(Tool{Name: "shell"}, map[string]any{"command": "sudo ls"}, SessionView{})
	assert.Equal(t, RequireApproval, d.Kind, "default confirm list still flags sudo")
}
