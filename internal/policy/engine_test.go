package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/bridge/internal/domain"
	"github.com/xiaot623/gogo/bridge/internal/state"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	engine, err := NewEngine(context.Background(), DefaultPolicy)
	require.NoError(t, err)
	return engine
}

func TestDefaultPolicy(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	awaiting := state.Snapshot{State: domain.StateAwaitingPlanApproval, PendingPlanID: "P1"}
	inProgress := state.Snapshot{State: domain.StateInProgress}
	completedWithPR := state.Snapshot{State: domain.StateCompleted, PullRequestURL: "https://x/pr/9", HasPatch: true}
	completedWithBranch := state.Snapshot{State: domain.StateCompleted, HasPatch: true, BranchName: "jules-patch-1"}

	tests := []struct {
		name     string
		cmd      domain.Command
		snap     state.Snapshot
		hasPatch bool
		allow    bool
		reason   string
	}{
		{"message allowed", domain.SendMessage("hi"), inProgress, false, true, ""},
		{"blank message", domain.SendMessage("  "), inProgress, false, false, "message text is empty"},
		{"approve pending", domain.ApprovePlan(), awaiting, false, true, ""},
		{"approve without plan", domain.ApprovePlan(), inProgress, false, false, "no plan is awaiting approval"},
		{"pr when pr exists", domain.CreatePR("main"), completedWithPR, false, false, "a pull request already exists: https://x/pr/9"},
		{"pr after branch", domain.CreatePR("main"), completedWithBranch, false, true, ""},
		{"branch twice", domain.CreateBranch("main"), completedWithBranch, false, false, "branch jules-patch-1 was already published"},
		{"branch without patch", domain.CreateBranch("main"), inProgress, false, false, "no patch is available for this session yet"},
		{"patch known outside snapshot", domain.FetchPatch(), inProgress, true, true, ""},
		{"failed bridge", domain.SendMessage("hi"), state.FailBridge(inProgress, "x"), false, false, "session bridge has failed; reconnect to start over"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision, err := engine.Admit(ctx, NewInput(tt.cmd, tt.snap, tt.hasPatch))
			require.NoError(t, err)
			assert.Equal(t, tt.allow, decision.Allow)
			assert.Equal(t, tt.reason, decision.Reason)
		})
	}
}

func TestLoadEngineFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "strict.rego")
	custom := `package command_policy

import rego.v1

deny contains "publishing disabled" if {
	input.command == "create_pr"
}
`
	require.NoError(t, os.WriteFile(path, []byte(custom), 0o600))

	engine, err := LoadEngine(context.Background(), path)
	require.NoError(t, err)

	decision, err := engine.Admit(context.Background(), NewInput(domain.CreatePR("main"), state.Snapshot{HasPatch: true}, false))
	require.NoError(t, err)
	assert.False(t, decision.Allow)
	assert.Equal(t, "publishing disabled", decision.Reason)

	decision, err = engine.Admit(context.Background(), NewInput(domain.ApprovePlan(), state.Snapshot{}, false))
	require.NoError(t, err)
	assert.True(t, decision.Allow)
}

func TestNewEngineRejectsInvalidPolicy(t *testing.T) {
	_, err := NewEngine(context.Background(), "package broken\n deny contains if {")
	assert.Error(t, err)
}
