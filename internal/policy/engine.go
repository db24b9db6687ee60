// Package policy decides whether a client command may run against a session.
package policy

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/open-policy-agent/opa/rego"

	"github.com/xiaot623/gogo/bridge/internal/domain"
	"github.com/xiaot623/gogo/bridge/internal/state"
)

// Engine is the OPA policy engine.
type Engine struct {
	query rego.PreparedEvalQuery
}

// Input is the document a command is evaluated against.
type Input struct {
	Command          string `json:"command"`
	Text             string `json:"text"`
	State            string `json:"state"`
	PendingPlanID    string `json:"pending_plan_id"`
	HasPR            bool   `json:"has_pr"`
	PullRequestURL   string `json:"pull_request_url"`
	HasPatch         bool   `json:"has_patch"`
	BranchName       string `json:"branch_name"`
	AwaitingResponse bool   `json:"awaiting_response"`
	BridgeFailed     bool   `json:"bridge_failed"`
}

// NewInput builds the policy input for cmd against the current snapshot.
// HasPatch also accounts for change sets the caller knows about outside the
// snapshot.
func NewInput(cmd domain.Command, snap state.Snapshot, hasPatch bool) Input {
	return Input{
		Command:          string(cmd.Kind),
		Text:             cmd.Text,
		State:            string(snap.State),
		PendingPlanID:    snap.PendingPlanID,
		HasPR:            snap.HasPR(),
		PullRequestURL:   snap.PullRequestURL,
		HasPatch:         snap.HasPatch || hasPatch,
		BranchName:       snap.BranchName,
		AwaitingResponse: snap.AwaitingResponse,
		BridgeFailed:     snap.BridgeFailure,
	}
}

// Decision is the outcome of an admission check.
type Decision struct {
	Allow  bool
	Reason string
}

// NewEngine creates a new policy engine with the given policy content.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.command_policy.deny"),
		rego.Module("command_policy.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query}, nil
}

// LoadEngine reads the policy from path, or uses DefaultPolicy when path is empty.
func LoadEngine(ctx context.Context, path string) (*Engine, error) {
	if path == "" {
		return NewEngine(ctx, DefaultPolicy)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy %s: %w", path, err)
	}
	return NewEngine(ctx, string(content))
}

// Admit evaluates the deny rules. Any denial rejects the command; when several
// rules fire the alphabetically first reason is reported.
func (e *Engine) Admit(ctx context.Context, input Input) (Decision, error) {
	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return Decision{}, fmt.Errorf("failed to evaluate policy: %w", err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return Decision{Allow: true}, nil
	}

	set, ok := results[0].Expressions[0].Value.([]interface{})
	if !ok {
		return Decision{}, fmt.Errorf("policy returned %T, expected a set of reasons", results[0].Expressions[0].Value)
	}
	var reasons []string
	for _, v := range set {
		if s, ok := v.(string); ok {
			reasons = append(reasons, s)
		}
	}
	if len(reasons) == 0 {
		return Decision{Allow: true}, nil
	}
	sort.Strings(reasons)
	return Decision{Allow: false, Reason: reasons[0]}, nil
}

// DefaultPolicy is the default policy content.
const DefaultPolicy = `
package command_policy

import rego.v1

publish_commands := {"create_branch", "create_pr"}

deny contains "session bridge has failed; reconnect to start over" if {
	input.bridge_failed
}

deny contains "message text is empty" if {
	input.command == "send_message"
	trim_space(input.text) == ""
}

deny contains "no plan is awaiting approval" if {
	input.command == "approve_plan"
	input.pending_plan_id == ""
}

deny contains sprintf("a pull request already exists: %s", [input.pull_request_url]) if {
	input.command == "create_pr"
	input.has_pr
}

deny contains sprintf("branch %s was already published", [input.branch_name]) if {
	input.command == "create_branch"
	input.branch_name != ""
}

deny contains "no patch is available for this session yet" if {
	publish_commands[input.command]
	not input.has_patch
}

deny contains "no patch is available for this session yet" if {
	input.command == "fetch_patch"
	not input.has_patch
}
`
