// Package state derives the client-visible session state from the ordered
// event log. Everything here is a pure function of its inputs.
package state

import "github.com/xiaot623/gogo/bridge/internal/domain"

// UnknownPlanID stands in for the pending plan when upstream reports
// AWAITING_PLAN_APPROVAL before any plan record has been seen.
const UnknownPlanID = "current"

// Snapshot is the derived state of one session.
type Snapshot struct {
	State         domain.SessionState `json:"state"`
	PendingPlanID string              `json:"pendingPlanId,omitempty"`
	LastPlanID    string              `json:"lastPlanId,omitempty"`
	// UpstreamState is the last state upstream reported explicitly.
	UpstreamState    domain.SessionState `json:"upstreamState,omitempty"`
	AwaitingResponse bool                `json:"awaitingResponse"`

	PullRequestURL string `json:"pullRequestUrl,omitempty"`
	HasPatch       bool   `json:"hasPatch"`
	BranchName     string `json:"branchName,omitempty"`
	BranchURL      string `json:"branchUrl,omitempty"`

	BridgeFailure bool   `json:"bridgeFailure,omitempty"`
	FailureReason string `json:"failureReason,omitempty"`
}

// Initial returns the starting snapshot. An empty state means QUEUED.
func Initial(s domain.SessionState) Snapshot {
	if !s.Valid() {
		s = domain.StateQueued
	}
	snap := Snapshot{State: s}
	if s == domain.StateAwaitingPlanApproval {
		snap.PendingPlanID = UnknownPlanID
	}
	return snap
}

// HasPR reports whether a pull request exists for the session.
func (s Snapshot) HasPR() bool {
	return s.PullRequestURL != ""
}

// HasBranch reports whether the session's patch was already pushed to a branch.
func (s Snapshot) HasBranch() bool {
	return s.BranchName != ""
}

// Reduce applies one event. The first matching rule decides the state:
// an explicit upstream state, then the event type.
func Reduce(s Snapshot, ev domain.ActivityEvent) Snapshot {
	if s.BridgeFailure {
		return s
	}

	switch {
	case ev.SessionState.Valid():
		s.UpstreamState = ev.SessionState
		s = setState(s, ev.SessionState, ev.PlanID)
	case ev.Type == domain.EventTypePlan:
		if ev.PlanID != "" {
			s.LastPlanID = ev.PlanID
		}
		s = setState(s, domain.StateAwaitingPlanApproval, ev.PlanID)
	case ev.Type == domain.EventTypePlanApproved:
		s = setState(s, domain.StateInProgress, "")
	case ev.Type == domain.EventTypeProgress, ev.Type == domain.EventTypeArtifact:
		s = setState(s, domain.StateInProgress, "")
	case ev.Type == domain.EventTypeCompleted:
		s = setState(s, domain.StateCompleted, "")
	case ev.Type == domain.EventTypeFailed:
		s = setState(s, domain.StateFailed, "")
	}

	switch ev.Type {
	case domain.EventTypeCompleted, domain.EventTypePlan:
		s.AwaitingResponse = false
	case domain.EventTypeMessage:
		s.AwaitingResponse = ev.Originator == domain.OriginatorUser
	}

	if ev.PullRequestURL != "" {
		s.PullRequestURL = ev.PullRequestURL
	}
	if ev.HasPatch {
		s.HasPatch = true
	}
	for _, a := range ev.Artifacts {
		if a.Kind == domain.ArtifactFileChange && a.Patch != "" {
			s.HasPatch = true
		}
	}
	if p := ev.Publish; p != nil {
		switch p.Kind {
		case domain.PublishPRCreated:
			s.PullRequestURL = p.URL
			if p.Branch != "" {
				s.BranchName = p.Branch
			}
		case domain.PublishBranchCreated:
			s.BranchName = p.Branch
			s.BranchURL = p.URL
		}
	}
	return s
}

// Replay folds events over initial in order.
func Replay(initial Snapshot, events ...domain.ActivityEvent) Snapshot {
	s := initial
	for _, ev := range events {
		s = Reduce(s, ev)
	}
	return s
}

// ApproveOptimistic clears the pending plan and moves to IN_PROGRESS ahead of
// upstream confirmation. ok is false when no plan is pending.
func ApproveOptimistic(s Snapshot) (Snapshot, bool) {
	if s.PendingPlanID == "" || s.BridgeFailure {
		return s, false
	}
	return setState(s, domain.StateInProgress, ""), true
}

// MarkAwaitingResponse records that the user is waiting for the agent.
func MarkAwaitingResponse(s Snapshot) Snapshot {
	s.AwaitingResponse = true
	return s
}

// FailBridge forces the bridge-local FAILED state. It is absorbing.
func FailBridge(s Snapshot, reason string) Snapshot {
	s = setState(s, domain.StateFailed, "")
	s.BridgeFailure = true
	s.FailureReason = reason
	s.AwaitingResponse = false
	return s
}

// setState is the only place State changes, which keeps PendingPlanID set
// exactly while the state is AWAITING_PLAN_APPROVAL.
func setState(s Snapshot, to domain.SessionState, planID string) Snapshot {
	s.State = to
	if to != domain.StateAwaitingPlanApproval {
		s.PendingPlanID = ""
		return s
	}
	switch {
	case planID != "":
		s.PendingPlanID = planID
	case s.PendingPlanID != "":
	case s.LastPlanID != "":
		s.PendingPlanID = s.LastPlanID
	default:
		s.PendingPlanID = UnknownPlanID
	}
	return s
}
