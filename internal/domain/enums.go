// Package domain defines the core domain models for the session bridge.
package domain

// SessionState is the client-visible state of an agent session.
type SessionState string

const (
	StateQueued               SessionState = "QUEUED"
	StatePlanning             SessionState = "PLANNING"
	StateAwaitingPlanApproval SessionState = "AWAITING_PLAN_APPROVAL"
	StateInProgress           SessionState = "IN_PROGRESS"
	StateAwaitingUserFeedback SessionState = "AWAITING_USER_FEEDBACK"
	StatePaused               SessionState = "PAUSED"
	StateCompleted            SessionState = "COMPLETED"
	StateFailed               SessionState = "FAILED"
)

// Terminal reports whether no further agent work is expected in this state.
func (s SessionState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Valid reports whether s is one of the known states.
func (s SessionState) Valid() bool {
	switch s {
	case StateQueued, StatePlanning, StateAwaitingPlanApproval, StateInProgress,
		StateAwaitingUserFeedback, StatePaused, StateCompleted, StateFailed:
		return true
	}
	return false
}

// Originator identifies who produced an event.
type Originator string

const (
	OriginatorUser   Originator = "user"
	OriginatorAgent  Originator = "agent"
	OriginatorSystem Originator = "system"
)

// EventType is the discriminator of an ActivityEvent.
type EventType string

const (
	EventTypeMessage      EventType = "message"
	EventTypePlan         EventType = "plan"
	EventTypePlanApproved EventType = "plan_approved"
	EventTypeProgress     EventType = "progress"
	EventTypeArtifact     EventType = "artifact"
	EventTypeCompleted    EventType = "completed"
	EventTypeFailed       EventType = "failed"
	EventTypeStatus       EventType = "status"
	// Bridge-local events
	EventTypePublish EventType = "publish"
)

// ArtifactKind is the variant tag of an Artifact.
type ArtifactKind string

const (
	ArtifactFileChange ArtifactKind = "file_change"
	ArtifactBashOutput ArtifactKind = "bash_output"
	ArtifactMedia      ArtifactKind = "media"
)

// PublishKind is the variant tag of a PublishResult.
type PublishKind string

const (
	PublishBranchCreated PublishKind = "branch_created"
	PublishPRCreated     PublishKind = "pr_created"
	PublishFailed        PublishKind = "failed"
)

// CommandKind is the variant tag of a ClientCommand.
type CommandKind string

const (
	CommandSendMessage  CommandKind = "send_message"
	CommandApprovePlan  CommandKind = "approve_plan"
	CommandCreateBranch CommandKind = "create_branch"
	CommandCreatePR     CommandKind = "create_pr"
	CommandFetchPatch   CommandKind = "fetch_patch"
)
