package domain

import "time"

// ActivityEvent is the translated, client-facing form of one upstream activity
// or of a bridge-synthesized action. ID is always set and is the sole
// deduplication key within a session.
type ActivityEvent struct {
	ID             string     `json:"id"`
	Type           EventType  `json:"type"`
	Originator     Originator `json:"originator"`
	Timestamp      time.Time  `json:"timestamp"`
	Content        string     `json:"content,omitempty"`
	PlanID         string     `json:"planId,omitempty"`
	Steps          []PlanStep `json:"steps,omitempty"`
	Title          string     `json:"title,omitempty"`
	Description    string     `json:"description,omitempty"`
	Artifacts      []Artifact `json:"artifacts,omitempty"`
	PullRequestURL string     `json:"pullRequestUrl,omitempty"`
	HasPatch       bool       `json:"hasPatch,omitempty"`
	SessionID      string     `json:"sessionId,omitempty"`
	WebURL         string     `json:"webUrl,omitempty"`
	RepoName       string     `json:"repoName,omitempty"`
	Reason         string     `json:"reason,omitempty"`

	// SessionState is set only when upstream explicitly reported a state.
	SessionState SessionState `json:"sessionState,omitempty"`

	Publish *PublishResult `json:"publish,omitempty"`
}

// PlanStep is one ordered step of a plan. Index is 0-based and contiguous
// within the plan.
type PlanStep struct {
	ID          string `json:"id,omitempty"`
	PlanID      string `json:"planId"`
	Index       int    `json:"index"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// Artifact is a display-only attachment to a progress event.
type Artifact struct {
	Kind          ArtifactKind `json:"type"`
	Files         []string     `json:"files,omitempty"`
	Patch         string       `json:"patch,omitempty"`
	CommitMessage string       `json:"commitMessage,omitempty"`
	Command       string       `json:"command,omitempty"`
	Output        string       `json:"output,omitempty"`
	ExitCode      *int         `json:"exitCode,omitempty"`
	MimeType      string       `json:"mimeType,omitempty"`
}

// ChangeSet is the publishable patch produced by a session.
type ChangeSet struct {
	Source        string `json:"source,omitempty"`
	Patch         string `json:"patch"`
	CommitMessage string `json:"commitMessage,omitempty"`
	BaseCommitID  string `json:"baseCommitId,omitempty"`
}

// Empty reports whether the change set carries no patch.
func (c *ChangeSet) Empty() bool {
	return c == nil || c.Patch == ""
}

// PublishResult is the outcome of a branch or PR creation.
type PublishResult struct {
	Kind   PublishKind `json:"type"`
	URL    string      `json:"url,omitempty"`
	Branch string      `json:"branch,omitempty"`
	Number int         `json:"number,omitempty"`
	Title  string      `json:"title,omitempty"`
	Reason string      `json:"reason,omitempty"`
}
