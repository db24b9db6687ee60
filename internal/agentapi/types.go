package agentapi

import "encoding/json"

// Session is the upstream session resource.
type Session struct {
	Name                string          `json:"name"`
	ID                  string          `json:"id"`
	Title               string          `json:"title,omitempty"`
	Prompt              string          `json:"prompt,omitempty"`
	State               string          `json:"state,omitempty"`
	URL                 string          `json:"url,omitempty"`
	SourceContext       *SourceContext  `json:"sourceContext,omitempty"`
	Outputs             []SessionOutput `json:"outputs,omitempty"`
	RequirePlanApproval bool            `json:"requirePlanApproval,omitempty"`
	AutomationMode      string          `json:"automationMode,omitempty"`
	CreateTime          string          `json:"createTime,omitempty"`
	UpdateTime          string          `json:"updateTime,omitempty"`
}

// PullRequestURL returns the first pull request URL among the session outputs.
func (s *Session) PullRequestURL() string {
	if s == nil {
		return ""
	}
	for _, out := range s.Outputs {
		if out.PullRequest != nil && out.PullRequest.URL != "" {
			return out.PullRequest.URL
		}
	}
	return ""
}

// Source returns the repository source name of the session, if any.
func (s *Session) Source() string {
	if s == nil || s.SourceContext == nil {
		return ""
	}
	return s.SourceContext.Source
}

// SourceContext ties a session to a repository.
type SourceContext struct {
	Source            string             `json:"source"`
	GitHubRepoContext *GitHubRepoContext `json:"githubRepoContext,omitempty"`
}

// GitHubRepoContext selects the starting branch.
type GitHubRepoContext struct {
	StartingBranch string `json:"startingBranch,omitempty"`
}

// SessionOutput is one output of a finished session.
type SessionOutput struct {
	PullRequest *PullRequest `json:"pullRequest,omitempty"`
	ChangeSet   *ChangeSet   `json:"changeSet,omitempty"`
}

// PullRequest is a pull request opened upstream.
type PullRequest struct {
	URL         string `json:"url"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
}

// Source is a connected repository.
type Source struct {
	Name       string      `json:"name"`
	ID         string      `json:"id"`
	GitHubRepo *GitHubRepo `json:"githubRepo,omitempty"`
}

// GitHubRepo describes the repository behind a source.
type GitHubRepo struct {
	Owner         string      `json:"owner"`
	Repo          string      `json:"repo"`
	IsPrivate     bool        `json:"isPrivate,omitempty"`
	DefaultBranch *BranchRef  `json:"defaultBranch,omitempty"`
	Branches      []BranchRef `json:"branches,omitempty"`
}

// BranchRef names a branch.
type BranchRef struct {
	DisplayName string `json:"displayName"`
}

// Activity is one upstream activity record. Exactly one of the event payload
// pointers is normally set; Raw keeps the original bytes for records whose
// payload is not recognized.
type Activity struct {
	Name        string `json:"name"`
	ID          string `json:"id"`
	Originator  string `json:"originator,omitempty"`
	Description string `json:"description,omitempty"`
	CreateTime  string `json:"createTime,omitempty"`

	PlanGenerated    *PlanGenerated    `json:"planGenerated,omitempty"`
	PlanApproved     *PlanApproved     `json:"planApproved,omitempty"`
	UserMessaged     *Messaged         `json:"userMessaged,omitempty"`
	AgentMessaged    *Messaged         `json:"agentMessaged,omitempty"`
	ProgressUpdated  *ProgressUpdated  `json:"progressUpdated,omitempty"`
	SessionCompleted *SessionCompleted `json:"sessionCompleted,omitempty"`
	SessionFailed    *SessionFailed    `json:"sessionFailed,omitempty"`
	Artifacts        []Artifact        `json:"artifacts,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// UnmarshalJSON decodes the typed fields and keeps a copy of the input.
func (a *Activity) UnmarshalJSON(data []byte) error {
	type plain Activity
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*a = Activity(p)
	a.Raw = append(json.RawMessage(nil), data...)
	return nil
}

// PlanGenerated carries a proposed plan.
type PlanGenerated struct {
	Plan Plan `json:"plan"`
}

// Plan is an ordered list of steps.
type Plan struct {
	ID         string     `json:"id"`
	Steps      []PlanStep `json:"steps"`
	CreateTime string     `json:"createTime,omitempty"`
}

// PlanStep is one plan step as reported upstream.
type PlanStep struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Index       int    `json:"index"`
}

// PlanApproved marks a plan as approved.
type PlanApproved struct {
	PlanID string `json:"planId"`
}

// Messaged is a user or agent message. Older records use text, message or
// content instead of the role-specific field.
type Messaged struct {
	UserMessage  string `json:"userMessage,omitempty"`
	AgentMessage string `json:"agentMessage,omitempty"`
	Text         string `json:"text,omitempty"`
	Message      string `json:"message,omitempty"`
	Content      string `json:"content,omitempty"`
}

// Body returns the first non-empty text field.
func (m *Messaged) Body() string {
	for _, s := range []string{m.AgentMessage, m.UserMessage, m.Text, m.Message, m.Content} {
		if s != "" {
			return s
		}
	}
	return ""
}

// ProgressUpdated reports agent progress.
type ProgressUpdated struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
}

// SessionCompleted marks the end of a successful session.
type SessionCompleted struct{}

// SessionFailed marks the end of a failed session.
type SessionFailed struct {
	Reason string `json:"reason,omitempty"`
}

// Artifact is an activity attachment.
type Artifact struct {
	ChangeSet  *ChangeSet  `json:"changeSet,omitempty"`
	Media      *Media      `json:"media,omitempty"`
	BashOutput *BashOutput `json:"bashOutput,omitempty"`
}

// ChangeSet is a set of code changes against a source.
type ChangeSet struct {
	Source   string    `json:"source,omitempty"`
	GitPatch *GitPatch `json:"gitPatch,omitempty"`
}

// GitPatch is a unified diff with its suggested commit message.
type GitPatch struct {
	UnidiffPatch           string `json:"unidiffPatch"`
	BaseCommitID           string `json:"baseCommitId,omitempty"`
	SuggestedCommitMessage string `json:"suggestedCommitMessage,omitempty"`
}

// Media is binary output such as an image.
type Media struct {
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType"`
}

// BashOutput is a captured command run.
type BashOutput struct {
	Command  string `json:"command"`
	Output   string `json:"output,omitempty"`
	ExitCode *int   `json:"exitCode,omitempty"`
}

// CreateSessionRequest describes a new task.
type CreateSessionRequest struct {
	Prompt         string
	Title          string
	Source         string
	StartingBranch string
	AutoCreatePR   bool
}

type createSessionBody struct {
	Prompt              string         `json:"prompt"`
	Title               string         `json:"title,omitempty"`
	SourceContext       *SourceContext `json:"sourceContext,omitempty"`
	RequirePlanApproval bool           `json:"requirePlanApproval"`
	AutomationMode      string         `json:"automationMode,omitempty"`
}

// ActivityPage is one page of ListActivities.
type ActivityPage struct {
	Activities    []Activity `json:"activities"`
	NextPageToken string     `json:"nextPageToken,omitempty"`
}

// SessionPage is one page of ListSessions.
type SessionPage struct {
	Sessions      []Session `json:"sessions"`
	NextPageToken string    `json:"nextPageToken,omitempty"`
}

type sourcePage struct {
	Sources       []Source `json:"sources"`
	NextPageToken string   `json:"nextPageToken,omitempty"`
}
