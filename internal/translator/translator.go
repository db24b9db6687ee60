// Package translator maps upstream activity records onto client-visible events.
// Translation is pure: the same record and SessionInfo always yield the same
// events, byte for byte.
package translator

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	"github.com/xiaot623/gogo/bridge/internal/agentapi"
	"github.com/xiaot623/gogo/bridge/internal/domain"
	"github.com/xiaot623/gogo/bridge/internal/patch"
)

// WebBaseURL is where sessions can be opened in a browser.
const WebBaseURL = "https://jules.google.com/session/"

// SessionInfo is session-level context needed to translate completion records.
type SessionInfo struct {
	Source         string
	PullRequestURL string
	WebURL         string
	// HasPatch is set when an earlier record already carried a change set.
	HasPatch bool
}

// InfoFromSession builds SessionInfo from an upstream session.
func InfoFromSession(s *agentapi.Session) SessionInfo {
	if s == nil {
		return SessionInfo{}
	}
	return SessionInfo{
		Source:         s.Source(),
		PullRequestURL: s.PullRequestURL(),
		WebURL:         s.URL,
	}
}

// envelope keys are stripped from the payload of unrecognized records.
var envelope = map[string]bool{
	"name": true, "id": true, "originator": true, "description": true, "createTime": true,
}

// Translate converts one upstream activity into the ordered events it yields.
// Artifacts ride on progress and completed events; for every other record
// they become separate artifact events placed before the primary event, so
// the primary event is always the last one the state machine sees.
func Translate(sessionKey string, a agentapi.Activity, info SessionInfo) []domain.ActivityEvent {
	id := EventID(sessionKey, a)
	base := domain.ActivityEvent{
		ID:         id,
		Originator: originator(a),
		Timestamp:  parseTime(a.CreateTime),
	}

	artifacts := translateArtifacts(a.Artifacts)

	var primary *domain.ActivityEvent
	switch {
	case a.PlanGenerated != nil:
		ev := base
		ev.Type = domain.EventTypePlan
		ev.PlanID = a.PlanGenerated.Plan.ID
		if ev.PlanID == "" {
			ev.PlanID = id
		}
		ev.Steps = planSteps(ev.PlanID, a.PlanGenerated.Plan.Steps)
		ev.Title = "Plan"
		ev.Content = fmt.Sprintf("Proposed plan with %d steps", len(ev.Steps))
		ev.Description = a.Description
		primary = &ev

	case a.PlanApproved != nil:
		ev := base
		ev.Type = domain.EventTypePlanApproved
		ev.PlanID = a.PlanApproved.PlanID
		ev.Content = "Plan approved"
		primary = &ev

	case a.UserMessaged != nil:
		ev := base
		ev.Type = domain.EventTypeMessage
		ev.Originator = domain.OriginatorUser
		ev.Content = a.UserMessaged.Body()
		primary = &ev

	case a.AgentMessaged != nil:
		ev := base
		ev.Type = domain.EventTypeMessage
		ev.Content = a.AgentMessaged.Body()
		primary = &ev

	case a.ProgressUpdated != nil:
		ev := base
		ev.Type = domain.EventTypeProgress
		ev.Title = a.ProgressUpdated.Title
		ev.Description = a.ProgressUpdated.Description
		ev.Content = firstNonEmpty(a.ProgressUpdated.Description, a.ProgressUpdated.Title, a.Description)
		ev.Artifacts = artifacts
		return []domain.ActivityEvent{ev}

	case a.SessionCompleted != nil:
		ev := base
		ev.Type = domain.EventTypeCompleted
		ev.SessionID = domain.SessionID(sessionKey)
		ev.PullRequestURL = info.PullRequestURL
		ev.HasPatch = info.HasPatch || ChangeSetOf(a) != nil
		ev.WebURL = firstNonEmpty(info.WebURL, WebBaseURL+domain.SessionID(sessionKey))
		ev.RepoName = RepoName(info.Source)
		ev.Content = completionText(ev)
		if cs := ChangeSetOf(a); cs != nil {
			ev.Description = cs.CommitMessage
		}
		ev.Artifacts = artifacts
		return []domain.ActivityEvent{ev}

	case a.SessionFailed != nil:
		ev := base
		ev.Type = domain.EventTypeFailed
		ev.Reason = a.SessionFailed.Reason
		ev.Content = firstNonEmpty(a.SessionFailed.Reason, a.Description, "Session failed")
		primary = &ev
	}

	if primary == nil && len(artifacts) > 0 {
		return artifactEvents(base, artifacts, true)
	}
	if primary == nil {
		ev := base
		ev.Type = domain.EventTypeMessage
		ev.Title = a.Description
		ev.Content = rawPayload(a)
		primary = &ev
	}

	events := artifactEvents(base, artifacts, false)
	return append(events, *primary)
}

// EventID returns the stable identifier of an activity: its id, its resource
// name, or a content hash when upstream supplied neither.
func EventID(sessionKey string, a agentapi.Activity) string {
	if a.ID != "" {
		return a.ID
	}
	if a.Name != "" {
		return a.Name
	}
	raw := []byte(a.Raw)
	if len(raw) == 0 {
		raw, _ = json.Marshal(a)
	}
	sum := blake3.Sum256(raw)
	return sessionKey + "/activities/h-" + hex.EncodeToString(sum[:8])
}

// ChangeSetOf returns the last change set carried by the activity, if any.
func ChangeSetOf(a agentapi.Activity) *domain.ChangeSet {
	var cs *domain.ChangeSet
	for _, art := range a.Artifacts {
		if art.ChangeSet == nil || art.ChangeSet.GitPatch == nil || art.ChangeSet.GitPatch.UnidiffPatch == "" {
			continue
		}
		gp := art.ChangeSet.GitPatch
		cs = &domain.ChangeSet{
			Source:        art.ChangeSet.Source,
			Patch:         gp.UnidiffPatch,
			CommitMessage: gp.SuggestedCommitMessage,
			BaseCommitID:  gp.BaseCommitID,
		}
	}
	return cs
}

// RepoName turns "sources/github/owner/repo" into "owner/repo".
func RepoName(source string) string {
	parts := strings.Split(strings.Trim(source, "/"), "/")
	if len(parts) >= 4 && parts[0] == "sources" {
		return parts[len(parts)-2] + "/" + parts[len(parts)-1]
	}
	return ""
}

func artifactEvents(base domain.ActivityEvent, artifacts []domain.Artifact, primaryID bool) []domain.ActivityEvent {
	events := make([]domain.ActivityEvent, 0, len(artifacts))
	for i, art := range artifacts {
		ev := base
		ev.Type = domain.EventTypeArtifact
		if !primaryID || i > 0 {
			ev.ID = fmt.Sprintf("%s#artifact-%d", base.ID, i)
		}
		ev.Artifacts = []domain.Artifact{art}
		ev.Content = artifactSummary(art)
		events = append(events, ev)
	}
	return events
}

func translateArtifacts(in []agentapi.Artifact) []domain.Artifact {
	var out []domain.Artifact
	for _, a := range in {
		switch {
		case a.ChangeSet != nil && a.ChangeSet.GitPatch != nil:
			gp := a.ChangeSet.GitPatch
			out = append(out, domain.Artifact{
				Kind:          domain.ArtifactFileChange,
				Files:         patch.Files(gp.UnidiffPatch),
				Patch:         gp.UnidiffPatch,
				CommitMessage: gp.SuggestedCommitMessage,
			})
		case a.BashOutput != nil:
			var exit *int
			if a.BashOutput.ExitCode != nil {
				code := *a.BashOutput.ExitCode
				exit = &code
			}
			out = append(out, domain.Artifact{
				Kind:     domain.ArtifactBashOutput,
				Command:  a.BashOutput.Command,
				Output:   a.BashOutput.Output,
				ExitCode: exit,
			})
		case a.Media != nil:
			out = append(out, domain.Artifact{
				Kind:     domain.ArtifactMedia,
				MimeType: a.Media.MimeType,
			})
		}
	}
	return out
}

func artifactSummary(a domain.Artifact) string {
	switch a.Kind {
	case domain.ArtifactFileChange:
		if len(a.Files) == 0 {
			return "Code changes"
		}
		return fmt.Sprintf("Changed %d file(s): %s", len(a.Files), strings.Join(a.Files, ", "))
	case domain.ArtifactBashOutput:
		return "$ " + a.Command
	case domain.ArtifactMedia:
		return "Media (" + a.MimeType + ")"
	}
	return ""
}

func planSteps(planID string, in []agentapi.PlanStep) []domain.PlanStep {
	sorted := make([]agentapi.PlanStep, len(in))
	copy(sorted, in)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })

	steps := make([]domain.PlanStep, len(sorted))
	for i, s := range sorted {
		steps[i] = domain.PlanStep{
			ID:          s.ID,
			PlanID:      planID,
			Index:       i,
			Title:       s.Title,
			Description: s.Description,
		}
	}
	return steps
}

func completionText(ev domain.ActivityEvent) string {
	switch {
	case ev.PullRequestURL != "":
		return "Task completed. Pull request: " + ev.PullRequestURL
	case ev.HasPatch:
		return "Task completed. A patch is ready to publish."
	default:
		return "Task completed."
	}
}

func originator(a agentapi.Activity) domain.Originator {
	switch domain.Originator(strings.ToLower(a.Originator)) {
	case domain.OriginatorUser:
		return domain.OriginatorUser
	case domain.OriginatorSystem:
		return domain.OriginatorSystem
	case domain.OriginatorAgent:
		return domain.OriginatorAgent
	}
	if a.UserMessaged != nil {
		return domain.OriginatorUser
	}
	return domain.OriginatorAgent
}

func rawPayload(a agentapi.Activity) string {
	raw := []byte(a.Raw)
	if len(raw) == 0 {
		raw, _ = json.Marshal(a)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return string(raw)
	}
	for k := range fields {
		if envelope[k] {
			delete(fields, k)
		}
	}
	if len(fields) == 0 {
		return a.Description
	}
	// encoding/json sorts map keys.
	out, err := json.Marshal(fields)
	if err != nil {
		return string(raw)
	}
	return string(out)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
