package translator

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/bridge/internal/agentapi"
	"github.com/xiaot623/gogo/bridge/internal/domain"
)

const key = "sessions/77"

func activity(t *testing.T, raw string) agentapi.Activity {
	t.Helper()
	var a agentapi.Activity
	require.NoError(t, json.Unmarshal([]byte(raw), &a))
	return a
}

func TestTranslatePlanSortsAndRenumbersSteps(t *testing.T) {
	a := activity(t, `{"id":"act-1","originator":"agent","createTime":"2026-01-02T03:04:05Z",
		"planGenerated":{"plan":{"id":"P1","steps":[
			{"id":"s2","title":"B","index":5},
			{"id":"s1","title":"A","index":2}
		]}}}`)

	events := Translate(key, a, SessionInfo{})
	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, "act-1", ev.ID)
	assert.Equal(t, domain.EventTypePlan, ev.Type)
	assert.Equal(t, "P1", ev.PlanID)
	require.Len(t, ev.Steps, 2)
	assert.Equal(t, "A", ev.Steps[0].Title)
	assert.Equal(t, 0, ev.Steps[0].Index)
	assert.Equal(t, "B", ev.Steps[1].Title)
	assert.Equal(t, 1, ev.Steps[1].Index)
	assert.Equal(t, "P1", ev.Steps[1].PlanID)
	assert.Equal(t, 2026, ev.Timestamp.Year())
}

func TestTranslateMessages(t *testing.T) {
	user := Translate(key, activity(t, `{"id":"u1","userMessaged":{"userMessage":"please add tests"}}`), SessionInfo{})
	require.Len(t, user, 1)
	assert.Equal(t, domain.EventTypeMessage, user[0].Type)
	assert.Equal(t, domain.OriginatorUser, user[0].Originator)
	assert.Equal(t, "please add tests", user[0].Content)

	agent := Translate(key, activity(t, `{"id":"g1","originator":"agent","agentMessaged":{"text":"legacy field"}}`), SessionInfo{})
	require.Len(t, agent, 1)
	assert.Equal(t, domain.OriginatorAgent, agent[0].Originator)
	assert.Equal(t, "legacy field", agent[0].Content)
}

func TestTranslateProgressCarriesArtifacts(t *testing.T) {
	a := activity(t, `{"id":"p1","progressUpdated":{"title":"Editing","description":"Updating main.go"},
		"artifacts":[
			{"bashOutput":{"command":"go test ./...","output":"ok","exitCode":0}},
			{"changeSet":{"source":"sources/github/acme/app","gitPatch":{"unidiffPatch":"--- a/main.go\n+++ b/main.go\n@@ -1 +1 @@\n-a\n+b\n"}}}
		]}`)

	events := Translate(key, a, SessionInfo{})
	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, domain.EventTypeProgress, ev.Type)
	assert.Equal(t, "Editing", ev.Title)
	require.Len(t, ev.Artifacts, 2)
	assert.Equal(t, domain.ArtifactBashOutput, ev.Artifacts[0].Kind)
	require.NotNil(t, ev.Artifacts[0].ExitCode)
	assert.Equal(t, 0, *ev.Artifacts[0].ExitCode)
	assert.Equal(t, domain.ArtifactFileChange, ev.Artifacts[1].Kind)
	assert.Equal(t, []string{"main.go"}, ev.Artifacts[1].Files)
}

func TestTranslateMessageWithArtifactsFansOut(t *testing.T) {
	a := activity(t, `{"id":"m1","agentMessaged":{"agentMessage":"here is a screenshot"},
		"artifacts":[{"media":{"mimeType":"image/png","data":"AAAA"}}]}`)

	events := Translate(key, a, SessionInfo{})
	require.Len(t, events, 2)
	assert.Equal(t, domain.EventTypeArtifact, events[0].Type)
	assert.Equal(t, "m1#artifact-0", events[0].ID)
	assert.Equal(t, "image/png", events[0].Artifacts[0].MimeType)
	assert.Equal(t, domain.EventTypeMessage, events[1].Type)
	assert.Equal(t, "m1", events[1].ID)
}

func TestTranslateCompleted(t *testing.T) {
	a := activity(t, `{"id":"c1","sessionCompleted":{},"artifacts":[{"changeSet":{"gitPatch":{
		"unidiffPatch":"--- a/x\n+++ b/x\n@@ -1 +1 @@\n-a\n+b\n","suggestedCommitMessage":"Fix x"}}}]}`)
	info := SessionInfo{Source: "sources/github/acme/app", PullRequestURL: "https://x/pr/9"}

	events := Translate(key, a, info)
	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, domain.EventTypeCompleted, ev.Type)
	assert.Equal(t, "https://x/pr/9", ev.PullRequestURL)
	assert.True(t, ev.HasPatch)
	assert.Equal(t, "77", ev.SessionID)
	assert.Equal(t, "acme/app", ev.RepoName)
	assert.Equal(t, WebBaseURL+"77", ev.WebURL)
	assert.Equal(t, "Fix x", ev.Description)
	assert.Contains(t, ev.Content, "https://x/pr/9")
}

func TestTranslateFailed(t *testing.T) {
	events := Translate(key, activity(t, `{"id":"f1","sessionFailed":{"reason":"quota exceeded"}}`), SessionInfo{})
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventTypeFailed, events[0].Type)
	assert.Equal(t, "quota exceeded", events[0].Reason)
}

func TestTranslateUnknownBecomesMessage(t *testing.T) {
	a := activity(t, `{"id":"x1","description":"Something new","zetaThing":{"b":2,"a":1},"alphaThing":true}`)

	events := Translate(key, a, SessionInfo{})
	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, domain.EventTypeMessage, ev.Type)
	assert.Equal(t, "Something new", ev.Title)
	assert.Equal(t, `{"alphaThing":true,"zetaThing":{"b":2,"a":1}}`, ev.Content)
}

func TestTranslateEmptyContentIsKept(t *testing.T) {
	events := Translate(key, activity(t, `{"id":"e1","agentMessaged":{}}`), SessionInfo{})
	require.Len(t, events, 1)
	assert.Equal(t, "", events[0].Content)
	assert.Equal(t, "e1", events[0].ID)
}

func TestEventIDFallbacks(t *testing.T) {
	assert.Equal(t, "sessions/77/activities/abc", EventID(key, activity(t, `{"name":"sessions/77/activities/abc"}`)))

	a := activity(t, `{"progressUpdated":{"title":"no id"}}`)
	id := EventID(key, a)
	assert.True(t, strings.HasPrefix(id, key+"/activities/h-"))
	assert.Equal(t, id, EventID(key, activity(t, `{"progressUpdated":{"title":"no id"}}`)))
	assert.NotEqual(t, id, EventID(key, activity(t, `{"progressUpdated":{"title":"other"}}`)))
}

func TestTranslateIsIdempotent(t *testing.T) {
	stream := []string{
		`{"id":"1","planGenerated":{"plan":{"id":"P1","steps":[{"title":"A","index":0},{"title":"B","index":1}]}}}`,
		`{"id":"2","planApproved":{"planId":"P1"}}`,
		`{"progressUpdated":{"title":"Editing"},"artifacts":[{"bashOutput":{"command":"ls"}}]}`,
		`{"id":"4","mystery":{"k":[3,2,1]}}`,
		`{"id":"5","sessionCompleted":{}}`,
	}
	info := SessionInfo{Source: "sources/github/acme/app"}

	run := func() []byte {
		var all []domain.ActivityEvent
		for _, raw := range stream {
			all = append(all, Translate(key, activity(t, raw), info)...)
		}
		out, err := json.Marshal(all)
		require.NoError(t, err)
		return out
	}
	assert.Equal(t, string(run()), string(run()))
}

func TestChangeSetOfPicksLast(t *testing.T) {
	a := activity(t, `{"artifacts":[
		{"changeSet":{"gitPatch":{"unidiffPatch":"first"}}},
		{"media":{"mimeType":"image/png"}},
		{"changeSet":{"source":"s","gitPatch":{"unidiffPatch":"second","baseCommitId":"abc"}}}
	]}`)
	cs := ChangeSetOf(a)
	require.NotNil(t, cs)
	assert.Equal(t, "second", cs.Patch)
	assert.Equal(t, "abc", cs.BaseCommitID)

	assert.Nil(t, ChangeSetOf(agentapi.Activity{}))
}
