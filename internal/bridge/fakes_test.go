package bridge

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/bridge/internal/agentapi"
	"github.com/xiaot623/gogo/bridge/internal/domain"
	"github.com/xiaot623/gogo/bridge/internal/policy"
	"github.com/xiaot623/gogo/bridge/internal/repohost"
)

const testKey = "sessions/42"

type fakeAgent struct {
	mu         sync.Mutex
	session    agentapi.Session
	activities []agentapi.Activity

	// listErrs are returned by successive ListActivities calls before
	// normal results resume. listErr, when set, is returned forever.
	listErrs   []error
	listErr    error
	// getErrs are returned by successive GetSession calls.
	getErrs    []error
	sendErr    error
	approveErr error
	// sendGate, when set, blocks SendMessage until it is closed.
	sendGate chan struct{}

	sent      []string
	approvals int
	listCalls int
	inflight  int
	maxInfl   int
}

func newFakeAgent(state domain.SessionState, activities ...agentapi.Activity) *fakeAgent {
	return &fakeAgent{
		session: agentapi.Session{
			Name:          testKey,
			ID:            "42",
			State:         string(state),
			SourceContext: &agentapi.SourceContext{Source: "sources/github/acme/app"},
		},
		activities: activities,
	}
}

func (f *fakeAgent) GetSession(ctx context.Context, name string) (*agentapi.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil && agentapi.StatusCode(f.listErr) != 0 {
		return nil, f.listErr
	}
	if len(f.getErrs) > 0 {
		err := f.getErrs[0]
		f.getErrs = f.getErrs[1:]
		return nil, err
	}
	s := f.session
	return &s, nil
}

func (f *fakeAgent) SendMessage(ctx context.Context, name, prompt string) error {
	f.mu.Lock()
	f.inflight++
	if f.inflight > f.maxInfl {
		f.maxInfl = f.inflight
	}
	gate := f.sendGate
	f.mu.Unlock()

	if gate != nil {
		<-gate
	} else {
		time.Sleep(time.Millisecond)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.inflight--
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, prompt)
	return nil
}

func (f *fakeAgent) ApprovePlan(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.approveErr != nil {
		return f.approveErr
	}
	f.approvals++
	return nil
}

func (f *fakeAgent) ListActivities(ctx context.Context, name string, pageSize int, pageToken string) (*agentapi.ActivityPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	if len(f.listErrs) > 0 {
		err := f.listErrs[0]
		f.listErrs = f.listErrs[1:]
		return nil, err
	}

	offset := 0
	if pageToken != "" {
		n, err := strconv.Atoi(pageToken)
		if err != nil {
			return nil, &agentapi.APIError{StatusCode: 400, Message: "bad page token"}
		}
		offset = n
	}
	if offset > len(f.activities) {
		offset = len(f.activities)
	}
	end := offset + pageSize
	page := &agentapi.ActivityPage{}
	if end < len(f.activities) {
		page.NextPageToken = strconv.Itoa(end)
	} else {
		end = len(f.activities)
	}
	page.Activities = append(page.Activities, f.activities[offset:end]...)
	return page, nil
}

func (f *fakeAgent) AllActivities(ctx context.Context, name string) ([]agentapi.Activity, error) {
	var all []agentapi.Activity
	token := ""
	for {
		page, err := f.ListActivities(ctx, name, 2, token)
		if err != nil {
			return nil, err
		}
		all = append(all, page.Activities...)
		if page.NextPageToken == "" {
			return all, nil
		}
		token = page.NextPageToken
	}
}

func (f *fakeAgent) add(a ...agentapi.Activity) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activities = append(f.activities, a...)
}

func (f *fakeAgent) setState(s domain.SessionState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.session.State = string(s)
}

func (f *fakeAgent) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls
}

type fakeRepo struct {
	mu       sync.Mutex
	requests []repohost.PublishRequest
	opened   []string
}

func (r *fakeRepo) PublishPatch(ctx context.Context, req repohost.PublishRequest) (*domain.PublishResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, req)
	branch := fmt.Sprintf("jules-patch-%d", len(r.requests))
	if req.BranchOnly {
		return &domain.PublishResult{Kind: domain.PublishBranchCreated, Branch: branch, URL: "https://github.com/acme/app/tree/" + branch}, nil
	}
	return &domain.PublishResult{Kind: domain.PublishPRCreated, Branch: branch, URL: "https://github.com/acme/app/pull/1", Number: 1}, nil
}

func (r *fakeRepo) OpenPullRequest(ctx context.Context, owner, repo, head, base, title, body string) (*domain.PublishResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.opened = append(r.opened, head)
	return &domain.PublishResult{Kind: domain.PublishPRCreated, Branch: head, URL: "https://github.com/acme/app/pull/2", Number: 2}, nil
}

// recorder is a Subscriber that keeps everything it is sent.
type recorder struct {
	id string
	ch chan Envelope
}

func newRecorder(id string) *recorder {
	return &recorder{id: id, ch: make(chan Envelope, 256)}
}

func (r *recorder) ID() string { return r.id }

func (r *recorder) Deliver(env Envelope) bool {
	select {
	case r.ch <- env:
		return true
	default:
		return false
	}
}

// next waits for n event envelopes, skipping the attach header.
func (r *recorder) next(t *testing.T, n int) []domain.ActivityEvent {
	t.Helper()
	var out []domain.ActivityEvent
	deadline := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case env := <-r.ch:
			if env.Attach == nil {
				out = append(out, env.Event)
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %d events, got %d", n, len(out))
		}
	}
	return out
}

// quiet asserts nothing else arrives for a few poll intervals.
func (r *recorder) quiet(t *testing.T) {
	t.Helper()
	select {
	case env := <-r.ch:
		t.Fatalf("unexpected envelope: %+v", env.Event)
	case <-time.After(60 * time.Millisecond):
	}
}

func testOptions() Options {
	return Options{
		PollInterval:        5 * time.Millisecond,
		MaxBackoff:          20 * time.Millisecond,
		PollTimeout:         time.Second,
		FailureThreshold:    5,
		ReplayBufferSize:    100,
		DetachGrace:         time.Second,
		CommandTimeout:      time.Second,
		CommandQueueSize:    16,
		PageSize:            2,
		SessionRefreshEvery: 1,
	}
}

func testDeps(t *testing.T, agent *fakeAgent, repo RepoHost) Deps {
	t.Helper()
	engine, err := policy.NewEngine(context.Background(), policy.DefaultPolicy)
	require.NoError(t, err)
	return Deps{
		Agent:   agent,
		Repo:    repo,
		Policy:  engine,
		Options: testOptions(),
		Logger:  zerolog.Nop(),
	}
}

func openBridge(t *testing.T, deps Deps) *Bridge {
	t.Helper()
	b, err := Open(context.Background(), deps, testKey)
	require.NoError(t, err)
	t.Cleanup(b.Close)
	return b
}

func userMsg(id, text string) agentapi.Activity {
	return agentapi.Activity{ID: id, Originator: "user", UserMessaged: &agentapi.Messaged{UserMessage: text}}
}

func agentMsg(id, text string) agentapi.Activity {
	return agentapi.Activity{ID: id, Originator: "agent", AgentMessaged: &agentapi.Messaged{AgentMessage: text}}
}

func planAct(id, planID string) agentapi.Activity {
	return agentapi.Activity{ID: id, Originator: "agent", PlanGenerated: &agentapi.PlanGenerated{Plan: agentapi.Plan{
		ID:    planID,
		Steps: []agentapi.PlanStep{{ID: "a", Title: "A", Index: 0}, {ID: "b", Title: "B", Index: 1}},
	}}}
}

func patchAct(id string) agentapi.Activity {
	return agentapi.Activity{
		ID:              id,
		Originator:      "agent",
		ProgressUpdated: &agentapi.ProgressUpdated{Title: "Editing"},
		Artifacts: []agentapi.Artifact{{ChangeSet: &agentapi.ChangeSet{
			Source: "sources/github/acme/app",
			GitPatch: &agentapi.GitPatch{
				UnidiffPatch:           "--- a/main.go\n+++ b/main.go\n@@ -1 +1 @@\n-a\n+b\n",
				SuggestedCommitMessage: "Fix main\n\nDetails here",
			},
		}}},
	}
}

func ids(events []domain.ActivityEvent) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.ID
	}
	return out
}
