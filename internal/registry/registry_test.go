package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/bridge/internal/agentapi"
	"github.com/xiaot623/gogo/bridge/internal/bridge"
	"github.com/xiaot623/gogo/bridge/internal/domain"
	"github.com/xiaot623/gogo/bridge/internal/store"
)

type fakeAgent struct {
	mu       sync.Mutex
	sessions map[string]*agentapi.Session
	gets     int
	deleted  []string
}

func newFakeAgent(sessions ...*agentapi.Session) *fakeAgent {
	f := &fakeAgent{sessions: make(map[string]*agentapi.Session)}
	for _, s := range sessions {
		f.sessions[s.Name] = s
	}
	return f
}

func (f *fakeAgent) GetSession(ctx context.Context, name string) (*agentapi.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	s, ok := f.sessions[name]
	if !ok {
		return nil, &agentapi.APIError{StatusCode: 404, Message: "not found"}
	}
	// Slow enough for concurrent callers to pile up.
	time.Sleep(10 * time.Millisecond)
	cp := *s
	return &cp, nil
}

func (f *fakeAgent) SendMessage(ctx context.Context, name, prompt string) error { return nil }

func (f *fakeAgent) ApprovePlan(ctx context.Context, name string) error { return nil }

func (f *fakeAgent) ListActivities(ctx context.Context, name string, pageSize int, pageToken string) (*agentapi.ActivityPage, error) {
	return &agentapi.ActivityPage{}, nil
}

func (f *fakeAgent) AllActivities(ctx context.Context, name string) ([]agentapi.Activity, error) {
	return nil, nil
}

func (f *fakeAgent) CreateSession(ctx context.Context, req agentapi.CreateSessionRequest) (*agentapi.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := &agentapi.Session{Name: "sessions/new", ID: "new", State: "QUEUED", Title: req.Prompt}
	if req.Source != "" {
		s.SourceContext = &agentapi.SourceContext{Source: req.Source}
	}
	f.sessions[s.Name] = s
	return s, nil
}

func (f *fakeAgent) DeleteSession(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, name)
	delete(f.sessions, name)
	return nil
}

func newTestRegistry(t *testing.T, agent *fakeAgent, st store.Store) *Registry {
	t.Helper()
	opts := bridge.DefaultOptions()
	opts.PollInterval = time.Hour
	opts.MaxBackoff = time.Hour
	r := New(agent, bridge.Deps{Options: opts, Logger: zerolog.Nop()}, st, Options{
		IdleTimeout:    time.Minute,
		MaxPendingIdle: time.Hour,
		SweepInterval:  time.Hour,
	})
	t.Cleanup(r.Shutdown)
	return r
}

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestGetOrCreateSharesOneBridge(t *testing.T) {
	agent := newFakeAgent(&agentapi.Session{Name: "sessions/1", State: "IN_PROGRESS"})
	r := newTestRegistry(t, agent, nil)

	const n = 10
	results := make([]*bridge.Bridge, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b, err := r.GetOrCreate(context.Background(), "1")
			assert.NoError(t, err)
			results[i] = b
		}(i)
	}
	wg.Wait()

	for _, b := range results {
		assert.Same(t, results[0], b)
	}
	assert.Equal(t, 1, r.Len())
	agent.mu.Lock()
	assert.Equal(t, 1, agent.gets)
	agent.mu.Unlock()

	b, ok := r.Get("sessions/1")
	require.True(t, ok)
	assert.Same(t, results[0], b)
}

func TestGetOrCreateUnknownSession(t *testing.T) {
	r := newTestRegistry(t, newFakeAgent(), nil)

	_, err := r.GetOrCreate(context.Background(), "nope")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
	assert.Zero(t, r.Len())
}

func TestCreateRecordsSession(t *testing.T) {
	st := newTestStore(t)
	r := newTestRegistry(t, newFakeAgent(), st)

	b, err := r.Create(context.Background(), CreateParams{Prompt: "add a readme", Source: "sources/github/acme/app", AutoCreatePR: true})
	require.NoError(t, err)
	assert.Equal(t, "sessions/new", b.Key())
	assert.Equal(t, domain.StateQueued, b.Snapshot().State)

	got, ok := r.Get("new")
	require.True(t, ok)
	assert.Same(t, b, got)

	rec, err := st.GetSession(context.Background(), "sessions/new")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "add a readme", rec.Prompt)
	assert.Equal(t, "sources/github/acme/app", rec.Source)
	assert.True(t, rec.AutoCreatePR)
}

func TestSweepEvictsIdleBridges(t *testing.T) {
	agent := newFakeAgent(
		&agentapi.Session{Name: "sessions/done", State: "COMPLETED"},
		&agentapi.Session{Name: "sessions/busy", State: "IN_PROGRESS"},
		&agentapi.Session{Name: "sessions/watched", State: "COMPLETED"},
	)
	r := newTestRegistry(t, agent, nil)
	ctx := context.Background()

	for _, key := range []string{"done", "busy", "watched"} {
		_, err := r.GetOrCreate(ctx, key)
		require.NoError(t, err)
	}
	watched, _ := r.Get("watched")
	_, err := watched.Attach(&nopSubscriber{})
	require.NoError(t, err)

	now := time.Now()
	assert.Empty(t, r.Sweep(now))

	assert.Equal(t, []string{"sessions/done"}, r.Sweep(now.Add(2*time.Minute)))
	assert.Equal(t, 2, r.Len())

	assert.Equal(t, []string{"sessions/busy"}, r.Sweep(now.Add(2*time.Hour)))
	_, ok := r.Get("watched")
	assert.True(t, ok)
}

func TestRetiredBridgeIsReopenedOnNextConnect(t *testing.T) {
	agent := newFakeAgent(&agentapi.Session{Name: "sessions/done", State: "COMPLETED"})
	r := newTestRegistry(t, agent, nil)
	ctx := context.Background()

	old, err := r.GetOrCreate(ctx, "done")
	require.NoError(t, err)

	// A sweep wins the race against a connect that already holds the bridge.
	require.True(t, old.TryRetire(time.Minute, time.Hour, time.Now().Add(2*time.Minute)))
	_, err = old.Attach(&nopSubscriber{})
	require.ErrorIs(t, err, domain.ErrBridgeClosed)

	fresh, err := r.GetOrCreate(ctx, "done")
	require.NoError(t, err)
	assert.NotSame(t, old, fresh)
	_, err = fresh.Attach(&nopSubscriber{})
	require.NoError(t, err)

	// The late sweep bookkeeping leaves the replacement alone.
	assert.Empty(t, r.Sweep(time.Now().Add(2*time.Minute)))
	got, ok := r.Get("done")
	require.True(t, ok)
	assert.Same(t, fresh, got)
}

func TestRemoveDeletesUpstreamAndLedger(t *testing.T) {
	st := newTestStore(t)
	agent := newFakeAgent()
	r := newTestRegistry(t, agent, st)
	ctx := context.Background()

	b, err := r.Create(ctx, CreateParams{Prompt: "task"})
	require.NoError(t, err)

	require.NoError(t, r.Remove(ctx, b.Key(), true))
	_, ok := r.Get(b.Key())
	assert.False(t, ok)
	assert.Equal(t, []string{"sessions/new"}, agent.deleted)

	rec, err := st.GetSession(ctx, "sessions/new")
	require.NoError(t, err)
	assert.Nil(t, rec)

	_, err = b.Submit(ctx, domain.SendMessage("late"))
	assert.ErrorIs(t, err, domain.ErrBridgeClosed)
}

func TestRunEvictionMonitorStopsWithContext(t *testing.T) {
	r := newTestRegistry(t, newFakeAgent(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.RunEvictionMonitor(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop")
	}
}

type nopSubscriber struct{}

func (nopSubscriber) ID() string { return "nop" }

func (nopSubscriber) Deliver(bridge.Envelope) bool { return true }
