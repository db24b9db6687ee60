package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/bridge/internal/agentapi"
	"github.com/xiaot623/gogo/bridge/internal/bridge"
	"github.com/xiaot623/gogo/bridge/internal/config"
	"github.com/xiaot623/gogo/bridge/internal/domain"
	"github.com/xiaot623/gogo/bridge/internal/hub"
	"github.com/xiaot623/gogo/bridge/internal/registry"
)

type fakeAgent struct {
	mu       sync.Mutex
	sessions map[string]*agentapi.Session
	sent     []string
}

func (f *fakeAgent) GetSession(ctx context.Context, name string) (*agentapi.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[name]
	if !ok {
		return nil, &agentapi.APIError{StatusCode: http.StatusNotFound, Message: "not found"}
	}
	cp := *s
	return &cp, nil
}

func (f *fakeAgent) SendMessage(ctx context.Context, name, prompt string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, prompt)
	return nil
}

func (f *fakeAgent) ApprovePlan(ctx context.Context, name string) error { return nil }

func (f *fakeAgent) ListActivities(ctx context.Context, name string, pageSize int, pageToken string) (*agentapi.ActivityPage, error) {
	return &agentapi.ActivityPage{}, nil
}

func (f *fakeAgent) AllActivities(ctx context.Context, name string) ([]agentapi.Activity, error) {
	return nil, nil
}

func (f *fakeAgent) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

// fakeSessions creates bridges directly, standing in for the registry.
type fakeSessions struct {
	agent *fakeAgent
	deps  bridge.Deps

	mu      sync.Mutex
	created []registry.CreateParams
	bridges map[string]*bridge.Bridge
	// stale bridges are handed out before any lookup, like a registry
	// entry a sweep is about to retire.
	stale []*bridge.Bridge
}

func newFakeSessions() *fakeSessions {
	agent := &fakeAgent{sessions: map[string]*agentapi.Session{
		"sessions/7": {Name: "sessions/7", ID: "7", State: string(domain.StateInProgress)},
	}}
	opts := bridge.DefaultOptions()
	opts.PollInterval = 10 * time.Millisecond
	return &fakeSessions{
		agent:   agent,
		deps:    bridge.Deps{Agent: agent, Options: opts, Logger: zerolog.Nop()},
		bridges: make(map[string]*bridge.Bridge),
	}
}

func (f *fakeSessions) GetOrCreate(ctx context.Context, key string) (*bridge.Bridge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key = domain.SessionKey(key)
	if len(f.stale) > 0 {
		b := f.stale[0]
		f.stale = f.stale[1:]
		return b, nil
	}
	if b, ok := f.bridges[key]; ok && !b.Closed() {
		return b, nil
	}
	b, err := bridge.Open(ctx, f.deps, key)
	if err != nil {
		return nil, err
	}
	f.bridges[key] = b
	return b, nil
}

func (f *fakeSessions) Create(ctx context.Context, p registry.CreateParams) (*bridge.Bridge, error) {
	session := &agentapi.Session{Name: "sessions/99", ID: "99", State: string(domain.StateQueued)}
	f.agent.mu.Lock()
	f.agent.sessions[session.Name] = session
	f.agent.mu.Unlock()

	b := bridge.New(f.deps, session)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, p)
	f.bridges[session.Name] = b
	return b, nil
}

func (f *fakeSessions) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, b := range f.bridges {
		b.Close()
	}
}

func startServer(t *testing.T, apiKey string) (*httptest.Server, *fakeSessions) {
	t.Helper()
	cfg, err := config.Load(config.New())
	require.NoError(t, err)
	cfg.APIKey = apiKey

	h := hub.NewHub(Encode, 64)
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)

	sessions := newFakeSessions()
	e := echo.New()
	NewServer(cfg, h, sessions).Register(e)
	srv := httptest.NewServer(e)

	t.Cleanup(func() {
		srv.Close()
		cancel()
		sessions.close()
	})
	return srv, sessions
}

func dial(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var frame map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &frame))
	return frame
}

// readUntil skips frames until one of the given type arrives.
func readUntil(t *testing.T, conn *websocket.Conn, typ string) map[string]interface{} {
	t.Helper()
	for i := 0; i < 20; i++ {
		frame := readFrame(t, conn)
		if frame["type"] == typ {
			return frame
		}
	}
	t.Fatalf("no %q frame received", typ)
	return nil
}

func TestFirstMessageCreatesSession(t *testing.T) {
	srv, sessions := startServer(t, "")
	conn := dial(t, srv, "/chat/sources/github/acme/app?auto_mode=true")

	ready := readFrame(t, conn)
	assert.Equal(t, "system", ready["type"])
	assert.Equal(t, "waiting_for_task", ready["status"])

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("Fix the login bug")))

	creating := readFrame(t, conn)
	assert.Equal(t, "status", creating["type"])
	assert.Equal(t, "creating_session", creating["status"])

	created := readFrame(t, conn)
	assert.Equal(t, "system", created["type"])
	assert.Equal(t, "connected", created["status"])
	assert.Equal(t, "99", created["sessionId"])
	assert.Contains(t, created["content"], "Session created")

	status := readFrame(t, conn)
	assert.Equal(t, "status", status["type"])
	assert.Equal(t, true, status["replay"])

	sessions.mu.Lock()
	require.Len(t, sessions.created, 1)
	p := sessions.created[0]
	sessions.mu.Unlock()
	assert.Equal(t, "Fix the login bug", p.Prompt)
	assert.Equal(t, "sources/github/acme/app", p.Source)
	assert.True(t, p.AutoCreatePR)
}

func TestReconnectAndSendMessage(t *testing.T) {
	srv, sessions := startServer(t, "")
	conn := dial(t, srv, "/chat?session_id=7")

	greeting := readFrame(t, conn)
	assert.Equal(t, "Reconnected to session", greeting["content"])
	assert.Equal(t, "7", greeting["sessionId"])
	assert.Equal(t, string(domain.StateInProgress), greeting["sessionState"])

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"message","text":"also add tests"}`)))

	echoed := readUntil(t, conn, "message")
	assert.Equal(t, "also add tests", echoed["content"])
	assert.Equal(t, "user", echoed["originator"])
	assert.Equal(t, []string{"also add tests"}, sessions.agent.messages())
}

func TestReconnectUnknownSession(t *testing.T) {
	srv, _ := startServer(t, "")
	conn := dial(t, srv, "/chat?session_id=404")

	frame := readFrame(t, conn)
	assert.Equal(t, "error", frame["type"])
	assert.Equal(t, "session_not_found", frame["code"])

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestInvalidMessageKeepsConnection(t *testing.T) {
	srv, _ := startServer(t, "")
	conn := dial(t, srv, "/chat?session_id=7")
	readFrame(t, conn)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"dance"}`)))
	frame := readUntil(t, conn, "error")
	assert.Equal(t, "invalid_message", frame["code"])

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("still here")))
	echoed := readUntil(t, conn, "message")
	assert.Equal(t, "still here", echoed["content"])
}

func TestCommandBeforeSessionIsRejected(t *testing.T) {
	srv, sessions := startServer(t, "")
	conn := dial(t, srv, "/chat")
	readFrame(t, conn)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("/approve")))
	frame := readFrame(t, conn)
	assert.Equal(t, "error", frame["type"])
	assert.Equal(t, "invalid_message", frame["code"])

	sessions.mu.Lock()
	defer sessions.mu.Unlock()
	assert.Empty(t, sessions.created)
}

func TestRejectsMissingAPIKey(t *testing.T) {
	srv, _ := startServer(t, "secret")
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/chat"

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	resp.Body.Close()
	assert.Equal(t, "error", body["type"])
	assert.Equal(t, "unauthorized", body["code"])

	conn, _, err := websocket.DefaultDialer.Dial(url+"?api_key=secret", nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, "system", readFrame(t, conn)["type"])
}

func TestReconnectToRetiredBridgeReopens(t *testing.T) {
	srv, sessions := startServer(t, "")
	retired, err := sessions.GetOrCreate(context.Background(), "7")
	require.NoError(t, err)
	require.True(t, retired.TryRetire(0, 0, time.Now().Add(time.Second)))
	sessions.mu.Lock()
	sessions.stale = append(sessions.stale, retired)
	sessions.mu.Unlock()

	conn := dial(t, srv, "/chat?session_id=7")
	greeting := readFrame(t, conn)
	assert.Equal(t, "Reconnected to session", greeting["content"])
	assert.Equal(t, "7", greeting["sessionId"])

	sessions.mu.Lock()
	current := sessions.bridges["sessions/7"]
	sessions.mu.Unlock()
	assert.NotSame(t, retired, current)
	require.Eventually(t, func() bool { return current.SubscriberCount() == 1 }, time.Second, 5*time.Millisecond)
}
