// Package http provides the REST side channel and health endpoint of the bridge.
package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/xiaot623/gogo/bridge/internal/agentapi"
	"github.com/xiaot623/gogo/bridge/internal/bridge"
	"github.com/xiaot623/gogo/bridge/internal/domain"
	"github.com/xiaot623/gogo/bridge/internal/hub"
	"github.com/xiaot623/gogo/bridge/internal/logger"
	"github.com/xiaot623/gogo/bridge/internal/protocol"
	"github.com/xiaot623/gogo/bridge/internal/repohost"
)

// Sessions is the part of the registry the REST handlers use.
type Sessions interface {
	Get(key string) (*bridge.Bridge, bool)
	GetOrCreate(ctx context.Context, key string) (*bridge.Bridge, error)
	Remove(ctx context.Context, key string, deleteUpstream bool) error
	Len() int
}

// Upstream is the read side of the agent API.
type Upstream interface {
	GetSession(ctx context.Context, name string) (*agentapi.Session, error)
	ListSessions(ctx context.Context, pageSize int, pageToken string) (*agentapi.SessionPage, error)
	ListSources(ctx context.Context) ([]agentapi.Source, error)
}

// Repos is the repository side of the repo host.
type Repos interface {
	ListBranches(ctx context.Context, owner, repo string) ([]repohost.Branch, error)
	ListRepositories(ctx context.Context, perPage int) ([]repohost.Repository, error)
	CreateRepository(ctx context.Context, req repohost.CreateRepositoryRequest) (*repohost.Repository, error)
	DeleteRepository(ctx context.Context, owner, repo string) error
}

// Server is the HTTP server of the bridge. Besides its own routes it hosts
// whatever else is mounted on Echo(), such as the chat endpoint.
type Server struct {
	echo     *echo.Echo
	hub      *hub.Hub
	sessions Sessions
	upstream Upstream
	repos    Repos
}

// NewServer creates the HTTP server. repos may be nil when no repository
// host is configured; apiKey, when set, is required on every route but /health.
func NewServer(h *hub.Hub, sessions Sessions, upstream Upstream, repos Repos, apiKey string) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			event := logger.Logger.Info()
			if v.Error != nil {
				event = logger.Logger.Warn().Err(v.Error)
			}
			event.Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Msg("request")
			return nil
		},
	}))
	e.Use(middleware.Recover())

	s := &Server{
		echo:     e,
		hub:      h,
		sessions: sessions,
		upstream: upstream,
		repos:    repos,
	}

	e.GET("/health", s.handleHealth)

	var auth []echo.MiddlewareFunc
	if apiKey != "" {
		auth = append(auth, middleware.KeyAuthWithConfig(middleware.KeyAuthConfig{
			KeyLookup: "header:X-API-Key,query:api_key",
			Validator: func(key string, c echo.Context) (bool, error) {
				return key == apiKey, nil
			},
		}))
	}
	e.GET("/repos", s.handleListRepos, auth...)
	e.GET("/repos/:owner/:repo/branches", s.handleListBranches, auth...)
	e.GET("/github/repos", s.handleListGitHubRepos, auth...)
	e.POST("/github/repos", s.handleCreateGitHubRepo, auth...)
	e.DELETE("/github/repos/:owner/:repo", s.handleDeleteGitHubRepo, auth...)
	e.GET("/sessions", s.handleListSessions, auth...)
	e.GET("/sessions/:id", s.handleGetSession, auth...)
	e.DELETE("/sessions/:id", s.handleDeleteSession, auth...)
	e.GET("/sessions/:id/events", s.handleSessionEvents, auth...)
	e.POST("/sessions/:id/approve", s.handleApprove, auth...)
	e.POST("/sessions/:id/message", s.handleMessage, auth...)
	e.GET("/sessions/:id/patch", s.handlePatch, auth...)
	e.POST("/sessions/:id/github-pr", s.handlePublish, auth...)
	e.POST("/sessions/:id/publish", s.handlePublishSession, auth...)

	return s
}

// Echo exposes the router so other handlers can mount routes on it.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// Start starts the HTTP server.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":      "healthy",
		"bridges":     s.sessions.Len(),
		"connections": s.hub.GetConnectionCount(),
		"sessions":    s.hub.GetSessionCount(),
	})
}

// RepoResponse is one connected repository.
type RepoResponse struct {
	Source        string `json:"source"`
	Owner         string `json:"owner,omitempty"`
	Repo          string `json:"repo,omitempty"`
	Private       bool   `json:"private,omitempty"`
	DefaultBranch string `json:"defaultBranch,omitempty"`
}

// GET /repos
func (s *Server) handleListRepos(c echo.Context) error {
	if s.upstream == nil {
		return notConfigured(c, "agent API")
	}
	sources, err := s.upstream.ListSources(c.Request().Context())
	if err != nil {
		return writeError(c, err)
	}

	repos := make([]RepoResponse, 0, len(sources))
	for _, src := range sources {
		r := RepoResponse{Source: src.Name}
		if gh := src.GitHubRepo; gh != nil {
			r.Owner = gh.Owner
			r.Repo = gh.Repo
			r.Private = gh.IsPrivate
			if gh.DefaultBranch != nil {
				r.DefaultBranch = gh.DefaultBranch.DisplayName
			}
		}
		repos = append(repos, r)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"repos": repos})
}

// GET /repos/:owner/:repo/branches
func (s *Server) handleListBranches(c echo.Context) error {
	if s.repos == nil {
		return notConfigured(c, "repository host")
	}
	branches, err := s.repos.ListBranches(c.Request().Context(), c.Param("owner"), c.Param("repo"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"branches": branches})
}

// GET /github/repos
func (s *Server) handleListGitHubRepos(c echo.Context) error {
	if s.repos == nil {
		return notConfigured(c, "repository host")
	}
	repos, err := s.repos.ListRepositories(c.Request().Context(), 50)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"repos": repos})
}

// CreateRepoRequest is the body of POST /github/repos.
type CreateRepoRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Private     bool   `json:"private"`
}

// POST /github/repos
func (s *Server) handleCreateGitHubRepo(c echo.Context) error {
	if s.repos == nil {
		return notConfigured(c, "repository host")
	}
	var req CreateRepoRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if strings.TrimSpace(req.Name) == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "name is required"})
	}

	repo, err := s.repos.CreateRepository(c.Request().Context(), repohost.CreateRepositoryRequest{
		Name:        req.Name,
		Description: req.Description,
		Private:     req.Private,
	})
	if err != nil {
		if repohost.StatusCode(err) == http.StatusUnprocessableEntity {
			return c.JSON(http.StatusUnprocessableEntity, map[string]string{"error": "repository name already exists or is invalid"})
		}
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, repo)
}

// DELETE /github/repos/:owner/:repo
func (s *Server) handleDeleteGitHubRepo(c echo.Context) error {
	if s.repos == nil {
		return notConfigured(c, "repository host")
	}
	owner, repo := c.Param("owner"), c.Param("repo")
	if err := s.repos.DeleteRepository(c.Request().Context(), owner, repo); err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"ok": true, "message": "Repository " + owner + "/" + repo + " deleted"})
}

// GET /sessions
func (s *Server) handleListSessions(c echo.Context) error {
	if s.upstream == nil {
		return notConfigured(c, "agent API")
	}
	pageSize := 30
	if v := c.QueryParam("page_size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "page_size must be a positive integer"})
		}
		pageSize = n
	}

	page, err := s.upstream.ListSessions(c.Request().Context(), pageSize, c.QueryParam("page_token"))
	if err != nil {
		return writeError(c, err)
	}
	sessions := page.Sessions
	if sessions == nil {
		sessions = []agentapi.Session{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"sessions":      sessions,
		"nextPageToken": page.NextPageToken,
	})
}

// GET /sessions/:id
func (s *Server) handleGetSession(c echo.Context) error {
	if s.upstream == nil {
		return notConfigured(c, "agent API")
	}
	key := domain.SessionKey(c.Param("id"))
	session, err := s.upstream.GetSession(c.Request().Context(), key)
	if err != nil {
		return writeError(c, err)
	}

	resp := map[string]interface{}{
		"session":   session,
		"live":      false,
		"connected": s.hub.HasActiveConnections(key),
	}
	if b, ok := s.sessions.Get(key); ok {
		resp["live"] = true
		resp["snapshot"] = b.Snapshot()
		resp["subscribers"] = b.SubscriberCount()
	}
	return c.JSON(http.StatusOK, resp)
}

// DELETE /sessions/:id
func (s *Server) handleDeleteSession(c echo.Context) error {
	key := domain.SessionKey(c.Param("id"))
	if _, err := s.hub.NotifySession(key, protocol.System("Session deleted", protocol.StatusDeleted)); err != nil {
		logger.Warnf("Failed to notify %s of deletion: %v", key, err)
	}
	if err := s.sessions.Remove(c.Request().Context(), key, true); err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"ok": true, "sessionId": domain.SessionID(key)})
}

// GET /sessions/:id/events
func (s *Server) handleSessionEvents(c echo.Context) error {
	b, err := s.sessions.GetOrCreate(c.Request().Context(), c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	events, partial := b.Events()
	if events == nil {
		events = []domain.ActivityEvent{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"sessionId": domain.SessionID(b.Key()),
		"snapshot":  b.Snapshot(),
		"events":    events,
		"partial":   partial,
	})
}

// POST /sessions/:id/approve
func (s *Server) handleApprove(c echo.Context) error {
	res, err := s.submit(c, domain.ApprovePlan())
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"ok": true, "event": res.Event})
}

// MessageRequest is the body of POST /sessions/:id/message.
type MessageRequest struct {
	Text    string `json:"text"`
	Message string `json:"message"`
}

// POST /sessions/:id/message
func (s *Server) handleMessage(c echo.Context) error {
	var req MessageRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	text := req.Text
	if text == "" {
		text = req.Message
	}
	if text == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "text is required"})
	}

	res, err := s.submit(c, domain.SendMessage(text))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"ok": true, "event": res.Event})
}

// GET /sessions/:id/patch
func (s *Server) handlePatch(c echo.Context) error {
	res, err := s.submit(c, domain.FetchPatch())
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, res.Patch)
}

// POST /sessions/:id/github-pr?base_branch=&branch_only=
func (s *Server) handlePublish(c echo.Context) error {
	base := c.QueryParam("base_branch")
	cmd := domain.CreatePR(base)
	if v := c.QueryParam("branch_only"); v != "" {
		branchOnly, err := strconv.ParseBool(v)
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "branch_only must be a boolean"})
		}
		if branchOnly {
			cmd = domain.CreateBranch(base)
		}
	}

	res, err := s.submit(c, cmd)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, res.Publish)
}

// POST /sessions/:id/publish?create_pr=
func (s *Server) handlePublishSession(c echo.Context) error {
	cmd := domain.CreateBranch("")
	if v := c.QueryParam("create_pr"); v != "" {
		createPR, err := strconv.ParseBool(v)
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "create_pr must be a boolean"})
		}
		if createPR {
			cmd = domain.CreatePR("")
		}
	}

	res, err := s.submit(c, cmd)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"ok": true, "result": res.Publish})
}

// submit runs cmd through the session's bridge, so it is serialized with
// commands from WebSocket clients.
func (s *Server) submit(c echo.Context, cmd domain.Command) (*domain.CommandResult, error) {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Minute)
	defer cancel()

	b, err := s.sessions.GetOrCreate(ctx, c.Param("id"))
	if err != nil {
		return nil, err
	}
	return b.Submit(ctx, cmd)
}

// writeError maps err to a status code and a JSON error body.
func writeError(c echo.Context, err error) error {
	status := http.StatusInternalServerError
	var ce *domain.CommandExecutionError
	switch {
	case errors.Is(err, domain.ErrSessionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrBridgeClosed):
		status = http.StatusServiceUnavailable
	case errors.As(err, &ce):
		switch {
		case ce.Rejected():
			status = http.StatusConflict
		case ce.StatusCode >= 400 && ce.StatusCode < 500:
			status = ce.StatusCode
		default:
			status = http.StatusBadGateway
		}
		return c.JSON(status, map[string]string{"error": ce.Reason, "command": string(ce.Command)})
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	default:
		if code := upstreamStatus(err); code >= 400 && code < 500 {
			status = code
		} else if code != 0 {
			status = http.StatusBadGateway
		}
	}
	if status >= 500 {
		logger.Errorf("Request %s %s failed: %v", c.Request().Method, c.Request().URL.Path, err)
	}
	return c.JSON(status, map[string]string{"error": err.Error()})
}

func upstreamStatus(err error) int {
	if code := agentapi.StatusCode(err); code != 0 {
		return code
	}
	return repohost.StatusCode(err)
}

func notConfigured(c echo.Context, what string) error {
	return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": what + " is not configured"})
}
