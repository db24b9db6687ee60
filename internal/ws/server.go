// Package ws provides the WebSocket endpoint clients chat with a session through.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/xiaot623/gogo/bridge/internal/bridge"
	"github.com/xiaot623/gogo/bridge/internal/config"
	"github.com/xiaot623/gogo/bridge/internal/domain"
	"github.com/xiaot623/gogo/bridge/internal/hub"
	"github.com/xiaot623/gogo/bridge/internal/logger"
	"github.com/xiaot623/gogo/bridge/internal/protocol"
	"github.com/xiaot623/gogo/bridge/internal/registry"
)

// Sessions is the part of the registry the handler uses.
type Sessions interface {
	GetOrCreate(ctx context.Context, key string) (*bridge.Bridge, error)
	Create(ctx context.Context, p registry.CreateParams) (*bridge.Bridge, error)
}

// Server handles WebSocket connections.
type Server struct {
	cfg      *config.Config
	hub      *hub.Hub
	sessions Sessions
	upgrader websocket.Upgrader
}

// NewServer creates a new WebSocket server.
func NewServer(cfg *config.Config, h *hub.Hub, sessions Sessions) *Server {
	return &Server{
		cfg:      cfg,
		hub:      h,
		sessions: sessions,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// Mobile clients send no Origin.
				return true
			},
		},
	}
}

// Register mounts the chat routes. The path after /chat/ is the repository
// source, e.g. /chat/sources/github/owner/repo; a bare /chat is repoless.
func (s *Server) Register(e *echo.Echo) {
	e.GET("/chat", s.HandleWebSocket)
	e.GET("/chat/*", s.HandleWebSocket)
}

// Encode renders bridge envelopes for the hub. The attach header becomes the
// greeting: "Session created" for the connection that created the session,
// "Reconnected to session" for everyone else.
func Encode(conn *hub.Connection, env bridge.Envelope) ([]byte, error) {
	if info := env.Attach; info != nil {
		if conn.Fresh {
			return json.Marshal(protocol.Created(info.SessionKey, info.Snapshot))
		}
		return json.Marshal(protocol.Reconnected(info.SessionKey, info.Snapshot, info.Replayed, info.Partial))
	}
	return json.Marshal(protocol.Event(env.Event, env.Snapshot, env.Replayed))
}

// client is the per-connection state owned by the read loop.
type client struct {
	conn     *hub.Connection
	source   string
	autoMode bool
	bridge   *bridge.Bridge
	commands chan queuedCommand
	log      zerolog.Logger
}

type queuedCommand struct {
	bridge *bridge.Bridge
	cmd    domain.Command
}

// HandleWebSocket handles WebSocket upgrade and connection lifecycle.
func (s *Server) HandleWebSocket(c echo.Context) error {
	if s.cfg.APIKey != "" && c.QueryParam("api_key") != s.cfg.APIKey {
		return c.JSON(http.StatusUnauthorized, protocol.Error(protocol.ErrorCodeUnauthorized, "invalid api_key"))
	}

	source, err := url.PathUnescape(strings.Trim(c.Param("*"), "/"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid source"})
	}
	sessionID := c.QueryParam("session_id")
	autoMode, _ := strconv.ParseBool(c.QueryParam("auto_mode"))

	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		logger.Errorf("Failed to upgrade WebSocket: %v", err)
		return err
	}

	conn := s.hub.NewConnection(ws)
	ws.SetReadLimit(s.cfg.MaxMessageSize)
	s.hub.Register(conn)

	cl := &client{
		conn:     conn,
		source:   source,
		autoMode: autoMode,
		commands: make(chan queuedCommand, s.cfg.CommandQueueSize),
		log:      logger.WithFields(map[string]interface{}{"conn": conn.ID(), "source": source}),
	}

	go s.writePump(conn)
	go s.commandPump(cl)
	go s.readPump(cl, sessionID)

	return nil
}

// readPump attaches the connection and reads messages until it goes away.
func (s *Server) readPump(cl *client, sessionID string) {
	conn := cl.conn
	defer func() {
		if cl.bridge != nil {
			cl.bridge.Detach(conn.ID())
		}
		close(cl.commands)
		// writePump flushes what is queued, then closes the socket.
		s.hub.Unregister(conn)
		cl.log.Debug().Msg("connection closed")
	}()

	if sessionID != "" {
		if !s.reconnect(cl, sessionID) {
			return
		}
	} else {
		s.send(cl, protocol.Ready())
	}

	conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	conn.Conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		return nil
	})

	for {
		_, message, err := conn.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				cl.log.Warn().Err(err).Msg("websocket error")
			}
			break
		}

		s.handleMessage(cl, message)
	}
}

// writePump writes messages to the WebSocket connection.
func (s *Server) writePump(conn *hub.Connection) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case message, ok := <-conn.Send:
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if !ok {
				// Hub closed the channel
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				logger.Warnf("Failed to write message to %s: %v", conn.ID(), err)
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// commandPump submits a connection's commands one at a time, in the order
// they were read.
func (s *Server) commandPump(cl *client) {
	for q := range cl.commands {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.CommandTimeout+5*time.Second)
		res, err := q.bridge.Submit(ctx, q.cmd)
		cancel()

		var ce *domain.CommandExecutionError
		switch {
		case errors.As(err, &ce):
			s.send(cl, protocol.CommandError(ce))
		case err != nil:
			cl.log.Error().Err(err).Str("command", string(q.cmd.Kind)).Msg("command submission failed")
			s.send(cl, protocol.Error(protocol.ErrorCodeInternalError, err.Error()))
		case res != nil && res.Patch != nil:
			s.send(cl, protocol.Patch(res.Patch))
		}
	}
}

// reconnect attaches to an existing session. It reports false when the
// connection should be closed.
func (s *Server) reconnect(cl *client, sessionID string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	b, err := s.sessions.GetOrCreate(ctx, sessionID)
	if err != nil {
		code := protocol.ErrorCodeInternalError
		if errors.Is(err, domain.ErrSessionNotFound) {
			code = protocol.ErrorCodeSessionNotFound
		}
		cl.log.Warn().Err(err).Str("session", sessionID).Msg("reconnect failed")
		s.send(cl, protocol.Error(code, err.Error()))
		return false
	}
	return s.attach(ctx, cl, b)
}

// attach subscribes the connection to b. A bridge retired by the idle sweep
// between lookup and attach is reopened once through the registry.
func (s *Server) attach(ctx context.Context, cl *client, b *bridge.Bridge) bool {
	_, err := b.Attach(cl.conn)
	if errors.Is(err, domain.ErrBridgeClosed) {
		cl.log.Debug().Str("session", b.Key()).Msg("bridge retired during attach, reopening")
		var reopened *bridge.Bridge
		if reopened, err = s.sessions.GetOrCreate(ctx, b.Key()); err == nil {
			b = reopened
			_, err = b.Attach(cl.conn)
		}
	}
	if err != nil {
		cl.log.Warn().Err(err).Str("session", b.Key()).Msg("attach failed")
		s.send(cl, protocol.Error(protocol.ErrorCodeInternalError, "could not attach to session: "+err.Error()))
		return false
	}
	s.hub.BindSession(cl.conn, b.Key())
	cl.bridge = b
	cl.log = cl.log.With().Str("session", b.Key()).Logger()
	cl.log.Info().Bool("fresh", cl.conn.Fresh).Msg("attached")
	return true
}

// handleMessage dispatches one inbound frame.
func (s *Server) handleMessage(cl *client, data []byte) {
	cmd, err := protocol.ParseInbound(data)
	if err != nil {
		var pe *domain.ProtocolError
		reason := err.Error()
		if errors.As(err, &pe) {
			reason = pe.Reason
		}
		s.send(cl, protocol.Error(protocol.ErrorCodeInvalidMessage, reason))
		return
	}

	if cl.bridge == nil {
		s.createSession(cl, cmd)
		return
	}

	select {
	case cl.commands <- queuedCommand{bridge: cl.bridge, cmd: cmd}:
	default:
		s.send(cl, protocol.Error(protocol.ErrorCodeCommandRejected, "too many commands in flight; wait for the previous ones to finish"))
	}
}

// createSession turns the first message of a connection without a session
// into the task of a new one.
func (s *Server) createSession(cl *client, cmd domain.Command) {
	if cmd.Kind != domain.CommandSendMessage {
		s.send(cl, protocol.Error(protocol.ErrorCodeInvalidMessage, "send your task first"))
		return
	}

	s.send(cl, protocol.Creating())
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.AgentTimeout)
	defer cancel()

	b, err := s.sessions.Create(ctx, registry.CreateParams{
		Prompt:       cmd.Text,
		Source:       cl.source,
		AutoCreatePR: cl.autoMode,
	})
	if err != nil {
		cl.log.Error().Err(err).Msg("session creation failed")
		s.send(cl, protocol.Error(protocol.ErrorCodeSessionFailed, "Failed to create session: "+err.Error()))
		return
	}

	cl.conn.Fresh = true
	s.attach(ctx, cl, b)
}

func (s *Server) send(cl *client, msg protocol.ServerMessage) {
	if err := s.hub.SendJSONToConnection(cl.conn, msg); err != nil {
		cl.log.Warn().Err(err).Str("type", msg.Type).Msg("failed to queue message")
	}
}
