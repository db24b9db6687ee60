// Package hub provides connection management for WebSocket clients.
package hub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/xiaot623/gogo/bridge/internal/bridge"
	"github.com/xiaot623/gogo/bridge/internal/logger"
)

// Encoder renders a bridge envelope as one wire frame for conn.
type Encoder func(conn *Connection, env bridge.Envelope) ([]byte, error)

// Connection represents a single WebSocket connection. It implements
// bridge.Subscriber.
type Connection struct {
	id         string
	SessionKey string
	Conn       *websocket.Conn
	Send       chan []byte
	// Fresh is set when the connection created the session it is attached to.
	Fresh bool
	hub   *Hub
	mu    sync.Mutex

	sendMu sync.Mutex
	closed bool
}

// Hub indexes live connections by id and by session.
type Hub struct {
	// Connections indexed by connection ID
	connections map[string]*Connection

	// Sessions maps session key to set of connection IDs
	sessions map[string]map[string]bool

	// Channels for registration/unregistration
	register   chan *Connection
	unregister chan *Connection
	done       chan struct{}

	encode     Encoder
	sendBuffer int

	mu sync.RWMutex
}

// NewHub creates a new Hub. sendBuffer is the outbound queue length of each
// connection and must hold a full replay.
func NewHub(encode Encoder, sendBuffer int) *Hub {
	if sendBuffer <= 0 {
		sendBuffer = 256
	}
	return &Hub{
		connections: make(map[string]*Connection),
		sessions:    make(map[string]map[string]bool),
		register:    make(chan *Connection),
		unregister:  make(chan *Connection),
		done:        make(chan struct{}),
		encode:      encode,
		sendBuffer:  sendBuffer,
	}
}

// Run starts the hub's main loop. It returns when ctx is done, closing every
// remaining connection's queue.
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		h.mu.Lock()
		for _, conn := range h.connections {
			conn.closeSend()
		}
		h.connections = make(map[string]*Connection)
		h.sessions = make(map[string]map[string]bool)
		h.mu.Unlock()
		close(h.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case conn := <-h.register:
			h.mu.Lock()
			h.connections[conn.id] = conn
			if conn.SessionKey != "" {
				h.bindLocked(conn, conn.SessionKey)
			}
			h.mu.Unlock()
			logger.Debugf("Connection registered: %s (session: %s)", conn.id, conn.SessionKey)

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.connections[conn.id]; ok {
				delete(h.connections, conn.id)
				h.unbindLocked(conn)
				conn.closeSend()
			}
			h.mu.Unlock()
			logger.Debugf("Connection unregistered: %s", conn.id)
		}
	}
}

// NewConnection creates a new connection. It is not registered yet.
func (h *Hub) NewConnection(ws *websocket.Conn) *Connection {
	return &Connection{
		id:   uuid.New().String(),
		Conn: ws,
		Send: make(chan []byte, h.sendBuffer),
		hub:  h,
	}
}

// Register registers a connection with the hub.
func (h *Hub) Register(conn *Connection) {
	select {
	case h.register <- conn:
	case <-h.done:
		conn.closeSend()
	}
}

// Unregister unregisters a connection and closes its queue.
func (h *Hub) Unregister(conn *Connection) {
	select {
	case h.unregister <- conn:
	case <-h.done:
	}
}

// BindSession binds a connection to a session.
func (h *Hub) BindSession(conn *Connection, sessionKey string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unbindLocked(conn)
	h.bindLocked(conn, sessionKey)
}

func (h *Hub) bindLocked(conn *Connection, sessionKey string) {
	conn.SessionKey = sessionKey
	if h.sessions[sessionKey] == nil {
		h.sessions[sessionKey] = make(map[string]bool)
	}
	h.sessions[sessionKey][conn.id] = true
}

func (h *Hub) unbindLocked(conn *Connection) {
	if conn.SessionKey == "" || h.sessions[conn.SessionKey] == nil {
		return
	}
	delete(h.sessions[conn.SessionKey], conn.id)
	if len(h.sessions[conn.SessionKey]) == 0 {
		delete(h.sessions, conn.SessionKey)
	}
}

// NotifySession sends a JSON message to every connection of a session
// outside of the session's event stream.
func (h *Hub) NotifySession(sessionKey string, v interface{}) (int, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	sent := 0
	for connID := range h.sessions[sessionKey] {
		if conn, ok := h.connections[connID]; ok && conn.enqueue(data) {
			sent++
		}
	}
	return sent, nil
}

// SendJSONToConnection sends a JSON message to a specific connection.
func (h *Hub) SendJSONToConnection(conn *Connection, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if !conn.enqueue(data) {
		return ErrBufferFull
	}
	return nil
}

// GetConnectionCount returns the number of active connections.
func (h *Hub) GetConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// GetSessionCount returns the number of sessions with at least one connection.
func (h *Hub) GetSessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// HasActiveConnections checks if a session has any active connections.
func (h *Hub) HasActiveConnections(sessionKey string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	connIDs, ok := h.sessions[sessionKey]
	return ok && len(connIDs) > 0
}

// ID implements bridge.Subscriber.
func (c *Connection) ID() string { return c.id }

// Deliver implements bridge.Subscriber. It never blocks: a connection whose
// queue is full is unregistered and reported as gone.
func (c *Connection) Deliver(env bridge.Envelope) bool {
	data, err := c.hub.encode(c, env)
	if err != nil {
		logger.Errorf("Failed to encode envelope for %s: %v", c.id, err)
		return true
	}
	if c.enqueue(data) {
		return true
	}
	logger.Warnf("Connection %s buffer full, closing", c.id)
	go c.hub.Unregister(c)
	return false
}

func (c *Connection) enqueue(data []byte) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.Send <- data:
		return true
	default:
		return false
	}
}

func (c *Connection) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.Send)
	}
}

// WriteMessage writes a message to the connection with proper locking.
func (c *Connection) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Conn.WriteMessage(messageType, data)
}

// SetWriteDeadline sets the write deadline for the connection.
func (c *Connection) SetWriteDeadline(t time.Time) error {
	return c.Conn.SetWriteDeadline(t)
}

// SetReadDeadline sets the read deadline for the connection.
func (c *Connection) SetReadDeadline(t time.Time) error {
	return c.Conn.SetReadDeadline(t)
}

// Close closes the connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// ErrBufferFull is returned when the send buffer is full.
var ErrBufferFull = &BufferFullError{}

// BufferFullError represents a buffer full error.
type BufferFullError struct{}

func (e *BufferFullError) Error() string {
	return "send buffer full"
}
