// Package protocol defines the WebSocket message protocol between clients and the bridge.
package protocol

import (
	"github.com/xiaot623/gogo/bridge/internal/domain"
	"github.com/xiaot623/gogo/bridge/internal/state"
)

// Message types from the bridge to the client, besides the event types of
// domain.EventType.
const (
	TypeSystem = "system"
	TypeError  = "error"
	TypePatch  = "patch"
)

// Status values carried by system messages.
const (
	StatusWaitingForTask  = "waiting_for_task"
	StatusCreatingSession = "creating_session"
	StatusConnected       = "connected"
	StatusDeleted         = "deleted"
)

// Control tokens recognized in bare-text client messages.
const (
	TokenApprove = "/approve"
	TokenPR      = "/pr"
	TokenBranch  = "/branch"
	TokenPatch   = "/patch"
)

// ServerMessage is one bridge-to-client frame. Event frames embed the
// ActivityEvent; the top-level sessionId, sessionState, pendingPlanId and
// awaitingResponse fields are hints describing the session after the event.
//
// The top-level fields hide the embedded fields of the same JSON name, so the
// state a status event reports from upstream travels as upstreamState while
// sessionState is always the state the bridge derived.
type ServerMessage struct {
	*domain.ActivityEvent

	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
	// Message mirrors Content for clients that read the older field name.
	Message string `json:"message,omitempty"`

	SessionID        string              `json:"sessionId,omitempty"`
	SessionState     domain.SessionState `json:"sessionState,omitempty"`
	UpstreamState    domain.SessionState `json:"upstreamState,omitempty"`
	PendingPlanID    string              `json:"pendingPlanId,omitempty"`
	AwaitingResponse *bool               `json:"awaitingResponse,omitempty"`

	Status   string `json:"status,omitempty"`
	Code     string `json:"code,omitempty"`
	Command  string `json:"command,omitempty"`
	Replay   bool   `json:"replay,omitempty"`
	Replayed int    `json:"replayed,omitempty"`
	Partial  bool   `json:"partial,omitempty"`

	Patch *domain.PatchBlob `json:"patch,omitempty"`
}

// ClientMessage is the JSON form of a client command. Bare text is also
// accepted; see ParseInbound.
type ClientMessage struct {
	Type    string `json:"type"`
	Text    string `json:"text,omitempty"`
	Content string `json:"content,omitempty"`
	Base    string `json:"base,omitempty"`
}

// Error codes
const (
	ErrorCodeInvalidMessage  = "invalid_message"
	ErrorCodeUnauthorized    = "unauthorized"
	ErrorCodeSessionNotFound = "session_not_found"
	ErrorCodeSessionFailed   = "session_create_failed"
	ErrorCodeCommandRejected = "command_rejected"
	ErrorCodeCommandFailed   = "command_failed"
	ErrorCodeInternalError   = "internal_error"
)

// Event builds the frame for one session event.
func Event(ev domain.ActivityEvent, snap state.Snapshot, replay bool) ServerMessage {
	msg := ServerMessage{
		ActivityEvent: &ev,
		Type:          string(ev.Type),
		Content:       ev.Content,
		Message:       ev.Content,
		SessionID:     ev.SessionID,
		UpstreamState: ev.SessionState,
		Replay:        replay,
	}
	withHints(&msg, snap)
	return msg
}

// Ready tells a client without a session that its first message becomes the task.
func Ready() ServerMessage {
	return System("Ready! Send your task to start working.", StatusWaitingForTask)
}

// Creating acknowledges the first message while the session is being created.
func Creating() ServerMessage {
	return ServerMessage{
		Type:    string(domain.EventTypeStatus),
		Content: "Creating session and sending task to the agent...",
		Message: "Creating session and sending task to the agent...",
		Status:  StatusCreatingSession,
	}
}

// Created confirms a new session.
func Created(sessionKey string, snap state.Snapshot) ServerMessage {
	msg := System("Session created! The agent is working on your task.", StatusConnected)
	msg.SessionID = domain.SessionID(sessionKey)
	withHints(&msg, snap)
	return msg
}

// Reconnected precedes the replay sent to a connection joining an existing session.
func Reconnected(sessionKey string, snap state.Snapshot, replayed int, partial bool) ServerMessage {
	msg := System("Reconnected to session", StatusConnected)
	msg.SessionID = domain.SessionID(sessionKey)
	msg.Replayed = replayed
	msg.Partial = partial
	withHints(&msg, snap)
	return msg
}

// System builds a bridge notice that is not part of the session history.
func System(content, status string) ServerMessage {
	return ServerMessage{Type: TypeSystem, Content: content, Message: content, Status: status}
}

// Error builds an error frame.
func Error(code, message string) ServerMessage {
	return ServerMessage{Type: TypeError, Code: code, Content: message, Message: message}
}

// CommandError builds the error frame for a failed command.
func CommandError(err *domain.CommandExecutionError) ServerMessage {
	code := ErrorCodeCommandFailed
	if err.Rejected() {
		code = ErrorCodeCommandRejected
	}
	msg := Error(code, err.Reason)
	msg.Command = string(err.Command)
	return msg
}

// Patch builds the frame answering a fetch_patch command.
func Patch(blob *domain.PatchBlob) ServerMessage {
	return ServerMessage{
		Type:    TypePatch,
		Content: blob.Instructions,
		Message: blob.Instructions,
		Command: string(domain.CommandFetchPatch),
		Patch:   blob,
	}
}

func withHints(msg *ServerMessage, snap state.Snapshot) {
	msg.SessionState = snap.State
	msg.PendingPlanID = snap.PendingPlanID
	awaiting := snap.AwaitingResponse
	msg.AwaitingResponse = &awaiting
}
