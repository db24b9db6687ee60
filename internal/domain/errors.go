package domain

import (
	"errors"
	"fmt"
)

// TransientUpstreamError is a poll failure that is retried with backoff and
// leaves session state untouched.
type TransientUpstreamError struct {
	Op  string
	Err error
}

func (e *TransientUpstreamError) Error() string {
	return fmt.Sprintf("transient upstream error during %s: %v", e.Op, e.Err)
}

func (e *TransientUpstreamError) Unwrap() error { return e.Err }

// CommandExecutionError is a rejected or failed user command. It is surfaced
// verbatim to the initiating connection and never retried.
type CommandExecutionError struct {
	Command CommandKind
	Reason  string
	// StatusCode is the upstream HTTP status, zero for business-rule rejections.
	StatusCode int
	Err        error
}

func (e *CommandExecutionError) Error() string {
	return fmt.Sprintf("%s failed: %s", e.Command, e.Reason)
}

func (e *CommandExecutionError) Unwrap() error { return e.Err }

// Rejected reports whether the command was refused before reaching upstream.
func (e *CommandExecutionError) Rejected() bool {
	return e.StatusCode == 0 && e.Err == nil
}

// ProtocolError is a malformed inbound client message.
type ProtocolError struct {
	Input  string
	Reason string
}

func (e *ProtocolError) Error() string {
	return "invalid message: " + e.Reason
}

// BridgeFatalError ends polling for a session and forces it into a
// bridge-local FAILED state.
type BridgeFatalError struct {
	SessionKey string
	Reason     string
	Err        error
}

func (e *BridgeFatalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("bridge for %s failed: %s: %v", e.SessionKey, e.Reason, e.Err)
	}
	return fmt.Sprintf("bridge for %s failed: %s", e.SessionKey, e.Reason)
}

func (e *BridgeFatalError) Unwrap() error { return e.Err }

// ErrSessionNotFound is returned when a session key is unknown locally and upstream.
var ErrSessionNotFound = errors.New("session not found")

// ErrBridgeClosed is returned by operations on a bridge that has been released.
var ErrBridgeClosed = errors.New("bridge closed")

// Reject builds a business-rule CommandExecutionError.
func Reject(kind CommandKind, reason string) *CommandExecutionError {
	return &CommandExecutionError{Command: kind, Reason: reason}
}
