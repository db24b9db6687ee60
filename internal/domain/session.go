package domain

import (
	"strings"
	"time"
)

// Session identifies one agent task tracked by exactly one bridge.
type Session struct {
	Key          string       `json:"sessionKey"`
	Source       string       `json:"source,omitempty"`
	Prompt       string       `json:"prompt,omitempty"`
	Title        string       `json:"title,omitempty"`
	AutoCreatePR bool         `json:"autoCreatePr,omitempty"`
	State        SessionState `json:"state"`
	CreatedAt    time.Time    `json:"createdAt"`
	UpdatedAt    time.Time    `json:"updatedAt"`
}

// SessionKey normalizes a bare session id into the upstream resource name.
func SessionKey(id string) string {
	id = strings.Trim(id, "/")
	if id == "" || strings.HasPrefix(id, "sessions/") {
		return id
	}
	return "sessions/" + id
}

// SessionID strips the resource prefix from a session key.
func SessionID(key string) string {
	return strings.TrimPrefix(key, "sessions/")
}
