package protocol

import (
	"encoding/json"
	"strings"
	"unicode/utf8"

	"github.com/xiaot623/gogo/bridge/internal/domain"
)

// ParseInbound turns one client frame into a command. A JSON object with a
// type is a ClientMessage. Anything else is a send_message unless its first
// word is a control token, so prose that happens to start with "{" still
// reaches the agent.
func ParseInbound(data []byte) (domain.Command, error) {
	if !utf8.Valid(data) {
		return domain.Command{}, &domain.ProtocolError{Reason: "message is not valid UTF-8"}
	}
	raw := string(data)
	text := strings.TrimSpace(raw)
	if text == "" {
		return domain.Command{}, &domain.ProtocolError{Input: raw, Reason: "message is empty"}
	}

	if strings.HasPrefix(text, "{") {
		if cmd, ok, err := parseJSON(raw); ok {
			return cmd, err
		}
	}
	if strings.HasPrefix(text, "/") {
		if cmd, ok, err := parseToken(text); ok || err != nil {
			return cmd, err
		}
	}
	return domain.SendMessage(text), nil
}

// parseJSON reports ok=false when raw is not a JSON object naming a type.
func parseJSON(raw string) (domain.Command, bool, error) {
	var msg ClientMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil || msg.Type == "" {
		return domain.Command{}, false, nil
	}
	cmd, err := clientCommand(raw, msg)
	return cmd, true, err
}

func clientCommand(raw string, msg ClientMessage) (domain.Command, error) {
	switch msg.Type {
	case "message", string(domain.CommandSendMessage):
		text := msg.Text
		if text == "" {
			text = msg.Content
		}
		if strings.TrimSpace(text) == "" {
			return domain.Command{}, &domain.ProtocolError{Input: raw, Reason: "text is required"}
		}
		return domain.SendMessage(text), nil
	case "approve", string(domain.CommandApprovePlan):
		return domain.ApprovePlan(), nil
	case string(domain.CommandCreateBranch):
		return domain.CreateBranch(msg.Base), nil
	case string(domain.CommandCreatePR):
		return domain.CreatePR(msg.Base), nil
	case string(domain.CommandFetchPatch):
		return domain.FetchPatch(), nil
	default:
		return domain.Command{}, &domain.ProtocolError{Input: raw, Reason: "unknown message type: " + msg.Type}
	}
}

// parseToken reports ok=false when the first word is not a control token,
// in which case the text is an ordinary message.
func parseToken(text string) (domain.Command, bool, error) {
	fields := strings.Fields(text)
	token, args := strings.ToLower(fields[0]), fields[1:]

	var cmd domain.Command
	switch token {
	case TokenApprove:
		cmd = domain.ApprovePlan()
	case TokenPatch:
		cmd = domain.FetchPatch()
	case TokenPR, TokenBranch:
		if len(args) > 1 {
			return cmd, true, &domain.ProtocolError{Input: text, Reason: token + " takes at most one base branch"}
		}
		base := ""
		if len(args) == 1 {
			base = args[0]
		}
		if token == TokenPR {
			return domain.CreatePR(base), true, nil
		}
		return domain.CreateBranch(base), true, nil
	default:
		return cmd, false, nil
	}

	if len(args) > 0 {
		return domain.Command{}, true, &domain.ProtocolError{Input: text, Reason: token + " takes no arguments"}
	}
	return cmd, true, nil
}
