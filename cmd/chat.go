package cmd

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/xiaot623/gogo/bridge/internal/domain"
	"github.com/xiaot623/gogo/bridge/internal/protocol"
)

var chatCmd = &cobra.Command{
	Use:   "chat [source]",
	Short: "Chat with a session from the terminal",
	Long: `Connect to a running bridge and chat with the agent.

Without --session the first line you type becomes the task of a new session,
optionally bound to a repository source such as sources/github/owner/repo.
Lines are sent as typed, so /approve, /pr [base], /branch [base] and /patch
work as in any other client. /quit exits.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		sessionID, _ := cmd.Flags().GetString("session")
		autoMode, _ := cmd.Flags().GetBool("auto")
		apiKey, _ := cmd.Flags().GetString("api-key")

		source := ""
		if len(args) == 1 {
			source = args[0]
		}
		target, err := chatURL(addr, source, sessionID, autoMode, apiKey)
		if err != nil {
			return err
		}
		return runChat(target, cmd.InOrStdin(), cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(chatCmd)

	chatCmd.Flags().String("addr", "ws://localhost:8000", "bridge address")
	chatCmd.Flags().StringP("session", "s", "", "reconnect to this session id")
	chatCmd.Flags().Bool("auto", false, "let the agent open a pull request on its own")
	chatCmd.Flags().String("api-key", "", "API key for the bridge")
}

// chatURL builds the /chat endpoint address for the given options.
func chatURL(addr, source, sessionID string, autoMode bool, apiKey string) (string, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return "", fmt.Errorf("invalid address %q: %w", addr, err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid address %q: scheme must be ws or wss", addr)
	}

	u.Path = strings.TrimSuffix(u.Path, "/") + "/chat"
	if source = strings.Trim(source, "/"); source != "" {
		u.Path += "/" + source
	}

	q := url.Values{}
	if sessionID != "" {
		q.Set("session_id", sessionID)
	}
	if autoMode {
		q.Set("auto_mode", strconv.FormatBool(autoMode))
	}
	if apiKey != "" {
		q.Set("api_key", apiKey)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func runChat(target string, in io.Reader, out io.Writer) error {
	fmt.Fprintf(out, "Connecting to %s...\n", target)
	conn, _, err := websocket.DefaultDialer.Dial(target, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					fmt.Fprintf(out, "\nConnection closed: %v\n", err)
				}
				return
			}
			fmt.Fprintln(out, formatFrame(data))
		}
	}()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	defer signal.Stop(interrupt)

	for {
		select {
		case <-done:
			return nil
		case <-interrupt:
			fmt.Fprintln(out, "\nInterrupted")
			return closeChat(conn)
		case line, ok := <-lines:
			if !ok {
				return closeChat(conn)
			}
			input := strings.TrimSpace(line)
			if input == "" {
				continue
			}
			if input == "/quit" {
				fmt.Fprintln(out, "Bye!")
				return closeChat(conn)
			}
			if err := conn.WriteMessage(websocket.TextMessage, []byte(input)); err != nil {
				return fmt.Errorf("send: %w", err)
			}
		}
	}
}

func closeChat(conn *websocket.Conn) error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	return conn.WriteMessage(websocket.CloseMessage, msg)
}

// formatFrame renders one server frame as a terminal line.
func formatFrame(data []byte) string {
	var msg protocol.ServerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return string(data)
	}

	text := msg.Content
	if text == "" {
		text = msg.Message
	}
	switch msg.Type {
	case protocol.TypeError:
		if msg.Code != "" {
			return fmt.Sprintf("[error %s] %s", msg.Code, text)
		}
		return "[error] " + text
	case protocol.TypePatch:
		if msg.Patch == nil {
			return "[patch] " + text
		}
		return fmt.Sprintf("[patch] %s\n%s", text, msg.Patch.Patch)
	case string(domain.EventTypePlan):
		var b strings.Builder
		b.WriteString("[plan]")
		if msg.ActivityEvent != nil {
			for i, step := range msg.ActivityEvent.Steps {
				fmt.Fprintf(&b, "\n  %d. %s", i+1, step.Title)
			}
		}
		b.WriteString("\nType /approve to approve the plan.")
		return b.String()
	}

	line := fmt.Sprintf("[%s] %s", msg.Type, text)
	if msg.SessionID != "" && msg.Type == protocol.TypeSystem {
		line += " (session " + msg.SessionID + ")"
	}
	return line
}
