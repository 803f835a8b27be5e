package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Rajchodisetti/swing-engine/internal/config"
	"github.com/Rajchodisetti/swing-engine/internal/lifecycle"
	"github.com/Rajchodisetti/swing-engine/internal/observ"
)

const (
	maxSkew  = 5 * time.Minute
	nonceTTL = 10 * time.Minute
)

// SlashCommand is the form payload Slack posts for a slash command.
type SlashCommand struct {
	TeamID      string
	ChannelID   string
	UserID      string
	UserName    string
	Command     string
	Text        string
	ResponseURL string
}

type SlashResponse struct {
	ResponseType string `json:"response_type"` // ephemeral | in_channel
	Text         string `json:"text"`
}

// SlackCommands serves /swing slash commands for Slack users mapped to engine users.
type SlackCommands struct {
	signingSecret string
	users         map[string]uint
	controls      Controls
	now           func() time.Time

	mu     sync.Mutex
	nonces map[string]time.Time
}

func NewSlackCommands(cfg config.Slack, controls Controls) *SlackCommands {
	users := make(map[string]uint, len(cfg.Users))
	for slackID, userID := range cfg.Users {
		users[slackID] = userID
	}
	return &SlackCommands{
		signingSecret: cfg.SigningSecret,
		users:         users,
		controls:      controls,
		now:           time.Now,
		nonces:        make(map[string]time.Time),
	}
}

func (h *SlackCommands) verifySignature(body []byte, signature, timestamp string) bool {
	if h.signingSecret == "" || signature == "" {
		return false
	}
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return false
	}
	now := h.now()
	skew := now.Sub(time.Unix(ts, 0))
	if skew > maxSkew || skew < -maxSkew {
		return false
	}

	mac := hmac.New(sha256.New, []byte(h.signingSecret))
	mac.Write([]byte("v0:" + timestamp + ":"))
	mac.Write(body)
	expected := "v0=" + hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return false
	}

	// a valid signature is only accepted once
	nonce := signature + timestamp
	h.mu.Lock()
	defer h.mu.Unlock()
	for n, seen := range h.nonces {
		if now.Sub(seen) > nonceTTL {
			delete(h.nonces, n)
		}
	}
	if _, replay := h.nonces[nonce]; replay {
		return false
	}
	h.nonces[nonce] = now
	return true
}

func parseCommand(body []byte) (SlashCommand, error) {
	values, err := url.ParseQuery(string(body))
	if err != nil {
		return SlashCommand{}, err
	}
	return SlashCommand{
		TeamID:      values.Get("team_id"),
		ChannelID:   values.Get("channel_id"),
		UserID:      values.Get("user_id"),
		UserName:    values.Get("user_name"),
		Command:     values.Get("command"),
		Text:        values.Get("text"),
		ResponseURL: values.Get("response_url"),
	}, nil
}

func (h *SlackCommands) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 64<<10))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	if !h.verifySignature(body, r.Header.Get("X-Slack-Signature"), r.Header.Get("X-Slack-Request-Timestamp")) {
		observ.IncCounter("slack_commands_total", map[string]string{"command": "unknown", "result": "bad_signature"})
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}
	cmd, err := parseCommand(body)
	if err != nil {
		http.Error(w, "failed to parse command", http.StatusBadRequest)
		return
	}

	userID, ok := h.users[cmd.UserID]
	if !ok {
		observ.IncCounter("slack_commands_total", map[string]string{"command": cmd.Command, "result": "denied"})
		observ.LogWarn("slack_command_denied", map[string]any{"slack_user": cmd.UserID, "command": cmd.Command})
		writeJSON(w, http.StatusOK, ephemeral("Access denied: your Slack account is not linked to a trading user"))
		return
	}

	resp, result := h.dispatch(r, userID, cmd)
	observ.IncCounter("slack_commands_total", map[string]string{"command": cmd.Command, "result": result})
	observ.Log("slack_command", map[string]any{
		"slack_user": cmd.UserID,
		"user_id":    userID,
		"command":    cmd.Command,
		"args":       cmd.Text,
		"result":     result,
	})
	writeJSON(w, http.StatusOK, resp)
}

const usage = "Usage: /swing status | /swing retry <script id> | /swing toggle <script id>"

func (h *SlackCommands) dispatch(r *http.Request, userID uint, cmd SlashCommand) (SlashResponse, string) {
	if cmd.Command != "/swing" {
		return ephemeral("Unknown command " + cmd.Command), "unknown"
	}
	args := strings.Fields(cmd.Text)
	if len(args) == 0 {
		return ephemeral(usage), "usage"
	}
	switch strings.ToLower(args[0]) {
	case "status":
		return h.status(r, userID)
	case "retry", "toggle":
		if len(args) != 2 {
			return ephemeral(usage), "usage"
		}
		id, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil || id == 0 {
			return ephemeral("Invalid script id " + args[1]), "usage"
		}
		return h.scriptAction(r, userID, strings.ToLower(args[0]), uint(id))
	default:
		return ephemeral(usage), "usage"
	}
}

func (h *SlackCommands) status(r *http.Request, userID uint) (SlashResponse, string) {
	state, err := h.controls.State(r.Context(), userID)
	if err != nil {
		return ephemeral("Error loading scripts: " + err.Error()), "error"
	}
	if len(state) == 0 {
		return ephemeral("No active scripts"), "ok"
	}
	names := make([]string, 0, len(state))
	for name := range state {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("Strategy status\n")
	for _, name := range names {
		s := state[name]
		fmt.Fprintf(&b, "#%d %s (%s): %s", s.ScriptID, name, s.Symbol, s.Status)
		if s.PositionOpen {
			fmt.Fprintf(&b, ", %d @ %s", s.PurchasedQty, s.AvgPrice.StringFixed(2))
		}
		if s.Reason != "" {
			fmt.Fprintf(&b, ", %s", s.Reason)
		}
		b.WriteString("\n")
	}
	return ephemeral(strings.TrimRight(b.String(), "\n")), "ok"
}

func (h *SlackCommands) scriptAction(r *http.Request, userID uint, action string, scriptID uint) (SlashResponse, string) {
	var (
		status lifecycle.Status
		err    error
	)
	if action == "retry" {
		status, err = h.controls.Retry(r.Context(), userID, scriptID)
	} else {
		status, err = h.controls.ToggleScript(r.Context(), userID, scriptID)
	}
	if err != nil {
		return ephemeral(fmt.Sprintf("Cannot %s script %d: %v", action, scriptID, err)), "error"
	}
	return ephemeral(fmt.Sprintf("Script %d is now %s", scriptID, status)), "ok"
}

func ephemeral(text string) SlashResponse {
	return SlashResponse{ResponseType: "ephemeral", Text: text}
}
