package publish

import (
	"fmt"
	"net/http"
	"time"

	"github.com/Rajchodisetti/swing-engine/internal/observ"
)

// UserFunc resolves the authenticated user of a request.
type UserFunc func(r *http.Request) (uint, bool)

// SSEHandler streams a user's events as Server-Sent Events.
type SSEHandler struct {
	hub       *Hub
	user      UserFunc
	heartbeat time.Duration
}

func NewSSEHandler(hub *Hub, user UserFunc, heartbeat time.Duration) *SSEHandler {
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	return &SSEHandler{hub: hub, user: user, heartbeat: heartbeat}
}

func (s *SSEHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.user(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := s.hub.Subscribe(userID, "sse")
	defer sub.Close()
	observ.Log("sse_session_opened", map[string]any{"user_id": userID})

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ":ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			if err := writeEvent(w, ev); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// writeEvent writes a single SSE event to the response
func writeEvent(w http.ResponseWriter, ev Event) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", ev.Type); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "id: %s\n", ev.ID); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "data: %s\n\n", ev.Payload)
	return err
}
