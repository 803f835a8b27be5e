package publish

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Rajchodisetti/swing-engine/internal/observ"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// same-origin checks happen at the auth proxy
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WSHandler streams a user's events over a WebSocket as JSON envelopes.
type WSHandler struct {
	hub  *Hub
	user UserFunc
}

func NewWSHandler(hub *Hub, user UserFunc) *WSHandler {
	return &WSHandler{hub: hub, user: user}
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.user(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		observ.LogWarn("ws_upgrade_failed", map[string]any{"error": err.Error()})
		return
	}
	sub := h.hub.Subscribe(userID, "ws")
	observ.Log("ws_session_opened", map[string]any{"user_id": userID})

	// the read loop only services control frames and detects disconnects
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	h.writeLoop(conn, sub, closed)
}

func (h *WSHandler) writeLoop(conn *websocket.Conn, sub *Subscription, closed <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		sub.Close()
		conn.Close()
	}()

	for {
		select {
		case <-closed:
			return
		case ev, ok := <-sub.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
