package publish

import (
	"sync"

	"github.com/Rajchodisetti/swing-engine/internal/observ"
)

const defaultBuffer = 64

// Subscription is one UI session's event stream.
type Subscription struct {
	C         <-chan Event
	ch        chan Event
	userID    uint
	transport string
	hub       *Hub
	once      sync.Once
}

// Close unregisters the session. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() { s.hub.remove(s) })
}

// Hub fans events out to the sessions of each user. Publishing never blocks:
// a session whose buffer is full misses the event.
type Hub struct {
	mu     sync.RWMutex
	rooms  map[uint]map[*Subscription]struct{}
	buffer int
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Hub{rooms: make(map[uint]map[*Subscription]struct{}), buffer: buffer}
}

// Subscribe registers a session for userID.
func (h *Hub) Subscribe(userID uint, transport string) *Subscription {
	ch := make(chan Event, h.buffer)
	sub := &Subscription{C: ch, ch: ch, userID: userID, transport: transport, hub: h}

	h.mu.Lock()
	room, ok := h.rooms[userID]
	if !ok {
		room = make(map[*Subscription]struct{})
		h.rooms[userID] = room
	}
	room[sub] = struct{}{}
	h.mu.Unlock()

	observ.AddGauge("publish_subscribers", 1, map[string]string{"transport": transport})
	return sub
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	if room, ok := h.rooms[sub.userID]; ok {
		delete(room, sub)
		if len(room) == 0 {
			delete(h.rooms, sub.userID)
		}
	}
	close(sub.ch)
	h.mu.Unlock()
	observ.AddGauge("publish_subscribers", -1, map[string]string{"transport": sub.transport})
}

// Publish delivers p to every session of userID.
func (h *Hub) Publish(userID uint, p Payload) {
	ev := NewEvent(userID, p)
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.rooms[userID] {
		h.send(sub, ev)
	}
}

// Broadcast delivers p to every session of every user.
func (h *Hub) Broadcast(p Payload) {
	ev := NewEvent(0, p)
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, room := range h.rooms {
		for sub := range room {
			h.send(sub, ev)
		}
	}
}

func (h *Hub) send(sub *Subscription, ev Event) {
	select {
	case sub.ch <- ev:
	default:
		observ.IncCounter("publish_dropped_total", map[string]string{"event": string(ev.Type)})
	}
}

// Subscribers returns the number of sessions of userID.
func (h *Hub) Subscribers(userID uint) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[userID])
}
