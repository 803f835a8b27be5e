package transport

import (
	"encoding/json"
	"time"
)

// EventEnvelope wraps all wire events with metadata for ordering and resume
type EventEnvelope struct {
	V       int             `json:"v"`      // Version for future compatibility
	Type    string          `json:"type"`   // Event type: order_update, heartbeat
	ID      string          `json:"id"`     // Monotonic ID for ordering and deduplication
	TS      time.Time       `json:"ts_utc"` // Receive timestamp
	Payload json.RawMessage `json:"payload"`
}

// ConnectionState represents the current state of a transport connection
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota // 0 = down
	StateConnecting                          // 1 = connecting
	StateConnected                           // 2 = up
)

// String returns human-readable connection state
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Config configures the order feed client.
type Config struct {
	URL              string
	Reconnect        ReconnectConfig
	MaxChannelBuffer int
}

type ReconnectConfig struct {
	InitialDelayMs int
	MaxDelayMs     int
	JitterMs       int
}
