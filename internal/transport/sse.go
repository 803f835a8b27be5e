package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Rajchodisetti/swing-engine/internal/observ"
)

const maxSeenIDs = 10000

// SSEClient consumes a Server-Sent Events stream with reconnect and resume.
// Events are never dropped: a full channel blocks the reader.
type SSEClient struct {
	config      Config
	eventChan   chan EventEnvelope
	lastEventID string
	state       int32 // atomic ConnectionState

	client *http.Client
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.RWMutex

	reconnectAttempts   int64
	messagesReceived    int64
	dupesDropped        int64
	consecutiveFailures int64
}

// NewSSEClient creates a new SSE client with the given configuration
func NewSSEClient(config Config) *SSEClient {
	if config.MaxChannelBuffer <= 0 {
		config.MaxChannelBuffer = 1024
	}
	if config.Reconnect.InitialDelayMs <= 0 {
		config.Reconnect.InitialDelayMs = 500
	}
	if config.Reconnect.MaxDelayMs < config.Reconnect.InitialDelayMs {
		config.Reconnect.MaxDelayMs = config.Reconnect.InitialDelayMs
	}
	c := &SSEClient{
		config:    config,
		eventChan: make(chan EventEnvelope, config.MaxChannelBuffer),
		// no client timeout: the stream is long-lived and bounded by ctx
		client: &http.Client{},
	}
	c.setState(StateDisconnected)
	return c
}

// Start begins consuming SSE events
func (c *SSEClient) Start(ctx context.Context) <-chan EventEnvelope {
	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go c.consumeLoop(ctx)
	return c.eventChan
}

// Close shuts down the SSE client
func (c *SSEClient) Close() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	close(c.eventChan)
	return nil
}

// LastEventID returns the last processed event ID
func (c *SSEClient) LastEventID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastEventID
}

// ConnectionState returns current connection state
func (c *SSEClient) ConnectionState() ConnectionState {
	return ConnectionState(atomic.LoadInt32(&c.state))
}

func (c *SSEClient) setState(s ConnectionState) {
	atomic.StoreInt32(&c.state, int32(s))
	observ.SetGauge("feed_connection_state", float64(s), nil)
}

// consumeLoop handles the main SSE connection and reconnection logic
func (c *SSEClient) consumeLoop(ctx context.Context) {
	defer c.wg.Done()

	backoff := c.config.Reconnect.InitialDelayMs
	for {
		if ctx.Err() != nil {
			return
		}

		c.setState(StateConnecting)
		err := c.connectAndConsume(ctx)
		c.setState(StateDisconnected)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			// server closed cleanly; reconnect promptly
			backoff = c.config.Reconnect.InitialDelayMs
			atomic.StoreInt64(&c.consecutiveFailures, 0)
		} else {
			atomic.AddInt64(&c.consecutiveFailures, 1)
			observ.LogWarn("feed_connection_failed", map[string]any{
				"url":        c.config.URL,
				"error":      err.Error(),
				"backoff_ms": backoff,
			})
		}

		// Exponential backoff with jitter
		jitter := 0
		if c.config.Reconnect.JitterMs > 0 {
			jitter = rand.Intn(c.config.Reconnect.JitterMs)
		}
		select {
		case <-time.After(time.Duration(backoff+jitter) * time.Millisecond):
		case <-ctx.Done():
			return
		}
		if err != nil {
			backoff *= 2
			if backoff > c.config.Reconnect.MaxDelayMs {
				backoff = c.config.Reconnect.MaxDelayMs
			}
		}
		atomic.AddInt64(&c.reconnectAttempts, 1)
	}
}

// connectAndConsume establishes SSE connection and processes events
func (c *SSEClient) connectAndConsume(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.URL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if lastID := c.LastEventID(); lastID != "" {
		req.Header.Set("Last-Event-ID", lastID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	c.setState(StateConnected)
	atomic.StoreInt64(&c.consecutiveFailures, 0)
	observ.Log("feed_connected", map[string]any{"url": c.config.URL})

	return c.processEventStream(ctx, resp.Body)
}

// processEventStream reads and parses SSE events from the response body
func (c *SSEClient) processEventStream(ctx context.Context, body io.Reader) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var eventType, eventID string
	var data []string
	seenIDs := make(map[string]bool)

	for scanner.Scan() {
		line := scanner.Text()

		if strings.HasPrefix(line, ":") {
			// heartbeat comment
			continue
		}

		if line == "" {
			if len(data) > 0 {
				if eventType == "" {
					eventType = "message"
				}
				if err := c.processEvent(ctx, eventType, eventID, strings.Join(data, "\n"), seenIDs); err != nil {
					if ctx.Err() != nil {
						return ctx.Err()
					}
					observ.LogWarn("feed_event_invalid", map[string]any{"id": eventID, "error": err.Error()})
				}
			}
			eventType, eventID, data = "", "", nil
			continue
		}

		field, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			eventType = value
		case "id":
			eventID = value
		case "data":
			data = append(data, value)
		}
	}
	return scanner.Err()
}

// processEvent validates and enqueues a single SSE event
func (c *SSEClient) processEvent(ctx context.Context, eventType, eventID, eventData string, seenIDs map[string]bool) error {
	if eventID != "" {
		if seenIDs[eventID] {
			atomic.AddInt64(&c.dupesDropped, 1)
			return nil
		}
		if len(seenIDs) >= maxSeenIDs {
			clear(seenIDs)
		}
		seenIDs[eventID] = true
	}

	if !json.Valid([]byte(eventData)) {
		return fmt.Errorf("parse event data: invalid json")
	}

	envelope := EventEnvelope{
		V:       1,
		Type:    eventType,
		ID:      eventID,
		TS:      time.Now().UTC(),
		Payload: json.RawMessage(eventData),
	}

	select {
	case c.eventChan <- envelope:
	case <-ctx.Done():
		return ctx.Err()
	}
	atomic.AddInt64(&c.messagesReceived, 1)
	if eventID != "" {
		c.mu.Lock()
		c.lastEventID = eventID
		c.mu.Unlock()
	}
	return nil
}

// GetMetrics returns current client metrics
func (c *SSEClient) GetMetrics() map[string]any {
	return map[string]any{
		"connection_state":     c.ConnectionState().String(),
		"reconnect_attempts":   atomic.LoadInt64(&c.reconnectAttempts),
		"messages_received":    atomic.LoadInt64(&c.messagesReceived),
		"dupes_dropped":        atomic.LoadInt64(&c.dupesDropped),
		"consecutive_failures": atomic.LoadInt64(&c.consecutiveFailures),
		"last_event_id":        c.LastEventID(),
	}
}
