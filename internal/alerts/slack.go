package alerts

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Rajchodisetti/swing-engine/internal/config"
	"github.com/Rajchodisetti/swing-engine/internal/observ"
)

type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

type SlackAttachment struct {
	Color  string       `json:"color"`
	Fields []SlackField `json:"fields"`
}

type SlackMessage struct {
	Text        string            `json:"text"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

// AlertRequest is one operator alert.
type AlertRequest struct {
	Level     string    `json:"level"` // success | warning | danger
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Symbol    string    `json:"symbol"`
	ScriptID  uint      `json:"script_id"`
	UserID    uint      `json:"user_id"`
	Timestamp time.Time `json:"timestamp"`
}

type queuedAlert struct {
	req      AlertRequest
	attempts int
}

const (
	dedupeWindow = 60 * time.Second
	maxAttempts  = 3
)

// SlackClient posts danger-level alerts to a webhook through a bounded
// queue with dedupe, rate limiting and retry.
type SlackClient struct {
	cfg         config.Slack
	httpClient  *http.Client
	queue       chan queuedAlert
	dedupeCache map[string]time.Time
	limiter     *rate.Limiter
	mu          sync.Mutex
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	metrics     AlertMetrics
	backoffBase time.Duration
}

type AlertMetrics struct {
	AlertsSentTotal    int64
	WebhookErrorsTotal int64
	RateLimitHitsTotal int64
	DedupedTotal       int64
	AlertQueueDropped  int64
}

func NewSlackClient(cfg config.Slack) *SlackClient {
	ctx, cancel := context.WithCancel(context.Background())
	perMin := cfg.RateLimitPerMin
	if perMin <= 0 {
		perMin = 10
	}
	s := &SlackClient{
		cfg:         cfg,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		queue:       make(chan queuedAlert, 256),
		dedupeCache: make(map[string]time.Time),
		limiter:     rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMin)), perMin),
		ctx:         ctx,
		cancel:      cancel,
		backoffBase: time.Second,
	}
	if cfg.Enabled {
		s.wg.Add(1)
		go s.worker()
	}
	return s
}

// Send queues an alert. Only danger-level alerts reach Slack.
func (s *SlackClient) Send(req AlertRequest) {
	if !s.cfg.Enabled || req.Level != "danger" {
		return
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = time.Now()
	}

	hash := generateHash(req)
	s.mu.Lock()
	if lastSent, ok := s.dedupeCache[hash]; ok && time.Since(lastSent) < dedupeWindow {
		s.metrics.DedupedTotal++
		s.mu.Unlock()
		return
	}
	s.dedupeCache[hash] = time.Now()
	s.pruneLocked()
	s.mu.Unlock()

	if !s.limiter.Allow() {
		s.mu.Lock()
		s.metrics.RateLimitHitsTotal++
		s.mu.Unlock()
		observ.IncCounter("alerts_sent_total", map[string]string{"result": "rate_limited"})
		return
	}

	select {
	case s.queue <- queuedAlert{req: req}:
	default:
		s.mu.Lock()
		s.metrics.AlertQueueDropped++
		s.mu.Unlock()
		observ.IncCounter("alerts_sent_total", map[string]string{"result": "dropped"})
	}
}

func generateHash(req AlertRequest) string {
	data := fmt.Sprintf("%d:%d:%s:%s", req.UserID, req.ScriptID, req.Title, req.Message)
	hash := sha256.Sum256([]byte(data))
	return fmt.Sprintf("%x", hash)[:16]
}

func (s *SlackClient) pruneLocked() {
	cutoff := time.Now().Add(-5 * dedupeWindow)
	for hash, ts := range s.dedupeCache {
		if ts.Before(cutoff) {
			delete(s.dedupeCache, hash)
		}
	}
}

func (s *SlackClient) worker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case alert := <-s.queue:
			if err := s.sendWebhook(s.ctx, alert.req); err == nil {
				s.mu.Lock()
				s.metrics.AlertsSentTotal++
				s.mu.Unlock()
				observ.IncCounter("alerts_sent_total", map[string]string{"result": "ok"})
				continue
			} else {
				observ.LogWarn("slack_webhook_failed", map[string]any{"error": err.Error(), "attempt": alert.attempts + 1})
			}

			alert.attempts++
			if alert.attempts >= maxAttempts {
				s.mu.Lock()
				s.metrics.WebhookErrorsTotal++
				s.mu.Unlock()
				observ.IncCounter("alerts_sent_total", map[string]string{"result": "error"})
				continue
			}
			// Exponential backoff with jitter
			backoff := time.Duration(math.Pow(2, float64(alert.attempts))) * s.backoffBase
			jitter := time.Duration(rand.Float64() * float64(backoff) * 0.1)
			s.retryAfter(alert, backoff+jitter)
		}
	}
}

// retryAfter requeues alert once delay has passed, leaving the worker free
// to deliver other alerts meanwhile.
func (s *SlackClient) retryAfter(alert queuedAlert, delay time.Duration) {
	time.AfterFunc(delay, func() {
		if s.ctx.Err() != nil {
			return
		}
		select {
		case s.queue <- alert:
		default:
			s.mu.Lock()
			s.metrics.AlertQueueDropped++
			s.mu.Unlock()
			observ.IncCounter("alerts_sent_total", map[string]string{"result": "dropped"})
		}
	})
}

func (s *SlackClient) sendWebhook(ctx context.Context, req AlertRequest) error {
	payload, err := json.Marshal(formatMessage(req))
	if err != nil {
		return fmt.Errorf("marshal slack message: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack webhook status %d", resp.StatusCode)
	}
	return nil
}

func formatMessage(req AlertRequest) SlackMessage {
	msg := req.Message
	if len(msg) > 500 {
		msg = msg[:497] + "..."
	}
	fields := []SlackField{
		{Title: "Symbol", Value: req.Symbol, Short: true},
		{Title: "Script", Value: fmt.Sprintf("%d", req.ScriptID), Short: true},
		{Title: "User", Value: fmt.Sprintf("%d", req.UserID), Short: true},
		{Title: "Time", Value: req.Timestamp.Format("15:04:05 MST"), Short: true},
		{Title: "Detail", Value: msg, Short: false},
	}
	return SlackMessage{
		Text:        fmt.Sprintf("🛑 %s: %s", req.Title, req.Symbol),
		Attachments: []SlackAttachment{{Color: "danger", Fields: fields}},
	}
}

func (s *SlackClient) Close() {
	s.cancel()
	s.wg.Wait()
}

func (s *SlackClient) GetMetrics() AlertMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metrics
}
