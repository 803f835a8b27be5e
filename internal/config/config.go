package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type Engine struct {
	TickIntervalSeconds    int    `yaml:"tick_interval_seconds"`
	Workers                int    `yaml:"workers"`
	StaleMarkerSeconds     int    `yaml:"stale_marker_seconds"`
	ReconcileAttempts      int    `yaml:"reconcile_attempts"`
	ReconcileBackoffMs     int    `yaml:"reconcile_backoff_ms"`
	OrderCooldownSeconds   int    `yaml:"order_cooldown_seconds"`
	FailureCooldownSeconds int    `yaml:"failure_cooldown_seconds"`
	AutoRetrySkipped       bool   `yaml:"auto_retry_skipped"`
	EnableReentry          bool   `yaml:"enable_reentry"`
	Averaging              string `yaml:"averaging"` // weighted | last_fill
}

type Session struct {
	Timezone           string `yaml:"timezone"`
	Open               string `yaml:"open"`  // HH:MM
	Close              string `yaml:"close"` // HH:MM
	EnforceMarketHours bool   `yaml:"enforce_market_hours"`
	WeekdaysOnly       bool   `yaml:"weekdays_only"`
}

type Archive struct {
	IntervalMinutes int `yaml:"interval_minutes"`
	RetentionDays   int `yaml:"retention_days"`
}

type Balance struct {
	PollIntervalSeconds int `yaml:"poll_interval_seconds"`
}

type Storage struct {
	DatabasePath string `yaml:"database_path"`
	JournalPath  string `yaml:"journal_path"`
}

type Redis struct {
	Enabled      bool   `yaml:"enabled"`
	Addr         string `yaml:"addr"`
	Password     string `yaml:"password"`
	LeaseSeconds int    `yaml:"lease_seconds"`
}

type Paper struct {
	InitialBalance float64  `yaml:"initial_balance"`
	LatencyMsMin   int      `yaml:"latency_ms_min"`
	LatencyMsMax   int      `yaml:"latency_ms_max"`
	SlippageBpsMin int      `yaml:"slippage_bps_min"`
	SlippageBpsMax int      `yaml:"slippage_bps_max"`
	RejectSymbols  []string `yaml:"reject_symbols"`
}

type Alpaca struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	BaseURL   string `yaml:"base_url"`
	Feed      string `yaml:"feed"`
}

type Broker struct {
	Kind               string `yaml:"kind"` // paper | alpaca
	RateLimitPerSecond int    `yaml:"rate_limit_per_second"`
	TimeoutMs          int    `yaml:"timeout_ms"`
	QuoteMaxAgeMs      int    `yaml:"quote_max_age_ms"`
	Paper              Paper  `yaml:"paper"`
	Alpaca             Alpaca `yaml:"alpaca"`
}

type Reconnect struct {
	InitialDelayMs int `yaml:"initial_delay_ms"`
	MaxDelayMs     int `yaml:"max_delay_ms"`
	JitterMs       int `yaml:"jitter_ms"`
}

type Feed struct {
	Enabled   bool      `yaml:"enabled"`
	BaseURL   string    `yaml:"base_url"`
	Reconnect Reconnect `yaml:"reconnect"`
}

type HTTP struct {
	Addr string `yaml:"addr"`
}

type Slack struct {
	Enabled         bool   `yaml:"enabled"`
	WebhookURL      string `yaml:"webhook_url"`
	RateLimitPerMin int    `yaml:"rate_limit_per_min"`

	// slash commands
	SigningSecret string          `yaml:"signing_secret"`
	Users         map[string]uint `yaml:"users"` // Slack user id -> engine user id
}

type Alerts struct {
	Slack Slack `yaml:"slack"`
}

type Logging struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

type Root struct {
	Env     string  `yaml:"env"` // development | production
	Engine  Engine  `yaml:"engine"`
	Session Session `yaml:"session"`
	Archive Archive `yaml:"archive"`
	Balance Balance `yaml:"balance"`
	Storage Storage `yaml:"storage"`
	Redis   Redis   `yaml:"redis"`
	Broker  Broker  `yaml:"broker"`
	Feed    Feed    `yaml:"feed"`
	HTTP    HTTP    `yaml:"http"`
	Alerts  Alerts  `yaml:"alerts"`
	Logging Logging `yaml:"logging"`
}

// Load reads a YAML config file and fills in defaults.
func Load(path string) (Root, error) {
	var c Root
	b, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, err
	}
	c.applyDefaults()
	return c, nil
}

// Default returns a config with every default applied, for running without a file.
func Default() Root {
	var c Root
	c.applyDefaults()
	return c
}

func (c *Root) applyDefaults() {
	if c.Env == "" {
		c.Env = "development"
	}

	if c.Engine.TickIntervalSeconds == 0 {
		c.Engine.TickIntervalSeconds = 30
	}
	if c.Engine.Workers == 0 {
		c.Engine.Workers = 16
	}
	if c.Engine.StaleMarkerSeconds == 0 {
		c.Engine.StaleMarkerSeconds = 120
	}
	if c.Engine.ReconcileAttempts == 0 {
		c.Engine.ReconcileAttempts = 3
	}
	if c.Engine.ReconcileBackoffMs == 0 {
		c.Engine.ReconcileBackoffMs = 500
	}
	if c.Engine.OrderCooldownSeconds == 0 {
		c.Engine.OrderCooldownSeconds = 600
	}
	if c.Engine.FailureCooldownSeconds == 0 {
		c.Engine.FailureCooldownSeconds = 60
	}
	if c.Engine.Averaging == "" {
		c.Engine.Averaging = "weighted"
	}

	if c.Session.Timezone == "" {
		c.Session.Timezone = "Asia/Kolkata"
	}
	if c.Session.Open == "" {
		c.Session.Open = "09:15"
	}
	if c.Session.Close == "" {
		c.Session.Close = "15:30"
	}

	if c.Archive.IntervalMinutes == 0 {
		c.Archive.IntervalMinutes = 60
	}
	if c.Archive.RetentionDays == 0 {
		c.Archive.RetentionDays = 30
	}

	if c.Balance.PollIntervalSeconds == 0 {
		c.Balance.PollIntervalSeconds = 30
	}

	if c.Storage.DatabasePath == "" && c.Env != "production" {
		c.Storage.DatabasePath = "data/engine.db"
	}
	if c.Storage.JournalPath == "" {
		c.Storage.JournalPath = "data/journal.jsonl"
	}

	if c.Redis.LeaseSeconds == 0 {
		c.Redis.LeaseSeconds = 600
	}

	if c.Broker.Kind == "" {
		c.Broker.Kind = "paper"
	}
	if c.Broker.RateLimitPerSecond == 0 {
		c.Broker.RateLimitPerSecond = 10
	}
	if c.Broker.TimeoutMs == 0 {
		c.Broker.TimeoutMs = 5000
	}
	if c.Broker.QuoteMaxAgeMs == 0 {
		c.Broker.QuoteMaxAgeMs = 5000
	}
	if c.Broker.Paper.InitialBalance == 0 {
		c.Broker.Paper.InitialBalance = 100000
	}
	if c.Broker.Paper.LatencyMsMax == 0 {
		c.Broker.Paper.LatencyMsMax = 50
	}
	if c.Broker.Paper.SlippageBpsMax == 0 {
		c.Broker.Paper.SlippageBpsMax = 5
	}
	if c.Broker.Alpaca.BaseURL == "" {
		c.Broker.Alpaca.BaseURL = "https://paper-api.alpaca.markets"
	}

	if c.Feed.Reconnect.InitialDelayMs == 0 {
		c.Feed.Reconnect.InitialDelayMs = 500
	}
	if c.Feed.Reconnect.MaxDelayMs == 0 {
		c.Feed.Reconnect.MaxDelayMs = 30000
	}
	if c.Feed.Reconnect.JitterMs == 0 {
		c.Feed.Reconnect.JitterMs = 250
	}

	if c.HTTP.Addr == "" && c.Env != "production" {
		c.HTTP.Addr = ":8090"
	}

	if c.Alerts.Slack.RateLimitPerMin == 0 {
		c.Alerts.Slack.RateLimitPerMin = 10
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// ApplyEnv overrides config fields from environment variables.
func ApplyEnv(c *Root) {
	if v := os.Getenv("ENGINE_ENV"); v != "" {
		c.Env = v
	}
	if v := os.Getenv("DATABASE_PATH"); v != "" {
		c.Storage.DatabasePath = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
		c.Redis.Enabled = true
	}
	if v := os.Getenv("HTTP_ADDR"); v != "" {
		c.HTTP.Addr = v
	}
	if v := os.Getenv("SLACK_WEBHOOK_URL"); v != "" {
		c.Alerts.Slack.WebhookURL = v
		c.Alerts.Slack.Enabled = true
	}
	if v := os.Getenv("SLACK_SIGNING_SECRET"); v != "" {
		c.Alerts.Slack.SigningSecret = v
	}
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		c.Broker.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		c.Broker.Alpaca.APISecret = v
	}
	if v := os.Getenv("APCA_API_BASE_URL"); v != "" {
		c.Broker.Alpaca.BaseURL = v
	}
	if n, ok := envInt("EVAL_SCHEDULE_SECONDS"); ok {
		c.Engine.TickIntervalSeconds = n
	}
	if n, ok := envInt("ORDER_COOLDOWN_SECONDS"); ok {
		c.Engine.OrderCooldownSeconds = n
	}
	if n, ok := envInt("FAILURE_COOLDOWN_SECONDS"); ok {
		c.Engine.FailureCooldownSeconds = n
	}
	if v := os.Getenv("ENABLE_REENTRY"); v != "" {
		c.Engine.EnableReentry = strings.EqualFold(v, "true") || v == "1"
	}
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// IsProduction reports whether fail-fast validation applies.
func (c Root) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// Validate checks required settings. In production every problem is fatal;
// elsewhere the problems are returned as warnings and err is nil.
func (c Root) Validate() (warnings []string, err error) {
	var missing []string
	if c.Storage.DatabasePath == "" {
		missing = append(missing, "storage.database_path (DATABASE_PATH)")
	}
	if c.HTTP.Addr == "" {
		missing = append(missing, "http.addr (HTTP_ADDR)")
	}
	if c.Broker.Kind == "alpaca" {
		if c.Broker.Alpaca.APIKey == "" {
			missing = append(missing, "broker.alpaca.api_key (APCA_API_KEY_ID)")
		}
		if c.Broker.Alpaca.APISecret == "" {
			missing = append(missing, "broker.alpaca.api_secret (APCA_API_SECRET_KEY)")
		}
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		missing = append(missing, "redis.addr (REDIS_ADDR)")
	}
	if c.Alerts.Slack.Enabled && c.Alerts.Slack.WebhookURL == "" {
		missing = append(missing, "alerts.slack.webhook_url (SLACK_WEBHOOK_URL)")
	}
	if len(c.Alerts.Slack.Users) > 0 && c.Alerts.Slack.SigningSecret == "" {
		missing = append(missing, "alerts.slack.signing_secret (SLACK_SIGNING_SECRET)")
	}
	switch c.Engine.Averaging {
	case "weighted", "last_fill":
	default:
		return nil, fmt.Errorf("engine.averaging: unknown policy %q", c.Engine.Averaging)
	}
	if c.Broker.Kind != "paper" && c.Broker.Kind != "alpaca" {
		return nil, fmt.Errorf("broker.kind: unknown broker %q", c.Broker.Kind)
	}

	if len(missing) == 0 {
		return nil, nil
	}
	if c.IsProduction() {
		return nil, fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	return missing, nil
}
