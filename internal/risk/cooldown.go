package risk

import (
	"fmt"
	"time"

	"github.com/Rajchodisetti/swing-engine/internal/observ"
)

// CooldownConfig defines cooldown policies.
type CooldownConfig struct {
	OrderCooldown   time.Duration // between two buy submissions for one script
	FailureCooldown time.Duration // before an auto-retried Skipped script is dispatched again
}

// CooldownInfo contains cooldown check details for explainability
type CooldownInfo struct {
	LastTradeTime      time.Time     `json:"last_trade_time"`
	TimeSinceLastTrade time.Duration `json:"time_since_last_trade"`
	CooldownPeriod     time.Duration `json:"cooldown_period"`
	RemainingCooldown  time.Duration `json:"remaining_cooldown"`
	CooldownType       string        `json:"cooldown_type"` // "order", "failure"
}

// Reason renders a short block reason for logs.
func (ci CooldownInfo) Reason() string {
	return fmt.Sprintf("cooldown_%s_remaining_%ds", ci.CooldownType, int(ci.RemainingCooldown.Seconds()))
}

// Cooldown evaluates per-script cooldowns from durable timestamps kept on the
// script row, so restarts do not reset them.
type Cooldown struct {
	config CooldownConfig
}

func NewCooldown(config CooldownConfig) *Cooldown {
	return &Cooldown{config: config}
}

// CanOrder checks the order cooldown. Risk-reducing sells are always allowed.
func (c *Cooldown) CanOrder(side string, lastOrder *time.Time, now time.Time) (bool, CooldownInfo) {
	info := CooldownInfo{CooldownType: "order", CooldownPeriod: c.config.OrderCooldown}
	if side != "BUY" || lastOrder == nil || c.config.OrderCooldown <= 0 {
		return true, info
	}
	return c.check(info, *lastOrder, now)
}

// CanRetry checks whether a Skipped script has waited out the failure cooldown.
func (c *Cooldown) CanRetry(skippedAt *time.Time, now time.Time) (bool, CooldownInfo) {
	info := CooldownInfo{CooldownType: "failure", CooldownPeriod: c.config.FailureCooldown}
	if skippedAt == nil {
		return true, info
	}
	return c.check(info, *skippedAt, now)
}

func (c *Cooldown) check(info CooldownInfo, last, now time.Time) (bool, CooldownInfo) {
	info.LastTradeTime = last
	info.TimeSinceLastTrade = now.Sub(last)
	if info.TimeSinceLastTrade >= info.CooldownPeriod {
		return true, info
	}
	info.RemainingCooldown = info.CooldownPeriod - info.TimeSinceLastTrade
	observ.IncCounter("engine_dispatch_skipped_total", map[string]string{"reason": "cooldown_" + info.CooldownType})
	return false, info
}
