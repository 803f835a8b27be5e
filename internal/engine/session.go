package engine

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/Rajchodisetti/swing-engine/internal/config"
)

// Session answers calendar questions in the exchange timezone.
type Session struct {
	loc          *time.Location
	open         int // minutes after midnight
	close        int
	enforce      bool
	weekdaysOnly bool
}

func NewSession(cfg config.Session) (*Session, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("session timezone: %w", err)
	}
	open, err := parseClock(cfg.Open)
	if err != nil {
		return nil, fmt.Errorf("session open: %w", err)
	}
	closeAt, err := parseClock(cfg.Close)
	if err != nil {
		return nil, fmt.Errorf("session close: %w", err)
	}
	if closeAt <= open {
		return nil, fmt.Errorf("session close %s is not after open %s", cfg.Close, cfg.Open)
	}
	return &Session{loc: loc, open: open, close: closeAt, enforce: cfg.EnforceMarketHours, weekdaysOnly: cfg.WeekdaysOnly}, nil
}

// AlwaysOpen is a UTC session with no market-hours check.
func AlwaysOpen() *Session {
	return &Session{loc: time.UTC, open: 0, close: 24 * 60}
}

func parseClock(s string) (int, error) {
	h, m, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, fmt.Errorf("invalid clock %q, want HH:MM", s)
	}
	hh, err := strconv.Atoi(h)
	if err != nil || hh < 0 || hh > 23 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	mm, err := strconv.Atoi(m)
	if err != nil || mm < 0 || mm > 59 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	return hh*60 + mm, nil
}

func minutes(t time.Time) int {
	return t.Hour()*60 + t.Minute()
}

// Today is the session date of t as YYYY-MM-DD.
func (s *Session) Today(t time.Time) string {
	return t.In(s.loc).Format("2006-01-02")
}

// DaysBefore is the session date n days before t.
func (s *Session) DaysBefore(t time.Time, n int) string {
	return t.In(s.loc).AddDate(0, 0, -n).Format("2006-01-02")
}

// MarketOpen reports whether t falls inside trading hours.
func (s *Session) MarketOpen(t time.Time) bool {
	if !s.enforce {
		return true
	}
	local := t.In(s.loc)
	if s.weekdaysOnly && (local.Weekday() == time.Saturday || local.Weekday() == time.Sunday) {
		return false
	}
	m := minutes(local)
	return m >= s.open && m < s.close
}

// InWindow evaluates a set's execution_time ("after HH:MM" or "before HH:MM").
// An empty window always matches.
func (s *Session) InWindow(window string, t time.Time) (bool, error) {
	window = strings.TrimSpace(strings.ToLower(window))
	if window == "" {
		return true, nil
	}
	parts := strings.Fields(window)
	if len(parts) != 2 {
		return false, fmt.Errorf("invalid execution_time %q", window)
	}
	at, err := parseClock(parts[1])
	if err != nil {
		return false, fmt.Errorf("invalid execution_time %q: %w", window, err)
	}
	m := minutes(t.In(s.loc))
	switch parts[0] {
	case "after":
		return m >= at, nil
	case "before":
		return m < at, nil
	}
	return false, fmt.Errorf("invalid execution_time %q", window)
}
