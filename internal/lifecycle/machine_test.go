package lifecycle

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func allEvents() []Event {
	return []Event{
		Tick{},
		Filled{Side: "BUY", Quantity: 10, Price: decimal.NewFromInt(100), Remaining: 10},
		Filled{Side: "SELL", Quantity: 5, Price: decimal.NewFromInt(110), Remaining: 5},
		Filled{Side: "SELL", Quantity: 10, Price: decimal.NewFromInt(110), Remaining: 0},
		Rejected{Reason: "margin exceeded"},
		Precondition{Reason: "quantity_zero"},
		PipelineError{Reason: "boom"},
		Retry{Holding: false},
		Retry{Holding: true},
		Toggle{Holding: false},
		Toggle{Holding: true},
	}
}

func TestTransitionTotality(t *testing.T) {
	for _, from := range All {
		for _, ev := range allEvents() {
			to, err := Transition(from, ev)
			if err != nil {
				assert.True(t, errors.Is(err, ErrInvalidTransition), "%s on %s: %v", EventName(ev), from, err)
				assert.Equal(t, from, to)
				continue
			}
			assert.True(t, to.Valid(), "%s on %s produced %q", EventName(ev), from, to)
		}
	}
}

func TestControlEventsDefinedForEveryStatus(t *testing.T) {
	// tick, retry and toggle must each have a defined response (a status or an explicit error)
	for _, from := range All {
		for _, ev := range []Event{Tick{}, Retry{}, Toggle{}} {
			to, err := Transition(from, ev)
			if err == nil {
				assert.True(t, to.Valid())
			} else {
				assert.ErrorIs(t, err, ErrInvalidTransition)
			}
		}
	}
}

func TestTransitionTable(t *testing.T) {
	tests := []struct {
		name    string
		from    Status
		ev      Event
		want    Status
		wantErr bool
	}{
		{"entry fill", Waiting, Filled{Side: "BUY", Quantity: 10, Remaining: 10}, Running, false},
		{"re-entry fill", Running, Filled{Side: "BUY", Quantity: 10, Remaining: 20}, Running, false},
		{"partial exit", Running, Filled{Side: "SELL", Quantity: 5, Remaining: 5}, Running, false},
		{"full exit", Running, Filled{Side: "SELL", Quantity: 10, Remaining: 0}, SoldOut, false},
		{"fill while paused", Paused, Filled{Side: "BUY", Quantity: 10, Remaining: 10}, Paused, false},
		{"exit while paused", Paused, Filled{Side: "SELL", Quantity: 10, Remaining: 0}, SoldOut, false},
		{"rejection skips", Waiting, Rejected{Reason: "margin"}, Skipped, false},
		{"rejection while running", Running, Rejected{Reason: "margin"}, Skipped, false},
		{"precondition skips", Waiting, Precondition{Reason: "size"}, Skipped, false},
		{"precondition on paused", Paused, Precondition{}, Paused, true},
		{"error fails", Running, PipelineError{Reason: "x"}, Failed, false},
		{"error on sold out", SoldOut, PipelineError{}, SoldOut, true},
		{"retry flat failed", Failed, Retry{Holding: false}, Waiting, false},
		{"retry holding skipped", Skipped, Retry{Holding: true}, Running, false},
		{"retry on waiting", Waiting, Retry{}, Waiting, true},
		{"retry on sold out", SoldOut, Retry{}, SoldOut, true},
		{"pause waiting", Waiting, Toggle{}, Paused, false},
		{"pause running", Running, Toggle{Holding: true}, Paused, false},
		{"resume flat", Paused, Toggle{Holding: false}, Waiting, false},
		{"resume holding", Paused, Toggle{Holding: true}, Running, false},
		{"toggle failed", Failed, Toggle{}, Failed, true},
		{"toggle sold out", SoldOut, Toggle{}, SoldOut, true},
		{"tick is a no-op", Skipped, Tick{}, Skipped, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Transition(tt.from, tt.ev)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidTransition)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTransitionRejectsUnknownStatus(t *testing.T) {
	_, err := Transition(Status("Archived"), Tick{})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestStatusScan(t *testing.T) {
	var s Status
	require.NoError(t, s.Scan("Sold-out"))
	assert.Equal(t, SoldOut, s)
	require.NoError(t, s.Scan([]byte("Paused")))
	assert.Equal(t, Paused, s)
	assert.Error(t, s.Scan("Bogus"))
	assert.Error(t, s.Scan(42))

	_, err := Status("Bogus").Value()
	assert.Error(t, err)
}

func TestAggregate(t *testing.T) {
	tests := []struct {
		name string
		in   []Status
		want string
	}{
		{"empty", nil, "Waiting"},
		{"failed wins", []Status{Running, Failed, Waiting}, "Failed"},
		{"running next", []Status{Running, Paused, SoldOut}, "Running"},
		{"all waiting", []Status{Waiting, Waiting}, "Waiting"},
		{"all paused", []Status{Paused, Paused}, "Paused"},
		{"all sold out", []Status{SoldOut}, "Sold-out"},
		{"mixed", []Status{Waiting, Paused}, "Partial"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Aggregate(tt.in))
		})
	}
}
