package lifecycle

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var ErrInvalidTransition = errors.New("invalid status transition")

// Event is a closed set of inputs to the script state machine.
type Event interface {
	eventName() string
}

// Tick is a scheduler evaluation that produced no order outcome.
type Tick struct{}

// Filled is a terminal fill acknowledgment for an order.
type Filled struct {
	Side      string // BUY | SELL
	Quantity  int64
	Price     decimal.Decimal
	Remaining int64 // position size after the fill is applied
}

// Rejected is a brokerage Not_Ok or a rejected order status.
type Rejected struct {
	Reason string
}

// Precondition is a benign unmet precondition, e.g. a zero order size.
type Precondition struct {
	Reason string
}

// PipelineError is an unrecoverable evaluation or reconciliation error.
type PipelineError struct {
	Reason string
}

// Retry is the explicit user retry of a Failed or Skipped script.
type Retry struct {
	Holding bool
}

// Toggle is the user pause/resume control.
type Toggle struct {
	Holding bool
}

func (Tick) eventName() string          { return "tick" }
func (Filled) eventName() string        { return "filled" }
func (Rejected) eventName() string      { return "rejected" }
func (Precondition) eventName() string  { return "precondition" }
func (PipelineError) eventName() string { return "pipeline_error" }
func (Retry) eventName() string         { return "retry" }
func (Toggle) eventName() string        { return "toggle" }

// EventName returns the stable name of an event for logs and metrics.
func EventName(ev Event) string {
	if ev == nil {
		return "nil"
	}
	return ev.eventName()
}

func positionStatus(holding bool) Status {
	if holding {
		return Running
	}
	return Waiting
}

// Transition returns the status that follows from applying ev in status from.
// Every (status, event) pair either yields a valid status or ErrInvalidTransition.
func Transition(from Status, ev Event) (Status, error) {
	if !from.Valid() {
		return from, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, string(from))
	}
	invalid := func() (Status, error) {
		return from, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, EventName(ev), from)
	}

	switch e := ev.(type) {
	case Tick:
		return from, nil

	case Filled:
		switch from {
		case Waiting, Running:
			if e.Side == "SELL" && e.Remaining == 0 {
				return SoldOut, nil
			}
			if e.Remaining > 0 {
				return Running, nil
			}
			return from, nil
		case Paused:
			// in-flight orders complete while paused
			if e.Side == "SELL" && e.Remaining == 0 {
				return SoldOut, nil
			}
			return Paused, nil
		case Failed, Skipped:
			// a late fill for an order submitted before the script left the active set
			if e.Side == "SELL" && e.Remaining == 0 {
				return SoldOut, nil
			}
			return from, nil
		}
		return invalid()

	case Rejected:
		switch from {
		case Waiting, Running:
			return Skipped, nil
		case Paused, Failed, Skipped:
			return from, nil
		}
		return invalid()

	case Precondition:
		switch from {
		case Waiting, Running:
			return Skipped, nil
		}
		return invalid()

	case PipelineError:
		switch from {
		case Waiting, Running, Paused, Skipped, Failed:
			return Failed, nil
		}
		return invalid()

	case Retry:
		switch from {
		case Failed, Skipped:
			return positionStatus(e.Holding), nil
		}
		return invalid()

	case Toggle:
		switch from {
		case Waiting, Running:
			return Paused, nil
		case Paused:
			return positionStatus(e.Holding), nil
		}
		return invalid()
	}
	return invalid()
}
