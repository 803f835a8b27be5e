package lifecycle

import (
	"database/sql/driver"
	"fmt"
)

// Status is the lifecycle state of a strategy script.
type Status string

const (
	Waiting Status = "Waiting"  // deployed, not yet entered
	Running Status = "Running"  // position open
	Paused  Status = "Paused"   // user-suspended
	Failed  Status = "Failed"   // pipeline error, needs retry
	Skipped Status = "Skipped"  // order could not be acted on, needs retry
	SoldOut Status = "Sold-out" // position fully exited, terminal
)

// All lists every status in display order.
var All = []Status{Waiting, Running, Paused, Failed, Skipped, SoldOut}

func (s Status) Valid() bool {
	switch s {
	case Waiting, Running, Paused, Failed, Skipped, SoldOut:
		return true
	}
	return false
}

// Schedulable reports whether the scheduler dispatches scripts in this status.
func (s Status) Schedulable() bool {
	return s == Waiting || s == Running
}

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == SoldOut
}

func (s Status) Value() (driver.Value, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid status %q", string(s))
	}
	return string(s), nil
}

func (s *Status) Scan(src any) error {
	var v string
	switch t := src.(type) {
	case string:
		v = t
	case []byte:
		v = string(t)
	default:
		return fmt.Errorf("cannot scan %T into Status", src)
	}
	st := Status(v)
	if !st.Valid() {
		return fmt.Errorf("invalid status %q", v)
	}
	*s = st
	return nil
}

// Aggregate folds member statuses into a strategy-set status.
// Priority: any Failed, any Running, all Waiting, all Paused, all Sold-out, else Partial.
func Aggregate(statuses []Status) string {
	if len(statuses) == 0 {
		return string(Waiting)
	}
	counts := make(map[Status]int, len(All))
	for _, s := range statuses {
		counts[s]++
	}
	n := len(statuses)
	switch {
	case counts[Failed] > 0:
		return string(Failed)
	case counts[Running] > 0:
		return string(Running)
	case counts[Waiting] == n:
		return string(Waiting)
	case counts[Paused] == n:
		return string(Paused)
	case counts[SoldOut] == n:
		return string(SoldOut)
	default:
		return "Partial"
	}
}
