package outbox

import (
	"fmt"
	"time"
)

// Epoch identifies one decision window for one script. At most one order
// is submitted per epoch.
type Epoch struct {
	ScriptID uint
	Tick     int64
}

// EpochFor buckets a tick time by the scheduler interval so that a duplicate
// dispatch of the same tick maps to the same epoch.
func EpochFor(scriptID uint, tick time.Time, interval time.Duration) Epoch {
	secs := int64(interval / time.Second)
	if secs <= 0 {
		secs = 1
	}
	return Epoch{ScriptID: scriptID, Tick: tick.Unix() / secs}
}

// Key is the durable idempotency key.
func (e Epoch) Key() string {
	return fmt.Sprintf("%d:%d", e.ScriptID, e.Tick)
}

// ClientOrderID is the broker-visible id derived from the epoch, so a lost
// acknowledgment can still be looked up.
func (e Epoch) ClientOrderID() string {
	return fmt.Sprintf("se-%d-%d", e.ScriptID, e.Tick)
}
