package outbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type MarkerState string

const (
	StateInProgress MarkerState = "in_progress" // claimed, submission may or may not have reached the broker
	StateSubmitted  MarkerState = "submitted"   // broker acknowledged, awaiting a terminal status
	StateDone       MarkerState = "done"        // terminal result cached
	StateVoid       MarkerState = "void"        // never reached the broker, or abandoned after reconciliation
)

var openStates = []MarkerState{StateInProgress, StateSubmitted}

var (
	// ErrDuplicate means the epoch already has a terminal result; the cached marker is returned.
	ErrDuplicate = errors.New("order already submitted for this epoch")
	// ErrPending means another order for the script has no terminal result yet.
	ErrPending  = errors.New("order pending for script")
	ErrNoMarker = errors.New("idempotency marker not found")
)

// Marker is the durable record of one epoch's order submission.
type Marker struct {
	ID                uint        `gorm:"primaryKey"`
	EpochKey          string      `gorm:"size:64;uniqueIndex;not null"`
	ScriptID          uint        `gorm:"index;not null"`
	UserID            uint        `gorm:"index;not null"`
	State             MarkerState `gorm:"type:varchar(16);index;not null"`
	Side              string      `gorm:"size:4"`
	Quantity          int64
	Price             decimal.Decimal `gorm:"type:text"`
	ClientOrderID     string          `gorm:"size:64;index"`
	OrderID           string          `gorm:"size:64;index"`
	ResultStatus      string          `gorm:"size:16"`
	ResultReason      string          `gorm:"size:500"`
	FilledQty         int64
	AvgPrice          decimal.Decimal `gorm:"type:text"`
	Uncertain         bool
	ReconcileAttempts int
	Attempt           int
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (Marker) TableName() string { return "order_markers" }

// Open reports whether the marker still blocks new submissions for its script.
func (m Marker) Open() bool {
	return m.State == StateInProgress || m.State == StateSubmitted
}

// Result returns the cached outcome of a completed marker.
func (m Marker) Result() Result {
	return Result{
		Status:    m.ResultStatus,
		OrderID:   m.OrderID,
		Reason:    m.ResultReason,
		FilledQty: m.FilledQty,
		AvgPrice:  m.AvgPrice,
	}
}

// Result is the terminal outcome stored on a marker.
type Result struct {
	Status    string // not_ok | filled | rejected | cancelled
	OrderID   string
	Reason    string
	FilledQty int64
	AvgPrice  decimal.Decimal
}

// Intent describes the order about to be submitted.
type Intent struct {
	UserID   uint
	Side     string
	Quantity int64
	Price    decimal.Decimal
}

// Migrate creates the marker table and the partial unique index that
// allows at most one open marker per script across all processes.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&Marker{}); err != nil {
		return err
	}
	return db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_order_markers_open_script
		ON order_markers(script_id) WHERE state IN ('in_progress','submitted')`).Error
}

// Guard claims, completes and reconciles idempotency markers.
type Guard struct {
	db         *gorm.DB
	staleAfter time.Duration
	now        func() time.Time
}

func NewGuard(db *gorm.DB, staleAfter time.Duration) *Guard {
	return &Guard{db: db, staleAfter: staleAfter, now: time.Now}
}

// WithTx returns a Guard whose writes join tx.
func (g *Guard) WithTx(tx *gorm.DB) *Guard {
	cp := *g
	cp.db = tx
	return &cp
}

// SetClock overrides the time source.
func (g *Guard) SetClock(now func() time.Time) { g.now = now }

func isUniqueViolation(err error) bool {
	return errors.Is(err, gorm.ErrDuplicatedKey) ||
		(err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed"))
}

// Begin atomically claims the epoch. On ErrDuplicate or ErrPending the
// blocking marker is returned alongside the error.
func (g *Guard) Begin(ctx context.Context, epoch Epoch, intent Intent) (*Marker, error) {
	var blocking *Marker
	var claimed Marker
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Marker
		err := tx.Where("epoch_key = ?", epoch.Key()).Take(&existing).Error
		switch {
		case err == nil:
			switch existing.State {
			case StateDone:
				blocking = &existing
				return ErrDuplicate
			case StateInProgress, StateSubmitted:
				blocking = &existing
				return ErrPending
			}
		case errors.Is(err, gorm.ErrRecordNotFound):
		default:
			return err
		}

		var open Marker
		err = tx.Where("script_id = ? AND state IN ?", epoch.ScriptID, openStates).Take(&open).Error
		if err == nil {
			blocking = &open
			return ErrPending
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		claimed = Marker{
			EpochKey:      epoch.Key(),
			ScriptID:      epoch.ScriptID,
			UserID:        intent.UserID,
			State:         StateInProgress,
			Side:          intent.Side,
			Quantity:      intent.Quantity,
			Price:         intent.Price,
			ClientOrderID: epoch.ClientOrderID(),
			AvgPrice:      decimal.Zero,
		}
		if existing.ID != 0 {
			// a void marker is reopened for a fresh attempt in the same epoch
			claimed.ID = existing.ID
			claimed.CreatedAt = existing.CreatedAt
			claimed.Attempt = existing.Attempt + 1
			claimed.ClientOrderID = fmt.Sprintf("%s-a%d", epoch.ClientOrderID(), claimed.Attempt)
			return tx.Save(&claimed).Error
		}
		return tx.Create(&claimed).Error
	})
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrPending
		}
		return blocking, err
	}
	return &claimed, nil
}

func (g *Guard) update(ctx context.Context, key string, fields map[string]any) error {
	res := g.db.WithContext(ctx).Model(&Marker{}).Where("epoch_key = ?", key).Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrNoMarker, key)
	}
	return nil
}

// MarkSubmitted records the broker acknowledgment.
func (g *Guard) MarkSubmitted(ctx context.Context, key, orderID string) error {
	return g.update(ctx, key, map[string]any{
		"state":     StateSubmitted,
		"order_id":  orderID,
		"uncertain": false,
	})
}

// MarkUncertain flags a submission whose outcome is unknown (transport error).
// The marker stays open and becomes eligible for reconciliation immediately.
func (g *Guard) MarkUncertain(ctx context.Context, key, reason string) error {
	return g.update(ctx, key, map[string]any{
		"uncertain":     true,
		"result_reason": truncate(reason, 500),
	})
}

// Complete caches the terminal result.
func (g *Guard) Complete(ctx context.Context, key string, res Result) error {
	fields := map[string]any{
		"state":         StateDone,
		"result_status": res.Status,
		"result_reason": truncate(res.Reason, 500),
		"filled_qty":    res.FilledQty,
		"avg_price":     res.AvgPrice,
		"uncertain":     false,
	}
	if res.OrderID != "" {
		fields["order_id"] = res.OrderID
	}
	return g.update(ctx, key, fields)
}

// Void releases an open marker that never reached a terminal order.
func (g *Guard) Void(ctx context.Context, key, reason string) error {
	return g.update(ctx, key, map[string]any{
		"state":         StateVoid,
		"result_status": "void",
		"result_reason": truncate(reason, 500),
		"uncertain":     false,
	})
}

// RecordReconcileAttempt increments and returns the attempt counter.
func (g *Guard) RecordReconcileAttempt(ctx context.Context, key string) (int, error) {
	var m Marker
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&Marker{}).Where("epoch_key = ?", key).
			UpdateColumn("reconcile_attempts", gorm.Expr("reconcile_attempts + 1")).Error; err != nil {
			return err
		}
		return tx.Where("epoch_key = ?", key).Take(&m).Error
	})
	if err != nil {
		return 0, err
	}
	return m.ReconcileAttempts, nil
}

// Get loads a marker by epoch key.
func (g *Guard) Get(ctx context.Context, key string) (*Marker, error) {
	var m Marker
	err := g.db.WithContext(ctx).Where("epoch_key = ?", key).Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNoMarker, key)
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// OpenForScript returns the script's open marker, or nil.
func (g *Guard) OpenForScript(ctx context.Context, scriptID uint) (*Marker, error) {
	var m Marker
	err := g.db.WithContext(ctx).Where("script_id = ? AND state IN ?", scriptID, openStates).Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// OpenMarkers lists every open marker, oldest first.
func (g *Guard) OpenMarkers(ctx context.Context) ([]Marker, error) {
	var out []Marker
	err := g.db.WithContext(ctx).Where("state IN ?", openStates).Order("id").Find(&out).Error
	return out, err
}

// FindByOrder resolves a feed update to its marker by broker or client order id.
func (g *Guard) FindByOrder(ctx context.Context, orderID, clientOrderID string) (*Marker, error) {
	q := g.db.WithContext(ctx)
	var m Marker
	var err error
	switch {
	case clientOrderID != "":
		err = q.Where("client_order_id = ?", clientOrderID).Take(&m).Error
		if errors.Is(err, gorm.ErrRecordNotFound) && orderID != "" {
			err = q.Where("order_id = ?", orderID).Take(&m).Error
		}
	case orderID != "":
		err = q.Where("order_id = ?", orderID).Take(&m).Error
	default:
		return nil, fmt.Errorf("%w: empty order reference", ErrNoMarker)
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: order %s/%s", ErrNoMarker, orderID, clientOrderID)
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// Reconcilable reports whether an open marker should be checked against the
// broker: uncertain submissions at once, anything else once it is stale.
func (g *Guard) Reconcilable(m Marker) bool {
	if !m.Open() {
		return false
	}
	if m.State == StateInProgress && m.Uncertain {
		return true
	}
	return g.now().Sub(m.UpdatedAt) > g.staleAfter
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
