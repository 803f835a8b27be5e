package portfolio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/Rajchodisetti/swing-engine/internal/lifecycle"
)

var ErrNotFound = errors.New("not found")

// Store persists strategy sets and scripts. A Store bound to a transaction
// (via WithTx) shares that transaction for every call.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB returns the underlying handle.
func (s *Store) DB() *gorm.DB { return s.db }

// WithTx returns a Store bound to tx.
func (s *Store) WithTx(tx *gorm.DB) *Store {
	return &Store{db: tx}
}

// Transaction runs fn in a single database transaction.
func (s *Store) Transaction(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(s.WithTx(tx))
	})
}

func notFound(err error, what string, id uint) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s %d: %w", what, id, ErrNotFound)
	}
	return err
}

// CreateSet inserts a set and its scripts. Scripts start in Waiting.
func (s *Store) CreateSet(ctx context.Context, set *StrategySet) error {
	for i := range set.Scripts {
		set.Scripts[i].UserID = set.UserID
		set.Scripts[i].Status = lifecycle.Waiting
		if set.Scripts[i].Name == "" {
			set.Scripts[i].Name = set.Scripts[i].Symbol
		}
	}
	return s.db.WithContext(ctx).Create(set).Error
}

func (s *Store) GetSet(ctx context.Context, id uint) (StrategySet, error) {
	var set StrategySet
	err := s.db.WithContext(ctx).Preload("Scripts", "archived_at IS NULL").Take(&set, id).Error
	if err != nil {
		return set, notFound(err, "strategy set", id)
	}
	return set, nil
}

func (s *Store) SetActive(ctx context.Context, id uint, active bool) error {
	res := s.db.WithContext(ctx).Model(&StrategySet{}).Where("id = ?", id).Update("active", active)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("strategy set %d: %w", id, ErrNotFound)
	}
	return nil
}

// GetScript loads a script with its set.
func (s *Store) GetScript(ctx context.Context, id uint) (Script, error) {
	var sc Script
	err := s.db.WithContext(ctx).Preload("Set").Take(&sc, id).Error
	if err != nil {
		return sc, notFound(err, "script", id)
	}
	return sc, nil
}

// SaveScript writes every column of a script.
func (s *Store) SaveScript(ctx context.Context, sc *Script) error {
	return s.db.WithContext(ctx).Omit("Set").Save(sc).Error
}

// ActiveScripts returns schedulable scripts of deployed sets, oldest first.
func (s *Store) ActiveScripts(ctx context.Context) ([]Script, error) {
	var out []Script
	err := s.db.WithContext(ctx).
		Joins("JOIN strategy_sets ON strategy_sets.id = scripts.set_id").
		Where("strategy_sets.active = ? AND scripts.archived_at IS NULL AND scripts.status IN ?",
			true, []lifecycle.Status{lifecycle.Waiting, lifecycle.Running}).
		Preload("Set").
		Order("scripts.id").
		Find(&out).Error
	return out, err
}

// ScriptsByStatus returns non-archived scripts in any of the given statuses.
func (s *Store) ScriptsByStatus(ctx context.Context, statuses ...lifecycle.Status) ([]Script, error) {
	var out []Script
	err := s.db.WithContext(ctx).
		Where("archived_at IS NULL AND status IN ?", statuses).
		Order("id").
		Find(&out).Error
	return out, err
}

// ScriptsByUser returns the user's non-archived scripts.
func (s *Store) ScriptsByUser(ctx context.Context, userID uint) ([]Script, error) {
	var out []Script
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND archived_at IS NULL", userID).
		Order("id").
		Find(&out).Error
	return out, err
}

func (s *Store) ScriptsBySet(ctx context.Context, setID uint) ([]Script, error) {
	var out []Script
	err := s.db.WithContext(ctx).
		Where("set_id = ? AND archived_at IS NULL", setID).
		Order("id").
		Find(&out).Error
	return out, err
}

// ArchiveCandidates returns Sold-out scripts whose last trade is strictly before cutoff (YYYY-MM-DD).
func (s *Store) ArchiveCandidates(ctx context.Context, cutoff string) ([]Script, error) {
	var out []Script
	err := s.db.WithContext(ctx).
		Where("archived_at IS NULL AND status = ? AND (last_trade_date = '' OR last_trade_date IS NULL OR last_trade_date < ?)",
			lifecycle.SoldOut, cutoff).
		Order("id").
		Find(&out).Error
	return out, err
}

// Archive snapshots a script and removes it from the active set. The script row is kept.
func (s *Store) Archive(ctx context.Context, sc *Script, at time.Time) error {
	data, err := json.Marshal(sc)
	if err != nil {
		return fmt.Errorf("marshal script %d: %w", sc.ID, err)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		archive := ScriptArchive{
			ScriptID:   sc.ID,
			UserID:     sc.UserID,
			SetID:      sc.SetID,
			Name:       sc.Name,
			Symbol:     sc.Symbol,
			Status:     string(sc.Status),
			Data:       datatypes.JSON(data),
			ArchivedAt: at,
		}
		if err := tx.Create(&archive).Error; err != nil {
			return err
		}
		res := tx.Model(&Script{}).Where("id = ? AND archived_at IS NULL", sc.ID).Update("archived_at", at)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("script %d already archived", sc.ID)
		}
		sc.ArchivedAt = &at
		return nil
	})
}

// Archived lists a user's archive snapshots, newest first.
func (s *Store) Archived(ctx context.Context, userID uint) ([]ScriptArchive, error) {
	var out []ScriptArchive
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("archived_at DESC").Find(&out).Error
	return out, err
}
