// Package engagement tracks likes and unique views on booked slots.
package engagement

import (
	"context"
	"log/slog"
	"time"

	"github.com/pixelgrid/gridwall/gridwall/database/repositories"
)

// Ledger applies engagement events. Dedup lives in the repository's
// membership records; the ledger adds input validation and logging.
type Ledger struct {
	repo repositories.EngagementRepository
	now  func() time.Time
}

func NewLedger(repo repositories.EngagementRepository) *Ledger {
	return &Ledger{repo: repo, now: time.Now}
}

func (l *Ledger) validate(slotID, userID string) error {
	if slotID == "" {
		return &repositories.ValidationError{Field: "slot_id", Message: "must not be empty"}
	}
	if userID == "" {
		return &repositories.ValidationError{Field: "user_id", Message: "must not be empty"}
	}
	return nil
}

func (l *Ledger) Like(ctx context.Context, slotID, userID string) error {
	if err := l.validate(slotID, userID); err != nil {
		return err
	}
	if err := l.repo.Like(ctx, slotID, userID, l.now().UTC()); err != nil {
		return err
	}
	slog.Debug("Like recorded",
		slog.String("type", "sys"),
		slog.String("slot_id", slotID),
		slog.String("user_id", userID))
	return nil
}

func (l *Ledger) Unlike(ctx context.Context, slotID, userID string) error {
	if err := l.validate(slotID, userID); err != nil {
		return err
	}
	return l.repo.Unlike(ctx, slotID, userID, l.now().UTC())
}

func (l *Ledger) HasLiked(ctx context.Context, slotID, userID string) (bool, error) {
	if err := l.validate(slotID, userID); err != nil {
		return false, err
	}
	return l.repo.HasLiked(ctx, slotID, userID)
}

// RecordView counts a first view and silently ignores repeats.
func (l *Ledger) RecordView(ctx context.Context, slotID, userID string) (bool, error) {
	if err := l.validate(slotID, userID); err != nil {
		return false, err
	}
	return l.repo.RecordView(ctx, slotID, userID, l.now().UTC())
}
