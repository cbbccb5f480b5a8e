package reservation

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/pixelgrid/gridwall/gridwall/database/models"
	"github.com/pixelgrid/gridwall/gridwall/database/repositories"
	"github.com/pixelgrid/gridwall/gridwall/services"
)

// Config carries the lifecycle windows for the manager.
type Config struct {
	// HoldWindow bounds a reservation before content is committed.
	HoldWindow time.Duration
	// LifeWindow bounds a committed slot before it is reclaimed.
	LifeWindow time.Duration
}

// Manager runs the slot lifecycle: placing holds on available slots and
// turning holds into booked content.
type Manager struct {
	slots      repositories.SlotRepository
	moderation services.ModerationGate
	blobs      services.BlobStore
	cfg        Config
	now        func() time.Time
}

func NewManager(slots repositories.SlotRepository, moderation services.ModerationGate, blobs services.BlobStore, cfg Config) *Manager {
	return &Manager{
		slots:      slots,
		moderation: moderation,
		blobs:      blobs,
		cfg:        cfg,
		now:        time.Now,
	}
}

// Reserve places a hold on slotID for userID. A cheap read rejects users
// who visibly hold a slot already; the transaction inside the repository
// re-checks everything, so the pre-check is only there to fail fast.
func (m *Manager) Reserve(ctx context.Context, slotID, userID string) (*models.Slot, error) {
	if slotID == "" {
		return nil, &repositories.ValidationError{Field: "slot_id", Message: "must not be empty"}
	}
	if userID == "" {
		return nil, &repositories.ValidationError{Field: "user_id", Message: "must not be empty"}
	}

	now := m.now().UTC()

	if _, err := m.slots.ActiveSlotForUser(ctx, userID, now); err == nil {
		return nil, &repositories.ConflictError{Resource: "user", Reason: "already holds a slot"}
	} else if !repositories.IsNotFoundError(err) {
		return nil, err
	}

	slot, err := m.slots.Reserve(ctx, slotID, userID, now, m.cfg.HoldWindow)
	if err != nil {
		return nil, err
	}

	slog.Info("Slot reserved",
		slog.String("type", "sys"),
		slog.String("slot_id", slotID),
		slog.String("user_id", userID),
		slog.Time("expires_at", *slot.ExpiresAt))
	return slot, nil
}

// CommitContent moderates the image, stores it and books the held slot.
// The blob is written before the booking transaction; if the booking then
// fails, the orphaned blob is left for the reaper-era cleanup rather than
// compensated here.
func (m *Manager) CommitContent(ctx context.Context, slotID, userID string, data []byte, contentType string) (*models.Slot, error) {
	if len(data) == 0 {
		return nil, &repositories.ValidationError{Field: "image", Message: "must not be empty"}
	}

	if err := m.moderation.Check(ctx, data, contentType); err != nil {
		var rejected *services.RejectedError
		if errors.As(err, &rejected) {
			return nil, &repositories.ValidationError{Field: "image", Message: rejected.Error()}
		}
		return nil, &repositories.ExternalServiceError{Service: "moderation", Err: err}
	}

	key, err := m.blobs.Put(ctx, "uploads/"+slotID, data, contentType)
	if err != nil {
		return nil, &repositories.ExternalServiceError{Service: "blob store", Err: err}
	}

	now := m.now().UTC()
	slot, err := m.slots.Commit(ctx, repositories.CommitParams{
		SlotID:     slotID,
		UserID:     userID,
		ContentRef: key,
		Now:        now,
		LifeWindow: m.cfg.LifeWindow,
		Cooldown:   now.Add(m.cfg.LifeWindow),
		NextStreak: func(prev *time.Time, current int) int {
			return NextStreak(prev, now, current)
		},
	})
	if err != nil {
		return nil, err
	}

	slog.Info("Slot booked",
		slog.String("type", "sys"),
		slog.String("slot_id", slotID),
		slog.String("user_id", userID),
		slog.String("content_ref", key),
		slog.Time("expires_at", *slot.ExpiresAt))
	return slot, nil
}
