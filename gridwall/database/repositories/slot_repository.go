package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pixelgrid/gridwall/gridwall/database/models"
	"github.com/uptrace/bun"
)

// CommitParams carries everything needed to turn a held slot into a booked
// one. NextStreak is evaluated inside the transaction against the owner's
// current state so a retry recomputes it from fresh data.
type CommitParams struct {
	SlotID     string
	UserID     string
	ContentRef string
	Now        time.Time
	LifeWindow time.Duration
	Cooldown   time.Time
	NextStreak func(prevLastUpload *time.Time, current int) int
}

type SlotRepository interface {
	GetByID(ctx context.Context, id string) (*models.Slot, error)
	GetAll(ctx context.Context) ([]*models.Slot, error)
	EnsureGrid(ctx context.Context, rows, cols int) error
	ActiveSlotForUser(ctx context.Context, userID string, now time.Time) (*models.Slot, error)
	Reserve(ctx context.Context, slotID, userID string, now time.Time, holdWindow time.Duration) (*models.Slot, error)
	Commit(ctx context.Context, p CommitParams) (*models.Slot, error)
	Expired(ctx context.Context, now time.Time) ([]*models.Slot, error)
	ResetBatch(ctx context.Context, ids []string, now time.Time) error
}

type slotRepository struct {
	db *bun.DB
}

func NewSlotRepository(db *bun.DB) SlotRepository {
	return &slotRepository{db: db}
}

func (r *slotRepository) GetByID(ctx context.Context, id string) (*models.Slot, error) {
	slot := new(models.Slot)
	err := r.db.NewSelect().
		Model(slot).
		Where("id = ?", id).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &NotFoundError{Resource: "slot", ID: id}
		}
		return nil, &RepositoryError{Operation: "get slot", Err: err}
	}
	return slot, nil
}

func (r *slotRepository) GetAll(ctx context.Context) ([]*models.Slot, error) {
	var slots []*models.Slot
	err := r.db.NewSelect().
		Model(&slots).
		Order("id ASC").
		Scan(ctx)
	if err != nil {
		return nil, &RepositoryError{Operation: "list slots", Err: err}
	}
	return slots, nil
}

// EnsureGrid provisions the fixed slot pool. Existing rows are left alone,
// so running it on every boot is safe.
func (r *slotRepository) EnsureGrid(ctx context.Context, rows, cols int) error {
	if rows <= 0 || cols <= 0 {
		return &ValidationError{Field: "grid", Message: "rows and cols must be positive"}
	}

	now := time.Now().UTC()
	slots := make([]*models.Slot, 0, rows*cols)
	for row := 0; row < rows; row++ {
		for col := 0; col < cols; col++ {
			slots = append(slots, &models.Slot{
				ID:        fmt.Sprintf("%d_%d", row, col),
				Status:    models.SlotStatusAvailable,
				UpdatedAt: now,
			})
		}
	}

	_, err := r.db.NewInsert().
		Model(&slots).
		On("CONFLICT (id) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return &RepositoryError{Operation: "ensure grid", Err: err}
	}

	slog.Info("Slot grid provisioned",
		slog.String("type", "db"),
		slog.Int("rows", rows),
		slog.Int("cols", cols))
	return nil
}

// ActiveSlotForUser returns the slot the user currently holds, booked or
// processing, whose window hasn't lapsed. Returns NotFoundError when the
// user holds nothing.
func (r *slotRepository) ActiveSlotForUser(ctx context.Context, userID string, now time.Time) (*models.Slot, error) {
	slot := new(models.Slot)
	err := r.db.NewSelect().
		Model(slot).
		Where("booked_by = ?", userID).
		Where("expires_at > ?", now).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &NotFoundError{Resource: "active slot for user", ID: userID}
		}
		return nil, &RepositoryError{Operation: "active slot lookup", Err: err}
	}
	return slot, nil
}

// Reserve places a hold on an available slot. The whole check-and-claim
// runs in one serializable transaction: the cooldown gate, the
// one-active-slot rule and the availability check are all decided against
// the same snapshot, so two racing reservations cannot both win.
func (r *slotRepository) Reserve(ctx context.Context, slotID, userID string, now time.Time, holdWindow time.Duration) (*models.Slot, error) {
	var reserved *models.Slot

	err := TransactionRetry(ctx, r.db, func(ctx context.Context, tx bun.Tx) error {
		user := new(models.User)
		if err := tx.NewSelect().Model(user).Where("id = ?", userID).Scan(ctx); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return &NotFoundError{Resource: "user", ID: userID}
			}
			return &RepositoryError{Operation: "reserve: load user", Err: err}
		}

		if user.Cooldown != nil && now.Before(*user.Cooldown) {
			return &ConflictError{Resource: "user", Reason: "cooldown active"}
		}

		holds, err := tx.NewSelect().
			Model((*models.Slot)(nil)).
			Where("booked_by = ?", userID).
			Where("expires_at > ?", now).
			Exists(ctx)
		if err != nil {
			return &RepositoryError{Operation: "reserve: active hold check", Err: err}
		}
		if holds {
			return &ConflictError{Resource: "user", Reason: "already holds a slot"}
		}

		slot := new(models.Slot)
		if err := tx.NewSelect().Model(slot).Where("id = ?", slotID).Scan(ctx); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return &NotFoundError{Resource: "slot", ID: slotID}
			}
			return &RepositoryError{Operation: "reserve: load slot", Err: err}
		}

		if slot.Status != models.SlotStatusAvailable {
			return &ConflictError{Resource: "slot", Reason: "slot unavailable"}
		}

		expires := now.Add(holdWindow)
		slot.Status = models.SlotStatusProcessing
		slot.BookedBy = userID
		slot.ExpiresAt = &expires
		slot.UpdatedAt = now

		if _, err := tx.NewUpdate().
			Model(slot).
			Column("status", "booked_by", "expires_at", "updated_at").
			WherePK().
			Exec(ctx); err != nil {
			return &RepositoryError{Operation: "reserve: update slot", Err: err}
		}

		cooldown := now.Add(holdWindow)
		if _, err := tx.NewUpdate().
			Model((*models.User)(nil)).
			Set("cooldown = ?", cooldown).
			Set("updated_at = ?", now).
			Where("id = ?", userID).
			Exec(ctx); err != nil {
			return &RepositoryError{Operation: "reserve: update user", Err: err}
		}

		reserved = slot
		return nil
	})
	if err != nil {
		return nil, err
	}
	return reserved, nil
}

// Commit books a held slot with its content reference and advances the
// owner's streak, cooldown and last-upload time in the same transaction.
func (r *slotRepository) Commit(ctx context.Context, p CommitParams) (*models.Slot, error) {
	var booked *models.Slot

	err := TransactionRetry(ctx, r.db, func(ctx context.Context, tx bun.Tx) error {
		slot := new(models.Slot)
		if err := tx.NewSelect().Model(slot).Where("id = ?", p.SlotID).Scan(ctx); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return &NotFoundError{Resource: "slot", ID: p.SlotID}
			}
			return &RepositoryError{Operation: "commit: load slot", Err: err}
		}

		if slot.Status != models.SlotStatusProcessing || slot.BookedBy != p.UserID {
			return &ConflictError{Resource: "slot", Reason: "slot not held by user"}
		}

		user := new(models.User)
		if err := tx.NewSelect().Model(user).Where("id = ?", p.UserID).Scan(ctx); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return &NotFoundError{Resource: "user", ID: p.UserID}
			}
			return &RepositoryError{Operation: "commit: load user", Err: err}
		}

		expires := p.Now.Add(p.LifeWindow)
		slot.Status = models.SlotStatusBooked
		slot.ContentRef = p.ContentRef
		slot.ExpiresAt = &expires
		slot.UpdatedAt = p.Now

		if _, err := tx.NewUpdate().
			Model(slot).
			Column("status", "content_ref", "expires_at", "updated_at").
			WherePK().
			Exec(ctx); err != nil {
			return &RepositoryError{Operation: "commit: update slot", Err: err}
		}

		streaks := user.Streaks
		if p.NextStreak != nil {
			streaks = p.NextStreak(user.LastUpload, user.Streaks)
		}

		if _, err := tx.NewUpdate().
			Model((*models.User)(nil)).
			Set("streaks = ?", streaks).
			Set("last_upload = ?", p.Now).
			Set("cooldown = ?", p.Cooldown).
			Set("updated_at = ?", p.Now).
			Where("id = ?", p.UserID).
			Exec(ctx); err != nil {
			return &RepositoryError{Operation: "commit: update user", Err: err}
		}

		booked = slot
		return nil
	})
	if err != nil {
		return nil, err
	}
	return booked, nil
}

// Expired returns all slots whose window has lapsed.
func (r *slotRepository) Expired(ctx context.Context, now time.Time) ([]*models.Slot, error) {
	var slots []*models.Slot
	err := r.db.NewSelect().
		Model(&slots).
		Where("expires_at IS NOT NULL").
		Where("expires_at <= ?", now).
		Scan(ctx)
	if err != nil {
		return nil, &RepositoryError{Operation: "expired slots", Err: err}
	}
	return slots, nil
}

// ResetBatch returns the given slots to the available state in a single
// statement. Every field tied to the previous occupancy is cleared.
func (r *slotRepository) ResetBatch(ctx context.Context, ids []string, now time.Time) error {
	if len(ids) == 0 {
		return nil
	}

	_, err := r.db.NewUpdate().
		Model((*models.Slot)(nil)).
		Set("status = ?", models.SlotStatusAvailable).
		Set("booked_by = ''").
		Set("content_ref = ''").
		Set("expires_at = NULL").
		Set("likes = 0").
		Set("views = 0").
		Set("updated_at = ?", now).
		Where("id IN (?)", bun.In(ids)).
		Exec(ctx)
	if err != nil {
		return &RepositoryError{Operation: "reset slots", Err: err}
	}

	slog.Debug("Slots reset",
		slog.String("type", "db"),
		slog.Int("count", len(ids)))
	return nil
}
