package repositories

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/pixelgrid/gridwall/gridwall/database/models"
	"github.com/uptrace/bun"
)

// EngagementRepository maintains the like/view ledger. Each mutation
// updates three things atomically: the membership record (the source of
// truth for "has this user engaged"), the slot counter, and the owner's
// running total.
type EngagementRepository interface {
	Like(ctx context.Context, slotID, userID string, now time.Time) error
	Unlike(ctx context.Context, slotID, userID string, now time.Time) error
	HasLiked(ctx context.Context, slotID, userID string) (bool, error)
	RecordView(ctx context.Context, slotID, userID string, now time.Time) (counted bool, err error)
	DeleteMembers(ctx context.Context, slotID string) error
}

type engagementRepository struct {
	db *bun.DB
}

func NewEngagementRepository(db *bun.DB) EngagementRepository {
	return &engagementRepository{db: db}
}

func (r *engagementRepository) Like(ctx context.Context, slotID, userID string, now time.Time) error {
	return TransactionRetry(ctx, r.db, func(ctx context.Context, tx bun.Tx) error {
		slot := new(models.Slot)
		if err := tx.NewSelect().Model(slot).Where("id = ?", slotID).Scan(ctx); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return &NotFoundError{Resource: "slot", ID: slotID}
			}
			return &RepositoryError{Operation: "like: load slot", Err: err}
		}
		if slot.BookedBy == "" {
			return &NotFoundError{Resource: "slot occupant", ID: slotID}
		}

		res, err := tx.NewInsert().
			Model(&models.SlotLike{SlotID: slotID, UserID: userID}).
			On("CONFLICT (slot_id, user_id) DO NOTHING").
			Exec(ctx)
		if err != nil {
			return &RepositoryError{Operation: "like: insert membership", Err: err}
		}
		if affected, _ := res.RowsAffected(); affected == 0 {
			return &ConflictError{Resource: "like", Reason: "already liked"}
		}

		if _, err := tx.NewUpdate().
			Model((*models.Slot)(nil)).
			Set("likes = likes + 1").
			Set("updated_at = ?", now).
			Where("id = ?", slotID).
			Exec(ctx); err != nil {
			return &RepositoryError{Operation: "like: bump slot", Err: err}
		}

		if _, err := tx.NewUpdate().
			Model((*models.User)(nil)).
			Set("total_likes = total_likes + 1").
			Set("updated_at = ?", now).
			Where("id = ?", slot.BookedBy).
			Exec(ctx); err != nil {
			return &RepositoryError{Operation: "like: bump owner", Err: err}
		}

		return nil
	})
}

func (r *engagementRepository) Unlike(ctx context.Context, slotID, userID string, now time.Time) error {
	return TransactionRetry(ctx, r.db, func(ctx context.Context, tx bun.Tx) error {
		slot := new(models.Slot)
		if err := tx.NewSelect().Model(slot).Where("id = ?", slotID).Scan(ctx); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return &NotFoundError{Resource: "slot", ID: slotID}
			}
			return &RepositoryError{Operation: "unlike: load slot", Err: err}
		}

		res, err := tx.NewDelete().
			Model((*models.SlotLike)(nil)).
			Where("slot_id = ?", slotID).
			Where("user_id = ?", userID).
			Exec(ctx)
		if err != nil {
			return &RepositoryError{Operation: "unlike: delete membership", Err: err}
		}
		if affected, _ := res.RowsAffected(); affected == 0 {
			return &NotFoundError{Resource: "like", ID: slotID + "/" + userID}
		}

		if _, err := tx.NewUpdate().
			Model((*models.Slot)(nil)).
			Set("likes = GREATEST(likes - 1, 0)").
			Set("updated_at = ?", now).
			Where("id = ?", slotID).
			Exec(ctx); err != nil {
			return &RepositoryError{Operation: "unlike: drop slot", Err: err}
		}

		if _, err := tx.NewUpdate().
			Model((*models.User)(nil)).
			Set("total_likes = GREATEST(total_likes - 1, 0)").
			Set("updated_at = ?", now).
			Where("id = ?", slot.BookedBy).
			Exec(ctx); err != nil {
			return &RepositoryError{Operation: "unlike: drop owner", Err: err}
		}

		return nil
	})
}

func (r *engagementRepository) HasLiked(ctx context.Context, slotID, userID string) (bool, error) {
	liked, err := r.db.NewSelect().
		Model((*models.SlotLike)(nil)).
		Where("slot_id = ?", slotID).
		Where("user_id = ?", userID).
		Exists(ctx)
	if err != nil {
		return false, &RepositoryError{Operation: "has liked", Err: err}
	}
	return liked, nil
}

// RecordView counts a view once per user per occupancy. A repeat view is
// not an error; it reports counted=false and changes nothing.
func (r *engagementRepository) RecordView(ctx context.Context, slotID, userID string, now time.Time) (bool, error) {
	var counted bool

	err := TransactionRetry(ctx, r.db, func(ctx context.Context, tx bun.Tx) error {
		counted = false

		slot := new(models.Slot)
		if err := tx.NewSelect().Model(slot).Where("id = ?", slotID).Scan(ctx); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return &NotFoundError{Resource: "slot", ID: slotID}
			}
			return &RepositoryError{Operation: "view: load slot", Err: err}
		}
		if slot.BookedBy == "" {
			return &NotFoundError{Resource: "slot occupant", ID: slotID}
		}

		res, err := tx.NewInsert().
			Model(&models.SlotView{SlotID: slotID, UserID: userID}).
			On("CONFLICT (slot_id, user_id) DO NOTHING").
			Exec(ctx)
		if err != nil {
			return &RepositoryError{Operation: "view: insert membership", Err: err}
		}
		if affected, _ := res.RowsAffected(); affected == 0 {
			return nil
		}

		if _, err := tx.NewUpdate().
			Model((*models.Slot)(nil)).
			Set("views = views + 1").
			Set("updated_at = ?", now).
			Where("id = ?", slotID).
			Exec(ctx); err != nil {
			return &RepositoryError{Operation: "view: bump slot", Err: err}
		}

		if _, err := tx.NewUpdate().
			Model((*models.User)(nil)).
			Set("total_views = total_views + 1").
			Set("updated_at = ?", now).
			Where("id = ?", slot.BookedBy).
			Exec(ctx); err != nil {
			return &RepositoryError{Operation: "view: bump owner", Err: err}
		}

		counted = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return counted, nil
}

// DeleteMembers drops all like and view records for a slot. Used when the
// slot is reclaimed so the next occupant starts from a clean ledger.
func (r *engagementRepository) DeleteMembers(ctx context.Context, slotID string) error {
	return Transaction(ctx, r.db, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewDelete().
			Model((*models.SlotLike)(nil)).
			Where("slot_id = ?", slotID).
			Exec(ctx); err != nil {
			return &RepositoryError{Operation: "delete likes", Err: err}
		}
		if _, err := tx.NewDelete().
			Model((*models.SlotView)(nil)).
			Where("slot_id = ?", slotID).
			Exec(ctx); err != nil {
			return &RepositoryError{Operation: "delete views", Err: err}
		}
		return nil
	})
}
