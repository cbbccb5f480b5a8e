package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/pixelgrid/gridwall/gridwall/database/models"
	"github.com/pixelgrid/gridwall/gridwall/database/repositories"
)

type SlotRepository struct {
	store *Store
}

func NewSlotRepository(store *Store) *SlotRepository {
	return &SlotRepository{store: store}
}

var _ repositories.SlotRepository = (*SlotRepository)(nil)

func (r *SlotRepository) GetByID(ctx context.Context, id string) (*models.Slot, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	slot := r.store.slotCopy(id)
	if slot == nil {
		return nil, &repositories.NotFoundError{Resource: "slot", ID: id}
	}
	return slot, nil
}

func (r *SlotRepository) GetAll(ctx context.Context) ([]*models.Slot, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	slots := make([]*models.Slot, 0, len(r.store.slots))
	for id := range r.store.slots {
		slots = append(slots, r.store.slotCopy(id))
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i].ID < slots[j].ID })
	return slots, nil
}

func (r *SlotRepository) EnsureGrid(ctx context.Context, rows, cols int) error {
	if rows <= 0 || cols <= 0 {
		return &repositories.ValidationError{Field: "grid", Message: "rows and cols must be positive"}
	}

	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	now := time.Now().UTC()
	for row := 0; row < rows; row++ {
		for col := 0; col < cols; col++ {
			id := fmt.Sprintf("%d_%d", row, col)
			if _, ok := r.store.slots[id]; !ok {
				r.store.slots[id] = &models.Slot{
					ID:        id,
					Status:    models.SlotStatusAvailable,
					UpdatedAt: now,
				}
			}
		}
	}
	return nil
}

func (r *SlotRepository) ActiveSlotForUser(ctx context.Context, userID string, now time.Time) (*models.Slot, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	for id, slot := range r.store.slots {
		if slot.BookedBy == userID && slot.ExpiresAt != nil && slot.ExpiresAt.After(now) {
			return r.store.slotCopy(id), nil
		}
	}
	return nil, &repositories.NotFoundError{Resource: "active slot for user", ID: userID}
}

func (r *SlotRepository) Reserve(ctx context.Context, slotID, userID string, now time.Time, holdWindow time.Duration) (*models.Slot, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	user, ok := r.store.users[userID]
	if !ok {
		return nil, &repositories.NotFoundError{Resource: "user", ID: userID}
	}
	if user.Cooldown != nil && now.Before(*user.Cooldown) {
		return nil, &repositories.ConflictError{Resource: "user", Reason: "cooldown active"}
	}
	for _, slot := range r.store.slots {
		if slot.BookedBy == userID && slot.ExpiresAt != nil && slot.ExpiresAt.After(now) {
			return nil, &repositories.ConflictError{Resource: "user", Reason: "already holds a slot"}
		}
	}

	slot, ok := r.store.slots[slotID]
	if !ok {
		return nil, &repositories.NotFoundError{Resource: "slot", ID: slotID}
	}
	if slot.Status != models.SlotStatusAvailable {
		return nil, &repositories.ConflictError{Resource: "slot", Reason: "slot unavailable"}
	}

	expires := now.Add(holdWindow)
	slot.Status = models.SlotStatusProcessing
	slot.BookedBy = userID
	slot.ExpiresAt = &expires
	slot.UpdatedAt = now

	cooldown := now.Add(holdWindow)
	user.Cooldown = &cooldown
	user.UpdatedAt = now

	return r.store.slotCopy(slotID), nil
}

func (r *SlotRepository) Commit(ctx context.Context, p repositories.CommitParams) (*models.Slot, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	slot, ok := r.store.slots[p.SlotID]
	if !ok {
		return nil, &repositories.NotFoundError{Resource: "slot", ID: p.SlotID}
	}
	if slot.Status != models.SlotStatusProcessing || slot.BookedBy != p.UserID {
		return nil, &repositories.ConflictError{Resource: "slot", Reason: "slot not held by user"}
	}

	user, ok := r.store.users[p.UserID]
	if !ok {
		return nil, &repositories.NotFoundError{Resource: "user", ID: p.UserID}
	}

	expires := p.Now.Add(p.LifeWindow)
	slot.Status = models.SlotStatusBooked
	slot.ContentRef = p.ContentRef
	slot.ExpiresAt = &expires
	slot.UpdatedAt = p.Now

	if p.NextStreak != nil {
		user.Streaks = p.NextStreak(user.LastUpload, user.Streaks)
	}
	lastUpload := p.Now
	user.LastUpload = &lastUpload
	cooldown := p.Cooldown
	user.Cooldown = &cooldown
	user.UpdatedAt = p.Now

	return r.store.slotCopy(p.SlotID), nil
}

func (r *SlotRepository) Expired(ctx context.Context, now time.Time) ([]*models.Slot, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	var expired []*models.Slot
	for id, slot := range r.store.slots {
		if slot.ExpiresAt != nil && !slot.ExpiresAt.After(now) {
			expired = append(expired, r.store.slotCopy(id))
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].ID < expired[j].ID })
	return expired, nil
}

func (r *SlotRepository) ResetBatch(ctx context.Context, ids []string, now time.Time) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	for _, id := range ids {
		slot, ok := r.store.slots[id]
		if !ok {
			continue
		}
		slot.Status = models.SlotStatusAvailable
		slot.BookedBy = ""
		slot.ContentRef = ""
		slot.ExpiresAt = nil
		slot.Likes = 0
		slot.Views = 0
		slot.UpdatedAt = now
	}
	return nil
}
