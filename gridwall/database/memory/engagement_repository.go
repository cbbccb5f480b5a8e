package memory

import (
	"context"
	"time"

	"github.com/pixelgrid/gridwall/gridwall/database/repositories"
)

type EngagementRepository struct {
	store *Store
}

func NewEngagementRepository(store *Store) *EngagementRepository {
	return &EngagementRepository{store: store}
}

var _ repositories.EngagementRepository = (*EngagementRepository)(nil)

func (r *EngagementRepository) Like(ctx context.Context, slotID, userID string, now time.Time) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	slot, ok := r.store.slots[slotID]
	if !ok {
		return &repositories.NotFoundError{Resource: "slot", ID: slotID}
	}
	if slot.BookedBy == "" {
		return &repositories.NotFoundError{Resource: "slot occupant", ID: slotID}
	}

	key := [2]string{slotID, userID}
	if _, dup := r.store.likes[key]; dup {
		return &repositories.ConflictError{Resource: "like", Reason: "already liked"}
	}
	r.store.likes[key] = struct{}{}

	slot.Likes++
	slot.UpdatedAt = now
	if owner, ok := r.store.users[slot.BookedBy]; ok {
		owner.TotalLikes++
		owner.UpdatedAt = now
	}
	return nil
}

func (r *EngagementRepository) Unlike(ctx context.Context, slotID, userID string, now time.Time) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	slot, ok := r.store.slots[slotID]
	if !ok {
		return &repositories.NotFoundError{Resource: "slot", ID: slotID}
	}

	key := [2]string{slotID, userID}
	if _, liked := r.store.likes[key]; !liked {
		return &repositories.NotFoundError{Resource: "like", ID: slotID + "/" + userID}
	}
	delete(r.store.likes, key)

	if slot.Likes > 0 {
		slot.Likes--
	}
	slot.UpdatedAt = now
	if owner, ok := r.store.users[slot.BookedBy]; ok {
		if owner.TotalLikes > 0 {
			owner.TotalLikes--
		}
		owner.UpdatedAt = now
	}
	return nil
}

func (r *EngagementRepository) HasLiked(ctx context.Context, slotID, userID string) (bool, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	_, liked := r.store.likes[[2]string{slotID, userID}]
	return liked, nil
}

func (r *EngagementRepository) RecordView(ctx context.Context, slotID, userID string, now time.Time) (bool, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	slot, ok := r.store.slots[slotID]
	if !ok {
		return false, &repositories.NotFoundError{Resource: "slot", ID: slotID}
	}
	if slot.BookedBy == "" {
		return false, &repositories.NotFoundError{Resource: "slot occupant", ID: slotID}
	}

	key := [2]string{slotID, userID}
	if _, seen := r.store.views[key]; seen {
		return false, nil
	}
	r.store.views[key] = struct{}{}

	slot.Views++
	slot.UpdatedAt = now
	if owner, ok := r.store.users[slot.BookedBy]; ok {
		owner.TotalViews++
		owner.UpdatedAt = now
	}
	return true, nil
}

func (r *EngagementRepository) DeleteMembers(ctx context.Context, slotID string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	for key := range r.store.likes {
		if key[0] == slotID {
			delete(r.store.likes, key)
		}
	}
	for key := range r.store.views {
		if key[0] == slotID {
			delete(r.store.views, key)
		}
	}
	return nil
}
