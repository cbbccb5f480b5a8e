package memory

import (
	"context"
	"time"

	"github.com/pixelgrid/gridwall/gridwall/database/models"
	"github.com/pixelgrid/gridwall/gridwall/database/repositories"
)

type UserRepository struct {
	store *Store
}

func NewUserRepository(store *Store) *UserRepository {
	return &UserRepository{store: store}
}

var _ repositories.UserRepository = (*UserRepository)(nil)

func (r *UserRepository) Create(ctx context.Context, user *models.User) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	if _, exists := r.store.users[user.ID]; exists {
		return &repositories.ConflictError{Resource: "user", Reason: "id or username already taken"}
	}
	for _, other := range r.store.users {
		if other.Username == user.Username {
			return &repositories.ConflictError{Resource: "user", Reason: "id or username already taken"}
		}
	}

	user.CreatedAt = time.Now().UTC()
	user.UpdatedAt = user.CreatedAt
	c := *user
	r.store.users[user.ID] = &c
	return nil
}

func (r *UserRepository) GetByID(ctx context.Context, id string) (*models.User, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	user := r.store.userCopy(id)
	if user == nil {
		return nil, &repositories.NotFoundError{Resource: "user", ID: id}
	}
	return user, nil
}

func (r *UserRepository) GetByIDs(ctx context.Context, ids []string) ([]*models.User, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	var users []*models.User
	for _, id := range ids {
		if user := r.store.userCopy(id); user != nil {
			users = append(users, user)
		}
	}
	return users, nil
}

func (r *UserRepository) Update(ctx context.Context, user *models.User) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	if _, exists := r.store.users[user.ID]; !exists {
		return &repositories.NotFoundError{Resource: "user", ID: user.ID}
	}
	for id, other := range r.store.users {
		if id != user.ID && other.Username == user.Username {
			return &repositories.ConflictError{Resource: "user", Reason: "username already taken"}
		}
	}

	user.UpdatedAt = time.Now().UTC()
	c := *user
	r.store.users[user.ID] = &c
	return nil
}

func (r *UserRepository) Delete(ctx context.Context, id string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	if _, exists := r.store.users[id]; !exists {
		return &repositories.NotFoundError{Resource: "user", ID: id}
	}
	delete(r.store.users, id)
	return nil
}

func (r *UserRepository) ResetStaleStreaks(ctx context.Context, olderThan time.Time) (int64, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	var reset int64
	now := time.Now().UTC()
	for _, user := range r.store.users {
		if user.Streaks > 0 && user.LastUpload != nil && !user.LastUpload.After(olderThan) {
			user.Streaks = 0
			user.UpdatedAt = now
			reset++
		}
	}
	return reset, nil
}
