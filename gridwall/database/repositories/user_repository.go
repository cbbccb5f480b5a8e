package repositories

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/pixelgrid/gridwall/gridwall/database/models"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/driver/pgdriver"
)

type UserRepository interface {
	Create(ctx context.Context, user *models.User) error
	GetByID(ctx context.Context, id string) (*models.User, error)
	GetByIDs(ctx context.Context, ids []string) ([]*models.User, error)
	Update(ctx context.Context, user *models.User) error
	Delete(ctx context.Context, id string) error
	ResetStaleStreaks(ctx context.Context, olderThan time.Time) (int64, error)
}

type userRepository struct {
	db *bun.DB
}

func NewUserRepository(db *bun.DB) UserRepository {
	return &userRepository{db: db}
}

func (r *userRepository) Create(ctx context.Context, user *models.User) error {
	user.CreatedAt = time.Now().UTC()
	user.UpdatedAt = user.CreatedAt

	_, err := r.db.NewInsert().
		Model(user).
		Exec(ctx)
	if err != nil {
		if isUniqueViolation(err) {
			return &ConflictError{Resource: "user", Reason: "id or username already taken"}
		}
		return &RepositoryError{Operation: "create user", Err: err}
	}

	slog.Debug("User created",
		slog.String("type", "db"),
		slog.String("user_id", user.ID))
	return nil
}

func (r *userRepository) GetByID(ctx context.Context, id string) (*models.User, error) {
	user := new(models.User)
	err := r.db.NewSelect().
		Model(user).
		Where("id = ?", id).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &NotFoundError{Resource: "user", ID: id}
		}
		return nil, &RepositoryError{Operation: "get user", Err: err}
	}
	return user, nil
}

func (r *userRepository) GetByIDs(ctx context.Context, ids []string) ([]*models.User, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	var users []*models.User
	err := r.db.NewSelect().
		Model(&users).
		Where("id IN (?)", bun.In(ids)).
		Scan(ctx)
	if err != nil {
		return nil, &RepositoryError{Operation: "get users", Err: err}
	}
	return users, nil
}

func (r *userRepository) Update(ctx context.Context, user *models.User) error {
	user.UpdatedAt = time.Now().UTC()

	res, err := r.db.NewUpdate().
		Model(user).
		WherePK().
		Exec(ctx)
	if err != nil {
		if isUniqueViolation(err) {
			return &ConflictError{Resource: "user", Reason: "username already taken"}
		}
		return &RepositoryError{Operation: "update user", Err: err}
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return &NotFoundError{Resource: "user", ID: user.ID}
	}
	return nil
}

func (r *userRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.NewDelete().
		Model((*models.User)(nil)).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return &RepositoryError{Operation: "delete user", Err: err}
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return &NotFoundError{Resource: "user", ID: id}
	}
	return nil
}

// ResetStaleStreaks zeroes the streak of every user whose last upload is
// older than the cutoff. Returns the number of streaks reset.
func (r *userRepository) ResetStaleStreaks(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := r.db.NewUpdate().
		Model((*models.User)(nil)).
		Set("streaks = 0").
		Set("updated_at = ?", time.Now().UTC()).
		Where("streaks > 0").
		Where("last_upload IS NOT NULL").
		Where("last_upload <= ?", olderThan).
		Exec(ctx)
	if err != nil {
		return 0, &RepositoryError{Operation: "reset stale streaks", Err: err}
	}
	affected, _ := res.RowsAffected()
	return affected, nil
}

func isUniqueViolation(err error) bool {
	var pgErr pgdriver.Error
	if errors.As(err, &pgErr) {
		return pgErr.Field('C') == "23505"
	}
	return false
}
