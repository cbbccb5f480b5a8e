// Package users manages account profiles and the account delete cascade.
package users

import (
	"context"
	"log/slog"
	"time"

	"github.com/pixelgrid/gridwall/gridwall/database/models"
	"github.com/pixelgrid/gridwall/gridwall/database/repositories"
	"github.com/pixelgrid/gridwall/gridwall/services"
)

const (
	maxUsernameLen = 32
	maxNameLen     = 64
	maxBioLen      = 280
)

type Service struct {
	users      repositories.UserRepository
	slots      repositories.SlotRepository
	engagement repositories.EngagementRepository
	blobs      services.BlobStore
	now        func() time.Time
}

func NewService(
	users repositories.UserRepository,
	slots repositories.SlotRepository,
	engagement repositories.EngagementRepository,
	blobs services.BlobStore,
) *Service {
	return &Service{
		users:      users,
		slots:      slots,
		engagement: engagement,
		blobs:      blobs,
		now:        time.Now,
	}
}

// CreateParams carries a new account's profile fields.
type CreateParams struct {
	ID       string
	Username string
	Name     string
	Bio      string
	Website  string
}

func validateProfile(username, name, bio string) error {
	if username == "" {
		return &repositories.ValidationError{Field: "username", Message: "must not be empty"}
	}
	if len(username) > maxUsernameLen {
		return &repositories.ValidationError{Field: "username", Message: "too long"}
	}
	if len(name) > maxNameLen {
		return &repositories.ValidationError{Field: "name", Message: "too long"}
	}
	if len(bio) > maxBioLen {
		return &repositories.ValidationError{Field: "bio", Message: "too long"}
	}
	return nil
}

func (s *Service) Create(ctx context.Context, p CreateParams) (*models.User, error) {
	if p.ID == "" {
		return nil, &repositories.ValidationError{Field: "id", Message: "must not be empty"}
	}
	if err := validateProfile(p.Username, p.Name, p.Bio); err != nil {
		return nil, err
	}

	user := &models.User{
		ID:       p.ID,
		Username: p.Username,
		Name:     p.Name,
		Bio:      p.Bio,
		Website:  p.Website,
	}
	if err := s.users.Create(ctx, user); err != nil {
		return nil, err
	}

	slog.Info("Account created",
		slog.String("type", "sys"),
		slog.String("user_id", user.ID),
		slog.String("username", user.Username))
	return user, nil
}

func (s *Service) Get(ctx context.Context, id string) (*models.User, error) {
	return s.users.GetByID(ctx, id)
}

// EditParams carries profile updates. Nil fields are left unchanged.
type EditParams struct {
	Username *string
	Name     *string
	Bio      *string
	Website  *string
}

func (s *Service) EditProfile(ctx context.Context, id string, p EditParams) (*models.User, error) {
	user, err := s.users.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if p.Username != nil {
		user.Username = *p.Username
	}
	if p.Name != nil {
		user.Name = *p.Name
	}
	if p.Bio != nil {
		user.Bio = *p.Bio
	}
	if p.Website != nil {
		user.Website = *p.Website
	}

	if err := validateProfile(user.Username, user.Name, user.Bio); err != nil {
		return nil, err
	}
	if err := s.users.Update(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

// SetProfileImage stores a new profile image and drops the previous one.
func (s *Service) SetProfileImage(ctx context.Context, id string, data []byte, contentType string) (*models.User, error) {
	if len(data) == 0 {
		return nil, &repositories.ValidationError{Field: "image", Message: "must not be empty"}
	}

	user, err := s.users.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	key, err := s.blobs.Put(ctx, "profile_pictures/"+id, data, contentType)
	if err != nil {
		return nil, &repositories.ExternalServiceError{Service: "blob store", Err: err}
	}

	old := user.ProfileRef
	user.ProfileRef = key
	if err := s.users.Update(ctx, user); err != nil {
		return nil, err
	}

	if old != "" {
		if err := s.blobs.Delete(ctx, old); err != nil {
			slog.Warn("Old profile image not deleted",
				slog.String("type", "sys"),
				slog.String("user_id", id),
				slog.Any("error", err))
		}
	}
	return user, nil
}

// DeleteAccount removes the user and everything they hold: the profile
// image, any slot booked in their name (content, blob, engagement
// ledger), and finally the account row. Blob deletions are best effort;
// database state always converges.
func (s *Service) DeleteAccount(ctx context.Context, id string) error {
	user, err := s.users.GetByID(ctx, id)
	if err != nil {
		return err
	}

	if user.ProfileRef != "" {
		if err := s.blobs.Delete(ctx, user.ProfileRef); err != nil {
			slog.Warn("Profile image not deleted",
				slog.String("type", "sys"),
				slog.String("user_id", id),
				slog.Any("error", err))
		}
	}

	slots, err := s.slots.GetAll(ctx)
	if err != nil {
		return err
	}

	now := s.now().UTC()
	var owned []string
	for _, slot := range slots {
		if slot.BookedBy != id {
			continue
		}
		owned = append(owned, slot.ID)

		if slot.ContentRef != "" {
			if err := s.blobs.Delete(ctx, slot.ContentRef); err != nil {
				slog.Warn("Slot image not deleted",
					slog.String("type", "sys"),
					slog.String("slot_id", slot.ID),
					slog.Any("error", err))
			}
		}
		if err := s.engagement.DeleteMembers(ctx, slot.ID); err != nil {
			return err
		}
	}
	if err := s.slots.ResetBatch(ctx, owned, now); err != nil {
		return err
	}

	if err := s.users.Delete(ctx, id); err != nil {
		return err
	}

	slog.Info("Account deleted",
		slog.String("type", "sys"),
		slog.String("user_id", id),
		slog.Int("slots_released", len(owned)))
	return nil
}
