package users

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/mock/gomock"

	"github.com/pixelgrid/gridwall/gridwall/database/memory"
	"github.com/pixelgrid/gridwall/gridwall/database/models"
	"github.com/pixelgrid/gridwall/gridwall/database/repositories"
	servicemock "github.com/pixelgrid/gridwall/gridwall/services/mock"
)

func newTestService(t *testing.T, store *memory.Store) (*Service, *servicemock.MockBlobStore) {
	t.Helper()
	ctrl := gomock.NewController(t)
	blobs := servicemock.NewMockBlobStore(ctrl)

	svc := NewService(
		memory.NewUserRepository(store),
		memory.NewSlotRepository(store),
		memory.NewEngagementRepository(store),
		blobs,
	)
	return svc, blobs
}

func TestServiceCreate(t *testing.T) {
	ctx := context.Background()

	t.Run("creates account", func(t *testing.T) {
		store := memory.NewStore()
		svc, _ := newTestService(t, store)

		user, err := svc.Create(ctx, CreateParams{ID: "user-1", Username: "ana", Name: "Ana"})
		if err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		if user.Username != "ana" {
			t.Errorf("username = %s", user.Username)
		}
	})

	t.Run("duplicate username conflicts", func(t *testing.T) {
		store := memory.NewStore()
		store.SeedUser(&models.User{ID: "user-1", Username: "ana"})
		svc, _ := newTestService(t, store)

		_, err := svc.Create(ctx, CreateParams{ID: "user-2", Username: "ana"})
		if !repositories.IsConflictError(err) {
			t.Fatalf("Create() error = %v, want conflict", err)
		}
	})

	t.Run("empty username is invalid", func(t *testing.T) {
		store := memory.NewStore()
		svc, _ := newTestService(t, store)

		_, err := svc.Create(ctx, CreateParams{ID: "user-1"})
		if !repositories.IsValidationError(err) {
			t.Fatalf("Create() error = %v, want validation", err)
		}
	})
}

func TestServiceEditProfile(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	store.SeedUser(&models.User{ID: "user-1", Username: "ana", Name: "Ana", Bio: "old"})
	svc, _ := newTestService(t, store)

	bio := "new bio"
	user, err := svc.EditProfile(ctx, "user-1", EditParams{Bio: &bio})
	if err != nil {
		t.Fatalf("EditProfile() error = %v", err)
	}
	if user.Bio != "new bio" {
		t.Errorf("bio = %s", user.Bio)
	}
	if user.Username != "ana" {
		t.Errorf("username changed unexpectedly: %s", user.Username)
	}
}

func TestServiceDeleteAccount(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()

	t.Run("cascades over owned slot", func(t *testing.T) {
		store := memory.NewStore()
		expires := now.Add(15 * time.Minute)
		store.SeedUser(&models.User{
			ID: "user-1", Username: "ana", ProfileRef: "profiles/user-1/p",
		})
		store.SeedUser(&models.User{ID: "fan", Username: "ben"})
		store.SeedSlot(&models.Slot{
			ID: "0_0", Status: models.SlotStatusBooked,
			BookedBy: "user-1", ContentRef: "uploads/0_0/abc",
			ExpiresAt: &expires, Likes: 1,
		})

		ledger := memory.NewEngagementRepository(store)
		if err := ledger.Like(ctx, "0_0", "fan", now); err != nil {
			t.Fatalf("seed like failed: %v", err)
		}

		svc, blobs := newTestService(t, store)
		blobs.EXPECT().Delete(gomock.Any(), "profiles/user-1/p").Return(nil)
		blobs.EXPECT().Delete(gomock.Any(), "uploads/0_0/abc").Return(nil)

		if err := svc.DeleteAccount(ctx, "user-1"); err != nil {
			t.Fatalf("DeleteAccount() error = %v", err)
		}

		if _, err := svc.Get(ctx, "user-1"); !repositories.IsNotFoundError(err) {
			t.Fatalf("Get() error = %v, want not found", err)
		}
		slot, _ := memory.NewSlotRepository(store).GetByID(ctx, "0_0")
		if !slot.Available() {
			t.Errorf("slot not reset: %+v", slot)
		}
		liked, _ := ledger.HasLiked(ctx, "0_0", "fan")
		if liked {
			t.Error("like membership survived account delete")
		}
	})

	t.Run("blob failure does not abort the cascade", func(t *testing.T) {
		store := memory.NewStore()
		store.SeedUser(&models.User{
			ID: "user-1", Username: "ana", ProfileRef: "profiles/user-1/p",
		})

		svc, blobs := newTestService(t, store)
		blobs.EXPECT().Delete(gomock.Any(), "profiles/user-1/p").
			Return(errors.New("spaces down"))

		if err := svc.DeleteAccount(ctx, "user-1"); err != nil {
			t.Fatalf("DeleteAccount() error = %v", err)
		}
	})

	t.Run("unknown account is not found", func(t *testing.T) {
		store := memory.NewStore()
		svc, _ := newTestService(t, store)

		if err := svc.DeleteAccount(ctx, "ghost"); !repositories.IsNotFoundError(err) {
			t.Fatalf("DeleteAccount() error = %v, want not found", err)
		}
	})
}
