package engagement

import (
	"context"
	"testing"
	"time"

	"github.com/pixelgrid/gridwall/gridwall/database/memory"
	"github.com/pixelgrid/gridwall/gridwall/database/models"
	"github.com/pixelgrid/gridwall/gridwall/database/repositories"
)

func seedBookedSlot(store *memory.Store) {
	expires := time.Now().Add(15 * time.Minute)
	store.SeedUser(&models.User{ID: "owner", Username: "ana"})
	store.SeedUser(&models.User{ID: "fan", Username: "ben"})
	store.SeedSlot(&models.Slot{
		ID: "0_0", Status: models.SlotStatusBooked,
		BookedBy: "owner", ContentRef: "uploads/0_0/abc", ExpiresAt: &expires,
	})
}

func TestLedgerLike(t *testing.T) {
	ctx := context.Background()

	t.Run("like increments slot and owner once", func(t *testing.T) {
		store := memory.NewStore()
		seedBookedSlot(store)
		ledger := NewLedger(memory.NewEngagementRepository(store))

		if err := ledger.Like(ctx, "0_0", "fan"); err != nil {
			t.Fatalf("Like() error = %v", err)
		}
		if err := ledger.Like(ctx, "0_0", "fan"); !repositories.IsConflictError(err) {
			t.Fatalf("second Like() error = %v, want conflict", err)
		}

		slot, _ := memory.NewSlotRepository(store).GetByID(ctx, "0_0")
		if slot.Likes != 1 {
			t.Errorf("slot likes = %d, want 1", slot.Likes)
		}
		owner, _ := memory.NewUserRepository(store).GetByID(ctx, "owner")
		if owner.TotalLikes != 1 {
			t.Errorf("owner total_likes = %d, want 1", owner.TotalLikes)
		}
	})

	t.Run("unlike restores counts", func(t *testing.T) {
		store := memory.NewStore()
		seedBookedSlot(store)
		ledger := NewLedger(memory.NewEngagementRepository(store))

		if err := ledger.Like(ctx, "0_0", "fan"); err != nil {
			t.Fatalf("Like() error = %v", err)
		}
		if err := ledger.Unlike(ctx, "0_0", "fan"); err != nil {
			t.Fatalf("Unlike() error = %v", err)
		}

		slot, _ := memory.NewSlotRepository(store).GetByID(ctx, "0_0")
		if slot.Likes != 0 {
			t.Errorf("slot likes = %d, want 0", slot.Likes)
		}
		owner, _ := memory.NewUserRepository(store).GetByID(ctx, "owner")
		if owner.TotalLikes != 0 {
			t.Errorf("owner total_likes = %d, want 0", owner.TotalLikes)
		}

		liked, _ := ledger.HasLiked(ctx, "0_0", "fan")
		if liked {
			t.Error("HasLiked() = true after unlike")
		}
	})

	t.Run("unlike without like is not found", func(t *testing.T) {
		store := memory.NewStore()
		seedBookedSlot(store)
		ledger := NewLedger(memory.NewEngagementRepository(store))

		if err := ledger.Unlike(ctx, "0_0", "fan"); !repositories.IsNotFoundError(err) {
			t.Fatalf("Unlike() error = %v, want not found", err)
		}
	})

	t.Run("like on an unoccupied slot is not found", func(t *testing.T) {
		store := memory.NewStore()
		store.SeedUser(&models.User{ID: "fan", Username: "ben"})
		store.SeedSlot(&models.Slot{ID: "0_0", Status: models.SlotStatusAvailable})
		ledger := NewLedger(memory.NewEngagementRepository(store))

		if err := ledger.Like(ctx, "0_0", "fan"); !repositories.IsNotFoundError(err) {
			t.Fatalf("Like() error = %v, want not found", err)
		}
	})
}

func TestLedgerRecordView(t *testing.T) {
	ctx := context.Background()

	t.Run("view counts once per user", func(t *testing.T) {
		store := memory.NewStore()
		seedBookedSlot(store)
		ledger := NewLedger(memory.NewEngagementRepository(store))

		counted, err := ledger.RecordView(ctx, "0_0", "fan")
		if err != nil {
			t.Fatalf("RecordView() error = %v", err)
		}
		if !counted {
			t.Error("first view not counted")
		}

		counted, err = ledger.RecordView(ctx, "0_0", "fan")
		if err != nil {
			t.Fatalf("repeat RecordView() error = %v", err)
		}
		if counted {
			t.Error("repeat view counted")
		}

		slot, _ := memory.NewSlotRepository(store).GetByID(ctx, "0_0")
		if slot.Views != 1 {
			t.Errorf("slot views = %d, want 1", slot.Views)
		}
		owner, _ := memory.NewUserRepository(store).GetByID(ctx, "owner")
		if owner.TotalViews != 1 {
			t.Errorf("owner total_views = %d, want 1", owner.TotalViews)
		}
	})

	t.Run("view on unknown slot is not found", func(t *testing.T) {
		store := memory.NewStore()
		ledger := NewLedger(memory.NewEngagementRepository(store))

		if _, err := ledger.RecordView(ctx, "9_9", "fan"); !repositories.IsNotFoundError(err) {
			t.Fatalf("RecordView() error = %v, want not found", err)
		}
	})
}
