package live

import (
	"context"
	"testing"
	"time"

	"github.com/pixelgrid/gridwall/gridwall/database"
	"github.com/pixelgrid/gridwall/gridwall/database/memory"
	"github.com/pixelgrid/gridwall/gridwall/database/models"
)

func waitSnapshot(t *testing.T, ch <-chan []SlotProjection) []SlotProjection {
	t.Helper()
	select {
	case snap := <-ch:
		return snap
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for snapshot")
		return nil
	}
}

func newTestAggregator(t *testing.T, store *memory.Store) (*Aggregator, *ChanWatcher) {
	t.Helper()
	watcher := NewChanWatcher()
	agg, err := NewAggregator(
		memory.NewSlotRepository(store),
		memory.NewUserRepository(store),
		watcher,
	)
	if err != nil {
		t.Fatalf("NewAggregator() error = %v", err)
	}
	return agg, watcher
}

func TestAggregatorSnapshot(t *testing.T) {
	store := memory.NewStore()
	expires := time.Now().Add(15 * time.Minute)
	store.SeedUser(&models.User{ID: "owner", Username: "ana", Streaks: 2})
	store.SeedSlot(&models.Slot{
		ID: "0_0", Status: models.SlotStatusBooked,
		BookedBy: "owner", ContentRef: "uploads/0_0/abc", ExpiresAt: &expires,
	})
	store.SeedSlot(&models.Slot{ID: "0_1", Status: models.SlotStatusAvailable})

	agg, _ := newTestAggregator(t, store)
	if err := agg.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer agg.Shutdown()

	snap := agg.Latest()
	if len(snap) != 2 {
		t.Fatalf("snapshot size = %d, want 2", len(snap))
	}
	if snap[0].Slot.ID != "0_0" || snap[1].Slot.ID != "0_1" {
		t.Fatalf("snapshot not ordered by id: %s, %s", snap[0].Slot.ID, snap[1].Slot.ID)
	}
	if snap[0].Owner == nil || snap[0].Owner.Username != "ana" {
		t.Error("booked slot missing its owner")
	}
	if snap[1].Owner != nil {
		t.Error("free slot has an owner")
	}
}

func TestAggregatorSlotChange(t *testing.T) {
	store := memory.NewStore()
	store.SeedUser(&models.User{ID: "owner", Username: "ana"})
	store.SeedSlot(&models.Slot{ID: "0_0", Status: models.SlotStatusAvailable})

	agg, watcher := newTestAggregator(t, store)
	if err := agg.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer agg.Shutdown()

	updates, cancel := agg.Subscribe()
	defer cancel()

	// Simulate a reservation landing in the database.
	expires := time.Now().Add(5 * time.Minute)
	store.SeedSlot(&models.Slot{
		ID: "0_0", Status: models.SlotStatusProcessing,
		BookedBy: "owner", ExpiresAt: &expires,
	})
	watcher.Notify(database.SlotChannel, "0_0")

	snap := waitSnapshot(t, updates)
	if snap[0].Slot.Status != models.SlotStatusProcessing {
		t.Errorf("status = %s, want processing", snap[0].Slot.Status)
	}
	if snap[0].Owner == nil || snap[0].Owner.ID != "owner" {
		t.Error("projection missing owner after reservation")
	}
}

func TestAggregatorOwnerChange(t *testing.T) {
	store := memory.NewStore()
	expires := time.Now().Add(15 * time.Minute)
	store.SeedUser(&models.User{ID: "owner", Username: "ana", TotalLikes: 0})
	store.SeedSlot(&models.Slot{
		ID: "0_0", Status: models.SlotStatusBooked,
		BookedBy: "owner", ContentRef: "uploads/0_0/abc", ExpiresAt: &expires,
	})

	agg, watcher := newTestAggregator(t, store)
	if err := agg.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer agg.Shutdown()

	updates, cancel := agg.Subscribe()
	defer cancel()

	// The owner's totals move; the cached user must be replaced.
	store.SeedUser(&models.User{ID: "owner", Username: "ana", TotalLikes: 9})
	watcher.Notify(database.UserChannel, "owner")

	snap := waitSnapshot(t, updates)
	if snap[0].Owner == nil || snap[0].Owner.TotalLikes != 9 {
		t.Errorf("owner not refreshed: %+v", snap[0].Owner)
	}
}

func TestAggregatorReconcileEvictsStaleOwners(t *testing.T) {
	store := memory.NewStore()
	expires := time.Now().Add(15 * time.Minute)
	store.SeedUser(&models.User{ID: "owner", Username: "ana"})
	store.SeedSlot(&models.Slot{
		ID: "0_0", Status: models.SlotStatusBooked,
		BookedBy: "owner", ContentRef: "uploads/0_0/abc", ExpiresAt: &expires,
	})

	agg, _ := newTestAggregator(t, store)
	if err := agg.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer agg.Shutdown()

	if !agg.owners.Contains("owner") {
		t.Fatal("owner not cached after start")
	}

	// Slot reclaimed out of band; reconcile must drop the cached owner.
	store.SeedSlot(&models.Slot{ID: "0_0", Status: models.SlotStatusAvailable})
	if err := agg.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}

	if agg.owners.Contains("owner") {
		t.Error("stale owner still cached after reconcile")
	}
	snap := agg.Latest()
	if snap[0].Owner != nil {
		t.Error("free slot still shows an owner")
	}
}
