// Package memory provides in-memory repository implementations backed by
// maps and a single mutex. They honor the same typed-error contract as the
// Postgres implementations and exist for tests and local development.
package memory

import (
	"sync"

	"github.com/pixelgrid/gridwall/gridwall/database/models"
)

// Store is the shared state behind the in-memory repositories. All three
// repositories created from one Store see the same data, mirroring how the
// Postgres repositories share one database.
type Store struct {
	mu    sync.Mutex
	slots map[string]*models.Slot
	users map[string]*models.User
	likes map[[2]string]struct{}
	views map[[2]string]struct{}
}

func NewStore() *Store {
	return &Store{
		slots: make(map[string]*models.Slot),
		users: make(map[string]*models.User),
		likes: make(map[[2]string]struct{}),
		views: make(map[[2]string]struct{}),
	}
}

// SeedSlot inserts a slot directly, bypassing invariants. Test setup only.
func (s *Store) SeedSlot(slot *models.Slot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *slot
	s.slots[slot.ID] = &c
}

// SeedUser inserts a user directly. Test setup only.
func (s *Store) SeedUser(user *models.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *user
	s.users[user.ID] = &c
}

func (s *Store) slotCopy(id string) *models.Slot {
	if slot, ok := s.slots[id]; ok {
		c := *slot
		return &c
	}
	return nil
}

func (s *Store) userCopy(id string) *models.User {
	if user, ok := s.users[id]; ok {
		c := *user
		return &c
	}
	return nil
}
