package live

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/pixelgrid/gridwall/gridwall/database"
	"github.com/pixelgrid/gridwall/gridwall/database/models"
	"github.com/pixelgrid/gridwall/gridwall/database/repositories"
)

const (
	ownerCacheSize   = 256
	reconcileEvery   = time.Minute
	subscriberBuffer = 4
)

// SlotProjection is one wall cell joined with its current owner. Owner is
// nil for free slots.
type SlotProjection struct {
	Slot  *models.Slot `json:"slot"`
	Owner *models.User `json:"owner,omitempty"`
}

// Aggregator keeps an in-memory join of all slots with their owners and
// publishes a fresh snapshot to subscribers whenever a watched row
// changes. A periodic reconcile re-reads everything so dropped
// notifications heal on their own.
type Aggregator struct {
	slots   repositories.SlotRepository
	users   repositories.UserRepository
	watcher Watcher
	owners  *lru.Cache

	mu          sync.RWMutex
	projections map[string]SlotProjection

	subMu   sync.Mutex
	subs    map[int]chan []SlotProjection
	nextSub int

	shutdown chan struct{}
	once     sync.Once
	wg       sync.WaitGroup
}

func NewAggregator(slots repositories.SlotRepository, users repositories.UserRepository, watcher Watcher) (*Aggregator, error) {
	cache, err := lru.New(ownerCacheSize)
	if err != nil {
		return nil, err
	}
	return &Aggregator{
		slots:       slots,
		users:       users,
		watcher:     watcher,
		owners:      cache,
		projections: make(map[string]SlotProjection),
		subs:        make(map[int]chan []SlotProjection),
		shutdown:    make(chan struct{}),
	}, nil
}

// Start primes the snapshot and launches the update loop.
func (a *Aggregator) Start(ctx context.Context) error {
	if err := a.Reconcile(ctx); err != nil {
		return err
	}

	notifications, err := a.watcher.Start(ctx, database.SlotChannel, database.UserChannel)
	if err != nil {
		return err
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.run(ctx, notifications)
	}()

	slog.Info("Live aggregator started",
		slog.String("type", "live"),
		slog.Int("slots", len(a.Latest())))
	return nil
}

func (a *Aggregator) Shutdown() {
	a.once.Do(func() { close(a.shutdown) })
	a.watcher.Close()
	a.wg.Wait()
}

func (a *Aggregator) run(ctx context.Context, notifications <-chan Notification) {
	ticker := time.NewTicker(reconcileEvery)
	defer ticker.Stop()

	for {
		select {
		case n, ok := <-notifications:
			if !ok {
				return
			}
			a.apply(ctx, n)
		case <-ticker.C:
			if err := a.Reconcile(ctx); err != nil {
				slog.Error("Reconcile failed",
					slog.String("type", "live"),
					slog.Any("error", err))
			}
		case <-a.shutdown:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (a *Aggregator) apply(ctx context.Context, n Notification) {
	switch n.Channel {
	case database.SlotChannel:
		a.refreshSlot(ctx, n.Payload)
	case database.UserChannel:
		a.refreshOwner(ctx, n.Payload)
	default:
		return
	}
	a.publish()
}

func (a *Aggregator) refreshSlot(ctx context.Context, slotID string) {
	slot, err := a.slots.GetByID(ctx, slotID)
	if err != nil {
		if repositories.IsNotFoundError(err) {
			a.mu.Lock()
			delete(a.projections, slotID)
			a.mu.Unlock()
			return
		}
		slog.Error("Slot refresh failed",
			slog.String("type", "live"),
			slog.String("slot_id", slotID),
			slog.Any("error", err))
		return
	}

	a.mu.Lock()
	a.projections[slotID] = SlotProjection{Slot: slot, Owner: a.ownerFor(ctx, slot.BookedBy)}
	a.mu.Unlock()
}

// refreshOwner drops the cached user and rebuilds every projection that
// user currently owns.
func (a *Aggregator) refreshOwner(ctx context.Context, userID string) {
	if userID == "" {
		return
	}
	a.owners.Remove(userID)

	a.mu.Lock()
	defer a.mu.Unlock()
	for id, proj := range a.projections {
		if proj.Slot.BookedBy == userID {
			proj.Owner = a.ownerFor(ctx, userID)
			a.projections[id] = proj
		}
	}
}

// ownerFor resolves a user through the LRU cache. Callers hold whatever
// lock they need; the cache itself is thread safe.
func (a *Aggregator) ownerFor(ctx context.Context, userID string) *models.User {
	if userID == "" {
		return nil
	}
	if cached, ok := a.owners.Get(userID); ok {
		return cached.(*models.User)
	}

	user, err := a.users.GetByID(ctx, userID)
	if err != nil {
		if !repositories.IsNotFoundError(err) {
			slog.Error("Owner lookup failed",
				slog.String("type", "live"),
				slog.String("user_id", userID),
				slog.Any("error", err))
		}
		return nil
	}
	a.owners.Add(userID, user)
	return user
}

// Reconcile rebuilds the whole snapshot from the database and evicts
// cached owners who no longer hold any slot.
func (a *Aggregator) Reconcile(ctx context.Context) error {
	slots, err := a.slots.GetAll(ctx)
	if err != nil {
		return err
	}

	ownerIDs := make(map[string]struct{})
	for _, slot := range slots {
		if slot.BookedBy != "" {
			ownerIDs[slot.BookedBy] = struct{}{}
		}
	}

	for _, key := range a.owners.Keys() {
		if _, still := ownerIDs[key.(string)]; !still {
			a.owners.Remove(key)
		}
	}

	next := make(map[string]SlotProjection, len(slots))
	for _, slot := range slots {
		next[slot.ID] = SlotProjection{Slot: slot, Owner: a.ownerFor(ctx, slot.BookedBy)}
	}

	a.mu.Lock()
	a.projections = next
	a.mu.Unlock()

	a.publish()
	return nil
}

// Latest returns the current snapshot ordered by slot id.
func (a *Aggregator) Latest() []SlotProjection {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]SlotProjection, 0, len(a.projections))
	for _, proj := range a.projections {
		out = append(out, proj)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slot.ID < out[j].Slot.ID })
	return out
}

// Subscribe returns a channel receiving snapshots and a cancel func. Slow
// subscribers lose intermediate snapshots, never the latest.
func (a *Aggregator) Subscribe() (<-chan []SlotProjection, func()) {
	a.subMu.Lock()
	defer a.subMu.Unlock()

	id := a.nextSub
	a.nextSub++
	ch := make(chan []SlotProjection, subscriberBuffer)
	a.subs[id] = ch

	cancel := func() {
		a.subMu.Lock()
		defer a.subMu.Unlock()
		if _, ok := a.subs[id]; ok {
			delete(a.subs, id)
			close(ch)
		}
	}
	return ch, cancel
}

func (a *Aggregator) publish() {
	snapshot := a.Latest()

	a.subMu.Lock()
	defer a.subMu.Unlock()
	for _, ch := range a.subs {
		select {
		case ch <- snapshot:
		default:
			// Drain one stale snapshot and retry so the subscriber
			// always ends up with the newest.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snapshot:
			default:
			}
		}
	}
}
