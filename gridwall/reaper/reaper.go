// Package reaper reclaims expired slots and decays stale streaks.
package reaper

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pixelgrid/gridwall/gridwall/database/repositories"
	"github.com/pixelgrid/gridwall/gridwall/services"
)

const cleanupConcurrency = 4

// Mode selects how sweeps are scheduled.
type Mode string

const (
	// ModeInterval sweeps on a fixed ticker.
	ModeInterval Mode = "interval"
	// ModeRearm sleeps until the nearest upcoming expiry, then sweeps.
	ModeRearm Mode = "rearm"
)

type Config struct {
	Mode             Mode
	Interval         time.Duration
	StreakDecayCheck time.Duration
	StreakDecayAge   time.Duration
}

// Reaper returns expired slots to the available state. Blob and
// membership cleanup is best effort; the slot reset itself is
// unconditional, so a dead object store can never wedge the grid.
type Reaper struct {
	slots      repositories.SlotRepository
	engagement repositories.EngagementRepository
	users      repositories.UserRepository
	blobs      services.BlobStore
	cfg        Config
	now        func() time.Time

	rearm    chan struct{}
	shutdown chan struct{}
	sweepMu  sync.Mutex
	once     sync.Once
	wg       sync.WaitGroup
}

func New(
	slots repositories.SlotRepository,
	engagement repositories.EngagementRepository,
	users repositories.UserRepository,
	blobs services.BlobStore,
	cfg Config,
) *Reaper {
	if cfg.Mode == "" {
		cfg.Mode = ModeInterval
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	return &Reaper{
		slots:      slots,
		engagement: engagement,
		users:      users,
		blobs:      blobs,
		cfg:        cfg,
		now:        time.Now,
		rearm:      make(chan struct{}, 1),
		shutdown:   make(chan struct{}),
	}
}

// Start launches the sweep loops. Call Shutdown to stop them.
func (r *Reaper) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		switch r.cfg.Mode {
		case ModeRearm:
			r.runRearm(ctx)
		default:
			r.runInterval(ctx)
		}
	}()

	if r.cfg.StreakDecayCheck > 0 {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.runStreakDecay(ctx)
		}()
	}

	slog.Info("Reaper started",
		slog.String("type", "reap"),
		slog.String("mode", string(r.cfg.Mode)),
		slog.Duration("interval", r.cfg.Interval))
}

func (r *Reaper) Shutdown() {
	r.once.Do(func() { close(r.shutdown) })
	r.wg.Wait()
}

// Rearm nudges the rearm loop to recompute its next wake-up. Called after
// a reservation or commit moves the nearest expiry. No-op in interval mode.
func (r *Reaper) Rearm() {
	select {
	case r.rearm <- struct{}{}:
	default:
	}
}

func (r *Reaper) runInterval(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil {
				slog.Error("Sweep failed",
					slog.String("type", "reap"),
					slog.Any("error", err))
			}
		case <-r.shutdown:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (r *Reaper) runRearm(ctx context.Context) {
	for {
		wait := r.nextWait(ctx)
		timer := time.NewTimer(wait)

		select {
		case <-timer.C:
			if _, err := r.RunOnce(ctx); err != nil {
				slog.Error("Sweep failed",
					slog.String("type", "reap"),
					slog.Any("error", err))
			}
		case <-r.rearm:
			timer.Stop()
		case <-r.shutdown:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

// nextWait returns the time until the nearest upcoming expiry, capped at
// the configured interval so a missed notification can't stall forever.
func (r *Reaper) nextWait(ctx context.Context) time.Duration {
	now := r.now().UTC()

	slots, err := r.slots.GetAll(ctx)
	if err != nil {
		slog.Error("Next expiry lookup failed",
			slog.String("type", "reap"),
			slog.Any("error", err))
		return r.cfg.Interval
	}

	wait := r.cfg.Interval
	for _, slot := range slots {
		if slot.ExpiresAt == nil {
			continue
		}
		until := slot.ExpiresAt.Sub(now)
		if until <= 0 {
			return 0
		}
		if until < wait {
			wait = until
		}
	}
	return wait
}

// RunOnce sweeps all expired slots and returns how many were reclaimed.
// Sweeps are serialized: an admin-triggered sweep must not interleave
// with the scheduled one, or a stale expired set could reset a slot
// reserved after the other sweep finished.
func (r *Reaper) RunOnce(ctx context.Context) (int, error) {
	r.sweepMu.Lock()
	defer r.sweepMu.Unlock()

	now := r.now().UTC()

	expired, err := r.slots.Expired(ctx, now)
	if err != nil {
		return 0, err
	}
	if len(expired) == 0 {
		return 0, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cleanupConcurrency)

	for _, slot := range expired {
		slot := slot
		g.Go(func() error {
			if slot.ContentRef != "" {
				if err := r.blobs.Delete(gctx, slot.ContentRef); err != nil {
					slog.Warn("Blob cleanup failed, resetting anyway",
						slog.String("type", "reap"),
						slog.String("slot_id", slot.ID),
						slog.String("content_ref", slot.ContentRef),
						slog.Any("error", err))
				}
			}
			if err := r.engagement.DeleteMembers(gctx, slot.ID); err != nil {
				slog.Warn("Membership cleanup failed, resetting anyway",
					slog.String("type", "reap"),
					slog.String("slot_id", slot.ID),
					slog.Any("error", err))
			}
			return nil
		})
	}
	_ = g.Wait()

	ids := make([]string, len(expired))
	for i, slot := range expired {
		ids[i] = slot.ID
	}
	if err := r.slots.ResetBatch(ctx, ids, now); err != nil {
		return 0, err
	}

	slog.Info("Expired slots reclaimed",
		slog.String("type", "reap"),
		slog.Int("count", len(ids)))
	return len(ids), nil
}

func (r *Reaper) runStreakDecay(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.StreakDecayCheck)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := r.DecayStreaks(ctx); err != nil {
				slog.Error("Streak decay failed",
					slog.String("type", "reap"),
					slog.Any("error", err))
			}
		case <-r.shutdown:
			return
		case <-ctx.Done():
			return
		}
	}
}

// DecayStreaks zeroes streaks for users who haven't uploaded within the
// decay age.
func (r *Reaper) DecayStreaks(ctx context.Context) (int64, error) {
	cutoff := r.now().UTC().Add(-r.cfg.StreakDecayAge)
	reset, err := r.users.ResetStaleStreaks(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if reset > 0 {
		slog.Info("Stale streaks reset",
			slog.String("type", "reap"),
			slog.Int64("count", reset))
	}
	return reset, nil
}
