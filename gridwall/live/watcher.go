// Package live maintains a continuously updated join of slots and their
// owners, fed by database change notifications.
package live

import (
	"context"
	"log/slog"
	"sync"

	"github.com/uptrace/bun/driver/pgdriver"

	"github.com/pixelgrid/gridwall/gridwall/database"
)

// Notification is one row-change event. Payload carries the row id.
type Notification struct {
	Channel string
	Payload string
}

// Watcher delivers change notifications for the subscribed channels.
type Watcher interface {
	Start(ctx context.Context, channels ...string) (<-chan Notification, error)
	Close() error
}

// PGWatcher is a Watcher on Postgres LISTEN/NOTIFY.
type PGWatcher struct {
	listener *pgdriver.Listener
	done     chan struct{}
	once     sync.Once
}

func NewPGWatcher(db *database.DB) *PGWatcher {
	return &PGWatcher{
		listener: db.NewListener(),
		done:     make(chan struct{}),
	}
}

func (w *PGWatcher) Start(ctx context.Context, channels ...string) (<-chan Notification, error) {
	if err := w.listener.Listen(ctx, channels...); err != nil {
		return nil, err
	}

	out := make(chan Notification, 64)
	go func() {
		defer close(out)
		for {
			select {
			case n, ok := <-w.listener.Channel():
				if !ok {
					return
				}
				select {
				case out <- Notification{Channel: n.Channel, Payload: n.Payload}:
				default:
					// A full buffer means the consumer is behind; its
					// periodic reconcile will converge, so drop.
					slog.Warn("Notification dropped",
						slog.String("type", "live"),
						slog.String("channel", n.Channel))
				}
			case <-w.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	slog.Info("Listening for row changes",
		slog.String("type", "live"),
		slog.Any("channels", channels))
	return out, nil
}

func (w *PGWatcher) Close() error {
	w.once.Do(func() { close(w.done) })
	return w.listener.Close()
}

// ChanWatcher is a Watcher fed by hand. Tests push notifications into it.
type ChanWatcher struct {
	ch chan Notification
}

func NewChanWatcher() *ChanWatcher {
	return &ChanWatcher{ch: make(chan Notification, 64)}
}

func (w *ChanWatcher) Start(ctx context.Context, channels ...string) (<-chan Notification, error) {
	return w.ch, nil
}

func (w *ChanWatcher) Close() error {
	close(w.ch)
	return nil
}

// Notify pushes one notification to the consumer.
func (w *ChanWatcher) Notify(channel, payload string) {
	w.ch <- Notification{Channel: channel, Payload: payload}
}
