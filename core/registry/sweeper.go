package registry

import (
	"context"
	"errors"
	"time"

	"github.com/kilianp07/freightd/core/events"
	"github.com/kilianp07/freightd/core/model"
)

// errAlreadyClosed aborts an expiry update that lost the race to a claim,
// cancel or concurrent sweep.
var errAlreadyClosed = errors.New("broadcast already closed or refilled")

// RunSweeper periodically expires overdue broadcasts and purges terminal
// ones past the retention window. It blocks until the context is canceled.
func (r *Registry) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	for {
		select {
		case <-r.clock.After(interval):
			r.Sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Sweep runs one expiry pass. Expiry rides the same atomic update path as
// claims, so a reservation whose commit lands before the sweep observes
// the deadline wins and is released through the normal cascade instead of
// being lost.
func (r *Registry) Sweep(ctx context.Context) {
	all, err := r.broadcasts.List(ctx)
	if err != nil {
		r.log.Errorf("sweep: list broadcasts: %v", err)
		return
	}
	now := r.clock.Now()
	for _, b := range all {
		switch {
		case b.Status.Claimable() && !now.Before(b.ExpiresAt):
			r.expire(ctx, b.ID)
		case b.Status.Terminal() && now.Sub(b.ExpiresAt) > r.retention:
			if err := r.broadcasts.Delete(ctx, b.ID); err != nil {
				r.log.Errorf("sweep: purge %s: %v", b.ID, err)
			} else {
				r.log.Debugf("purged broadcast %s after retention", b.ID)
			}
		}
	}
}

func (r *Registry) expire(ctx context.Context, broadcastID string) {
	_, err := r.broadcasts.Update(ctx, broadcastID, func(b *model.Broadcast) error {
		// Re-check inside the atomic update: a racing claim or cancel may
		// have changed the picture since the sweep listed the broadcast.
		if !b.Status.CanTransition(model.BroadcastExpired) {
			return errAlreadyClosed
		}
		if r.clock.Now().Before(b.ExpiresAt) {
			return errAlreadyClosed
		}
		b.Status = model.BroadcastExpired
		return nil
	})
	if err != nil {
		if !errors.Is(err, errAlreadyClosed) {
			r.log.Errorf("sweep: expire %s: %v", broadcastID, err)
		}
		return
	}
	broadcastsClosed.WithLabelValues("expired").Inc()
	r.log.Infof("broadcast %s expired", broadcastID)
	r.publish(events.BroadcastClosed{BroadcastID: broadcastID, Status: model.BroadcastExpired, Reason: "expired"})
	if c := r.cascader(); c != nil {
		if err := c.ReleaseBroadcast(ctx, broadcastID, "expired"); err != nil {
			r.log.Errorf("sweep: release cascade for %s: %v", broadcastID, err)
		}
	}
}
