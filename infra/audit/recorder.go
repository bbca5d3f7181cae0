package audit

import (
	"context"
	"strconv"
	"time"

	"github.com/kilianp07/freightd/core/clock"
	"github.com/kilianp07/freightd/core/events"
	"github.com/kilianp07/freightd/core/logger"
	"github.com/kilianp07/freightd/internal/eventbus"
)

// Recorder drains the event bus into the audit store. Run it in its own
// goroutine; it returns when the bus closes or ctx is cancelled.
type Recorder struct {
	store *JSONLStore
	bus   eventbus.EventBus
	clock clock.Clock
	log   logger.Logger
}

// NewRecorder wires a Recorder to the bus and store.
func NewRecorder(store *JSONLStore, bus eventbus.EventBus, clk clock.Clock, log logger.Logger) *Recorder {
	if clk == nil {
		clk = clock.New()
	}
	return &Recorder{store: store, bus: bus, clock: clk, log: log}
}

// Run consumes events until the bus closes or ctx is cancelled.
func (r *Recorder) Run(ctx context.Context) {
	sub := r.bus.Subscribe()
	for {
		select {
		case <-ctx.Done():
			r.bus.Unsubscribe(sub)
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			rec, ok := r.toRecord(ev)
			if !ok {
				continue
			}
			if err := r.store.Append(ctx, rec); err != nil {
				r.log.Errorf("audit append: %v", err)
			}
		}
	}
}

func (r *Recorder) toRecord(ev eventbus.Event) (Record, bool) {
	now := r.clock.Now()
	switch e := ev.(type) {
	case events.BroadcastCreated:
		return Record{
			Timestamp:   now,
			Kind:        "broadcast_created",
			BroadcastID: e.Broadcast.ID,
			Detail: map[string]any{
				"customer_id":   e.Broadcast.CustomerID,
				"vehicle_class": string(e.Broadcast.VehicleClass),
				"trucks_needed": e.Broadcast.TrucksNeeded,
				"urgent":        e.Broadcast.Urgent,
			},
		}, true
	case events.BroadcastClosed:
		return Record{
			Timestamp:   now,
			Kind:        "broadcast_closed",
			BroadcastID: e.BroadcastID,
			Detail:      map[string]any{"status": e.Status.String(), "reason": e.Reason},
		}, true
	case events.ClaimEvent:
		return Record{
			Timestamp:   now,
			Kind:        "claim",
			BroadcastID: e.BroadcastID,
			Detail: map[string]any{
				"transporter_id": e.TransporterID,
				"trucks":         e.Trucks,
				"remaining":      e.Remaining,
				"accepted":       e.Accepted,
				"reservation_id": e.ReservationID,
			},
		}, true
	case events.AssignmentEvent:
		return Record{
			Timestamp:    now,
			Kind:         "assignment_resolved",
			BroadcastID:  e.Assignment.BroadcastID,
			AssignmentID: e.Assignment.ID,
			DriverID:     e.Assignment.DriverID,
			Detail: map[string]any{
				"outcome":  e.Outcome.String(),
				"retarget": e.Assignment.Retarget,
			},
		}, true
	case events.NotificationEvent:
		detail := map[string]any{
			"channel":   e.Channel,
			"attempt":   e.Attempt,
			"delivered": e.Delivered,
		}
		if e.Err != nil {
			detail["error"] = e.Err.Error()
		}
		return Record{
			Timestamp:    now,
			Kind:         "notification_attempt",
			AssignmentID: e.AssignmentID,
			DriverID:     e.DriverID,
			Detail:       detail,
		}, true
	case events.TripStateEvent:
		return Record{
			Timestamp: now,
			Kind:      "trip_state",
			SessionID: e.SessionID,
			Detail: map[string]any{
				"from": e.From.String(),
				"to":   e.To.String(),
				"at":   e.At.Format(time.RFC3339),
			},
		}, true
	case events.PositionEvent:
		return Record{
			Timestamp: now,
			Kind:      "position",
			SessionID: e.SessionID,
			Detail: map[string]any{
				"sequence":       strconv.FormatUint(e.Position.Sequence, 10),
				"low_confidence": e.Position.LowConfidence,
			},
		}, true
	}
	return Record{}, false
}
