// Package allocation converts transporter claims into committed, race-free
// reservations and manages the driver-slot lifecycle behind them.
package allocation

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/kilianp07/freightd/core/clock"
	"github.com/kilianp07/freightd/core/events"
	"github.com/kilianp07/freightd/core/fault"
	"github.com/kilianp07/freightd/core/logger"
	coremetrics "github.com/kilianp07/freightd/core/metrics"
	"github.com/kilianp07/freightd/core/model"
	"github.com/kilianp07/freightd/core/registry"
	"github.com/kilianp07/freightd/core/store"
	"github.com/kilianp07/freightd/internal/eventbus"
)

// Notifier hands a bound assignment to the notification pipeline and
// cancels pending deadline timers. Implemented by notify.Dispatcher.
type Notifier interface {
	Notify(ctx context.Context, a model.DriverAssignment) error
	CancelAssignment(assignmentID string)
}

// SessionOpener opens the live-tracking session for an accepted
// assignment. Implemented by tracking.Stream.
type SessionOpener interface {
	Open(ctx context.Context, a model.DriverAssignment) (model.TrackingSession, error)
}

// Config carries the engine tunables.
type Config struct {
	// MaxRetargets bounds how many replacement drivers a slot may burn
	// through before it is permanently released.
	MaxRetargets int `json:"max_retargets"`
}

// SetDefaults applies sane defaults.
func (c *Config) SetDefaults() {
	if c.MaxRetargets <= 0 {
		c.MaxRetargets = 3
	}
}

// Engine is the allocation engine.
type Engine struct {
	registry    *registry.Registry
	assignments store.AssignmentStore
	clock       clock.Clock
	log         logger.Logger
	bus         eventbus.EventBus
	sink        coremetrics.Sink
	max         int

	mu       sync.Mutex
	notifier Notifier
	sessions SessionOpener
}

// New creates an Engine. bus and sink may be nil.
func New(cfg Config, reg *registry.Registry, assignments store.AssignmentStore, clk clock.Clock, bus eventbus.EventBus, sink coremetrics.Sink, log logger.Logger) *Engine {
	cfg.SetDefaults()
	if sink == nil {
		sink = coremetrics.NopSink{}
	}
	return &Engine{
		registry:    reg,
		assignments: assignments,
		clock:       clk,
		log:         log,
		bus:         bus,
		sink:        sink,
		max:         cfg.MaxRetargets,
	}
}

// SetNotifier wires the notification dispatcher.
func (e *Engine) SetNotifier(n Notifier) {
	e.mu.Lock()
	e.notifier = n
	e.mu.Unlock()
}

// SetSessionOpener wires the tracking stream.
func (e *Engine) SetSessionOpener(s SessionOpener) {
	e.mu.Lock()
	e.sessions = s
	e.mu.Unlock()
}

func (e *Engine) getNotifier() Notifier {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.notifier
}

func (e *Engine) getSessions() SessionOpener {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessions
}

func (e *Engine) publish(ev eventbus.Event) {
	if e.bus != nil {
		e.bus.Publish(ev)
	}
}

// ClaimRequest is a transporter's claim on part of a broadcast.
type ClaimRequest struct {
	BroadcastID   string
	TransporterID string
	Trucks        int
	// Candidates are driver ids, in preference order. The first Trucks
	// entries are bound immediately; the rest form the retarget pool.
	// Empty means drivers are bound later via AssignDriver.
	Candidates []string
}

// Claim commits the reservation and creates one PENDING_NOTIFY assignment
// per requested truck. Bound assignments enter the notify pipeline
// immediately.
func (e *Engine) Claim(ctx context.Context, req ClaimRequest) (model.Reservation, []model.DriverAssignment, error) {
	res, err := e.registry.TryReserve(ctx, req.BroadcastID, req.TransporterID, req.Trucks, req.Candidates)
	rec := coremetrics.ClaimRecord{
		BroadcastID:   req.BroadcastID,
		TransporterID: req.TransporterID,
		Trucks:        req.Trucks,
		Accepted:      err == nil,
		Time:          e.clock.Now(),
	}
	if err != nil {
		var conflict fault.CapacityConflict
		if errors.As(err, &conflict) {
			rec.Remaining = conflict.Remaining
		}
		if serr := e.sink.RecordClaim(rec); serr != nil {
			e.log.Errorf("claim metrics: %v", serr)
		}
		return model.Reservation{}, nil, err
	}
	if serr := e.sink.RecordClaim(rec); serr != nil {
		e.log.Errorf("claim metrics: %v", serr)
	}

	now := e.clock.Now()
	assignments := make([]model.DriverAssignment, 0, req.Trucks)
	for slot := 0; slot < req.Trucks; slot++ {
		a := model.DriverAssignment{
			ID:            uuid.NewString(),
			ReservationID: res.ID,
			BroadcastID:   req.BroadcastID,
			TransporterID: req.TransporterID,
			Slot:          slot,
			State:         model.AssignmentPendingNotify,
			CreatedAt:     now,
		}
		if slot < len(req.Candidates) {
			a.DriverID = req.Candidates[slot]
		}
		if err := e.assignments.Put(ctx, a); err != nil {
			return res, assignments, err
		}
		assignments = append(assignments, a)
	}

	if n := e.getNotifier(); n != nil {
		for _, a := range assignments {
			if !a.Bound() {
				continue
			}
			if err := n.Notify(ctx, a); err != nil {
				e.log.Errorf("notify %s: %v", a.ID, err)
			}
		}
	}
	return res, assignments, nil
}

// AssignDriver binds a driver to a truck-only slot. Valid only while the
// slot is PENDING_NOTIFY and unbound.
func (e *Engine) AssignDriver(ctx context.Context, assignmentID, driverID string) (model.DriverAssignment, error) {
	if driverID == "" {
		return model.DriverAssignment{}, fault.ValidationError{Field: "driver_id", Reason: "required"}
	}
	a, err := e.assignments.Update(ctx, assignmentID, func(a *model.DriverAssignment) error {
		if a.State != model.AssignmentPendingNotify || a.Bound() {
			return fault.AlreadyBound{AssignmentID: a.ID}
		}
		a.DriverID = driverID
		return nil
	})
	if err != nil {
		return model.DriverAssignment{}, err
	}
	if n := e.getNotifier(); n != nil {
		if err := n.Notify(ctx, a); err != nil {
			e.log.Errorf("notify %s: %v", a.ID, err)
		}
	}
	return a, nil
}

// HandleResolution reacts to a resolved assignment. The state transition
// itself has already been committed by the notification dispatcher's
// idempotence guard; this applies the consequences.
func (e *Engine) HandleResolution(ctx context.Context, assignmentID string, outcome model.AssignmentState) error {
	a, err := e.assignments.Get(ctx, assignmentID)
	if err != nil {
		return err
	}
	e.publish(events.AssignmentEvent{Assignment: a, Outcome: outcome})
	assignmentOutcomes.WithLabelValues(outcome.String()).Inc()
	if serr := e.sink.RecordOutcome(coremetrics.OutcomeRecord{
		AssignmentID: a.ID,
		BroadcastID:  a.BroadcastID,
		DriverID:     a.DriverID,
		Outcome:      outcome.String(),
		Retarget:     a.Retarget,
		Time:         e.clock.Now(),
	}); serr != nil {
		e.log.Errorf("outcome metrics: %v", serr)
	}

	switch outcome {
	case model.AssignmentAccepted:
		return e.confirm(ctx, a)
	case model.AssignmentDeclined, model.AssignmentTimedOut:
		return e.retarget(ctx, a)
	default:
		return fault.ValidationError{Field: "outcome", Reason: "must be ACCEPTED, DECLINED or TIMED_OUT"}
	}
}

// confirm opens the tracking session and promotes the reservation to
// CONFIRMED once every active slot has an accepted driver.
func (e *Engine) confirm(ctx context.Context, a model.DriverAssignment) error {
	if s := e.getSessions(); s != nil {
		sess, err := s.Open(ctx, a)
		if err != nil {
			e.log.Errorf("open tracking session for %s: %v", a.ID, err)
		} else {
			e.log.Infof("tracking session %s opened for driver %s", sess.ID, a.DriverID)
		}
	}

	siblings, err := e.assignments.ListByReservation(ctx, a.ReservationID)
	if err != nil {
		return err
	}
	res, err := e.registry.Reservation(ctx, a.ReservationID)
	if err != nil {
		return err
	}
	accepted := 0
	for _, sib := range siblings {
		if sib.State == model.AssignmentAccepted {
			accepted++
		}
	}
	if accepted >= res.Active && res.Active > 0 {
		if err := e.registry.ConfirmReservation(ctx, res.ID); err != nil {
			return err
		}
		e.log.Infof("reservation %s confirmed: all %d slot(s) accepted", res.ID, res.Active)
	}
	return nil
}

// retarget releases the declined or timed-out slot and, capacity and
// candidates permitting, re-enters the notify pipeline with a replacement
// assignment. After MaxRetargets attempts the slot is permanently released
// and reported unfulfilled.
func (e *Engine) retarget(ctx context.Context, a model.DriverAssignment) error {
	if err := e.registry.Release(ctx, a.ReservationID, 1); err != nil {
		return err
	}

	if a.Retarget+1 >= e.max {
		e.reportUnfulfilled(a, "retarget limit reached")
		return nil
	}
	b, err := e.registry.Get(ctx, a.BroadcastID)
	if err != nil {
		return err
	}
	if !b.Status.Claimable() || !e.clock.Now().Before(b.ExpiresAt) {
		e.reportUnfulfilled(a, "broadcast no longer active")
		return nil
	}
	res, err := e.registry.Reservation(ctx, a.ReservationID)
	if err != nil {
		return err
	}
	next, ok := e.nextCandidate(ctx, res)
	if !ok {
		e.reportUnfulfilled(a, "candidate pool exhausted")
		return nil
	}

	// Take the slot back before creating the replacement; a concurrent
	// claim may win the released unit first.
	if err := e.registry.Reacquire(ctx, a.ReservationID); err != nil {
		e.log.Warnf("slot of assignment %s lost to a concurrent claim: %v", a.ID, err)
		e.reportUnfulfilled(a, "capacity reclaimed by another transporter")
		return nil
	}

	repl := model.DriverAssignment{
		ID:            uuid.NewString(),
		ReservationID: a.ReservationID,
		BroadcastID:   a.BroadcastID,
		TransporterID: a.TransporterID,
		DriverID:      next,
		Slot:          a.Slot,
		State:         model.AssignmentPendingNotify,
		Retarget:      a.Retarget + 1,
		ReplacementOf: a.ID,
		CreatedAt:     e.clock.Now(),
	}
	if err := e.assignments.Put(ctx, repl); err != nil {
		return err
	}
	e.log.Infof("assignment %s retargeted to %s (attempt %d)", a.ID, next, repl.Retarget)
	if n := e.getNotifier(); n != nil {
		if err := n.Notify(ctx, repl); err != nil {
			e.log.Errorf("notify replacement %s: %v", repl.ID, err)
		}
	}
	return nil
}

// nextCandidate picks the first pool driver not yet used by any assignment
// of the reservation.
func (e *Engine) nextCandidate(ctx context.Context, res model.Reservation) (string, bool) {
	used := make(map[string]bool)
	siblings, err := e.assignments.ListByReservation(ctx, res.ID)
	if err != nil {
		e.log.Errorf("list assignments for %s: %v", res.ID, err)
		return "", false
	}
	for _, sib := range siblings {
		if sib.DriverID != "" {
			used[sib.DriverID] = true
		}
	}
	for _, c := range res.Candidates {
		if !used[c] {
			return c, true
		}
	}
	return "", false
}

func (e *Engine) reportUnfulfilled(a model.DriverAssignment, reason string) {
	slotsUnfulfilled.Inc()
	e.log.Warnf("slot %d of reservation %s unfulfilled: %s", a.Slot, a.ReservationID, reason)
	e.publish(events.AssignmentEvent{Assignment: a, Outcome: a.State})
}

// ReleaseBroadcast cancels every unresolved assignment under the broadcast
// and gives their slots back. Called by the registry on cancel and expiry.
func (e *Engine) ReleaseBroadcast(ctx context.Context, broadcastID, reason string) error {
	as, err := e.assignments.ListByBroadcast(ctx, broadcastID)
	if err != nil {
		return err
	}
	n := e.getNotifier()
	for _, a := range as {
		if a.State.Resolved() {
			continue
		}
		if n != nil {
			n.CancelAssignment(a.ID)
		}
		updated, err := e.assignments.Update(ctx, a.ID, func(ua *model.DriverAssignment) error {
			if ua.State.Resolved() {
				return fault.DuplicateResponse{AssignmentID: ua.ID}
			}
			ua.State = model.AssignmentCancelled
			ua.ResolvedAt = e.clock.Now()
			return nil
		})
		if err != nil {
			if fault.IsDuplicateResponse(err) {
				continue
			}
			return err
		}
		if err := e.registry.Release(ctx, a.ReservationID, 1); err != nil {
			e.log.Errorf("release slot of %s: %v", a.ID, err)
		}
		e.publish(events.AssignmentEvent{Assignment: updated, Outcome: model.AssignmentCancelled})
	}
	e.log.Infof("broadcast %s released: %s", broadcastID, reason)
	return nil
}

// Assignment returns the assignment by id.
func (e *Engine) Assignment(ctx context.Context, id string) (model.DriverAssignment, error) {
	return e.assignments.Get(ctx, id)
}
