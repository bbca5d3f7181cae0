// Package notify turns committed reservations into per-driver alert jobs:
// delivery attempts with backoff and channel fallback, response deadlines,
// and the exactly-once resolution guard shared by responses and timers.
package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/kilianp07/freightd/core/clock"
	"github.com/kilianp07/freightd/core/events"
	"github.com/kilianp07/freightd/core/fault"
	"github.com/kilianp07/freightd/core/logger"
	"github.com/kilianp07/freightd/core/model"
	"github.com/kilianp07/freightd/core/store"
	"github.com/kilianp07/freightd/internal/eventbus"
)

// Priority grades how intrusively an alert is delivered.
type Priority int

const (
	PriorityNormal Priority = iota
	// PriorityAlarm requests full-screen, sound-on delivery on the driver
	// device.
	PriorityAlarm
)

// Payload is the alert content sent to a driver.
type Payload struct {
	AssignmentID string             `json:"assignment_id"`
	BroadcastID  string             `json:"broadcast_id"`
	Pickup       model.GeoPoint     `json:"pickup"`
	Drop         model.GeoPoint     `json:"drop"`
	VehicleClass model.VehicleClass `json:"vehicle_class"`
	RespondBy    time.Time          `json:"respond_by"`
}

// Channel is one delivery transport (push, SMS). Channels are ordered by
// assurance; the dispatcher falls back down the list.
type Channel interface {
	Name() string
	Send(ctx context.Context, driverID string, p Payload, prio Priority) error
}

// Resolver consumes resolved assignments. Implemented by the allocation
// engine.
type Resolver interface {
	HandleResolution(ctx context.Context, assignmentID string, outcome model.AssignmentState) error
}

// BroadcastLookup supplies the route details embedded in alert payloads.
type BroadcastLookup interface {
	Get(ctx context.Context, id string) (model.Broadcast, error)
}

// Config carries the dispatcher tunables.
type Config struct {
	ResponseDeadlineSeconds int `json:"response_deadline_seconds"`
	// RetryBackoffSeconds are the delays before each delivery attempt on a
	// channel. Length bounds the attempt count.
	RetryBackoffSeconds []int `json:"retry_backoff_seconds"`
}

// SetDefaults applies sane defaults.
func (c *Config) SetDefaults() {
	if c.ResponseDeadlineSeconds <= 0 {
		c.ResponseDeadlineSeconds = 300
	}
	if len(c.RetryBackoffSeconds) == 0 {
		c.RetryBackoffSeconds = []int{0, 5, 20}
	}
}

// Dispatcher manages driver alerts and their response deadlines. Waiting
// for a driver is event-driven: a parked goroutine per outstanding
// assignment, resolved by response or deadline, never a held connection.
type Dispatcher struct {
	channels    []Channel
	assignments store.AssignmentStore
	broadcasts  BroadcastLookup
	clock       clock.Clock
	log         logger.Logger
	bus         eventbus.EventBus
	deadline    time.Duration
	backoff     []time.Duration

	mu       sync.Mutex
	resolver Resolver
	timers   map[string]chan struct{}
}

// New creates a Dispatcher. The first channel is the primary transport.
func New(cfg Config, channels []Channel, assignments store.AssignmentStore, broadcasts BroadcastLookup, clk clock.Clock, bus eventbus.EventBus, log logger.Logger) (*Dispatcher, error) {
	if len(channels) == 0 {
		return nil, errors.New("notify: at least one channel required")
	}
	cfg.SetDefaults()
	backoff := make([]time.Duration, len(cfg.RetryBackoffSeconds))
	for i, s := range cfg.RetryBackoffSeconds {
		backoff[i] = time.Duration(s) * time.Second
	}
	return &Dispatcher{
		channels:    channels,
		assignments: assignments,
		broadcasts:  broadcasts,
		clock:       clk,
		log:         log,
		bus:         bus,
		deadline:    time.Duration(cfg.ResponseDeadlineSeconds) * time.Second,
		backoff:     backoff,
		timers:      make(map[string]chan struct{}),
	}, nil
}

// SetResolver wires the allocation engine.
func (d *Dispatcher) SetResolver(r Resolver) {
	d.mu.Lock()
	d.resolver = r
	d.mu.Unlock()
}

func (d *Dispatcher) getResolver() Resolver {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.resolver
}

func (d *Dispatcher) publish(e eventbus.Event) {
	if d.bus != nil {
		d.bus.Publish(e)
	}
}

// Notify sends the alarm-priority alert for a bound assignment and starts
// its response deadline. Idempotent: a second call for the same assignment
// is a no-op.
func (d *Dispatcher) Notify(ctx context.Context, a model.DriverAssignment) error {
	if !a.Bound() {
		return fault.ValidationError{Field: "driver_id", Reason: "assignment has no driver bound"}
	}
	now := d.clock.Now()
	respondBy := now.Add(d.deadline)
	updated, err := d.assignments.Update(ctx, a.ID, func(ua *model.DriverAssignment) error {
		if ua.State != model.AssignmentPendingNotify {
			return errAlreadyNotified
		}
		ua.State = model.AssignmentNotified
		ua.NotifiedAt = now
		ua.RespondBy = respondBy
		return nil
	})
	if err != nil {
		if errors.Is(err, errAlreadyNotified) {
			return nil
		}
		return err
	}

	payload := Payload{
		AssignmentID: updated.ID,
		BroadcastID:  updated.BroadcastID,
		RespondBy:    respondBy,
	}
	if d.broadcasts != nil {
		if b, err := d.broadcasts.Get(ctx, updated.BroadcastID); err == nil {
			payload.Pickup = b.Pickup
			payload.Drop = b.Drop
			payload.VehicleClass = b.VehicleClass
		}
	}

	// The deadline runs from the first attempt; late delivery must not
	// stretch the slot's uncertainty window.
	d.startTimer(updated.ID)
	go d.deliver(updated, payload)
	return nil
}

var errAlreadyNotified = errors.New("assignment already notified or resolved")

// deliver walks the channel list with the configured backoff schedule.
// Failure to deliver anywhere is reported but does not cancel the deadline
// timer, which will resolve the slot as TIMED_OUT.
func (d *Dispatcher) deliver(a model.DriverAssignment, p Payload) {
	ctx := context.Background()
	var lastErr error
	for ci, ch := range d.channels {
		prio := PriorityAlarm
		if ci > 0 {
			// Fallback transports carry no alarm semantics.
			prio = PriorityNormal
		}
		for attempt, delay := range d.backoff {
			if delay > 0 {
				<-d.clock.After(delay)
			}
			err := ch.Send(ctx, a.DriverID, p, prio)
			notificationAttempts.WithLabelValues(ch.Name()).Inc()
			d.publish(events.NotificationEvent{
				AssignmentID: a.ID,
				DriverID:     a.DriverID,
				Channel:      ch.Name(),
				Attempt:      attempt,
				Delivered:    err == nil,
				Err:          err,
			})
			if err == nil {
				d.log.Infof("alert for %s delivered to %s via %s", a.ID, a.DriverID, ch.Name())
				return
			}
			lastErr = err
			d.log.Warnf("alert for %s via %s attempt %d failed: %v", a.ID, ch.Name(), attempt+1, err)
		}
	}
	deliveryFailures.Inc()
	ferr := fault.DeliveryFailure{AssignmentID: a.ID, Channels: len(d.channels), Err: lastErr}
	d.log.Errorf("%v", ferr)
}

// startTimer parks a goroutine on the response deadline. The race between
// a late response and the firing timer is resolved by the state update
// guard: exactly one of them commits.
func (d *Dispatcher) startTimer(assignmentID string) {
	cancel := make(chan struct{})
	d.mu.Lock()
	if _, exists := d.timers[assignmentID]; exists {
		d.mu.Unlock()
		close(cancel)
		return
	}
	d.timers[assignmentID] = cancel
	d.mu.Unlock()

	go func() {
		select {
		case <-d.clock.After(d.deadline):
			d.onDeadline(assignmentID)
		case <-cancel:
		}
	}()
}

func (d *Dispatcher) cancelTimer(assignmentID string) {
	d.mu.Lock()
	cancel, ok := d.timers[assignmentID]
	if ok {
		delete(d.timers, assignmentID)
	}
	d.mu.Unlock()
	if ok {
		close(cancel)
	}
}

// CancelAssignment stops the deadline timer, used when a broadcast is
// cancelled or expires underneath its assignments.
func (d *Dispatcher) CancelAssignment(assignmentID string) {
	d.cancelTimer(assignmentID)
}

func (d *Dispatcher) onDeadline(assignmentID string) {
	ctx := context.Background()
	d.mu.Lock()
	delete(d.timers, assignmentID)
	d.mu.Unlock()

	_, err := d.assignments.Update(ctx, assignmentID, func(a *model.DriverAssignment) error {
		if a.State.Resolved() {
			return fault.DuplicateResponse{AssignmentID: a.ID}
		}
		if !a.State.CanTransition(model.AssignmentTimedOut) {
			return fault.DuplicateResponse{AssignmentID: a.ID}
		}
		a.State = model.AssignmentTimedOut
		a.ResolvedAt = d.clock.Now()
		return nil
	})
	if err != nil {
		// A response won the race; nothing to do.
		return
	}
	timeoutsSynthesized.Inc()
	d.log.Warnf("assignment %s timed out without a driver response", assignmentID)
	if r := d.getResolver(); r != nil {
		if err := r.HandleResolution(ctx, assignmentID, model.AssignmentTimedOut); err != nil {
			d.log.Errorf("resolve timeout for %s: %v", assignmentID, err)
		}
	}
}

// OnResponse applies a driver's accept or decline exactly once. A repeat of
// the same decision is a logged no-op; any response after a different
// resolution surfaces as DuplicateResponse to the caller only through the
// returned assignment state, never as a hard failure.
func (d *Dispatcher) OnResponse(ctx context.Context, assignmentID string, decision model.Decision) (model.DriverAssignment, error) {
	target := model.AssignmentAccepted
	if decision == model.DecisionDecline {
		target = model.AssignmentDeclined
	}
	updated, err := d.assignments.Update(ctx, assignmentID, func(a *model.DriverAssignment) error {
		if a.State == target {
			return fault.DuplicateResponse{AssignmentID: a.ID}
		}
		if !a.State.CanTransition(target) {
			if a.State.Resolved() {
				return fault.DuplicateResponse{AssignmentID: a.ID}
			}
			return fault.ExpiredOrTerminal{Kind: "assignment", ID: a.ID, Status: a.State.String()}
		}
		a.State = target
		a.ResolvedAt = d.clock.Now()
		return nil
	})
	if err != nil {
		if fault.IsDuplicateResponse(err) {
			d.log.Infof("duplicate response for %s ignored", assignmentID)
			a, gerr := d.assignments.Get(ctx, assignmentID)
			if gerr != nil {
				return model.DriverAssignment{}, gerr
			}
			return a, nil
		}
		return model.DriverAssignment{}, err
	}

	d.cancelTimer(assignmentID)
	responsesReceived.WithLabelValues(decision.String()).Inc()
	d.log.Infof("driver %s responded %s to assignment %s", updated.DriverID, decision, assignmentID)
	if r := d.getResolver(); r != nil {
		if err := r.HandleResolution(ctx, assignmentID, target); err != nil {
			return updated, err
		}
	}
	return updated, nil
}
