// Package registry owns the broadcast lifecycle and the fulfillment
// counter. TryReserve is the single serializable point every concurrent
// claim, cancellation and expiry sweep funnels through.
package registry

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kilianp07/freightd/core/clock"
	"github.com/kilianp07/freightd/core/events"
	"github.com/kilianp07/freightd/core/fault"
	"github.com/kilianp07/freightd/core/logger"
	"github.com/kilianp07/freightd/core/model"
	"github.com/kilianp07/freightd/core/pricing"
	"github.com/kilianp07/freightd/core/store"
	"github.com/kilianp07/freightd/internal/eventbus"
)

const (
	maxTrucksPerBroadcast = 100
	defaultTTL            = 60 * time.Minute
)

// Cascader releases everything hanging off a broadcast once it is
// cancelled or expired: unresolved assignments, their timers, and the
// reservation slots they hold. Implemented by the allocation engine and
// wired after construction.
type Cascader interface {
	ReleaseBroadcast(ctx context.Context, broadcastID, reason string) error
}

// Config carries the registry tunables.
type Config struct {
	TTLMinutes           int `json:"ttl_minutes"`
	SweepIntervalSeconds int `json:"sweep_interval_seconds"`
	RetentionHours       int `json:"retention_hours"`
}

// SetDefaults applies sane defaults.
func (c *Config) SetDefaults() {
	if c.TTLMinutes <= 0 {
		c.TTLMinutes = 60
	}
	if c.SweepIntervalSeconds <= 0 {
		c.SweepIntervalSeconds = 30
	}
	if c.RetentionHours <= 0 {
		c.RetentionHours = 24
	}
}

// Registry is the single source of truth for "how many trucks are still
// needed" per broadcast.
type Registry struct {
	broadcasts   store.BroadcastStore
	reservations store.ReservationStore
	clock        clock.Clock
	log          logger.Logger
	bus          eventbus.EventBus
	quoter       pricing.Quoter
	ttl          time.Duration
	retention    time.Duration

	mu      sync.Mutex
	cascade Cascader
}

// New creates a Registry. bus and quoter may be nil.
func New(cfg Config, broadcasts store.BroadcastStore, reservations store.ReservationStore, clk clock.Clock, bus eventbus.EventBus, quoter pricing.Quoter, log logger.Logger) *Registry {
	cfg.SetDefaults()
	return &Registry{
		broadcasts:   broadcasts,
		reservations: reservations,
		clock:        clk,
		log:          log,
		bus:          bus,
		quoter:       quoter,
		ttl:          time.Duration(cfg.TTLMinutes) * time.Minute,
		retention:    time.Duration(cfg.RetentionHours) * time.Hour,
	}
}

// SetCascade configures the release cascade hook.
func (r *Registry) SetCascade(c Cascader) {
	r.mu.Lock()
	r.cascade = c
	r.mu.Unlock()
}

func (r *Registry) cascader() Cascader {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cascade
}

func (r *Registry) publish(e eventbus.Event) {
	if r.bus != nil {
		r.bus.Publish(e)
	}
}

// CreateSpec describes a new broadcast request.
type CreateSpec struct {
	CustomerID   string             `json:"customer_id"`
	Pickup       model.GeoPoint     `json:"pickup"`
	Drop         model.GeoPoint     `json:"drop"`
	VehicleClass model.VehicleClass `json:"vehicle_class"`
	TrucksNeeded int                `json:"trucks_needed"`
	Urgent       bool               `json:"urgent"`
	// TTL overrides the default expiry window when positive.
	TTL time.Duration `json:"-"`
}

// Create validates the request and stores a new ACTIVE broadcast.
func (r *Registry) Create(ctx context.Context, spec CreateSpec) (model.Broadcast, error) {
	if spec.TrucksNeeded < 1 || spec.TrucksNeeded > maxTrucksPerBroadcast {
		return model.Broadcast{}, fault.ValidationError{Field: "trucks_needed", Reason: "must be between 1 and 100"}
	}
	if spec.CustomerID == "" {
		return model.Broadcast{}, fault.ValidationError{Field: "customer_id", Reason: "required"}
	}
	if err := spec.Pickup.Validate(); err != nil {
		return model.Broadcast{}, fault.ValidationError{Field: "pickup", Reason: err.Error()}
	}
	if err := spec.Drop.Validate(); err != nil {
		return model.Broadcast{}, fault.ValidationError{Field: "drop", Reason: err.Error()}
	}
	if spec.Pickup == spec.Drop {
		return model.Broadcast{}, fault.ValidationError{Field: "drop", Reason: "must differ from pickup"}
	}
	if !model.KnownVehicleClass(spec.VehicleClass) {
		return model.Broadcast{}, fault.ValidationError{Field: "vehicle_class", Reason: "unknown class"}
	}

	ttl := spec.TTL
	if ttl <= 0 {
		ttl = r.ttl
	}
	now := r.clock.Now()
	b := model.Broadcast{
		ID:           uuid.NewString(),
		CustomerID:   spec.CustomerID,
		Pickup:       spec.Pickup,
		Drop:         spec.Drop,
		VehicleClass: spec.VehicleClass,
		TrucksNeeded: spec.TrucksNeeded,
		Status:       model.BroadcastActive,
		Urgent:       spec.Urgent,
		CreatedAt:    now,
		ExpiresAt:    now.Add(ttl),
	}
	if err := r.broadcasts.Put(ctx, b); err != nil {
		return model.Broadcast{}, err
	}
	broadcastsCreated.Inc()
	r.log.Infof("broadcast %s created: %d x %s", b.ID, b.TrucksNeeded, b.VehicleClass)
	r.publish(events.BroadcastCreated{Broadcast: b})
	return b, nil
}

// Get returns the broadcast by id.
func (r *Registry) Get(ctx context.Context, id string) (model.Broadcast, error) {
	return r.broadcasts.Get(ctx, id)
}

// TryReserve atomically claims n trucks on the broadcast for the
// transporter. It is the only mutation path for trucks_filled. On
// capacity shortfall the returned CapacityConflict carries the current
// remaining count.
func (r *Registry) TryReserve(ctx context.Context, broadcastID, transporterID string, n int, candidates []string) (model.Reservation, error) {
	if n < 1 {
		return model.Reservation{}, fault.ValidationError{Field: "trucks", Reason: "must be positive"}
	}
	if transporterID == "" {
		return model.Reservation{}, fault.ValidationError{Field: "transporter_id", Reason: "required"}
	}

	now := r.clock.Now()
	updated, err := r.broadcasts.Update(ctx, broadcastID, func(b *model.Broadcast) error {
		return r.admit(b, n, now)
	})
	if err != nil {
		claimsRejected.Inc()
		var corrupt fault.Corrupted
		if errors.As(err, &corrupt) {
			r.markCorrupted(ctx, broadcastID)
		}
		r.publish(events.ClaimEvent{BroadcastID: broadcastID, TransporterID: transporterID, Trucks: n, Accepted: false, Remaining: remainingOf(ctx, r, broadcastID)})
		return model.Reservation{}, err
	}

	res := model.Reservation{
		ID:            uuid.NewString(),
		BroadcastID:   broadcastID,
		TransporterID: transporterID,
		Requested:     n,
		Active:        n,
		Status:        model.ReservationPending,
		CreatedAt:     now,
		Candidates:    candidates,
	}
	if err := r.reservations.Put(ctx, res); err != nil {
		// Compensate the committed increment so the counter invariant holds.
		if _, derr := r.broadcasts.Update(ctx, broadcastID, func(b *model.Broadcast) error {
			r.decrement(b, n)
			return nil
		}); derr != nil {
			r.log.Errorf("compensating release for %s failed: %v", broadcastID, derr)
		}
		return model.Reservation{}, err
	}
	claimsAccepted.Inc()
	r.log.Infof("reservation %s: %d trucks on %s by %s (remaining %d)", res.ID, n, broadcastID, transporterID, updated.Remaining())
	r.publish(events.ClaimEvent{BroadcastID: broadcastID, TransporterID: transporterID, Trucks: n, Accepted: true, Remaining: updated.Remaining(), ReservationID: res.ID})
	return res, nil
}

// admit applies the capacity/status/expiry checks and the increment inside
// the store's atomic update.
func (r *Registry) admit(b *model.Broadcast, n int, now time.Time) error {
	if b.Corrupted {
		return fault.Corrupted{BroadcastID: b.ID, Filled: b.TrucksFilled, Needed: b.TrucksNeeded}
	}
	if err := b.CheckCounters(); err != nil {
		return fault.Corrupted{BroadcastID: b.ID, Filled: b.TrucksFilled, Needed: b.TrucksNeeded}
	}
	if !b.Status.Claimable() {
		return fault.ExpiredOrTerminal{Kind: "broadcast", ID: b.ID, Status: b.Status.String()}
	}
	if !now.Before(b.ExpiresAt) {
		return fault.ExpiredOrTerminal{Kind: "broadcast", ID: b.ID, Status: model.BroadcastExpired.String()}
	}
	if b.TrucksFilled+n > b.TrucksNeeded {
		return fault.CapacityConflict{BroadcastID: b.ID, Requested: n, Remaining: b.Remaining()}
	}
	b.TrucksFilled += n
	if b.TrucksFilled == b.TrucksNeeded {
		b.Status = model.BroadcastFullyFilled
	} else {
		b.Status = model.BroadcastPartiallyFilled
	}
	return nil
}

// decrement lowers the counter and reverts the fill status. Terminal
// statuses are left untouched; a cancelled or expired broadcast never
// becomes claimable again.
func (r *Registry) decrement(b *model.Broadcast, n int) {
	b.TrucksFilled -= n
	if b.TrucksFilled < 0 {
		b.TrucksFilled = 0
	}
	if b.Status.Terminal() {
		return
	}
	if b.TrucksFilled == 0 {
		b.Status = model.BroadcastActive
	} else if b.TrucksFilled < b.TrucksNeeded {
		b.Status = model.BroadcastPartiallyFilled
	}
}

// Release gives n slots of the reservation back to the broadcast.
func (r *Registry) Release(ctx context.Context, reservationID string, n int) error {
	if n < 1 {
		return fault.ValidationError{Field: "n", Reason: "must be positive"}
	}
	res, err := r.reservations.Update(ctx, reservationID, func(rv *model.Reservation) error {
		if rv.Active < n {
			return fault.ValidationError{Field: "n", Reason: "exceeds active slots"}
		}
		rv.Active -= n
		if rv.Active == 0 {
			rv.Status = model.ReservationReleased
		} else if rv.Status != model.ReservationConfirmed {
			rv.Status = model.ReservationPartiallyReleased
		}
		return nil
	})
	if err != nil {
		return err
	}
	if _, err := r.broadcasts.Update(ctx, res.BroadcastID, func(b *model.Broadcast) error {
		if b.Corrupted {
			return fault.Corrupted{BroadcastID: b.ID, Filled: b.TrucksFilled, Needed: b.TrucksNeeded}
		}
		r.decrement(b, n)
		return nil
	}); err != nil {
		return err
	}
	slotsReleased.Add(float64(n))
	r.log.Infof("released %d slot(s) of reservation %s", n, reservationID)
	return nil
}

// Reacquire re-claims one slot for an existing reservation, used when a
// declined or timed-out slot is retargeted to another driver. A concurrent
// claim may have taken the capacity first.
func (r *Registry) Reacquire(ctx context.Context, reservationID string) error {
	res, err := r.reservations.Get(ctx, reservationID)
	if err != nil {
		return err
	}
	now := r.clock.Now()
	if _, err := r.broadcasts.Update(ctx, res.BroadcastID, func(b *model.Broadcast) error {
		return r.admit(b, 1, now)
	}); err != nil {
		return err
	}
	_, err = r.reservations.Update(ctx, reservationID, func(rv *model.Reservation) error {
		rv.Active++
		if rv.Status == model.ReservationReleased || rv.Status == model.ReservationPartiallyReleased {
			rv.Status = model.ReservationPending
		}
		return nil
	})
	return err
}

// Reservation returns the reservation by id.
func (r *Registry) Reservation(ctx context.Context, id string) (model.Reservation, error) {
	return r.reservations.Get(ctx, id)
}

// ConfirmReservation promotes a fully accepted reservation.
func (r *Registry) ConfirmReservation(ctx context.Context, id string) error {
	_, err := r.reservations.Update(ctx, id, func(rv *model.Reservation) error {
		if rv.Status == model.ReservationReleased {
			return fault.ExpiredOrTerminal{Kind: "reservation", ID: rv.ID, Status: rv.Status.String()}
		}
		rv.Status = model.ReservationConfirmed
		return nil
	})
	return err
}

// Cancel closes an ACTIVE or PARTIALLY_FILLED broadcast and cascades the
// release of everything pending under it.
func (r *Registry) Cancel(ctx context.Context, broadcastID, actor, reason string) error {
	_, err := r.broadcasts.Update(ctx, broadcastID, func(b *model.Broadcast) error {
		if b.Corrupted {
			return fault.Corrupted{BroadcastID: b.ID, Filled: b.TrucksFilled, Needed: b.TrucksNeeded}
		}
		if !b.Status.CanTransition(model.BroadcastCancelled) {
			return fault.ExpiredOrTerminal{Kind: "broadcast", ID: b.ID, Status: b.Status.String()}
		}
		b.Status = model.BroadcastCancelled
		b.ClosedReason = reason
		return nil
	})
	if err != nil {
		return err
	}
	broadcastsClosed.WithLabelValues("cancelled").Inc()
	r.log.Infof("broadcast %s cancelled by %s: %s", broadcastID, actor, reason)
	r.publish(events.BroadcastClosed{BroadcastID: broadcastID, Status: model.BroadcastCancelled, Reason: reason})
	if c := r.cascader(); c != nil {
		if err := c.ReleaseBroadcast(ctx, broadcastID, reason); err != nil {
			r.log.Errorf("release cascade for %s: %v", broadcastID, err)
		}
	}
	return nil
}

// markCorrupted persists the corruption flag outside the failed mutation.
func (r *Registry) markCorrupted(ctx context.Context, broadcastID string) {
	if _, err := r.broadcasts.Update(ctx, broadcastID, func(b *model.Broadcast) error {
		b.Corrupted = true
		return nil
	}); err != nil {
		r.log.Errorf("marking %s corrupted: %v", broadcastID, err)
	}
}

func remainingOf(ctx context.Context, r *Registry, id string) int {
	b, err := r.broadcasts.Get(ctx, id)
	if err != nil {
		return 0
	}
	return b.Remaining()
}

// ListFilter narrows List results.
type ListFilter struct {
	VehicleClass model.VehicleClass
	// CallerLocation enables the distance and fare fields when set.
	CallerLocation *model.GeoPoint
}

// Summary is the transporter-facing view of an open broadcast.
type Summary struct {
	Broadcast          model.Broadcast `json:"broadcast"`
	TrucksRemaining    int             `json:"trucks_remaining"`
	TimeRemaining      time.Duration   `json:"time_remaining"`
	DistanceFromCaller float64         `json:"distance_from_caller_km,omitempty"`
	TripDistanceKm     float64         `json:"trip_distance_km"`
	EstimatedFare      float64         `json:"estimated_fare,omitempty"`
}

// List returns claimable broadcasts, newest first, with the computed
// fields the transporter UI needs.
func (r *Registry) List(ctx context.Context, f ListFilter) ([]Summary, error) {
	all, err := r.broadcasts.List(ctx)
	if err != nil {
		return nil, err
	}
	now := r.clock.Now()
	var out []Summary
	for _, b := range all {
		if !b.Status.Claimable() || !now.Before(b.ExpiresAt) {
			continue
		}
		if f.VehicleClass != "" && b.VehicleClass != f.VehicleClass {
			continue
		}
		s := Summary{
			Broadcast:       b,
			TrucksRemaining: b.Remaining(),
			TimeRemaining:   b.ExpiresAt.Sub(now),
			TripDistanceKm:  b.Pickup.DistanceKm(b.Drop),
		}
		if f.CallerLocation != nil {
			s.DistanceFromCaller = f.CallerLocation.DistanceKm(b.Pickup)
		}
		if r.quoter != nil {
			s.EstimatedFare = r.quoter.Quote(s.TripDistanceKm, b.VehicleClass, b.Urgent)
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Broadcast.CreatedAt.After(out[j].Broadcast.CreatedAt)
	})
	return out, nil
}
