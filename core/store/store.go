// Package store declares the persistence ports consumed by the dispatch
// core. Implementations live under infra/store; the engine choice is an
// external concern.
package store

import (
	"context"

	"github.com/kilianp07/freightd/core/model"
)

// BroadcastStore persists broadcasts. Update is the single serialization
// point required by the allocation path: the mutator observes and rewrites
// the record as one atomic conditional update, and concurrent updates to
// the same broadcast never interleave. A mutator error aborts the write
// and leaves the stored record untouched.
type BroadcastStore interface {
	Put(ctx context.Context, b model.Broadcast) error
	Get(ctx context.Context, id string) (model.Broadcast, error)
	List(ctx context.Context) ([]model.Broadcast, error)
	Update(ctx context.Context, id string, fn func(*model.Broadcast) error) (model.Broadcast, error)
	Delete(ctx context.Context, id string) error
}

// ReservationStore persists reservations with per-entity update atomicity.
type ReservationStore interface {
	Put(ctx context.Context, r model.Reservation) error
	Get(ctx context.Context, id string) (model.Reservation, error)
	ListByBroadcast(ctx context.Context, broadcastID string) ([]model.Reservation, error)
	Update(ctx context.Context, id string, fn func(*model.Reservation) error) (model.Reservation, error)
}

// AssignmentStore persists driver assignments with per-entity update
// atomicity. State transitions ride on Update so response/timeout races
// resolve to exactly one winner.
type AssignmentStore interface {
	Put(ctx context.Context, a model.DriverAssignment) error
	Get(ctx context.Context, id string) (model.DriverAssignment, error)
	ListByReservation(ctx context.Context, reservationID string) ([]model.DriverAssignment, error)
	ListByBroadcast(ctx context.Context, broadcastID string) ([]model.DriverAssignment, error)
	Update(ctx context.Context, id string, fn func(*model.DriverAssignment) error) (model.DriverAssignment, error)
}

// SessionStore persists tracking sessions.
type SessionStore interface {
	Put(ctx context.Context, s model.TrackingSession) error
	Get(ctx context.Context, id string) (model.TrackingSession, error)
	GetByAssignment(ctx context.Context, assignmentID string) (model.TrackingSession, error)
	Update(ctx context.Context, id string, fn func(*model.TrackingSession) error) (model.TrackingSession, error)
}

// PositionLog is the append-only position history keyed by
// (session, sequence). Entries are never overwritten.
type PositionLog interface {
	Append(ctx context.Context, sessionID string, p model.Position) error
	Entries(ctx context.Context, sessionID string) ([]model.Position, error)
}
