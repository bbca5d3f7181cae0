package model

import (
	"fmt"
	"time"
)

// TripState is the sub-state of an accepted, in-progress trip.
type TripState int

const (
	TripAssigned TripState = iota
	TripEnRouteToPickup
	TripPickupReached
	TripInTransit
	TripDropReached
	TripCompleted
	TripCancelled
)

var tripStateNames = map[TripState]string{
	TripAssigned:        "ASSIGNED",
	TripEnRouteToPickup: "EN_ROUTE_TO_PICKUP",
	TripPickupReached:   "PICKUP_REACHED",
	TripInTransit:       "IN_TRANSIT",
	TripDropReached:     "DROP_REACHED",
	TripCompleted:       "COMPLETED",
	TripCancelled:       "CANCELLED",
}

func (s TripState) String() string {
	if n, ok := tripStateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("TripState(%d)", int(s))
}

// Terminal reports whether the trip has ended.
func (s TripState) Terminal() bool {
	return s == TripCompleted || s == TripCancelled
}

var tripTransitions = map[TripState][]TripState{
	TripAssigned:        {TripEnRouteToPickup, TripCancelled},
	TripEnRouteToPickup: {TripPickupReached, TripCancelled},
	TripPickupReached:   {TripInTransit, TripCancelled},
	TripInTransit:       {TripDropReached, TripCancelled},
	TripDropReached:     {TripCompleted, TripCancelled},
	TripCompleted:       {},
	TripCancelled:       {},
}

// CanTransition reports whether moving from s to next is allowed.
func (s TripState) CanTransition(next TripState) bool {
	for _, t := range tripTransitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Position is one GPS fix reported by a driver's device. Fixes failing the
// plausibility check are kept but flagged low-confidence.
type Position struct {
	Lat           float64   `json:"lat"`
	Lng           float64   `json:"lng"`
	Sequence      uint64    `json:"sequence"`
	Timestamp     time.Time `json:"timestamp"`
	LowConfidence bool      `json:"low_confidence,omitempty"`
}

// Point returns the fix as a GeoPoint.
func (p Position) Point() GeoPoint { return GeoPoint{Lat: p.Lat, Lng: p.Lng} }

// TrackingSession is the live-position record for one accepted trip.
// Position updates are appended to an ordered log keyed by sequence
// number, never overwritten.
type TrackingSession struct {
	ID            string    `json:"id"`
	AssignmentID  string    `json:"assignment_id"`
	BroadcastID   string    `json:"broadcast_id"`
	TransporterID string    `json:"transporter_id"`
	DriverID      string    `json:"driver_id"`
	State         TripState `json:"state"`

	LastPosition *Position `json:"last_position,omitempty"`
	LastSequence uint64    `json:"last_sequence"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
