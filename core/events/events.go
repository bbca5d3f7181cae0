// Package events defines the records published on the internal event bus.
// Subscribers (live views, candidate alerting, the audit sink) consume
// them without blocking the publishing path.
package events

import (
	"time"

	"github.com/kilianp07/freightd/core/model"
)

// BroadcastCreated is published when a new broadcast becomes visible.
type BroadcastCreated struct {
	Broadcast model.Broadcast
}

// BroadcastClosed is published when a broadcast reaches a terminal status.
type BroadcastClosed struct {
	BroadcastID string
	Status      model.BroadcastStatus
	Reason      string
}

// ClaimEvent is published for every claim attempt, successful or not.
type ClaimEvent struct {
	BroadcastID   string
	TransporterID string
	Trucks        int
	Remaining     int
	Accepted      bool
	ReservationID string
}

// AssignmentEvent is published when a driver assignment is resolved.
type AssignmentEvent struct {
	Assignment model.DriverAssignment
	Outcome    model.AssignmentState
}

// NotificationEvent is published for each delivery attempt on a channel.
type NotificationEvent struct {
	AssignmentID string
	DriverID     string
	Channel      string
	Attempt      int
	Delivered    bool
	Err          error
}

// PositionEvent is published for every accepted position update.
type PositionEvent struct {
	SessionID string
	Position  model.Position
	State     model.TripState
	At        time.Time
}

// TripStateEvent is published when a tracking session changes sub-state.
type TripStateEvent struct {
	SessionID string
	From      model.TripState
	To        model.TripState
	At        time.Time
}
