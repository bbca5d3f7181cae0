package model

import (
	"fmt"
	"time"
)

// BroadcastStatus describes the fulfillment state of a broadcast.
type BroadcastStatus int

const (
	BroadcastActive BroadcastStatus = iota
	BroadcastPartiallyFilled
	BroadcastFullyFilled
	BroadcastExpired
	BroadcastCancelled
)

var broadcastStatusNames = map[BroadcastStatus]string{
	BroadcastActive:          "ACTIVE",
	BroadcastPartiallyFilled: "PARTIALLY_FILLED",
	BroadcastFullyFilled:     "FULLY_FILLED",
	BroadcastExpired:         "EXPIRED",
	BroadcastCancelled:       "CANCELLED",
}

func (s BroadcastStatus) String() string {
	if n, ok := broadcastStatusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("BroadcastStatus(%d)", int(s))
}

// Terminal reports whether no further claims are possible.
func (s BroadcastStatus) Terminal() bool {
	return s == BroadcastExpired || s == BroadcastCancelled
}

// Claimable reports whether the broadcast can accept further reservations.
func (s BroadcastStatus) Claimable() bool {
	return s == BroadcastActive || s == BroadcastPartiallyFilled
}

var broadcastTransitions = map[BroadcastStatus][]BroadcastStatus{
	BroadcastActive:          {BroadcastPartiallyFilled, BroadcastFullyFilled, BroadcastExpired, BroadcastCancelled},
	BroadcastPartiallyFilled: {BroadcastActive, BroadcastFullyFilled, BroadcastExpired, BroadcastCancelled},
	BroadcastFullyFilled:     {BroadcastPartiallyFilled, BroadcastExpired, BroadcastCancelled},
	BroadcastExpired:         {},
	BroadcastCancelled:       {},
}

// CanTransition reports whether moving from s to next is allowed by the
// broadcast state machine.
func (s BroadcastStatus) CanTransition(next BroadcastStatus) bool {
	for _, t := range broadcastTransitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// VehicleClass identifies the truck category requested by a customer.
type VehicleClass string

const (
	ClassLCV       VehicleClass = "lcv"
	ClassTruck14ft VehicleClass = "truck_14ft"
	ClassTruck20ft VehicleClass = "truck_20ft"
	ClassTrailer   VehicleClass = "trailer"
	ClassContainer VehicleClass = "container"
)

// KnownVehicleClass reports whether c is a recognized class.
func KnownVehicleClass(c VehicleClass) bool {
	switch c {
	case ClassLCV, ClassTruck14ft, ClassTruck20ft, ClassTrailer, ClassContainer:
		return true
	}
	return false
}

// Broadcast is a customer's open request for N trucks, visible to eligible
// transporters until filled, expired or cancelled. It is owned by the
// broadcast registry and mutated only through its atomic update path.
type Broadcast struct {
	ID           string          `json:"id"`
	CustomerID   string          `json:"customer_id"`
	Pickup       GeoPoint        `json:"pickup"`
	Drop         GeoPoint        `json:"drop"`
	VehicleClass VehicleClass    `json:"vehicle_class"`
	TrucksNeeded int             `json:"trucks_needed"`
	TrucksFilled int             `json:"trucks_filled"`
	Status       BroadcastStatus `json:"status"`
	Urgent       bool            `json:"urgent"`
	CreatedAt    time.Time       `json:"created_at"`
	ExpiresAt    time.Time       `json:"expires_at"`
	ClosedReason string          `json:"closed_reason,omitempty"`

	// Corrupted is set when a counter invariant violation is observed.
	// A corrupted broadcast refuses all further mutation until manually
	// reconciled.
	Corrupted bool `json:"corrupted,omitempty"`
}

// Remaining returns the number of trucks still needed.
func (b Broadcast) Remaining() int { return b.TrucksNeeded - b.TrucksFilled }

// CheckCounters verifies the fill counter invariant.
func (b Broadcast) CheckCounters() error {
	if b.TrucksFilled < 0 || b.TrucksFilled > b.TrucksNeeded {
		return fmt.Errorf("broadcast %s: trucks_filled %d outside [0,%d]", b.ID, b.TrucksFilled, b.TrucksNeeded)
	}
	return nil
}
