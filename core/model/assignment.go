package model

import (
	"fmt"
	"time"
)

// AssignmentState is the lifecycle state of one truck-slot offer to a driver.
type AssignmentState int

const (
	AssignmentPendingNotify AssignmentState = iota
	AssignmentNotified
	AssignmentAccepted
	AssignmentDeclined
	AssignmentTimedOut
	AssignmentCancelled
)

var assignmentStateNames = map[AssignmentState]string{
	AssignmentPendingNotify: "PENDING_NOTIFY",
	AssignmentNotified:      "NOTIFIED",
	AssignmentAccepted:      "ACCEPTED",
	AssignmentDeclined:      "DECLINED",
	AssignmentTimedOut:      "TIMED_OUT",
	AssignmentCancelled:     "CANCELLED",
}

func (s AssignmentState) String() string {
	if n, ok := assignmentStateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("AssignmentState(%d)", int(s))
}

// Resolved reports whether the assignment has reached a final state.
func (s AssignmentState) Resolved() bool {
	switch s {
	case AssignmentAccepted, AssignmentDeclined, AssignmentTimedOut, AssignmentCancelled:
		return true
	}
	return false
}

var assignmentTransitions = map[AssignmentState][]AssignmentState{
	AssignmentPendingNotify: {AssignmentNotified, AssignmentAccepted, AssignmentDeclined, AssignmentCancelled},
	AssignmentNotified:      {AssignmentAccepted, AssignmentDeclined, AssignmentTimedOut, AssignmentCancelled},
	AssignmentAccepted:      {},
	AssignmentDeclined:      {},
	AssignmentTimedOut:      {},
	AssignmentCancelled:     {},
}

// CanTransition reports whether moving from s to next is allowed.
func (s AssignmentState) CanTransition(next AssignmentState) bool {
	for _, t := range assignmentTransitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Decision is a driver's explicit answer to an assignment offer.
type Decision int

const (
	DecisionAccept Decision = iota
	DecisionDecline
)

func (d Decision) String() string {
	if d == DecisionAccept {
		return "ACCEPT"
	}
	return "DECLINE"
}

// DriverAssignment is one truck-slot within a reservation offered to a
// single driver. Declined or timed-out assignments are never rebound in
// place; a replacement record is created instead so the audit chain stays
// intact.
type DriverAssignment struct {
	ID            string          `json:"id"`
	ReservationID string          `json:"reservation_id"`
	BroadcastID   string          `json:"broadcast_id"`
	TransporterID string          `json:"transporter_id"`
	DriverID      string          `json:"driver_id,omitempty"`
	Slot          int             `json:"slot"`
	State         AssignmentState `json:"state"`

	// Retarget counts how many predecessors this slot burned through.
	Retarget      int    `json:"retarget"`
	ReplacementOf string `json:"replacement_of,omitempty"`

	CreatedAt  time.Time `json:"created_at"`
	NotifiedAt time.Time `json:"notified_at,omitempty"`
	RespondBy  time.Time `json:"respond_by,omitempty"`
	ResolvedAt time.Time `json:"resolved_at,omitempty"`
}

// Bound reports whether a driver has been attached to the slot.
func (a DriverAssignment) Bound() bool { return a.DriverID != "" }
