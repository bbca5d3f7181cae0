package model

import (
	"fmt"
	"time"
)

// ReservationStatus tracks how much of a transporter's claim is still held.
type ReservationStatus int

const (
	ReservationPending ReservationStatus = iota
	ReservationConfirmed
	ReservationPartiallyReleased
	ReservationReleased
)

var reservationStatusNames = map[ReservationStatus]string{
	ReservationPending:           "PENDING",
	ReservationConfirmed:         "CONFIRMED",
	ReservationPartiallyReleased: "PARTIALLY_RELEASED",
	ReservationReleased:          "RELEASED",
}

func (s ReservationStatus) String() string {
	if n, ok := reservationStatusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("ReservationStatus(%d)", int(s))
}

// Reservation is a transporter's committed claim on a subset of a
// broadcast's remaining trucks. It is created atomically with the
// broadcast counter increment.
type Reservation struct {
	ID            string            `json:"id"`
	BroadcastID   string            `json:"broadcast_id"`
	TransporterID string            `json:"transporter_id"`
	Requested     int               `json:"requested"`
	// Active is the number of slots currently counted against the
	// broadcast's trucks_filled. It shrinks on declines and timeouts.
	Active    int               `json:"active"`
	Status    ReservationStatus `json:"status"`
	CreatedAt time.Time         `json:"created_at"`

	// Candidates is the transporter-supplied driver pool used both for the
	// initial assignments and for retargeting after a decline or timeout.
	Candidates []string `json:"candidates,omitempty"`
}
