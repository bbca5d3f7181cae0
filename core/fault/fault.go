// Package fault defines the typed error taxonomy shared by the dispatch
// core. Callers branch on these with errors.As; the API layer maps them to
// transport status codes.
package fault

import (
	"errors"
	"fmt"
)

// ValidationError rejects malformed input before any state is touched.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// CapacityConflict is returned when concurrent claims already consumed the
// requested capacity. It always carries the remaining count so callers can
// offer a smaller claim without another round trip.
type CapacityConflict struct {
	BroadcastID string
	Requested   int
	Remaining   int
}

func (e CapacityConflict) Error() string {
	return fmt.Sprintf("broadcast %s: requested %d trucks, %d remaining", e.BroadcastID, e.Requested, e.Remaining)
}

// NotFound indicates the referenced entity does not exist.
type NotFound struct {
	Kind string
	ID   string
}

func (e NotFound) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// ExpiredOrTerminal rejects an operation against an entity that has reached
// a final state. Not retryable.
type ExpiredOrTerminal struct {
	Kind   string
	ID     string
	Status string
}

func (e ExpiredOrTerminal) Error() string {
	return fmt.Sprintf("%s %s is %s", e.Kind, e.ID, e.Status)
}

// DuplicateResponse marks a second response to an already-resolved
// assignment. It is treated as a success no-op by callers, never a hard
// failure.
type DuplicateResponse struct {
	AssignmentID string
}

func (e DuplicateResponse) Error() string {
	return fmt.Sprintf("assignment %s already resolved", e.AssignmentID)
}

// AlreadyBound rejects a driver binding on a slot that is past
// PENDING_NOTIFY or already carries a driver.
type AlreadyBound struct {
	AssignmentID string
}

func (e AlreadyBound) Error() string {
	return fmt.Sprintf("assignment %s already bound", e.AssignmentID)
}

// DeliveryFailure reports that every notification channel was exhausted for
// an assignment. The timeout path still runs; the slot is never dropped
// silently.
type DeliveryFailure struct {
	AssignmentID string
	Channels     int
	Err          error
}

func (e DeliveryFailure) Error() string {
	return fmt.Sprintf("assignment %s: %d channels exhausted: %v", e.AssignmentID, e.Channels, e.Err)
}

func (e DeliveryFailure) Unwrap() error { return e.Err }

// Corrupted marks an observed counter invariant violation. Mutation on the
// entity halts until manual reconciliation; it is never auto-corrected.
type Corrupted struct {
	BroadcastID string
	Filled      int
	Needed      int
}

func (e Corrupted) Error() string {
	return fmt.Sprintf("broadcast %s corrupted: filled=%d needed=%d", e.BroadcastID, e.Filled, e.Needed)
}

// IsCapacityConflict reports whether err is a CapacityConflict.
func IsCapacityConflict(err error) bool {
	var c CapacityConflict
	return errors.As(err, &c)
}

// IsNotFound reports whether err is a NotFound.
func IsNotFound(err error) bool {
	var n NotFound
	return errors.As(err, &n)
}

// IsDuplicateResponse reports whether err is a DuplicateResponse.
func IsDuplicateResponse(err error) bool {
	var d DuplicateResponse
	return errors.As(err, &d)
}

// IsTerminal reports whether err is an ExpiredOrTerminal.
func IsTerminal(err error) bool {
	var t ExpiredOrTerminal
	return errors.As(err, &t)
}
