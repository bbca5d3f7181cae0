package model

import (
	"encoding/json"
	"fmt"
)

// The status enums travel as their string names over the wire and in the
// stores, keeping payloads and persisted records readable.

func marshalName(name string) ([]byte, error) { return json.Marshal(name) }

func unmarshalName(data []byte) (string, error) {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return "", err
	}
	return s, nil
}

func (s BroadcastStatus) MarshalJSON() ([]byte, error) { return marshalName(s.String()) }

func (s *BroadcastStatus) UnmarshalJSON(data []byte) error {
	name, err := unmarshalName(data)
	if err != nil {
		return err
	}
	v, ok := ParseBroadcastStatus(name)
	if !ok {
		return fmt.Errorf("unknown broadcast status %q", name)
	}
	*s = v
	return nil
}

// ParseBroadcastStatus maps a status name back to its value.
func ParseBroadcastStatus(name string) (BroadcastStatus, bool) {
	for v, n := range broadcastStatusNames {
		if n == name {
			return v, true
		}
	}
	return 0, false
}

func (s ReservationStatus) MarshalJSON() ([]byte, error) { return marshalName(s.String()) }

func (s *ReservationStatus) UnmarshalJSON(data []byte) error {
	name, err := unmarshalName(data)
	if err != nil {
		return err
	}
	for v, n := range reservationStatusNames {
		if n == name {
			*s = v
			return nil
		}
	}
	return fmt.Errorf("unknown reservation status %q", name)
}

func (s AssignmentState) MarshalJSON() ([]byte, error) { return marshalName(s.String()) }

func (s *AssignmentState) UnmarshalJSON(data []byte) error {
	name, err := unmarshalName(data)
	if err != nil {
		return err
	}
	for v, n := range assignmentStateNames {
		if n == name {
			*s = v
			return nil
		}
	}
	return fmt.Errorf("unknown assignment state %q", name)
}

func (s TripState) MarshalJSON() ([]byte, error) { return marshalName(s.String()) }

func (s *TripState) UnmarshalJSON(data []byte) error {
	name, err := unmarshalName(data)
	if err != nil {
		return err
	}
	v, ok := ParseTripState(name)
	if !ok {
		return fmt.Errorf("unknown trip state %q", name)
	}
	*s = v
	return nil
}

// ParseTripState maps a trip state name back to its value.
func ParseTripState(name string) (TripState, bool) {
	for v, n := range tripStateNames {
		if n == name {
			return v, true
		}
	}
	return 0, false
}

// ParseDecision maps a driver decision name back to its value.
func ParseDecision(name string) (Decision, bool) {
	switch name {
	case DecisionAccept.String():
		return DecisionAccept, true
	case DecisionDecline.String():
		return DecisionDecline, true
	}
	return 0, false
}
