// Package metrics defines the observability sinks the dispatch core
// records into. Concrete sinks (Prometheus, InfluxDB) live under
// infra/metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ClaimRecord captures one claim attempt against a broadcast.
type ClaimRecord struct {
	BroadcastID   string
	TransporterID string
	Trucks        int
	Remaining     int
	Accepted      bool
	Time          time.Time
}

// OutcomeRecord captures the resolution of a driver assignment.
type OutcomeRecord struct {
	AssignmentID string
	BroadcastID  string
	DriverID     string
	Outcome      string
	Retarget     int
	Time         time.Time
}

// Sink records dispatch events for observability purposes.
type Sink interface {
	RecordClaim(rec ClaimRecord) error
	RecordOutcome(rec OutcomeRecord) error
}

// NopSink discards all records.
type NopSink struct{}

func (NopSink) RecordClaim(ClaimRecord) error     { return nil }
func (NopSink) RecordOutcome(OutcomeRecord) error { return nil }

// MultiSink fans records out to several sinks, returning the first error.
type MultiSink struct{ sinks []Sink }

// NewMultiSink combines sinks into one.
func NewMultiSink(sinks ...Sink) *MultiSink { return &MultiSink{sinks: sinks} }

func (m *MultiSink) RecordClaim(rec ClaimRecord) error {
	for _, s := range m.sinks {
		if err := s.RecordClaim(rec); err != nil {
			return err
		}
	}
	return nil
}

func (m *MultiSink) RecordOutcome(rec OutcomeRecord) error {
	for _, s := range m.sinks {
		if err := s.RecordOutcome(rec); err != nil {
			return err
		}
	}
	return nil
}

// MustRegister registers collectors on reg (default registerer when nil),
// tolerating double registration so tests can rebuild components freely.
func MustRegister(reg prometheus.Registerer, cs ...prometheus.Collector) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	for _, c := range cs {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				panic(err)
			}
		}
	}
}
