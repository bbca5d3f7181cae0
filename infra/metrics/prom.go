package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	coremetrics "github.com/kilianp07/freightd/core/metrics"
)

// PromSink records claim and assignment outcomes in Prometheus metrics.
type PromSink struct {
	claims   *prometheus.CounterVec
	trucks   *prometheus.HistogramVec
	outcomes *prometheus.CounterVec
}

// NewPromSink registers dispatch metrics on the default Prometheus registerer.
// The Prometheus server should be started separately using cfg.Port.
func NewPromSink() (*PromSink, error) {
	return NewPromSinkWithRegistry(prometheus.DefaultRegisterer)
}

// NewPromSinkWithRegistry registers metrics on the provided registerer.
// A nil registerer defaults to the global Prometheus registerer.
func NewPromSinkWithRegistry(reg prometheus.Registerer) (*PromSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	claims := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "freightd_claim_attempts_total",
		Help: "Total number of claim attempts against broadcasts",
	}, []string{"accepted"})
	trucks := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "freightd_claim_trucks",
		Help:    "Number of trucks requested per claim attempt",
		Buckets: []float64{1, 2, 3, 5, 10, 20, 50},
	}, []string{"accepted"})
	outcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "freightd_assignment_resolutions_total",
		Help: "Driver assignment resolutions by outcome",
	}, []string{"outcome"})

	if err := reg.Register(claims); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			claims = are.ExistingCollector.(*prometheus.CounterVec)
		} else {
			return nil, err
		}
	}
	if err := reg.Register(trucks); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			trucks = are.ExistingCollector.(*prometheus.HistogramVec)
		} else {
			return nil, err
		}
	}
	if err := reg.Register(outcomes); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			outcomes = are.ExistingCollector.(*prometheus.CounterVec)
		} else {
			return nil, err
		}
	}

	return &PromSink{claims: claims, trucks: trucks, outcomes: outcomes}, nil
}

// RecordClaim increments the attempt counter and observes the requested size.
func (s *PromSink) RecordClaim(rec coremetrics.ClaimRecord) error {
	accepted := strconv.FormatBool(rec.Accepted)
	s.claims.WithLabelValues(accepted).Inc()
	s.trucks.WithLabelValues(accepted).Observe(float64(rec.Trucks))
	return nil
}

// RecordOutcome increments the resolution counter for the outcome label.
func (s *PromSink) RecordOutcome(rec coremetrics.OutcomeRecord) error {
	s.outcomes.WithLabelValues(rec.Outcome).Inc()
	return nil
}
