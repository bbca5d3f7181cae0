package allocation

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/kilianp07/freightd/core/metrics"
)

var (
	assignmentOutcomes *prometheus.CounterVec
	slotsUnfulfilled   prometheus.Counter
)

func newCollectors() (*prometheus.CounterVec, prometheus.Counter) {
	outcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "assignment_outcomes_total",
		Help: "Driver assignment resolutions by outcome",
	}, []string{"outcome"})
	unfulfilled := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "slots_unfulfilled_total",
		Help: "Truck slots permanently released without a driver",
	})
	return outcomes, unfulfilled
}

func init() {
	assignmentOutcomes, slotsUnfulfilled = newCollectors()
	metrics.MustRegister(nil, assignmentOutcomes, slotsUnfulfilled)
}
