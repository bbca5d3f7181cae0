package tracking

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/kilianp07/freightd/core/metrics"
)

var (
	sessionsOpened    prometheus.Counter
	positionsIngested prometheus.Counter
	positionsDropped  prometheus.Counter
)

func newCollectors() (prometheus.Counter, prometheus.Counter, prometheus.Counter) {
	opened := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tracking_sessions_opened_total",
		Help: "Tracking sessions opened for accepted assignments",
	})
	ingested := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "positions_ingested_total",
		Help: "Position updates accepted into session logs",
	})
	dropped := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "positions_dropped_total",
		Help: "Position updates dropped as out-of-order",
	})
	return opened, ingested, dropped
}

func init() {
	sessionsOpened, positionsIngested, positionsDropped = newCollectors()
	metrics.MustRegister(nil, sessionsOpened, positionsIngested, positionsDropped)
}
