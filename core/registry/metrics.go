package registry

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/kilianp07/freightd/core/metrics"
)

var (
	broadcastsCreated prometheus.Counter
	broadcastsClosed  *prometheus.CounterVec
	claimsAccepted    prometheus.Counter
	claimsRejected    prometheus.Counter
	slotsReleased     prometheus.Counter
)

func newCollectors() (prometheus.Counter, *prometheus.CounterVec, prometheus.Counter, prometheus.Counter, prometheus.Counter) {
	created := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "broadcasts_created_total",
		Help: "Number of broadcasts created",
	})
	closed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "broadcasts_closed_total",
		Help: "Number of broadcasts reaching a terminal status",
	}, []string{"status"})
	accepted := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "claims_accepted_total",
		Help: "Number of truck claims committed",
	})
	rejected := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "claims_rejected_total",
		Help: "Number of truck claims rejected (capacity, expiry, validation)",
	})
	released := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "slots_released_total",
		Help: "Number of reserved truck slots given back",
	})
	return created, closed, accepted, rejected, released
}

func init() {
	broadcastsCreated, broadcastsClosed, claimsAccepted, claimsRejected, slotsReleased = newCollectors()
	metrics.MustRegister(nil, broadcastsCreated, broadcastsClosed, claimsAccepted, claimsRejected, slotsReleased)
}
