package notify

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/kilianp07/freightd/core/metrics"
)

var (
	notificationAttempts *prometheus.CounterVec
	responsesReceived    *prometheus.CounterVec
	deliveryFailures     prometheus.Counter
	timeoutsSynthesized  prometheus.Counter
)

func newCollectors() (*prometheus.CounterVec, *prometheus.CounterVec, prometheus.Counter, prometheus.Counter) {
	attempts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "notification_attempts_total",
		Help: "Alert delivery attempts by channel",
	}, []string{"channel"})
	responses := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "driver_responses_total",
		Help: "Driver responses by decision",
	}, []string{"decision"})
	failures := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "notification_delivery_failures_total",
		Help: "Assignments for which every channel was exhausted",
	})
	timeouts := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "response_timeouts_total",
		Help: "Assignments resolved by the deadline timer",
	})
	return attempts, responses, failures, timeouts
}

func init() {
	notificationAttempts, responsesReceived, deliveryFailures, timeoutsSynthesized = newCollectors()
	metrics.MustRegister(nil, notificationAttempts, responsesReceived, deliveryFailures, timeoutsSynthesized)
}
