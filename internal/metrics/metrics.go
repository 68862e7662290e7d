// Package metrics provides Prometheus instrumentation for the chat gateway.
// It exposes gauges for connection counts and presence backend state,
// counters for message throughput and evictions, and histograms for fan-out
// latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tongxun_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// MessagesTotal counts messages processed, labeled by outcome:
	// "accepted", "rejected", "delivered", or "relayed".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tongxun_messages_total",
		Help: "Total number of messages processed",
	}, []string{"outcome"})

	// DeliveryFailures counts per-connection delivery failures during fan-out.
	DeliveryFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tongxun_delivery_failures_total",
		Help: "Per-connection delivery failures during fan-out",
	})

	// EvictionsTotal counts sessions evicted by the single-device policy.
	EvictionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tongxun_evictions_total",
		Help: "Sessions evicted by the single-device policy",
	})

	// RecallsTotal counts recall requests, labeled "accepted" or "rejected".
	RecallsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tongxun_recalls_total",
		Help: "Recall requests processed",
	}, []string{"outcome"})

	// FanoutDuration records the time to fan one envelope out to all targets.
	FanoutDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "tongxun_fanout_duration_seconds",
		Help:    "Time to fan one message out to all recipients",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// PresenceFallback is 1 while the presence store runs on the in-process
	// backend, 0 while the shared store is in use.
	PresenceFallback = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tongxun_presence_fallback",
		Help: "1 when presence is served from the in-process fallback store",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		MessagesTotal,
		DeliveryFailures,
		EvictionsTotal,
		RecallsTotal,
		FanoutDuration,
		PresenceFallback,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
