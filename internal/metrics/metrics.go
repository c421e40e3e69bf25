// Package metrics provides Prometheus instrumentation for the relay. It
// exposes gauges for live viewers and sessions, counters for message and
// event throughput, and a histogram for request latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Subscribers tracks the current number of live event subscriptions
	// across all chats and transports.
	Subscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_subscribers",
		Help: "Current number of live event subscriptions",
	})

	// ConnectionsTotal tracks the current number of open WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_ws_connections",
		Help: "Current number of open WebSocket connections",
	})

	// MessagesTotal counts chat messages, labeled by outcome: "sent",
	// "rejected" or "blocked".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_messages_total",
		Help: "Total number of chat messages processed",
	}, []string{"outcome"})

	// EventsPublished counts events handed to the broadcaster, by event type.
	EventsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_events_published_total",
		Help: "Total number of events published to chat subscribers",
	}, []string{"type"})

	// EventsDropped counts deliveries skipped because a subscriber queue was full.
	EventsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_events_dropped_total",
		Help: "Total number of event deliveries dropped on full subscriber queues",
	})

	// LoginsTotal counts login attempts labeled by role and result.
	LoginsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_logins_total",
		Help: "Total number of login attempts",
	}, []string{"role", "result"})

	// RequestLatency records HTTP request latency in seconds.
	RequestLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "relay_request_latency_seconds",
		Help:    "HTTP request latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"route"})
)

func init() {
	prometheus.MustRegister(
		Subscribers,
		ConnectionsTotal,
		MessagesTotal,
		EventsPublished,
		EventsDropped,
		LoginsTotal,
		RequestLatency,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
