// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "inbox_api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inbox_api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// PageFetchDuration tracks conversation page fetches.
	PageFetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "inbox_page_fetch_duration_seconds",
			Help:    "Conversation page fetch duration in seconds",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"kind", "status"},
	)

	// RealtimeEventsTotal counts realtime events by outcome.
	RealtimeEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inbox_realtime_events_total",
			Help: "Realtime events received, by stream, type and outcome",
		},
		[]string{"stream", "type", "outcome"},
	)

	// MutationsTotal counts optimistic mutations by kind and final state.
	MutationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inbox_optimistic_mutations_total",
			Help: "Optimistic mutations by kind and state",
		},
		[]string{"kind", "state"},
	)

	// SubscriptionsActive tracks open realtime subscriptions.
	SubscriptionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "inbox_realtime_subscriptions_active",
			Help: "Number of open realtime subscriptions",
		},
		[]string{"stream"},
	)

	// StreamClientsActive tracks connected websocket clients.
	StreamClientsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "inbox_stream_clients_active",
			Help: "Number of connected change feed clients",
		},
	)

	// AvatarLookupsTotal counts profile picture lookups.
	AvatarLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inbox_avatar_lookups_total",
			Help: "Profile picture lookups by outcome",
		},
		[]string{"outcome"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordPageFetch records a page fetch.
func RecordPageFetch(kind, status string, duration float64) {
	PageFetchDuration.WithLabelValues(kind, status).Observe(duration)
}

// RecordRealtimeEvent counts a realtime event.
func RecordRealtimeEvent(stream, eventType, outcome string) {
	RealtimeEventsTotal.WithLabelValues(stream, eventType, outcome).Inc()
}

// RecordMutation counts a mutation state transition.
func RecordMutation(kind, state string) {
	MutationsTotal.WithLabelValues(kind, state).Inc()
}

// RecordAvatarLookup counts a profile picture lookup.
func RecordAvatarLookup(outcome string) {
	AvatarLookupsTotal.WithLabelValues(outcome).Inc()
}

// IncrementSubscriptions increments the open subscription count.
func IncrementSubscriptions(stream string) {
	SubscriptionsActive.WithLabelValues(stream).Inc()
}

// DecrementSubscriptions decrements the open subscription count.
func DecrementSubscriptions(stream string) {
	SubscriptionsActive.WithLabelValues(stream).Dec()
}

// IncrementStreamClients increments the connected client count.
func IncrementStreamClients() {
	StreamClientsActive.Inc()
}

// DecrementStreamClients decrements the connected client count.
func DecrementStreamClients() {
	StreamClientsActive.Dec()
}
