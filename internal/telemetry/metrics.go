// Package telemetry holds shiplog's Prometheus collectors and logger setup.
//
// All metrics register against the default registry and are served at
// GET /metrics. HTTP metrics are labelled by chi route pattern, not raw
// URL, so key ids in paths do not inflate cardinality.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/shipkit/shiplog/internal/stream"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shiplog_http_requests_total",
			Help: "Total number of HTTP requests processed, by method, route pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shiplog_http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, by method and route pattern.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)

	// LogsIngestedTotal counts ingestion outcomes per record:
	// accepted, invalid, unauthorized, failed.
	LogsIngestedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shiplog_logs_ingested_total",
			Help: "Log records received on the ingestion endpoint, by outcome.",
		},
		[]string{"result"},
	)

	APIKeysCreatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "shiplog_api_keys_created_total",
			Help: "API keys issued.",
		},
	)

	APIKeysRevokedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "shiplog_api_keys_revoked_total",
			Help: "API key revocations.",
		},
	)

	StreamsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "shiplog_streams_active",
			Help: "Open log stream subscriptions, by transport.",
		},
		[]string{"transport"},
	)

	StreamEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shiplog_stream_events_total",
			Help: "Log records delivered to stream subscribers, by transport.",
		},
		[]string{"transport"},
	)

	StreamsEndedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shiplog_streams_ended_total",
			Help: "Finished stream subscriptions, by transport and final state.",
		},
		[]string{"transport", "state"},
	)
)

// StreamObserver feeds publisher lifecycle events into the stream metrics.
type StreamObserver struct {
	Transport string
}

func (o StreamObserver) StateChanged(_ string, from, to stream.State) {
	switch {
	case to == stream.Streaming && from != stream.Streaming:
		StreamsActive.WithLabelValues(o.Transport).Inc()
	case from == stream.Streaming && (to == stream.Closed || to == stream.Errored):
		StreamsActive.WithLabelValues(o.Transport).Dec()
		StreamsEndedTotal.WithLabelValues(o.Transport, to.String()).Inc()
	}
}

func (o StreamObserver) Delivered(_ string, n int) {
	StreamEventsTotal.WithLabelValues(o.Transport).Add(float64(n))
}
