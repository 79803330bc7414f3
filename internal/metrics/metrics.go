package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Transport Metrics
var (
	// TransportState tracks the current transport state (0=idle, 1=connecting, 2=open, 3=closed pending retry, 4=stopped)
	TransportState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "transport_state",
			Help: "Current transport state (0=idle, 1=connecting, 2=open, 3=closed pending retry, 4=stopped)",
		},
		[]string{"endpoint"},
	)

	// TransportConnectsTotal tracks dial attempts by result
	TransportConnectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transport_connects_total",
			Help: "Total dial attempts by endpoint and result",
		},
		[]string{"endpoint", "result"},
	)

	// TransportReconnectsScheduled tracks retries scheduled after a closure
	TransportReconnectsScheduled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transport_reconnects_scheduled_total",
			Help: "Total reconnects scheduled after a closure",
		},
		[]string{"endpoint"},
	)

	// TransportMessagesReceived tracks decoded inbound frames
	TransportMessagesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transport_messages_received_total",
			Help: "Total inbound frames decoded and delivered",
		},
		[]string{"endpoint"},
	)

	// TransportDecodeFailures tracks inbound frames dropped because they could not be decoded
	TransportDecodeFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transport_decode_failures_total",
			Help: "Total inbound frames dropped on decode failure",
		},
		[]string{"endpoint"},
	)

	// TransportSendsDropped tracks sends discarded because the transport was not open
	TransportSendsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transport_sends_dropped_total",
			Help: "Total outbound messages dropped while not open",
		},
		[]string{"endpoint"},
	)
)

// Fan-out Metrics
var (
	// FanoutDispatchTotal tracks events dispatched by feed and kind
	FanoutDispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fanout_dispatch_total",
			Help: "Total events dispatched by feed and event kind",
		},
		[]string{"feed", "kind"},
	)

	// FanoutCallbackFailures tracks subscriber callbacks that failed and were unbound
	FanoutCallbackFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fanout_callback_failures_total",
			Help: "Total subscriber callback failures by feed and event kind",
		},
		[]string{"feed", "kind"},
	)

	// FanoutSubscriptions tracks live subscriptions by feed and kind
	FanoutSubscriptions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fanout_subscriptions",
			Help: "Current subscriptions by feed and event kind",
		},
		[]string{"feed", "kind"},
	)
)

// Recorder Metrics
var (
	// RecorderRowsTotal tracks tick rows by outcome (inserted, conflict, error)
	RecorderRowsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recorder_rows_total",
			Help: "Total tick rows handled by the recorder by outcome",
		},
		[]string{"outcome"},
	)

	// RecorderFlushDuration tracks batch insert latency in seconds
	RecorderFlushDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "recorder_flush_duration_seconds",
			Help:    "Recorder batch insert duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
	)

	// RecorderQueueDepth tracks ticks waiting to be flushed
	RecorderQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "recorder_queue_depth",
			Help: "Ticks queued for the next recorder flush",
		},
	)
)

// Relay Metrics
var (
	// RelayPublishedTotal tracks Redis publishes by feed and status
	RelayPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_published_total",
			Help: "Total feed messages republished to Redis by feed and status",
		},
		[]string{"feed", "status"},
	)
)

// Handler returns the HTTP handler serving the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
