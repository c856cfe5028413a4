package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "riskwatch_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "riskwatch_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "riskwatch_http_response_size_bytes",
			Help:    "HTTP response size in bytes",
			Buckets: prometheus.ExponentialBuckets(100, 10, 6),
		},
		[]string{"method", "endpoint"},
	)

	// Stream client metrics
	StreamFramesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "riskwatch_stream_frames_received_total",
			Help: "Total number of envelopes received from the relay",
		},
		[]string{"topic"},
	)

	StreamFramesMalformed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "riskwatch_stream_frames_malformed_total",
			Help: "Total number of inbound frames dropped because they failed to parse",
		},
	)

	StreamCallbackErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "riskwatch_stream_callback_errors_total",
			Help: "Total number of subscriber callbacks that failed during dispatch",
		},
		[]string{"topic"},
	)

	StreamControlFramesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "riskwatch_stream_control_frames_dropped_total",
			Help: "Total number of subscribe/unsubscribe frames dropped because the send queue was full",
		},
	)

	StreamReconnectAttempts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "riskwatch_stream_reconnect_attempts_total",
			Help: "Total number of scheduled reconnection attempts",
		},
	)

	StreamConnectionStatus = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "riskwatch_stream_connection_status",
			Help: "Connection status: 0 disconnected, 1 connecting, 2 connected",
		},
	)

	StreamSubscribedTopics = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "riskwatch_stream_subscribed_topics",
			Help: "Number of topics with at least one subscriber",
		},
	)

	// Store metrics
	ZonesTracked = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "riskwatch_zones_tracked",
			Help: "Number of zones currently held by the zone store",
		},
	)

	TickerEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "riskwatch_ticker_entries",
			Help: "Number of entries currently held by the ticker log",
		},
	)

	// Relay metrics
	RelayClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "riskwatch_relay_clients",
			Help: "Number of websocket clients connected to the relay",
		},
	)

	RelayFramesForwarded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "riskwatch_relay_frames_forwarded_total",
			Help: "Total number of frames queued to relay clients",
		},
		[]string{"topic"},
	)

	RelayFramesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "riskwatch_relay_frames_dropped_total",
			Help: "Total number of frames dropped for slow relay clients",
		},
		[]string{"topic"},
	)

	// Worker metrics
	WorkerFramesPumped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "riskwatch_worker_frames_pumped_total",
			Help: "Total number of frames read from sources and published",
		},
		[]string{"topic"},
	)

	WorkerSourceErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "riskwatch_worker_source_errors_total",
			Help: "Total number of source read errors",
		},
		[]string{"topic"},
	)

	// Panic recovery
	PanicsRecovered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "riskwatch_panics_recovered_total",
			Help: "Total number of panics recovered",
		},
		[]string{"component"},
	)
)
