package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "taxi_dispatch"

var (
	RequestsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "ride_requests_created_total", Help: "Ride requests created, by request type"},
		[]string{"type"},
	)
	AcceptOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "accept_outcomes_total", Help: "Accept attempts, by result"},
		[]string{"type", "result"},
	)
	Cancellations = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "cancellations_total", Help: "Cancelled requests, by who cancelled"},
		[]string{"by"},
	)
	CandidatesNotified = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "candidates_notified",
		Help:      "Number of drivers notified per request fanout",
		Buckets:   []float64{0, 1, 2, 5, 10, 20, 50},
	})
	Inconsistencies = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "inconsistencies_total", Help: "Detected state inconsistencies that were logged and skipped"},
		[]string{"kind"},
	)

	FanoutDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "fanout_deliveries_total", Help: "Realtime event deliveries, by target kind and result"},
		[]string{"kind", "result"},
	)
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "ws_connections_active", Help: "Open websocket connections on this instance"})

	TelemetryMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "telemetry_messages_total", Help: "Taxi telemetry messages, by outcome"},
		[]string{"result"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
