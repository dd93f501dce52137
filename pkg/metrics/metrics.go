package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Detection metrics
	BatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_detect_batches_total",
			Help: "Total number of detection batches processed",
		},
		[]string{"status"},
	)

	ObservationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sentinel_detect_observations_total",
			Help: "Total number of observations received",
		},
	)

	ObservationsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sentinel_detect_observations_dropped_total",
			Help: "Total number of observations dropped for non-finite values",
		},
	)

	AnomaliesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_detect_anomalies_total",
			Help: "Total number of anomalies flagged before top-K truncation",
		},
		[]string{"metric", "mode"},
	)

	DetectDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sentinel_detect_duration_seconds",
			Help:    "Duration of a detection batch in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Baseline storage metrics
	BaselineLoads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_baseline_loads_total",
			Help: "Baseline loads by result (hit, miss, corrupt)",
		},
		[]string{"result"},
	)

	BaselineStoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_baseline_store_errors_total",
			Help: "Baseline store transport failures",
		},
		[]string{"op"},
	)

	// Indicator matching metrics
	IOCMatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_ioc_matches_total",
			Help: "Indicator rule hits by category",
		},
		[]string{"category"},
	)

	// Notification metrics
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_notifications_total",
			Help: "Notifications sent by channel and status",
		},
		[]string{"channel", "status"},
	)

	// Source metrics
	SourceRowsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_source_rows_total",
			Help: "Rows fetched from query sources",
		},
		[]string{"source"},
	)

	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sentinel_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)
