package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Storage Metrics
var (
	// DBOperations tracks total storage backend operations
	DBOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bioverify_db_operations_total",
			Help: "Total storage operations by backend, operation, and status",
		},
		[]string{"backend", "operation", "status"},
	)

	// DBDuration tracks storage operation latency
	DBDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:                            "bioverify_db_operation_duration_ms",
			Help:                            "Storage operation duration in milliseconds",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 1 * time.Hour,
		},
		[]string{"backend", "operation"},
	)

	// DBRowsReturned tracks records returned by list operations
	DBRowsReturned = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:                            "bioverify_db_rows_returned",
			Help:                            "Number of records returned by storage list operations",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 1 * time.Hour,
		},
		[]string{"backend", "operation"},
	)

	// DBErrors tracks storage errors by type
	DBErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bioverify_db_errors_total",
			Help: "Total storage errors by backend, operation, and error type",
		},
		[]string{"backend", "operation", "error_type"},
	)

	// StoreFallbacks counts writes and reads that fell back to the local file
	StoreFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bioverify_store_fallbacks_total",
			Help: "Operations served by the local file because the durable backend failed or lacked the key",
		},
		[]string{"operation", "reason"},
	)

	// StoreMirrorFailures counts failed best-effort mirror writes to the local file
	StoreMirrorFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bioverify_store_mirror_failures_total",
			Help: "Failed best-effort mirror operations to the local file",
		},
		[]string{"operation"},
	)
)

// Profile Fetch Metrics
var (
	// ProfileFetches tracks profile fetches by classified outcome
	ProfileFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bioverify_profile_fetches_total",
			Help: "Total profile fetches by outcome (found, empty, not_found, unavailable)",
		},
		[]string{"outcome"},
	)

	// ProfileFetchDuration tracks profile fetch latency
	ProfileFetchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:                            "bioverify_profile_fetch_duration_ms",
			Help:                            "Profile fetch duration in milliseconds",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 1 * time.Hour,
		},
	)

	// ProfileParseFailures tracks payloads no parser recognized
	ProfileParseFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bioverify_profile_parse_failures_total",
			Help: "Profile payloads that matched none of the known shapes",
		},
	)

	// ProfilePayloadShapes tracks which payload shape produced the result
	ProfilePayloadShapes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bioverify_profile_payload_shapes_total",
			Help: "Parsed profile payloads by shape",
		},
		[]string{"shape"},
	)
)

// Verification Metrics
var (
	// Checks tracks check runs by path and result
	Checks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bioverify_checks_total",
			Help: "Verification checks by path (foreground, background) and result",
		},
		[]string{"path", "result"},
	)

	// Verifications tracks completed verifications by method
	Verifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bioverify_verifications_total",
			Help: "Completed verifications by path (foreground, background, manual)",
		},
		[]string{"path"},
	)

	// ChecksInProgressRejected counts check attempts blocked by the in-flight guard
	ChecksInProgressRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bioverify_checks_in_progress_rejected_total",
			Help: "Check attempts rejected because another check for the identity was running",
		},
		[]string{"path"},
	)

	// ConfigurationErrors counts checks blocked by missing community configuration
	ConfigurationErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bioverify_configuration_errors_total",
			Help: "Verification attempts blocked because the community has no trust role configured",
		},
		[]string{"community_id"},
	)

	// DispatchErrors counts failed side effects (role grants, notifications)
	DispatchErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bioverify_dispatch_errors_total",
			Help: "Failed side-effect dispatches by action",
		},
		[]string{"action"},
	)

	// PendingVerifications tracks pending records seen by the last sweep
	PendingVerifications = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bioverify_pending_verifications",
			Help: "Number of pending verifications at the start of the last sweep",
		},
	)
)

// Sweep Metrics
var (
	// Sweeps tracks reconciliation sweeps by status
	Sweeps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bioverify_sweeps_total",
			Help: "Reconciliation sweeps by status",
		},
		[]string{"status"},
	)

	// SweepDuration tracks how long a sweep takes
	SweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:                            "bioverify_sweep_duration_ms",
			Help:                            "Reconciliation sweep duration in milliseconds",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 1 * time.Hour,
		},
	)

	// SweepRecords tracks per-record sweep outcomes
	SweepRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bioverify_sweep_records_total",
			Help: "Records visited by sweeps by outcome",
		},
		[]string{"outcome"},
	)
)

// Outbound HTTP Metrics
var (
	// HTTPClientCalls tracks outbound API calls (Discord and profile platform)
	HTTPClientCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bioverify_http_client_calls_total",
			Help: "Total outbound HTTP calls by service, method, route (normalized path), bucket, and status code",
		},
		[]string{"service", "method", "route", "bucket", "status_code"},
	)

	// HTTPClientDuration tracks outbound call latency
	HTTPClientDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:                            "bioverify_http_client_duration_ms",
			Help:                            "Outbound HTTP call duration in milliseconds",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 1 * time.Hour,
		},
		[]string{"service", "method", "route"},
	)

	// HTTPClientErrors tracks outbound call errors
	HTTPClientErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bioverify_http_client_errors_total",
			Help: "Total outbound HTTP errors by service, route, and error type",
		},
		[]string{"service", "route", "error_type"},
	)

	// DiscordRateLimitRemaining tracks rate limit remaining requests
	DiscordRateLimitRemaining = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bioverify_discord_ratelimit_remaining",
			Help: "Discord rate limit remaining requests (by route and bucket)",
		},
		[]string{"route", "bucket"},
	)

	// RateLimitHits tracks 429 responses
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bioverify_ratelimit_hits_total",
			Help: "Total 429 responses by service and route",
		},
		[]string{"service", "route"},
	)
)
