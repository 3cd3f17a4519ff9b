package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aquaserver_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aquaserver_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "aquaserver_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	// Snapshot lifecycle metrics
	SnapshotsCreatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "aquaserver_snapshots_created_total",
			Help: "Total number of snapshots created",
		},
	)

	SnapshotsRetiredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "aquaserver_snapshots_retired_total",
			Help: "Total number of snapshots moved to the trash list",
		},
	)

	SnapshotsRemovedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "aquaserver_snapshots_removed_total",
			Help: "Total number of snapshot directories removed from disk",
		},
	)

	ActiveSnapshots = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "aquaserver_active_snapshots",
			Help: "Number of snapshots currently tracked in memory",
		},
	)

	TrashSnapshots = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "aquaserver_trash_snapshots",
			Help: "Number of snapshots awaiting directory removal",
		},
	)

	SnapshotCreateDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "aquaserver_snapshot_create_duration_seconds",
			Help:    "Time taken to construct a new snapshot",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
	)

	// AquaServerRequestsTotal counts hits to the four /aquaserver/* endpoints
	// by logical endpoint name (next-test, test-result, status, report)
	// rather than raw path, so it stays meaningful if the mount point or
	// route templating ever changes.
	AquaServerRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aquaserver_endpoint_requests_total",
			Help: "Total number of requests to each /aquaserver/* endpoint",
		},
		[]string{"endpoint", "status"},
	)

	// Dispatch metrics
	DispatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aquaserver_dispatches_total",
			Help: "Total number of tests dispatched, by test type",
		},
		[]string{"test_type"},
	)

	DispatchMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aquaserver_dispatch_misses_total",
			Help: "Total number of dispatch requests with no candidate test available",
		},
		[]string{"kind"},
	)

	TestResultsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aquaserver_test_results_total",
			Help: "Total number of test results recorded, by outcome",
		},
		[]string{"passed"},
	)

	// Local subprocess execution metrics
	LocalTestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aquaserver_local_test_duration_seconds",
			Help:    "Local (lint/build) test execution latencies in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		},
		[]string{"test_type"},
	)

	// Loop health metrics
	LoopIterationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aquaserver_loop_iterations_total",
			Help: "Total number of cooperative loop iterations, by loop name",
		},
		[]string{"loop"},
	)

	LoopErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aquaserver_loop_errors_total",
			Help: "Total number of errors recorded by a cooperative loop",
		},
		[]string{"loop"},
	)

	// Checkpoint metrics
	CheckpointWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aquaserver_checkpoint_writes_total",
			Help: "Total number of checkpoint file writes, by outcome",
		},
		[]string{"status"},
	)

	// Rate limiting metrics. IP-keyed only: there are no reporting-client
	// API keys in this coordinator, so a single "status" label is enough.
	RateLimitRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aquaserver_rate_limit_requests_total",
			Help: "Total number of requests checked against the rate limiter",
		},
		[]string{"status"},
	)

	RateLimitExceeded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "aquaserver_rate_limit_exceeded_total",
			Help: "Total number of requests rejected for exceeding the rate limit",
		},
	)

	// System metrics
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "aquaserver_build_info",
			Help: "Build information about the coordinator",
		},
		[]string{"version", "go_version"},
	)
)
