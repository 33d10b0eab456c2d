package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "autologin"

var (
	// Dispensed counts rotation cache outcomes per TakeNext call.
	Dispensed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rotation_dispensed_total",
		Help:      "Rotation cache TakeNext outcomes.",
	}, []string{"result"})

	// CacheRefreshes counts rotation snapshot rebuilds.
	CacheRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rotation_refreshes_total",
		Help:      "Rotation snapshot rebuilds.",
	}, []string{"result"})

	// CacheRefreshDuration records how long a snapshot rebuild takes.
	CacheRefreshDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "rotation_refresh_duration_seconds",
		Help:      "Rotation snapshot rebuild latency in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
	})

	// CacheSize is the number of entries in the current generation.
	CacheSize = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "rotation_cache_size",
		Help:      "Entries in the current rotation generation.",
	})

	// CacheWaits counts TakeNext calls that found the guard held.
	CacheWaits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rotation_guard_waits_total",
		Help:      "TakeNext calls that had to wait for the rotation guard.",
	})

	// StatusResolutions counts resolved status codes.
	StatusResolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "status_resolutions_total",
		Help:      "Account status resolutions by code.",
	}, []string{"code"})

	// SourceErrors counts datastore failures per source and operation.
	SourceErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "source_errors_total",
		Help:      "Account datastore failures.",
	}, []string{"source", "operation"})

	// JobsEnqueued counts jobs placed into the worker channel.
	JobsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_enqueued_total",
		Help:      "Jobs placed into worker channel.",
	}, []string{"action"})

	// JobsDropped counts jobs discarded without delivery.
	JobsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_dropped_total",
		Help:      "Jobs discarded without delivery.",
	}, []string{"reason"})

	// JobsProcessed counts worker completions.
	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_processed_total",
		Help:      "Worker job completions.",
	}, []string{"action", "status"})

	// WebhookCalls counts outbound video-call webhook requests.
	WebhookCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "webhook_calls_total",
		Help:      "Outbound video-call webhook requests.",
	}, []string{"status"})

	// WebhookDuration records webhook latency.
	WebhookDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "webhook_duration_seconds",
		Help:      "Video-call webhook latency in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
	})

	// HTTPRequests counts served API requests.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Served API requests.",
	}, []string{"method", "route", "status"})

	// HandoffsPending tracks login handoff records awaiting pickup.
	HandoffsPending = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "handoffs_pending",
		Help:      "Login handoff records awaiting pickup.",
	})

	// DBSizeBytes tracks bbolt on-disk file size.
	DBSizeBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "db_size_bytes",
		Help:      "bbolt on-disk file size in bytes.",
	})

	// WorkerQueueDepth tracks current job channel length.
	WorkerQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "worker_queue_depth",
		Help:      "Current job channel buffer depth.",
	})
)
