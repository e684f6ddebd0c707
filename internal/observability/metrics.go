package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DetectionTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "facegate",
		Name:      "detection_ticks_total",
		Help:      "Total number of local presence-detection ticks",
	}, []string{"outcome"}) // present, absent, transient, error

	Submissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "facegate",
		Name:      "submissions_total",
		Help:      "Total number of recognition submissions by mode and outcome",
	}, []string{"mode", "outcome"}) // mode: register|identify; outcome: resolved|failed|stale

	SubmissionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "facegate",
		Name:      "submission_duration_seconds",
		Help:      "Duration of remote recognition submissions",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
	}, []string{"mode"})

	AttendanceToggles = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "facegate",
		Name:      "attendance_toggles_total",
		Help:      "Total number of attendance toggles by direction and method",
	}, []string{"direction", "method"}) // direction: in|out

	ActiveWorkflows = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "facegate",
		Name:      "active_workflows",
		Help:      "Number of currently running recognition workflows",
	})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "facegate",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	WSConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "facegate",
		Name:      "ws_connections",
		Help:      "Number of active WebSocket connections",
	})
)
