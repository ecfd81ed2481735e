package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ─── Checkpoints ─────────────────────────────────────────────────────────────

	CheckpointsRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "custody",
		Subsystem: "checkpoints",
		Name:      "recorded_total",
		Help:      "Checkpoints durably recorded, labelled by checkpoint type.",
	}, []string{"checkpoint_type"})

	CheckpointRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "custody",
		Subsystem: "checkpoints",
		Name:      "rejected_total",
		Help:      "Rejected checkpoint submissions, labelled by rejection kind.",
	}, []string{"kind"})

	OutsideWindowCheckpoints = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "custody",
		Subsystem: "checkpoints",
		Name:      "outside_window_total",
		Help:      "Checkpoints recorded outside the task window.",
	})

	TravelAnomalies = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "custody",
		Subsystem: "checkpoints",
		Name:      "travel_anomalies_total",
		Help:      "ARRIVAL checkpoints flagged for excessive travel time.",
	})

	// ─── Evidence ────────────────────────────────────────────────────────────────

	EvidenceUploadSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "custody",
		Subsystem: "evidence",
		Name:      "upload_seconds",
		Help:      "Evidence upload latency in seconds, failures included.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	})

	// ─── Audit ───────────────────────────────────────────────────────────────────

	AuditFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "custody",
		Subsystem: "audit",
		Name:      "failures_total",
		Help:      "Audit outbox failures, labelled by stage (append or publish).",
	}, []string{"stage"})

	// ─── HTTP ────────────────────────────────────────────────────────────────────

	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "custody",
		Subsystem: "api",
		Name:      "rate_limited_total",
		Help:      "Submissions rejected by the per-courier rate limiter.",
	})
)
