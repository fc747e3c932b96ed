package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Evaluation outcomes.
const (
	OutcomeCommitted = "committed"
	OutcomeRejected  = "rejected"
	OutcomeFailed    = "failed"
)

var (
	evaluations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "evaluator",
		Name:      "evaluations_total",
		Help:      "Evaluations processed, by outcome (committed, rejected, failed).",
	}, []string{"outcome"})

	evaluationLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "evaluator",
		Name:      "evaluation_duration_seconds",
		Help:      "Time from request to committed leaf.",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
	})

	confidence = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "evaluator",
		Name:      "confidence",
		Help:      "Distribution of committed confidence scores.",
		Buckets:   prometheus.LinearBuckets(0, 10, 11),
	})

	treeSize = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "tree",
		Name:      "leaves",
		Help:      "Number of leaves in the accumulating Merkle tree.",
	})

	anchorAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "anchor",
		Name:      "attempts_total",
		Help:      "Anchor sink attempts, by sink and outcome (anchored, failed, timeout).",
	}, []string{"sink", "outcome"})

	anchorLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "anchor",
		Name:      "duration_seconds",
		Help:      "Anchor sink call duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"sink"})

	anchorQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "anchor",
		Name:      "queue_depth",
		Help:      "Summaries waiting in the in-process anchor queue.",
	})

	anchorDispatchFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "anchor",
		Name:      "dispatch_failures_total",
		Help:      "Anchor summaries that could not be queued.",
	})
)

// ObserveEvaluation records one evaluation outcome and its latency.
func ObserveEvaluation(outcome string, score int, duration time.Duration) {
	evaluations.WithLabelValues(outcome).Inc()
	if outcome == OutcomeCommitted {
		evaluationLatency.Observe(duration.Seconds())
		confidence.Observe(float64(score))
	}
}

// SetTreeSize publishes the current leaf count.
func SetTreeSize(n uint64) {
	treeSize.Set(float64(n))
}

// ObserveAnchor records one anchor sink attempt.
func ObserveAnchor(sink, outcome string, duration time.Duration) {
	anchorAttempts.WithLabelValues(sink, outcome).Inc()
	anchorLatency.WithLabelValues(sink).Observe(duration.Seconds())
}

// SetAnchorQueueDepth publishes the in-process anchor queue backlog.
func SetAnchorQueueDepth(n int) {
	anchorQueueDepth.Set(float64(n))
}

// IncAnchorDispatchFailure counts a summary dropped before reaching the queue.
func IncAnchorDispatchFailure() {
	anchorDispatchFailures.Inc()
}
