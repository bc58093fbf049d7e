package syncer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	batchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tempo",
		Subsystem: "sync",
		Name:      "batches_total",
		Help:      "Batches processed by outcome",
	}, []string{"outcome"})

	batchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "tempo",
		Subsystem: "sync",
		Name:      "batch_duration_seconds",
		Help:      "Duration of batch application",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
	})

	commitTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tempo",
		Subsystem: "sync",
		Name:      "commits_total",
		Help:      "Versions assigned by entity type",
	}, []string{"entity_type"})

	conflictTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tempo",
		Subsystem: "sync",
		Name:      "conflicts_total",
		Help:      "Conflicts raised by kind and resolution",
	}, []string{"kind", "resolved"})

	rollbackTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tempo",
		Subsystem: "sync",
		Name:      "rollbacks_total",
		Help:      "Undo log unwinds by result",
	}, []string{"result"})
)

const (
	outcomeCommitted = "committed"
	outcomeConflict  = "conflict"
	outcomeError     = "error"
)
