package bus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	publishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tempo",
		Subsystem: "bus",
		Name:      "published_total",
		Help:      "Messages published by topic",
	}, []string{"topic"})

	resolvedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tempo",
		Subsystem: "bus",
		Name:      "resolved_total",
		Help:      "Results moved into the response cache by source topic",
	}, []string{"topic"})

	correlationTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tempo",
		Subsystem: "bus",
		Name:      "correlation_timeouts_total",
		Help:      "Requests whose result did not arrive within the poll attempts",
	})
)
