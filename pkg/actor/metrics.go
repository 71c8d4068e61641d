package actor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	opsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "roomsync",
		Name:      "operations_applied_total",
		Help:      "Operations applied by property actors",
	}, []string{"kind"})

	opsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "roomsync",
		Name:      "operations_failed_total",
		Help:      "Operations rejected by the reducer, by kind and error code",
	}, []string{"kind", "code"})

	opsDuplicate = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "roomsync",
		Name:      "operations_duplicate_total",
		Help:      "Operations skipped because their id was already applied",
	})

	broadcasts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "roomsync",
		Name:      "broadcast_messages_total",
		Help:      "Messages fanned out to attached connections",
	}, []string{"type"})

	attachedConns = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "roomsync",
		Name:      "attached_connections",
		Help:      "Connections attached to running actors",
	})

	runningActors = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "roomsync",
		Name:      "running_actors",
		Help:      "Property actors currently running",
	})

	persistDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "roomsync",
		Name:      "persist_duration_seconds",
		Help:      "Time to encode and save a property snapshot",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
	})
)
