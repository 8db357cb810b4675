package phi

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	auditFlushTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lumen",
		Subsystem: "audit",
		Name:      "flush_total",
		Help:      "Audit batch flush attempts by result.",
	}, []string{"result"})

	auditEventsPersisted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lumen",
		Subsystem: "audit",
		Name:      "events_persisted_total",
		Help:      "Audit events durably written.",
	})

	auditQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "lumen",
		Subsystem: "audit",
		Name:      "queue_depth",
		Help:      "Audit events queued and awaiting flush.",
	})

	keyDerivations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lumen",
		Subsystem: "keys",
		Name:      "derivations_total",
		Help:      "Subject key derivations by trigger.",
	}, []string{"trigger"})
)
