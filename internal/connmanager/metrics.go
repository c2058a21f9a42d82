package connmanager

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	messagesSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentbridge",
		Subsystem: "connmanager",
		Name:      "messages_sent_total",
		Help:      "Send outcomes on a connection, partitioned by result (ok, ok_retry, recovered, closed, not_sendable, queued).",
	}, []string{"result"})

	deliveriesQueuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "agentbridge",
		Subsystem: "connmanager",
		Name:      "deliveries_queued_total",
		Help:      "Envelopes promoted to the per-user failed-delivery queue.",
	})

	deliveriesDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "agentbridge",
		Subsystem: "connmanager",
		Name:      "deliveries_dropped_total",
		Help:      "Envelopes dropped because a failed-delivery queue was at capacity.",
	})

	deliveriesRecoveredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "agentbridge",
		Subsystem: "connmanager",
		Name:      "deliveries_recovered_total",
		Help:      "Queued envelopes successfully drained to a reconnecting user.",
	})

	errorsByKindTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentbridge",
		Subsystem: "connmanager",
		Name:      "errors_total",
		Help:      "Delivery errors observed, partitioned by error kind.",
	}, []string{"kind"})
)
