// Package metrics exposes the endpoint's operational counters through
// github.com/prometheus/client_golang, replacing hand-rolled atomic
// counters with a registry a real operator can scrape.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Set is the full collection of counters and gauges one Endpoint
// registers. Each Endpoint gets its own Set registered against its own
// *prometheus.Registry so multiple endpoints in one process (e.g. a
// client and a server under test) don't collide on metric names.
type Set struct {
	TransactionsStarted   prometheus.Counter
	Retransmissions       prometheus.Counter
	AckTimeouts           prometheus.Counter
	ResetsReceived        prometheus.Counter
	DuplicateCacheHits    prometheus.Counter
	ExchangesActive       prometheus.Gauge
	BlockwiseRetries      prometheus.Counter
	ObserveNotifications  prometheus.Counter
	MalformedDatagrams    prometheus.Counter
}

// NewSet builds a Set and registers every metric on reg.
func NewSet(reg prometheus.Registerer, namespace string) *Set {
	s := &Set{
		TransactionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_started_total",
			Help:      "Requests started by Endpoint.Send, Confirmable or NonConfirmable.",
		}),
		Retransmissions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retransmissions_total",
			Help:      "CON datagrams re-sent after an ACK_TIMEOUT expired.",
		}),
		AckTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ack_timeouts_total",
			Help:      "Transactions that exhausted MAX_RETRANSMIT without an ACK.",
		}),
		ResetsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resets_received_total",
			Help:      "RST messages received, matched or unmatched.",
		}),
		DuplicateCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicate_cache_hits_total",
			Help:      "Incoming messages recognized as retransmitted duplicates.",
		}),
		ExchangesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "exchanges_active",
			Help:      "Outstanding request/response exchanges awaiting correlation.",
		}),
		BlockwiseRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blockwise_retries_total",
			Help:      "Block2 block requests re-sent after a failed attempt.",
		}),
		ObserveNotifications: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "observe_notifications_total",
			Help:      "Observe notifications delivered to application handlers.",
		}),
		MalformedDatagrams: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_datagrams_total",
			Help:      "Inbound datagrams dropped for failing to parse as CoAP messages.",
		}),
	}

	reg.MustRegister(
		s.TransactionsStarted,
		s.Retransmissions,
		s.AckTimeouts,
		s.ResetsReceived,
		s.DuplicateCacheHits,
		s.ExchangesActive,
		s.BlockwiseRetries,
		s.ObserveNotifications,
		s.MalformedDatagrams,
	)
	return s
}
