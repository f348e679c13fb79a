// Package metrics holds the Prometheus collectors shared across the
// gateway, registered via promauto in the same style mjl-/mox registers
// metricConnection/metricDelivery next to the package that drives them.
// Collectors live here instead of next to each driving package so C2/C4/C7
// can share label conventions without an import cycle.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// GraphRequests counts Graph Client calls by outcome (ok, retryable,
	// auth, permanent), mirroring mox's metricDelivery result labeling.
	GraphRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "m365gateway_graph_requests_total",
			Help: "Microsoft Graph API calls by classified outcome.",
		},
		[]string{"outcome"},
	)

	// QueueDepth reports the current count of pending (not in-flight, not
	// failed) entries in the outbound queue.
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "m365gateway_queue_depth",
			Help: "Pending entries in the outbound queue.",
		},
	)

	// QueueOutcomes counts queue flush attempts by terminal result.
	QueueOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "m365gateway_queue_flush_total",
			Help: "Outbound queue flush attempts by result: sent, requeued, failed, deduped.",
		},
		[]string{"result"},
	)

	// Connections counts accepted listener connections by protocol and
	// port kind (smtp, smtps, pop3, pop3s).
	Connections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "m365gateway_connections_total",
			Help: "Accepted connections by listener kind.",
		},
		[]string{"listener"},
	)

	// Reachable reports the Reachability Watcher's current belief as 0/1,
	// the gauge analogue of C3's boolean state.
	Reachable = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "m365gateway_graph_reachable",
			Help: "1 if Microsoft Graph was reachable as of the last probe, else 0.",
		},
	)
)
