// Package metrics holds the Prometheus collectors of the request
// multiplexer and the heartbeat monitor.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "peermux"

// Metrics groups every collector. A Metrics built with a nil registerer
// works but is not exported anywhere.
type Metrics struct {
	RequestsSent         prometheus.Counter
	RequestsMerged       prometheus.Counter
	RequestsRejected     prometheus.Counter
	RequestsTimedOut     prometheus.Counter
	RequestsRerouted     prometheus.Counter
	RerouteFailures      *prometheus.CounterVec
	ResponsesDelivered   prometheus.Counter
	ResponsesUnsolicited prometheus.Counter
	PendingRequests      prometheus.Gauge

	HeartbeatsSent prometheus.Counter
	ConnsLost      prometheus.Counter
	SleepReplies   prometheus.Counter
	PeersSleeping  prometheus.Counter
	ConnsOpen      *prometheus.GaugeVec
}

// New creates the collectors and registers them on reg when non-nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "mux", Name: "requests_sent_total",
			Help: "Requests written to the wire.",
		}),
		RequestsMerged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "mux", Name: "requests_merged_total",
			Help: "Requests attached to an identical pending request instead of being sent.",
		}),
		RequestsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "mux", Name: "requests_rejected_total",
			Help: "Requests refused by argument validation.",
		}),
		RequestsTimedOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "mux", Name: "requests_timed_out_total",
			Help: "Requests resolved with a synthetic timeout response.",
		}),
		RequestsRerouted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "mux", Name: "requests_rerouted_total",
			Help: "Stalled requests resent to an alternate peer.",
		}),
		RerouteFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "mux", Name: "reroute_failures_total",
			Help: "Reroute attempts that were abandoned, by reason.",
		}, []string{"reason"}),
		ResponsesDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "mux", Name: "responses_delivered_total",
			Help: "Responses matched to a pending request.",
		}),
		ResponsesUnsolicited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "mux", Name: "responses_unsolicited_total",
			Help: "Responses dropped because no request was pending under their tag.",
		}),
		PendingRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "mux", Name: "pending_requests",
			Help: "Pending request entries across all connections.",
		}),
		HeartbeatsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "heartbeat", Name: "probes_sent_total",
			Help: "Heartbeat probes sent.",
		}),
		ConnsLost: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "heartbeat", Name: "connections_lost_total",
			Help: "Connections closed for failing to answer a heartbeat.",
		}),
		SleepReplies: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "heartbeat", Name: "sleep_replies_total",
			Help: "Heartbeats answered with sleep.",
		}),
		PeersSleeping: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "heartbeat", Name: "peers_slept_total",
			Help: "Peers that asked us to stop sending heartbeats.",
		}),
		ConnsOpen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "node", Name: "connections_open",
			Help: "Open connections by direction.",
		}, []string{"direction"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.RequestsSent,
			m.RequestsMerged,
			m.RequestsRejected,
			m.RequestsTimedOut,
			m.RequestsRerouted,
			m.RerouteFailures,
			m.ResponsesDelivered,
			m.ResponsesUnsolicited,
			m.PendingRequests,
			m.HeartbeatsSent,
			m.ConnsLost,
			m.SleepReplies,
			m.PeersSleeping,
			m.ConnsOpen,
		)
	}
	return m
}
