// Package metrics exposes prometheus instrumentation for the meeting client.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Gauges
var (
	ActivePeers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "connectme_active_peer_sessions",
		Help: "Number of live peer sessions",
	})
	BrokerConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "connectme_broker_connected",
		Help: "1 while the signaling broker connection is up",
	})
)

// Counters
var (
	ReconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "connectme_broker_reconnects_total",
		Help: "Total broker reconnect attempts that succeeded",
	})
	SignalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "connectme_signals_total",
		Help: "Signaling messages by type and direction",
	}, []string{"type", "direction"})
	GlareTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "connectme_glare_conflicts_total",
		Help: "Simultaneous-offer conflicts resolved",
	})
	NegotiationFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "connectme_negotiation_failures_total",
		Help: "Peer negotiations abandoned after the retry ceiling",
	})
	ICERestartsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "connectme_ice_restarts_total",
		Help: "In-place ICE restarts attempted",
	})
	DroppedMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "connectme_dropped_messages_total",
		Help: "Inbound broker messages dropped by reason",
	}, []string{"reason"})
	RelayBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "connectme_relay_bytes_total",
		Help: "Chat and file bytes relayed through the broker",
	}, []string{"channel", "direction"})
)
