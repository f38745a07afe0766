// Package metrics exposes the coordinator's Prometheus instrumentation.
// Collectors are registered with the default registry at init and served
// on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectedSessions tracks live websocket sessions.
	ConnectedSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "threatnet_connected_sessions",
		Help: "Number of live websocket sessions.",
	})

	// OnlineClients tracks registered clients currently marked online.
	OnlineClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "threatnet_online_clients",
		Help: "Number of registered clients currently online.",
	})

	// ReportsTotal counts IOC reports by outcome.
	ReportsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "threatnet_reports_total",
		Help: "IOC reports processed, labelled by outcome.",
	}, []string{"outcome"})

	// VerifiedTotal counts consensus promotions.
	VerifiedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "threatnet_iocs_verified_total",
		Help: "IOCs promoted to verified by consensus.",
	})

	// BroadcastsTotal counts hub-wide intel broadcasts.
	BroadcastsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "threatnet_broadcasts_total",
		Help: "Intel broadcasts fanned out to all sessions.",
	})

	// DroppedSessions counts sessions dropped for not draining their buffer.
	DroppedSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "threatnet_dropped_sessions_total",
		Help: "Sessions dropped because their outbound buffer overflowed.",
	})

	// ReportDuration observes end-to-end report processing latency.
	ReportDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "threatnet_report_duration_seconds",
		Help:    "Latency of IOC report processing.",
		Buckets: prometheus.DefBuckets,
	})
)

// Report outcome labels.
const (
	OutcomePending   = "pending"
	OutcomeDuplicate = "duplicate"
	OutcomeReplay    = "replay"
	OutcomePromoted  = "promoted"
	OutcomeRejected  = "rejected"
)
