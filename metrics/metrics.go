// Package metrics holds the Prometheus collectors shared by peerdesk services.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "peerdesk"

// DefaultPath is where the control API exposes the collectors.
const DefaultPath = "/metrics"

// Discovery metrics
var (
	// AnnouncementsReceived counts discovery datagrams that updated the directory.
	AnnouncementsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "discovery_announcements_received_total",
		Help:      "Discovery messages accepted, by message type.",
	}, []string{"type"})

	// AnnouncementsDropped counts discovery datagrams that were ignored.
	AnnouncementsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "discovery_announcements_dropped_total",
		Help:      "Discovery messages dropped, by reason.",
	}, []string{"reason"})

	// DirectorySize tracks live entries in the peer directory.
	DirectorySize = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "discovery_directory_devices",
		Help:      "Devices currently held in the peer directory.",
	})
)

// Authorization metrics
var (
	// RequestsSubmitted counts connection requests accepted into the ledger.
	RequestsSubmitted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "requests_submitted_total",
		Help:      "Connection requests stored as pending.",
	})

	// RequestsRejected counts submissions refused before reaching the ledger.
	RequestsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "requests_rejected_total",
		Help:      "Connection requests refused at submission, by error kind.",
	}, []string{"kind"})

	// PendingRequests tracks requests awaiting a decision.
	PendingRequests = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "requests_pending",
		Help:      "Connection requests awaiting a decision.",
	})

	// Decisions counts terminal request states.
	Decisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "request_decisions_total",
		Help:      "Requests leaving the pending state, by outcome.",
	}, []string{"outcome"})

	// ActiveGrants tracks unexpired permission grants.
	ActiveGrants = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "grants_active",
		Help:      "Permission grants that have not expired or been revoked.",
	})

	// SessionDispatchFailures counts failed session-start deliveries, including retried ones.
	SessionDispatchFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "session_dispatch_failures_total",
		Help:      "Failed attempts to deliver a session start signal.",
	})
)

// Handler returns the HTTP handler serving the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
