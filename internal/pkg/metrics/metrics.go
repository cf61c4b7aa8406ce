// Package metrics exposes the endpoint's operational counters and the
// debug HTTP server that serves them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectionsActive tracks the number of open peer connections.
	ConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "skylink_connections_active",
			Help: "Number of currently open peer connections.",
		},
	)

	// MessagesTotal counts protocol messages by direction and type.
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skylink_messages_total",
			Help: "Total protocol messages processed.",
		},
		[]string{"direction", "type"}, // direction: in/out
	)

	// TelemetryUpdatesTotal counts telemetry readings per group and
	// filter outcome.
	TelemetryUpdatesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skylink_telemetry_updates_total",
			Help: "Telemetry readings processed by the change filter.",
		},
		[]string{"group", "result"}, // result: accepted/discarded
	)

	// SafetyTriggeredTotal counts safety fallback activations.
	SafetyTriggeredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "skylink_safety_triggered_total",
			Help: "Times the safety fallback forced the safe state.",
		},
	)

	// LinkUnstable reflects the liveness monitor's aggregate flag.
	LinkUnstable = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "skylink_link_unstable",
			Help: "1 while any connection has an unanswered ping.",
		},
	)

	// DriverRestartsTotal counts flight controller driver restarts.
	DriverRestartsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "skylink_driver_restarts_total",
			Help: "Times the flight controller driver process was restarted.",
		},
	)

	// CameraFramesTotal counts encoded camera chunks forwarded to peers.
	CameraFramesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "skylink_camera_frames_total",
			Help: "Camera frame chunks forwarded over the link.",
		},
	)
)
