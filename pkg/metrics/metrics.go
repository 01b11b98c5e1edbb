// Package metrics exposes the daemon's Prometheus collectors. The
// package-level Default instance registers on the default registry;
// tests build their own against a private one.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the daemon.
type Metrics struct {
	// Device model
	DeviceEvents      *prometheus.CounterVec
	DevicesRegistered *prometheus.GaugeVec

	// Line sessions
	LinesReceived  *prometheus.CounterVec
	LinesSent      *prometheus.CounterVec
	SendQueueDepth *prometheus.GaugeVec
	Reconnects     *prometheus.CounterVec

	// Gateways
	BadFrames *prometheus.CounterVec

	// Event log
	Checkpoints prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		DeviceEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stargate_device_events_total",
				Help: "Device state changes published on the event bus",
			},
			[]string{"gateway", "synthetic"},
		),
		DevicesRegistered: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "stargate_devices_registered",
				Help: "Devices registered in the house, by gateway and class",
			},
			[]string{"gateway", "class"},
		),
		LinesReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stargate_session_lines_received_total",
				Help: "Complete lines received on line sessions",
			},
			[]string{"session"},
		),
		LinesSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stargate_session_lines_sent_total",
				Help: "Lines written to line sessions",
			},
			[]string{"session"},
		),
		SendQueueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "stargate_session_send_queue_depth",
				Help: "Lines queued but not yet written, per session",
			},
			[]string{"session"},
		),
		Reconnects: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stargate_session_reconnects_total",
				Help: "Successful watchdog reconnects, per session",
			},
			[]string{"session"},
		),
		BadFrames: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stargate_gateway_bad_frames_total",
				Help: "Frames dropped for failing checksum or parse",
			},
			[]string{"gateway"},
		),
		Checkpoints: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "stargate_event_log_checkpoints_total",
				Help: "Checkpoint sweeps written to the event log",
			},
		),
	}
}

// Default is the daemon-wide instance, on the default registry.
var Default = New(prometheus.DefaultRegisterer)

// RecordDeviceEvent counts one published device change.
func (m *Metrics) RecordDeviceEvent(gateway string, synthetic bool) {
	label := "false"
	if synthetic {
		label = "true"
	}
	m.DeviceEvents.WithLabelValues(gateway, label).Inc()
}

// RecordDeviceRegistered counts one device into the registration gauge.
func (m *Metrics) RecordDeviceRegistered(gateway, class string) {
	m.DevicesRegistered.WithLabelValues(gateway, class).Inc()
}

// RecordLineReceived counts one complete received line.
func (m *Metrics) RecordLineReceived(session string) {
	m.LinesReceived.WithLabelValues(session).Inc()
}

// RecordLineSent counts one written line.
func (m *Metrics) RecordLineSent(session string) {
	m.LinesSent.WithLabelValues(session).Inc()
}

// SetSendQueueDepth reports a session's current send backlog.
func (m *Metrics) SetSendQueueDepth(session string, depth int) {
	m.SendQueueDepth.WithLabelValues(session).Set(float64(depth))
}

// RecordReconnect counts one successful reconnect.
func (m *Metrics) RecordReconnect(session string) {
	m.Reconnects.WithLabelValues(session).Inc()
}

// RecordBadFrame counts one dropped frame.
func (m *Metrics) RecordBadFrame(gateway string) {
	m.BadFrames.WithLabelValues(gateway).Inc()
}

// RecordCheckpoint counts one checkpoint sweep.
func (m *Metrics) RecordCheckpoint() {
	m.Checkpoints.Inc()
}
