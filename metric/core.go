package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains the client runtime metrics. All Record helpers are safe
// on a nil receiver so the client can run without a metrics registry.
type Metrics struct {
	// Connection lifecycle
	ConnectionState  prometheus.Gauge
	ConnectAttempts  *prometheus.CounterVec
	BeaconsReceived  prometheus.Counter
	BeaconsRejected  *prometheus.CounterVec
	ReconnectsTotal  prometheus.Counter
	ConnectFailures  prometheus.Counter

	// Message flow
	FramesReceived   *prometheus.CounterVec
	FramesSent       *prometheus.CounterVec
	UpdatesDropped   *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	CallbackDuration prometheus.Histogram

	// Subscriptions
	MonitoredDatarefs prometheus.Gauge
	MonitoredCommands prometheus.Gauge
	MetaReloads       *prometheus.CounterVec

	ErrorsTotal *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance with all client metrics
func NewMetrics() *Metrics {
	return &Metrics{
		ConnectionState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "xpwebapi",
				Subsystem: "connection",
				Name:      "state",
				Help: "Connection state (0=no_beacon, 1=beacon, 2=rest_reachable, " +
					"3=rest_unreachable, 4=ws_connected, 5=ws_disconnected, 6=listening, 7=receiving)",
			},
		),

		ConnectAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "xpwebapi",
				Subsystem: "connection",
				Name:      "attempts_total",
				Help:      "Total connection attempts by outcome",
			},
			[]string{"outcome"},
		),

		BeaconsReceived: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "xpwebapi",
				Subsystem: "beacon",
				Name:      "received_total",
				Help:      "Total valid beacon packets received",
			},
		),

		BeaconsRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "xpwebapi",
				Subsystem: "beacon",
				Name:      "rejected_total",
				Help:      "Total beacon packets rejected by reason",
			},
			[]string{"reason"},
		),

		ReconnectsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "xpwebapi",
				Subsystem: "connection",
				Name:      "reconnects_total",
				Help:      "Total reconnections after a lost connection",
			},
		),

		ConnectFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "xpwebapi",
				Subsystem: "connection",
				Name:      "failures_total",
				Help:      "Total failed connection attempts",
			},
		),

		FramesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "xpwebapi",
				Subsystem: "ws",
				Name:      "frames_received_total",
				Help:      "Total WebSocket frames received by type",
			},
			[]string{"type"},
		),

		FramesSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "xpwebapi",
				Subsystem: "ws",
				Name:      "frames_sent_total",
				Help:      "Total WebSocket frames sent by type",
			},
			[]string{"type"},
		),

		UpdatesDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "xpwebapi",
				Subsystem: "ws",
				Name:      "updates_dropped_total",
				Help:      "Total push updates dropped by reason",
			},
			[]string{"reason"},
		),

		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "xpwebapi",
				Subsystem: "rest",
				Name:      "request_duration_seconds",
				Help:      "REST request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation"},
		),

		CallbackDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "xpwebapi",
				Subsystem: "callbacks",
				Name:      "duration_seconds",
				Help:      "Application callback duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
		),

		MonitoredDatarefs: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "xpwebapi",
				Subsystem: "subscriptions",
				Name:      "datarefs",
				Help:      "Number of datarefs currently monitored",
			},
		),

		MonitoredCommands: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "xpwebapi",
				Subsystem: "subscriptions",
				Name:      "commands",
				Help:      "Number of commands currently monitored",
			},
		),

		MetaReloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "xpwebapi",
				Subsystem: "meta",
				Name:      "reloads_total",
				Help:      "Total metadata table reloads by table",
			},
			[]string{"table"},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "xpwebapi",
				Subsystem: "errors",
				Name:      "total",
				Help:      "Total errors by component and type",
			},
			[]string{"component", "type"},
		),
	}
}

// RecordConnectionState updates the connection state gauge
func (c *Metrics) RecordConnectionState(state int) {
	if c == nil {
		return
	}
	c.ConnectionState.Set(float64(state))
}

// RecordConnectAttempt increments the connection attempt counter
func (c *Metrics) RecordConnectAttempt(outcome string) {
	if c == nil {
		return
	}
	c.ConnectAttempts.WithLabelValues(outcome).Inc()
}

// RecordBeaconReceived increments the valid beacon counter
func (c *Metrics) RecordBeaconReceived() {
	if c == nil {
		return
	}
	c.BeaconsReceived.Inc()
}

// RecordBeaconRejected increments the rejected beacon counter
func (c *Metrics) RecordBeaconRejected(reason string) {
	if c == nil {
		return
	}
	c.BeaconsRejected.WithLabelValues(reason).Inc()
}

// RecordReconnect increments the reconnection counter
func (c *Metrics) RecordReconnect() {
	if c == nil {
		return
	}
	c.ReconnectsTotal.Inc()
}

// RecordConnectFailure increments the failed attempt counter
func (c *Metrics) RecordConnectFailure() {
	if c == nil {
		return
	}
	c.ConnectFailures.Inc()
}

// RecordFrameReceived increments the received frame counter
func (c *Metrics) RecordFrameReceived(frameType string) {
	if c == nil {
		return
	}
	c.FramesReceived.WithLabelValues(frameType).Inc()
}

// RecordFrameSent increments the sent frame counter
func (c *Metrics) RecordFrameSent(frameType string) {
	if c == nil {
		return
	}
	c.FramesSent.WithLabelValues(frameType).Inc()
}

// RecordUpdateDropped increments the dropped update counter
func (c *Metrics) RecordUpdateDropped(reason string) {
	if c == nil {
		return
	}
	c.UpdatesDropped.WithLabelValues(reason).Inc()
}

// RecordRequestDuration records a REST request duration
func (c *Metrics) RecordRequestDuration(operation string, duration time.Duration) {
	if c == nil {
		return
	}
	c.RequestDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordCallbackDuration records an application callback duration
func (c *Metrics) RecordCallbackDuration(duration time.Duration) {
	if c == nil {
		return
	}
	c.CallbackDuration.Observe(duration.Seconds())
}

// RecordMonitoredDatarefs updates the monitored dataref gauge
func (c *Metrics) RecordMonitoredDatarefs(count int) {
	if c == nil {
		return
	}
	c.MonitoredDatarefs.Set(float64(count))
}

// RecordMonitoredCommands updates the monitored command gauge
func (c *Metrics) RecordMonitoredCommands(count int) {
	if c == nil {
		return
	}
	c.MonitoredCommands.Set(float64(count))
}

// RecordMetaReload increments the metadata reload counter
func (c *Metrics) RecordMetaReload(table string) {
	if c == nil {
		return
	}
	c.MetaReloads.WithLabelValues(table).Inc()
}

// RecordError increments the error counter
func (c *Metrics) RecordError(component, errorType string) {
	if c == nil {
		return
	}
	c.ErrorsTotal.WithLabelValues(component, errorType).Inc()
}
