// Package monitoring exposes Prometheus metrics for the helper process.
package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid everywhere
// one is accepted; recording methods become no-ops.
type Metrics struct {
	SurfacesActive  prometheus.Gauge
	SurfacesCreated prometheus.Counter
	SurfacesRemoved prometheus.Counter

	RequestsTotal      *prometheus.CounterVec // kind, outcome
	RequestDuration    *prometheus.HistogramVec
	NotificationsTotal *prometheus.CounterVec // kind
	InputEvents        prometheus.Counter
	FramesUploaded     prometheus.Counter
	FramesDropped      prometheus.Counter

	TransportConnects prometheus.Counter
	TransportRefused  prometheus.Counter
	WatchdogFired     prometheus.Counter

	Uptime    prometheus.Gauge
	startTime time.Time
}

// NewMetrics registers all collectors on the default registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		startTime: time.Now(),

		SurfacesActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "browserhost_surfaces_active",
			Help: "Number of live browser surfaces",
		}),
		SurfacesCreated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "browserhost_surfaces_created_total",
			Help: "Total surfaces created",
		}),
		SurfacesRemoved: promauto.NewCounter(prometheus.CounterOpts{
			Name: "browserhost_surfaces_removed_total",
			Help: "Total surfaces removed",
		}),

		RequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "browserhost_requests_total",
			Help: "Requests processed by kind and outcome",
		}, []string{"kind", "outcome"}),
		RequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "browserhost_request_duration_seconds",
			Help:    "Request handling duration by kind",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
		NotificationsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "browserhost_notifications_total",
			Help: "Unsolicited host-bound notifications by kind",
		}, []string{"kind"}),
		InputEvents: promauto.NewCounter(prometheus.CounterOpts{
			Name: "browserhost_input_events_total",
			Help: "Input events forwarded to the engine",
		}),
		FramesUploaded: promauto.NewCounter(prometheus.CounterOpts{
			Name: "browserhost_frames_uploaded_total",
			Help: "Engine frames copied into shared textures",
		}),
		FramesDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "browserhost_frames_dropped_total",
			Help: "Engine frames dropped by the upload rate cap",
		}),

		TransportConnects: promauto.NewCounter(prometheus.CounterOpts{
			Name: "browserhost_transport_connects_total",
			Help: "Host channel connections accepted",
		}),
		TransportRefused: promauto.NewCounter(prometheus.CounterOpts{
			Name: "browserhost_transport_refused_total",
			Help: "Host channel connections refused while one was active",
		}),
		WatchdogFired: promauto.NewCounter(prometheus.CounterOpts{
			Name: "browserhost_watchdog_fired_total",
			Help: "Times the liveness watchdog initiated shutdown",
		}),

		Uptime: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "browserhost_uptime_seconds",
			Help: "Process uptime in seconds",
		}),
	}
	return m
}

// UpdateUptime refreshes the uptime gauge.
func (m *Metrics) UpdateUptime() {
	if m == nil {
		return
	}
	m.Uptime.Set(time.Since(m.startTime).Seconds())
}

// RecordRequest records one handled request.
func (m *Metrics) RecordRequest(kind, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(kind, outcome).Inc()
	m.RequestDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordNotification records one host-bound notification.
func (m *Metrics) RecordNotification(kind string) {
	if m == nil {
		return
	}
	m.NotificationsTotal.WithLabelValues(kind).Inc()
}

// SurfaceCreated adjusts surface gauges for a creation.
func (m *Metrics) SurfaceCreated() {
	if m == nil {
		return
	}
	m.SurfacesCreated.Inc()
	m.SurfacesActive.Inc()
}

// SurfaceRemoved adjusts surface gauges for a removal.
func (m *Metrics) SurfaceRemoved() {
	if m == nil {
		return
	}
	m.SurfacesRemoved.Inc()
	m.SurfacesActive.Dec()
}

// InputForwarded counts one forwarded input event.
func (m *Metrics) InputForwarded() {
	if m == nil {
		return
	}
	m.InputEvents.Inc()
}

// FrameUploaded counts one uploaded frame.
func (m *Metrics) FrameUploaded() {
	if m == nil {
		return
	}
	m.FramesUploaded.Inc()
}

// FrameDropped counts one rate-capped frame.
func (m *Metrics) FrameDropped() {
	if m == nil {
		return
	}
	m.FramesDropped.Inc()
}

// ConnectAccepted counts one accepted host connection.
func (m *Metrics) ConnectAccepted() {
	if m == nil {
		return
	}
	m.TransportConnects.Inc()
}

// ConnectRefused counts one refused host connection.
func (m *Metrics) ConnectRefused() {
	if m == nil {
		return
	}
	m.TransportRefused.Inc()
}

// WatchdogTriggered counts a watchdog-initiated shutdown.
func (m *Metrics) WatchdogTriggered() {
	if m == nil {
		return
	}
	m.WatchdogFired.Inc()
}
