// Package metrics exposes prometheus collectors for call sessions,
// reconnection, connection quality and recordings.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fieldcall"

// Metrics holds every collector on its own registry. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	sessionsActive    *prometheus.GaugeVec
	sessionsTotal     *prometheus.CounterVec
	sessionDuration   *prometheus.HistogramVec
	reconnectAttempts *prometheus.CounterVec
	qualitySamples    *prometheus.CounterVec
	bandwidth         *prometheus.HistogramVec
	signalingMessages *prometheus.CounterVec
	recordings        *prometheus.CounterVec
	uploadBytes       prometheus.Counter
	uploadDuration    prometheus.Histogram
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		sessionsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Call sessions currently running.",
		}, []string{"role"}),
		sessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Call sessions finished, by final state.",
		}, []string{"role", "state"}),
		sessionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_connected_seconds",
			Help:      "Time spent connected per finished session.",
			Buckets:   []float64{10, 30, 60, 300, 600, 1200, 1800, 3600},
		}, []string{"role"}),
		reconnectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Reconnection cycles started.",
		}, []string{"role"}),
		qualitySamples: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quality_samples_total",
			Help:      "Connection quality classifications.",
		}, []string{"role", "quality"}),
		bandwidth: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "bandwidth_kbps",
			Help:      "Measured bandwidth per quality period.",
			Buckets:   []float64{50, 100, 250, 500, 1000, 2000, 4000},
		}, []string{"role"}),
		signalingMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signaling_messages_total",
			Help:      "Signaling messages by direction and type.",
		}, []string{"direction", "type"}),
		recordings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recordings_total",
			Help:      "Recordings finished, by result.",
		}, []string{"result"}),
		uploadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_bytes_total",
			Help:      "Bytes uploaded to object storage.",
		}),
		uploadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upload_duration_seconds",
			Help:      "Recording upload duration.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.sessionsActive,
		m.sessionsTotal,
		m.sessionDuration,
		m.reconnectAttempts,
		m.qualitySamples,
		m.bandwidth,
		m.signalingMessages,
		m.recordings,
		m.uploadBytes,
		m.uploadDuration,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) RecordSessionStarted(role string) {
	if m == nil {
		return
	}
	m.sessionsActive.WithLabelValues(role).Inc()
}

func (m *Metrics) RecordSessionFinished(role, state string, connected time.Duration) {
	if m == nil {
		return
	}
	m.sessionsActive.WithLabelValues(role).Dec()
	m.sessionsTotal.WithLabelValues(role, state).Inc()
	m.sessionDuration.WithLabelValues(role).Observe(connected.Seconds())
}

func (m *Metrics) RecordReconnectAttempt(role string) {
	if m == nil {
		return
	}
	m.reconnectAttempts.WithLabelValues(role).Inc()
}

func (m *Metrics) RecordQuality(role, quality string, bandwidthKbps float64) {
	if m == nil {
		return
	}
	m.qualitySamples.WithLabelValues(role, quality).Inc()
	m.bandwidth.WithLabelValues(role).Observe(bandwidthKbps)
}

func (m *Metrics) RecordSignaling(direction, msgType string) {
	if m == nil {
		return
	}
	m.signalingMessages.WithLabelValues(direction, msgType).Inc()
}

func (m *Metrics) RecordRecording(result string) {
	if m == nil {
		return
	}
	m.recordings.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordUpload(bytes int, took time.Duration) {
	if m == nil {
		return
	}
	m.uploadBytes.Add(float64(bytes))
	m.uploadDuration.Observe(took.Seconds())
}
