package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "volserve"

// Metrics holds the Prometheus collectors updated by sessions.
type Metrics struct {
	sessionsActive   prometheus.Gauge
	sessionsStarted  prometheus.Counter
	sessionsEnded    *prometheus.CounterVec
	events           *prometheus.CounterVec
	frames           *prometheus.CounterVec
	frameDuration    prometheus.Histogram
	renderErrors     prometheus.Counter
	rejectedSettings prometheus.Counter
	errorReplies     *prometheus.CounterVec
	bytesSent        prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg.
//
// Parameters:
//   - reg: The registry to register with, e.g. prometheus.NewRegistry()
//
// Returns:
//   - The metrics; registration panics on duplicate registration
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		sessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "sessions_active",
			Help:      "The number of connected rendering sessions.",
		}),
		sessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sessions_started_total",
			Help:      "Sessions accepted since start.",
		}),
		sessionsEnded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sessions_ended_total",
			Help:      "Sessions ended, by exit reason.",
		}, []string{"reason"}),
		events: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "events_total",
			Help:      "Client events received, by event name.",
		}, []string{"event"}),
		frames: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "frames_total",
			Help:      "Frames rendered and sent, by result kind.",
		}, []string{"kind"}),
		frameDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "frame_duration_seconds",
			Help:      "Time spent rendering and capturing one frame.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}),
		renderErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "render_errors_total",
			Help:      "Render requests answered with a render error.",
		}),
		rejectedSettings: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "rejected_settings_total",
			Help:      "Parameter values and transfer functions the renderer refused.",
		}),
		errorReplies: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "error_replies_total",
			Help:      "Error replies sent, by error code.",
		}, []string{"code"}),
		bytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sent_bytes_total",
			Help:      "Bytes written to clients.",
		}),
	}
}
