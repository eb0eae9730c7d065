package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveSessions  prometheus.Gauge
	SessionEvents   *prometheus.CounterVec
	RelaySessions   *prometheus.CounterVec
	RelayFrames     *prometheus.CounterVec
	RelayBytes      *prometheus.CounterVec
	TokenIssuance   *prometheus.CounterVec
	UpstreamLatency *prometheus.HistogramVec
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_relay_sessions",
			Help:      "Number of relay sessions currently bridging a caller and the upstream.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by type.",
		}, []string{"event"}),
		RelaySessions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_sessions_total",
			Help:      "Finished relay sessions by completion state.",
		}, []string{"state"}),
		RelayFrames: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_frames_total",
			Help:      "Frames relayed by direction.",
		}, []string{"direction"}),
		RelayBytes: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_bytes_total",
			Help:      "Payload bytes relayed by direction.",
		}, []string{"direction"}),
		TokenIssuance: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_issuance_total",
			Help:      "Session token issuance attempts by outcome.",
		}, []string{"outcome"}),
		UpstreamLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_latency_ms",
			Help:      "Latency of upstream operations in milliseconds.",
			Buckets:   []float64{50, 100, 200, 300, 500, 800, 1200, 2000, 5000},
		}, []string{"operation"}),
	}
}

// ObserveFrame counts one relayed frame. Safe on a nil receiver.
func (m *Metrics) ObserveFrame(direction string, size int) {
	if m == nil {
		return
	}
	m.RelayFrames.WithLabelValues(direction).Inc()
	m.RelayBytes.WithLabelValues(direction).Add(float64(size))
}

func (m *Metrics) ObserveUpstreamLatency(operation string, d time.Duration) {
	if m == nil {
		return
	}
	m.UpstreamLatency.WithLabelValues(operation).Observe(float64(d.Milliseconds()))
}

func (m *Metrics) ObserveIssuance(outcome string) {
	if m == nil {
		return
	}
	m.TokenIssuance.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveSessionEvent(event string) {
	if m == nil {
		return
	}
	m.SessionEvents.WithLabelValues(event).Inc()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
