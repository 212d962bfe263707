package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "relay"

// Vendor call outcomes.
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

// Metrics 持有服务暴露的 Prometheus 指标。
// 所有方法都允许 nil 接收者，便于测试中省略指标。
type Metrics struct {
	registry *prometheus.Registry

	vendorRequests *prometheus.CounterVec
	fallbacks      prometheus.Counter
	fragments      *prometheus.CounterVec
	evictions      prometheus.Counter
	sessions       prometheus.Gauge
	voiceStreams   prometheus.Gauge
}

// New registers every collector on a dedicated registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		vendorRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vendor_requests_total",
			Help:      "Vendor calls by vendor and outcome.",
		}, []string{"vendor", "outcome"}),
		fallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallback_replies_total",
			Help:      "Turns answered by the local fallback reply.",
		}),
		fragments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcript_fragments_total",
			Help:      "Transcript fragments by reconciliation outcome.",
		}, []string{"outcome"}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_evictions_total",
			Help:      "Sessions evicted by the capacity policy.",
		}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions",
			Help:      "Sessions currently held in memory.",
		}),
		voiceStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "voice_streams",
			Help:      "Open vendor voice streams.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.vendorRequests,
		m.fallbacks,
		m.fragments,
		m.evictions,
		m.sessions,
		m.voiceStreams,
	)
	return m
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) VendorRequest(vendor, outcome string) {
	if m == nil {
		return
	}
	m.vendorRequests.WithLabelValues(vendor, outcome).Inc()
}

func (m *Metrics) Fallback() {
	if m == nil {
		return
	}
	m.fallbacks.Inc()
}

func (m *Metrics) Fragment(outcome string) {
	if m == nil {
		return
	}
	m.fragments.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Evicted() {
	if m == nil {
		return
	}
	m.evictions.Inc()
}

func (m *Metrics) SetSessions(n int) {
	if m == nil {
		return
	}
	m.sessions.Set(float64(n))
}

func (m *Metrics) VoiceStreamOpened() {
	if m == nil {
		return
	}
	m.voiceStreams.Inc()
}

func (m *Metrics) VoiceStreamClosed() {
	if m == nil {
		return
	}
	m.voiceStreams.Dec()
}
