package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ragchat"

// Metrics agrupa los colectores del pipeline. Un *Metrics nil no registra nada.
type Metrics struct {
	registry          *prometheus.Registry
	chatRequests      *prometheus.CounterVec
	retrievalDegraded prometheus.Counter
	streamCancelled   prometheus.Counter
	generation        *prometheus.HistogramVec
	sessionsCreated   prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())

	m := &Metrics{
		registry: reg,
		chatRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_requests_total",
			Help:      "Chat requests by mode and outcome.",
		}, []string{"mode", "outcome"}),
		retrievalDegraded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retrieval_degraded_total",
			Help:      "Retrieval calls that failed and were skipped.",
		}),
		streamCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_cancelled_total",
			Help:      "Streams closed before the model finished.",
		}),
		generation: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "generation_seconds",
			Help:      "Model generation latency.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
		}, []string{"bot", "mode"}),
		sessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_created_total",
			Help:      "Sessions created.",
		}),
	}
	reg.MustRegister(m.chatRequests, m.retrievalDegraded, m.streamCancelled, m.generation, m.sessionsCreated)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ChatRequest(mode, outcome string) {
	if m == nil {
		return
	}
	m.chatRequests.WithLabelValues(mode, outcome).Inc()
}

func (m *Metrics) RetrievalDegraded() {
	if m == nil {
		return
	}
	m.retrievalDegraded.Inc()
}

func (m *Metrics) StreamCancelled() {
	if m == nil {
		return
	}
	m.streamCancelled.Inc()
}

func (m *Metrics) ObserveGeneration(bot, mode string, d time.Duration) {
	if m == nil {
		return
	}
	m.generation.WithLabelValues(bot, mode).Observe(d.Seconds())
}

func (m *Metrics) SessionCreated() {
	if m == nil {
		return
	}
	m.sessionsCreated.Inc()
}
