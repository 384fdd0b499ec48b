package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "contextlinker"

// Result label values.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Metrics records token lifecycle and attachment counters.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	tokenRefreshes  *prometheus.CounterVec
	codeExchanges   *prometheus.CounterVec
	authRequired    prometheus.Counter
	attachments     *prometheus.CounterVec
	refreshDuration prometheus.Histogram
}

// NewMetrics creates Metrics backed by a private registry, including Go runtime
// and process collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		tokenRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "token_refreshes_total",
			Help:      "Refresh-token exchanges by result.",
		}, []string{"result"}),
		codeExchanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "code_exchanges_total",
			Help:      "Authorization code exchanges by result.",
		}, []string{"result"}),
		authRequired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "authentication_required_total",
			Help:      "Token requests that could not be served without re-authorization.",
		}),
		attachments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "context_attachments_total",
			Help:      "Context attachment attempts by outcome.",
		}, []string{"outcome"}),
		refreshDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "token_refresh_duration_seconds",
			Help:      "Latency of refresh-token exchanges.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.tokenRefreshes,
		m.codeExchanges,
		m.authRequired,
		m.attachments,
		m.refreshDuration,
	)
	return m
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// TokenRefreshed counts a refresh exchange and its latency.
func (m *Metrics) TokenRefreshed(result string, seconds float64) {
	if m == nil {
		return
	}
	m.tokenRefreshes.WithLabelValues(result).Inc()
	m.refreshDuration.Observe(seconds)
}

// CodeExchanged counts an authorization code exchange.
func (m *Metrics) CodeExchanged(result string) {
	if m == nil {
		return
	}
	m.codeExchanges.WithLabelValues(result).Inc()
}

// AuthenticationRequired counts a token request that needs user re-authorization.
func (m *Metrics) AuthenticationRequired() {
	if m == nil {
		return
	}
	m.authRequired.Inc()
}

// Attached counts a context attachment attempt, e.g. "success" or "context_fetch_failed".
func (m *Metrics) Attached(outcome string) {
	if m == nil {
		return
	}
	m.attachments.WithLabelValues(outcome).Inc()
}
