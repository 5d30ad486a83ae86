package fastcgi

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instrumentation a Server exposes. A nil
// *Metrics is valid everywhere it is used: every method is a no-op on a
// nil receiver, so instrumentation stays entirely optional.
type Metrics struct {
	ConnectionsTotal  prometheus.Counter
	ConnectionsActive prometheus.Gauge
	RequestsTotal     *prometheus.CounterVec
	RequestsActive    prometheus.Gauge
	RecordsReadTotal  *prometheus.CounterVec
	BytesInTotal      prometheus.Counter
	BytesOutTotal     prometheus.Counter
	HandlerErrors     prometheus.Counter
}

var (
	metricsOnce sync.Once
	metrics     *Metrics
)

// NewMetrics registers a fresh set of fastcgi_* collectors against reg. Pass
// prometheus.DefaultRegisterer to publish through the default /metrics
// handler, or a private registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "fastcgi_connections_total",
			Help: "Total FastCGI connections accepted.",
		}),
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fastcgi_connections_active",
			Help: "FastCGI connections currently being served.",
		}),
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fastcgi_requests_total",
			Help: "Total FastCGI requests dispatched to the handler, by role.",
		}, []string{"role"}),
		RequestsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fastcgi_requests_active",
			Help: "FastCGI requests currently in flight across all connections.",
		}),
		RecordsReadTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fastcgi_records_read_total",
			Help: "Total FastCGI records read, by record kind.",
		}, []string{"kind"}),
		BytesInTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "fastcgi_bytes_in_total",
			Help: "Total bytes read from FastCGI connections.",
		}),
		BytesOutTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "fastcgi_bytes_out_total",
			Help: "Total bytes written to FastCGI connections.",
		}),
		HandlerErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "fastcgi_handler_errors_total",
			Help: "Total requests whose Handler returned an error or panicked.",
		}),
	}
}

// DefaultMetrics returns a process-wide singleton registered against
// prometheus.DefaultRegisterer, created on first use.
func DefaultMetrics() *Metrics {
	metricsOnce.Do(func() {
		metrics = NewMetrics(prometheus.DefaultRegisterer)
	})
	return metrics
}

func (m *Metrics) connOpened() {
	if m == nil {
		return
	}
	m.ConnectionsTotal.Inc()
	m.ConnectionsActive.Inc()
}

func (m *Metrics) connClosed() {
	if m == nil {
		return
	}
	m.ConnectionsActive.Dec()
}

func (m *Metrics) recordRead(kind string, n int) {
	if m == nil {
		return
	}
	m.RecordsReadTotal.WithLabelValues(kind).Inc()
	m.BytesInTotal.Add(float64(n))
}

func (m *Metrics) bytesOut(n int) {
	if m == nil {
		return
	}
	m.BytesOutTotal.Add(float64(n))
}

func (m *Metrics) requestStarted(role Role) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(role.String()).Inc()
	m.RequestsActive.Inc()
}

func (m *Metrics) requestFinished(handlerErr bool) {
	if m == nil {
		return
	}
	m.RequestsActive.Dec()
	if handlerErr {
		m.HandlerErrors.Inc()
	}
}
