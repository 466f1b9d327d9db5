package observability

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/3leaps/pbs-extend/pkg/admission"
	"github.com/3leaps/pbs-extend/pkg/extension"
)

const namespace = "pbs_extend"

// ErrMetricsDisabled is reported by health checks when metrics were not initialized.
var ErrMetricsDisabled = errors.New("metrics not initialized")

// PrometheusMetrics is the process-wide registry; nil when metrics are disabled.
var PrometheusMetrics *Metrics

// InitMetrics installs PrometheusMetrics when enabled.
func InitMetrics(enabled bool) *Metrics {
	if !enabled {
		PrometheusMetrics = nil
		return nil
	}
	PrometheusMetrics = NewMetrics()
	return PrometheusMetrics
}

// Metrics counts admission outcomes and times scheduler calls.
type Metrics struct {
	registry *prometheus.Registry

	decisions      *prometheus.CounterVec
	extensions     prometheus.Counter
	fundCharged    prometheus.Counter
	bookkeeping    prometheus.Counter
	schedulerCalls *prometheus.HistogramVec
}

var _ extension.Observer = (*Metrics)(nil)

// NewMetrics registers every collector on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Admission decisions by reason.",
		}, []string{"reason"}),
		extensions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "extensions_total",
			Help:      "Walltime extensions applied to the scheduler.",
		}),
		fundCharged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fund_charged_cpu_seconds_total",
			Help:      "CPU-seconds charged against owner funds.",
		}),
		bookkeeping: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bookkeeping_failures_total",
			Help:      "Extensions whose usage record could not be written.",
		}),
		schedulerCalls: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scheduler_call_seconds",
			Help:      "Latency of scheduler calls by operation and outcome.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op", "outcome"}),
	}
	m.registry.MustRegister(
		m.decisions,
		m.extensions,
		m.fundCharged,
		m.bookkeeping,
		m.schedulerCalls,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Decided(d *admission.Decision) {
	m.decisions.WithLabelValues(string(d.Reason)).Inc()
}

func (m *Metrics) Extended(o *extension.Outcome) {
	m.extensions.Inc()
	m.fundCharged.Add(float64(o.FundReduction))
}

func (m *Metrics) BookkeepingFailed(error) {
	m.bookkeeping.Inc()
}

// ObserveSchedulerCall matches scheduler.ObserveFunc.
func (m *Metrics) ObserveSchedulerCall(op string, elapsed time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.schedulerCalls.WithLabelValues(op, outcome).Observe(elapsed.Seconds())
}
