package executor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Execution outcomes used as metric labels
const (
	OutcomeSuccess      = "success"
	OutcomeNonZeroExit  = "nonzero_exit"
	OutcomeCompileError = "compile_error"
	OutcomeTimeout      = "timeout"
	OutcomeError        = "error"
	OutcomeUnsupported  = "unsupported"
)

// Metrics records execution counters. A nil *Metrics records nothing.
type Metrics struct {
	executions *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	active     prometheus.Gauge
}

// NewMetrics creates and registers the execution collectors on reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "runbox_executions_total",
			Help: "Executions by language and outcome.",
		}, []string{"language", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "runbox_execution_duration_seconds",
			Help:    "End-to-end execution latency including sandbox setup and teardown.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"language"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "runbox_sandboxes_active",
			Help: "Sandboxes currently provisioned.",
		}),
	}
	reg.MustRegister(m.executions, m.duration, m.active)
	return m
}

func (m *Metrics) observe(lang, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.executions.WithLabelValues(lang, outcome).Inc()
	if outcome != OutcomeUnsupported {
		m.duration.WithLabelValues(lang).Observe(d.Seconds())
	}
}

func (m *Metrics) sandboxUp() {
	if m != nil {
		m.active.Inc()
	}
}

func (m *Metrics) sandboxDown() {
	if m != nil {
		m.active.Dec()
	}
}

func outcomeOf(res Result) string {
	switch {
	case res.Error == nil && res.ExitCode == 0:
		return OutcomeSuccess
	case res.Error == nil:
		return OutcomeNonZeroExit
	case *res.Error == MsgCompilationFailed:
		return OutcomeCompileError
	case *res.Error == MsgTimedOut:
		return OutcomeTimeout
	default:
		return OutcomeError
	}
}
