package telemetry

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Metrics holds the Prometheus instruments exposed on /metrics.
type Metrics struct {
	PlansTotal     *prometheus.CounterVec
	StepsTotal     *prometheus.CounterVec
	StepDuration   *prometheus.HistogramVec
	ApprovalsTotal *prometheus.CounterVec
	ReasonerCalls  *prometheus.CounterVec
	EventsEmitted  *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metrics     *Metrics
)

// NewMetrics registers the instruments on reg (defaulting to the global
// registry) exactly once; later calls return the same set.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	metricsOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		m := &Metrics{
			PlansTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "conductor_plans_total",
				Help: "Plans finished, by terminal status.",
			}, []string{"status"}),
			StepsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "conductor_steps_total",
				Help: "Step executions finished, by tool and terminal status.",
			}, []string{"tool", "status"}),
			StepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "conductor_step_duration_seconds",
				Help:    "Wall time of step execution, excluding approval waits.",
				Buckets: prometheus.DefBuckets,
			}, []string{"tool"}),
			ApprovalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "conductor_approvals_total",
				Help: "Approval decisions, by outcome.",
			}, []string{"decision"}),
			ReasonerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "conductor_reasoner_calls_total",
				Help: "Reasoner invocations, by caller and outcome.",
			}, []string{"caller", "outcome"}),
			EventsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "conductor_events_emitted_total",
				Help: "Events published to session streams, by type.",
			}, []string{"type"}),
		}
		reg.MustRegister(
			m.PlansTotal, m.StepsTotal, m.StepDuration,
			m.ApprovalsTotal, m.ReasonerCalls, m.EventsEmitted,
		)
		metrics = m
	})
	return metrics
}

// Tracer returns the named tracer from the global provider.
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}
