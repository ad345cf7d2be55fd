// Package metrics holds the orchestrator's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "ledgerflow"

// Reconciliation path labels.
const (
	PathChain = "chain"
	PathPush  = "push"
)

// Collectors groups every metric the orchestrator exports. It registers on a
// private registry so tests can build as many as they like.
type Collectors struct {
	Registry *prometheus.Registry

	ReconcileTicks      *prometheus.CounterVec
	ReconcileErrors     *prometheus.CounterVec
	IntentsResolved     *prometheus.CounterVec
	PushReconnects      prometheus.Counter
	ScheduleRuns        *prometheus.CounterVec
	AgreementTransition *prometheus.CounterVec
}

// New builds and registers the collectors, plus the Go runtime and process
// collectors.
func New() *Collectors {
	c := &Collectors{
		Registry: prometheus.NewRegistry(),
		ReconcileTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_ticks_total",
			Help:      "Reconciliation passes by path.",
		}, []string{"path"}),
		ReconcileErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_errors_total",
			Help:      "Reconciliation errors by path.",
		}, []string{"path"}),
		IntentsResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "intents_resolved_total",
			Help:      "Intents moved to a terminal status.",
		}, []string{"status"}),
		PushReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "push_reconnects_total",
			Help:      "Push channel reconnect attempts.",
		}),
		ScheduleRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "schedule_runs_total",
			Help:      "Scheduled job runs by outcome.",
		}, []string{"outcome"}),
		AgreementTransition: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agreement_transitions_total",
			Help:      "Agreement status transitions by target status.",
		}, []string{"to"}),
	}
	c.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.ReconcileTicks,
		c.ReconcileErrors,
		c.IntentsResolved,
		c.PushReconnects,
		c.ScheduleRuns,
		c.AgreementTransition,
	)
	return c
}

// ObserveTick records one reconciliation pass and whether it failed.
func (c *Collectors) ObserveTick(path string, err error) {
	c.ReconcileTicks.WithLabelValues(path).Inc()
	if err != nil {
		c.ReconcileErrors.WithLabelValues(path).Inc()
	}
}

// ObserveResolved counts n intents moved to status.
func (c *Collectors) ObserveResolved(status string, n int) {
	if n > 0 {
		c.IntentsResolved.WithLabelValues(status).Add(float64(n))
	}
}

// ObserveSchedule matches scheduler.Observer.
func (c *Collectors) ObserveSchedule(_ string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.ScheduleRuns.WithLabelValues(outcome).Inc()
}
