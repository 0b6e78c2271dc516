// Package metrics exports dispatch and conflict-resolution counters to
// Prometheus. Collectors satisfies both engine.Metrics and ot.Metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/roach88/ofrenda/internal/ir"
)

const namespace = "ofrenda"

// Collectors holds every metric the application reports.
type Collectors struct {
	dispatchTotal    *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec
	retryTotal       *prometheus.CounterVec
	slowTotal        *prometheus.CounterVec

	transformTotal     *prometheus.CounterVec
	transformConflicts prometheus.Histogram
	historySize        prometheus.Gauge
}

// New registers the collectors with reg. Passing nil registers nothing,
// which is what tests that only need the interface want.
func New(reg prometheus.Registerer) *Collectors {
	f := promauto.With(reg)
	return &Collectors{
		dispatchTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "dispatch_total",
				Help:      "Dispatched actions by module, action type and final status",
			},
			[]string{"module", "action", "status"},
		),
		dispatchDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "dispatch_duration_seconds",
				Help:      "Time from dequeue to commit or rollback",
				Buckets:   []float64{.0005, .001, .004, .016, .05, .08, .25, 1},
			},
			[]string{"module"},
		),
		retryTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "retry_total",
				Help:      "Reducer retries by action type",
			},
			[]string{"action"},
		),
		slowTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "slow_dispatch_total",
				Help:      "Dispatches over the performance thresholds",
			},
			[]string{"action", "level"},
		),
		transformTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ot",
				Name:      "transform_total",
				Help:      "Incoming operations by resolver outcome",
			},
			[]string{"outcome"},
		),
		transformConflicts: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "ot",
				Name:      "transform_conflicts",
				Help:      "Conflicting local operations per transform",
				Buckets:   []float64{0, 1, 2, 4, 8},
			},
		),
		historySize: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "ot",
				Name:      "history_size",
				Help:      "Operations retained in the resolver history",
			},
		),
	}
}

func (c *Collectors) ObserveDispatch(module ir.ModuleName, action ir.ActionType, status string, d time.Duration) {
	c.dispatchTotal.WithLabelValues(string(module), string(action), status).Inc()
	c.dispatchDuration.WithLabelValues(string(module)).Observe(d.Seconds())
}

func (c *Collectors) ObserveRetry(action ir.ActionType) {
	c.retryTotal.WithLabelValues(string(action)).Inc()
}

func (c *Collectors) ObserveSlowDispatch(action ir.ActionType, level string) {
	c.slowTotal.WithLabelValues(string(action), level).Inc()
}

func (c *Collectors) ObserveTransform(outcome string, conflicts int) {
	c.transformTotal.WithLabelValues(outcome).Inc()
	c.transformConflicts.Observe(float64(conflicts))
}

func (c *Collectors) SetHistorySize(n int) {
	c.historySize.Set(float64(n))
}
