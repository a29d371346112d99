package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Runs: исход запусков по агенту и типу триггера
	RunsTotal   *prometheus.CounterVec
	RunDuration *prometheus.HistogramVec

	// Actions: исход операций над действиями (execute, approve, reject, rollback)
	ActionsTotal   *prometheus.CounterVec
	ActionDuration *prometheus.HistogramVec

	// Saturation: состояние Circuit Breaker обработчика (0 - closed, 1 - half-open, 2 - open)
	CircuitBreakerState *prometheus.GaugeVec

	// Audit: заполненность буфера (backpressure)
	AuditBufferFill prometheus.Gauge

	// Scheduler: длительность тика и число пар, запущенных за тик
	SchedulerTickDuration prometheus.Histogram
	SchedulerDuePairs     prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object: если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		RunsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "storeops_runs_total",
			Help: "Total number of agent runs by outcome.",
		}, []string{"agent_slug", "trigger", "outcome"}),

		RunDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "storeops_run_duration_seconds",
			Help:    "Histogram of agent run latencies.",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 300},
		}, []string{"agent_slug"}),

		ActionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "storeops_actions_total",
			Help: "Total number of action operations by outcome.",
		}, []string{"action_type", "op", "outcome"}),

		ActionDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "storeops_action_duration_seconds",
			Help:    "Histogram of action handler latencies.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"action_type"}),

		CircuitBreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "storeops_circuit_breaker_state",
			Help: "Current state of the action handler circuit breaker (0=closed, 1=half-open, 2=open).",
		}, []string{"action_type"}),

		AuditBufferFill: f.NewGauge(prometheus.GaugeOpts{
			Name: "storeops_audit_buffer_utilization",
			Help: "Current number of events in audit buffer.",
		}),

		SchedulerTickDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "storeops_scheduler_tick_duration_seconds",
			Help:    "Duration of one scheduled scan.",
			Buckets: prometheus.DefBuckets,
		}),

		SchedulerDuePairs: f.NewGauge(prometheus.GaugeOpts{
			Name: "storeops_scheduler_due_pairs",
			Help: "Number of tenant-agent pairs started by the last scheduled scan.",
		}),
	}
}

// outcome возвращает метку исхода (success или вид отказа).
func outcome(success bool, kind string) string {
	if success {
		return "success"
	}
	if kind == "" {
		return "failure"
	}
	return kind
}
