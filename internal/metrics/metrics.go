// Package metrics provides Prometheus metrics for monitoring the engine.
//
// Design Philosophy:
// - RED Method for the pipeline and external calls: Rate, Errors, Duration
// - USE Method for engine resources: queue depth, slots, quota
// - Custom registry to avoid global state conflicts
// - Consistent naming: shelfsync_{component}_{metric}_{unit}
// - Low cardinality labels (stage names, statuses, services only)
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the engine.
type Metrics struct {
	registry *prometheus.Registry

	// ============================================
	// Tasks (scheduler - RED)
	// ============================================
	TasksTotal    *prometheus.CounterVec   // by stage and outcome
	TaskDuration  *prometheus.HistogramVec // handler latency by stage
	TaskRetries   *prometheus.CounterVec   // retries by stage
	ActiveTasks   prometheus.Gauge         // currently dispatched
	QueueDepth    prometheus.Gauge         // heap size
	TasksGCDelete prometheus.Counter       // rows removed by the sweeper

	// ============================================
	// Stages (pipeline - RED)
	// ============================================
	StageTotal    *prometheus.CounterVec // by stage and result
	PausedStages  prometheus.Gauge       // currently paused stage count
	StagePaused   *prometheus.CounterVec // pauses by stage and cause
	ItemsByStatus *prometheus.GaugeVec   // histogram snapshot, by status

	// ============================================
	// External services (RED)
	// ============================================
	ExternalTotal    *prometheus.CounterVec   // by service and status
	ExternalDuration *prometheus.HistogramVec // latency by service

	// ============================================
	// Quota (USE)
	// ============================================
	QuotaRemaining prometheus.Gauge
	QuotaConsumed  prometheus.Counter
	QuotaRefreshes *prometheus.CounterVec // by result

	// ============================================
	// Downloads
	// ============================================
	DownloadBytes prometheus.Counter
}

// New creates a Metrics instance with all metrics registered on a private
// registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		TasksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "shelfsync_tasks_total",
			Help: "Scheduler task outcomes by stage.",
		}, []string{"stage", "outcome"}),
		TaskDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "shelfsync_task_duration_seconds",
			Help:    "Handler execution time by stage.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
		}, []string{"stage"}),
		TaskRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "shelfsync_task_retries_total",
			Help: "Task retries by stage.",
		}, []string{"stage"}),
		ActiveTasks: factory.NewGauge(prometheus.GaugeOpts{
			Name: "shelfsync_active_tasks",
			Help: "Tasks currently executing.",
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "shelfsync_queue_depth",
			Help: "Tasks waiting in the scheduler heap.",
		}),
		TasksGCDelete: factory.NewCounter(prometheus.CounterOpts{
			Name: "shelfsync_tasks_gc_deleted_total",
			Help: "Terminal task rows removed by the periodic sweep.",
		}),

		StageTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "shelfsync_stage_total",
			Help: "Stage executions by stage and result.",
		}, []string{"stage", "result"}),
		PausedStages: factory.NewGauge(prometheus.GaugeOpts{
			Name: "shelfsync_paused_stages",
			Help: "Number of stages currently paused.",
		}),
		StagePaused: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "shelfsync_stage_paused_total",
			Help: "Stage pause events by stage and cause.",
		}, []string{"stage", "cause"}),
		ItemsByStatus: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "shelfsync_items",
			Help: "Item count by status.",
		}, []string{"status"}),

		ExternalTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "shelfsync_external_requests_total",
			Help: "External service calls by service and status.",
		}, []string{"service", "status"}),
		ExternalDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "shelfsync_external_request_duration_seconds",
			Help:    "External service call latency by service.",
			Buckets: []float64{0.05, 0.2, 0.5, 1, 5, 15, 60, 300},
		}, []string{"service"}),

		QuotaRemaining: factory.NewGauge(prometheus.GaugeOpts{
			Name: "shelfsync_quota_remaining",
			Help: "Cached remaining daily downloads.",
		}),
		QuotaConsumed: factory.NewCounter(prometheus.CounterOpts{
			Name: "shelfsync_quota_consumed_total",
			Help: "Download quota units consumed locally.",
		}),
		QuotaRefreshes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "shelfsync_quota_refreshes_total",
			Help: "Quota cache refreshes by result.",
		}, []string{"result"}),

		DownloadBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "shelfsync_download_bytes_total",
			Help: "Bytes transferred by the download stage.",
		}),
	}
}

// Registry returns the private registry for HTTP exposition.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
