// Package metrics holds the prometheus collectors of the service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "signals"

// Metrics groups every collector the service records
type Metrics struct {
	AlertsFired      *prometheus.CounterVec
	AlertsLost       *prometheus.CounterVec
	TicksTotal       prometheus.Counter
	TickDuration     prometheus.Histogram
	TasksRejected    *prometheus.CounterVec
	BacktestRuns     *prometheus.CounterVec
	BacktestDuration prometheus.Histogram
	BacktestCacheHit prometheus.Counter
	UpstreamRequests *prometheus.CounterVec
	Notifications    *prometheus.CounterVec
	WebsocketClients prometheus.Gauge
}

// New creates the collectors and registers them with reg. A nil reg leaves
// them unregistered, which tests rely on to avoid duplicate registration.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		AlertsFired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_fired_total",
			Help:      "Alerts persisted to the history sink.",
		}, []string{"symbol", "condition"}),
		AlertsLost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_lost_total",
			Help:      "Alerts the history sink rejected.",
		}, []string{"symbol", "condition"}),
		TicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "monitor_ticks_total",
			Help:      "Completed monitor ticks.",
		}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "monitor_tick_duration_seconds",
			Help:      "Wall time of one monitor tick across all assets.",
			Buckets:   prometheus.DefBuckets,
		}),
		TasksRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "monitor_tasks_rejected_total",
			Help:      "Per-asset tasks skipped because the previous one was still running or the queue was full.",
		}, []string{"reason"}),
		BacktestRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backtest_runs_total",
			Help:      "Backtest runs by strategy and outcome.",
		}, []string{"strategy", "outcome"}),
		BacktestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backtest_duration_seconds",
			Help:      "Wall time of uncached backtest runs.",
			Buckets:   prometheus.DefBuckets,
		}),
		BacktestCacheHit: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backtest_cache_hits_total",
			Help:      "Backtest requests served from the result cache.",
		}),
		UpstreamRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_requests_total",
			Help:      "Market data provider requests by endpoint and status.",
		}, []string{"endpoint", "status"}),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Outbound alert notifications by channel and status.",
		}, []string{"channel", "status"}),
		WebsocketClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "websocket_clients",
			Help:      "Connected websocket clients.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.AlertsFired,
			m.AlertsLost,
			m.TicksTotal,
			m.TickDuration,
			m.TasksRejected,
			m.BacktestRuns,
			m.BacktestDuration,
			m.BacktestCacheHit,
			m.UpstreamRequests,
			m.Notifications,
			m.WebsocketClients,
		)
	}
	return m
}

// NewNop returns unregistered collectors for tests and tools
func NewNop() *Metrics {
	return New(nil)
}
