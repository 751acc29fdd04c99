package monitor

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "copytrade"

// Metrics groups every collector the engine reports. Each instance owns its
// registry so tests can build as many as they like.
type Metrics struct {
	Registry *prometheus.Registry

	PollCycles        *prometheus.CounterVec // result: ok|error|auth|skipped|overlap|released
	PollDuration      prometheus.Histogram
	OrderChanges      prometheus.Counter
	CopyOperations    *prometheus.CounterVec // action, result
	RiskRejections    prometheus.Counter
	DuplicateEvents   prometheus.Counter
	TokenRefreshes    *prometheus.CounterVec // result: ok|error
	LiveClients       prometheus.Gauge
	HeartbeatKills    prometheus.Counter
	MonitoredAccounts prometheus.Gauge
}

func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		PollCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "poll_cycles_total",
			Help: "Order book poll cycles by result.",
		}, []string{"result"}),
		PollDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "poll_duration_seconds",
			Help:    "Duration of one account poll cycle.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10},
		}),
		OrderChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "order_changes_total",
			Help: "Order changes detected by the poller.",
		}),
		CopyOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "copy_operations_total",
			Help: "Per-child copy operations by action and result.",
		}, []string{"action", "result"}),
		RiskRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "risk_rejections_total",
			Help: "Copies refused by the risk validator.",
		}),
		DuplicateEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "duplicate_events_total",
			Help: "Order events short-circuited as duplicates.",
		}),
		TokenRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "token_refreshes_total",
			Help: "Session refresh attempts by result.",
		}, []string{"result"}),
		LiveClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "live_clients",
			Help: "Connected live channel clients.",
		}),
		HeartbeatKills: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "heartbeat_terminations_total",
			Help: "Live clients terminated for missing pongs.",
		}),
		MonitoredAccounts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "monitored_accounts",
			Help: "Accounts in the poll registry.",
		}),
	}
	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.PollCycles, m.PollDuration, m.OrderChanges, m.CopyOperations, m.RiskRejections,
		m.DuplicateEvents, m.TokenRefreshes, m.LiveClients, m.HeartbeatKills, m.MonitoredAccounts,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
