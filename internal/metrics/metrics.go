package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"oracle-reconciler/internal/resilience"
	"oracle-reconciler/internal/rpcpool"
)

const namespace = "oraclewatch"

// Metrics groups every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	syncRuns      *prometheus.CounterVec
	syncLag       *prometheus.GaugeVec
	syncDuration  *prometheus.HistogramVec
	syncEvents    *prometheus.CounterVec
	rpcCalls      *prometheus.CounterVec
	rpcLatency    *prometheus.HistogramVec
	aggregations  *prometheus.CounterVec
	breakerState  *prometheus.GaugeVec
	cacheRequests *prometheus.CounterVec
	feedFetches   *prometheus.CounterVec
	alertsRaised  *prometheus.CounterVec
}

// New registers all collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		syncRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "sync_runs_total",
			Help: "Sync runs by instance and outcome.",
		}, []string{"instance", "outcome"}),
		syncLag: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "sync_lag_blocks",
			Help: "Tip minus last processed position.",
		}, []string{"instance"}),
		syncDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "sync_run_duration_seconds",
			Help:    "Duration of sync runs.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"instance"}),
		syncEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "sync_events_total",
			Help: "Decoded events applied per instance.",
		}, []string{"instance"}),
		rpcCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "rpc_calls_total",
			Help: "RPC attempts by endpoint, operation and error code.",
		}, []string{"endpoint", "op", "code"}),
		rpcLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "rpc_call_duration_seconds",
			Help:    "RPC attempt latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		aggregations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "aggregations_total",
			Help: "Aggregation calls by outcome.",
		}, []string{"outcome"}),
		breakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "circuit_breaker_state",
			Help: "0 closed, 1 open, 2 half-open.",
		}, []string{"name"}),
		cacheRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "cache_requests_total",
			Help: "Cache lookups by result.",
		}, []string{"result"}),
		feedFetches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "feed_fetches_total",
			Help: "Observation fetches by protocol and outcome.",
		}, []string{"protocol", "outcome"}),
		alertsRaised: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "alerts_raised_total",
			Help: "Alerts raised by event and severity.",
		}, []string{"event", "severity"}),
	}
}

// ObserveSyncRun records the outcome of one sync run.
func (m *Metrics) ObserveSyncRun(instance, outcome string, d time.Duration, lag uint64, events int) {
	if m == nil {
		return
	}
	m.syncRuns.WithLabelValues(instance, outcome).Inc()
	m.syncDuration.WithLabelValues(instance).Observe(d.Seconds())
	m.syncLag.WithLabelValues(instance).Set(float64(lag))
	if events > 0 {
		m.syncEvents.WithLabelValues(instance).Add(float64(events))
	}
}

// ObserveRPC implements rpcpool.Observer.
func (m *Metrics) ObserveRPC(endpoint, op string, code rpcpool.Code, latency time.Duration) {
	if m == nil {
		return
	}
	label := string(code)
	if label == "" {
		label = "ok"
	}
	m.rpcCalls.WithLabelValues(endpoint, op, label).Inc()
	m.rpcLatency.WithLabelValues(op).Observe(latency.Seconds())
}

// ObserveAggregation records an aggregation outcome (fresh, cached, stale, insufficient, error).
func (m *Metrics) ObserveAggregation(outcome string) {
	if m == nil {
		return
	}
	m.aggregations.WithLabelValues(outcome).Inc()
}

// BreakerChanged implements resilience.StateChangeFunc.
func (m *Metrics) BreakerChanged(name string, _, to resilience.State) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(name).Set(float64(to))
}

// ObserveCache records hit, miss or error.
func (m *Metrics) ObserveCache(result string) {
	if m == nil {
		return
	}
	m.cacheRequests.WithLabelValues(result).Inc()
}

// ObserveFeed records a single protocol fetch.
func (m *Metrics) ObserveFeed(protocol, outcome string) {
	if m == nil {
		return
	}
	m.feedFetches.WithLabelValues(protocol, outcome).Inc()
}

// ObserveAlert records a raised alert.
func (m *Metrics) ObserveAlert(event, severity string) {
	if m == nil {
		return
	}
	m.alertsRaised.WithLabelValues(event, severity).Inc()
}

var _ rpcpool.Observer = (*Metrics)(nil)
