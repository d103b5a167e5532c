package proxyd

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsRegistry mirrors the teacher's practice of grouping every
// component's counters into one struct registered once at startup, rather
// than scattering prometheus.MustRegister calls across files.
type MetricsRegistry struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	CacheHits        prometheus.Counter
	CacheMisses      prometheus.Counter
	SingleflightJoin prometheus.Counter
	UpstreamErrors   *prometheus.CounterVec
	UpstreamState    *prometheus.GaugeVec
	InflightGauge    *prometheus.GaugeVec
	CanonicalHead    prometheus.Gauge
	PendingTxIndex   prometheus.Gauge
	SubscriptionsGauge *prometheus.GaugeVec
}

func NewMetricsRegistry(namespace string) *MetricsRegistry {
	m := &MetricsRegistry{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total JSON-RPC requests handled, by method and outcome kind.",
		}, []string{"method", "kind"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Request handling latency by method.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Response cache hits.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Response cache misses.",
		}),
		SingleflightJoin: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "singleflight_joins_total",
			Help:      "Requests that attached to an in-flight dispatch instead of issuing a new one.",
		}),
		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_errors_total",
			Help:      "Errors returned by upstream sends, by upstream id and kind.",
		}, []string{"upstream", "kind"}),
		UpstreamState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "upstream_state",
			Help:      "Current health state per upstream (0=connecting,1=healthy,2=degraded,3=closed).",
		}, []string{"upstream"}),
		InflightGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "upstream_inflight",
			Help:      "In-flight requests per upstream.",
		}, []string{"upstream"}),
		CanonicalHead: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "canonical_head_number",
			Help:      "Current CanonicalHead block number.",
		}),
		PendingTxIndex: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_tx_index_size",
			Help:      "Entries currently tracked in the Pending-Tx Index.",
		}),
		SubscriptionsGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscriptions",
			Help:      "Live client subscriptions by kind.",
		}, []string{"kind"}),
	}
	return m
}

// MustRegister registers every collector with reg, panicking on a
// duplicate-registration bug the way prometheus's own idiom does.
func (m *MetricsRegistry) MustRegister(reg *prometheus.Registry) {
	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.CacheHits,
		m.CacheMisses,
		m.SingleflightJoin,
		m.UpstreamErrors,
		m.UpstreamState,
		m.InflightGauge,
		m.CanonicalHead,
		m.PendingTxIndex,
		m.SubscriptionsGauge,
	)
}
