// Package metrics exposes KVLDS's internal counters and gauges via
// Prometheus client_golang, the way a node's RPC/metrics layer bundles
// its gauges and counters into one registry at startup.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry bundles every gauge/counter KVLDS exports, one struct so a
// server can register them all with a single prometheus.Registerer at
// startup.
type Registry struct {
	PoolOccupancy   prometheus.Gauge
	PoolTarget      prometheus.Gauge
	CleanerDebt     prometheus.Gauge
	SyncTotal       prometheus.Counter
	SyncPagesTotal  prometheus.Counter
	BatchSize       prometheus.Histogram
	RequestsTotal   *prometheus.CounterVec
	RequestErrors   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// NewRegistry constructs and registers every metric against reg.
func NewRegistry(reg prometheus.Registerer) *Registry {
	r := &Registry{
		PoolOccupancy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kvlds", Subsystem: "pool", Name: "occupancy",
			Help: "Number of B+Tree nodes currently present in the page pool.",
		}),
		PoolTarget: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kvlds", Subsystem: "pool", Name: "target",
			Help: "Configured target occupancy of the page pool.",
		}),
		CleanerDebt: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kvlds", Subsystem: "cleaner", Name: "debt",
			Help: "Outstanding storage-cost cleaning debt, in pages.",
		}),
		SyncTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kvlds", Subsystem: "sync", Name: "total",
			Help: "Number of completed Sync batches.",
		}),
		SyncPagesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kvlds", Subsystem: "sync", Name: "pages_total",
			Help: "Total pages written across all Sync batches.",
		}),
		BatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "kvlds", Subsystem: "dispatch", Name: "batch_size",
			Help:    "Number of requests grouped into one commit batch.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kvlds", Subsystem: "requests", Name: "total",
			Help: "Requests handled, by opcode.",
		}, []string{"op"}),
		RequestErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kvlds", Subsystem: "requests", Name: "errors_total",
			Help: "Requests that failed, by opcode.",
		}, []string{"op"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kvlds", Subsystem: "requests", Name: "duration_seconds",
			Help:    "Request handling latency, by opcode.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
	}
	reg.MustRegister(
		r.PoolOccupancy, r.PoolTarget, r.CleanerDebt,
		r.SyncTotal, r.SyncPagesTotal, r.BatchSize,
		r.RequestsTotal, r.RequestErrors, r.RequestDuration,
	)
	return r
}
