package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Storage metrics
	TablesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "coldb_tables_total",
			Help: "Total number of registered tables",
		},
	)

	RowsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "coldb_rows_total",
			Help: "Number of rows inserted by table since process start",
		},
		[]string{"table"},
	)

	MemtableSizeBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "coldb_memtable_size_bytes",
			Help: "Current memtable size in bytes by table",
		},
		[]string{"table"},
	)

	SSTablesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "coldb_sstables_total",
			Help: "Total number of SSTable segments by table and level",
		},
		[]string{"table", "level"},
	)

	// Cluster metrics
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "coldb_nodes_total",
			Help: "Total number of nodes known to the ring by state",
		},
		[]string{"state"},
	)

	RingVirtualNodesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "coldb_ring_virtual_nodes_total",
			Help: "Total number of virtual nodes on the consistent-hash ring",
		},
	)

	CacheHitRate = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "coldb_cache_hit_rate",
			Help: "Query cache hit rate (0.0-1.0) by cache name",
		},
		[]string{"cache"},
	)

	// Request metrics
	OperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coldb_operations_total",
			Help: "Total number of engine operations by kind and status",
		},
		[]string{"op", "status"},
	)

	OperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "coldb_operation_duration_seconds",
			Help:    "Engine operation duration in seconds by kind",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	ClusterRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coldb_cluster_requests_total",
			Help: "Total number of inter-node requests by action and status",
		},
		[]string{"action", "status"},
	)

	ClusterRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "coldb_cluster_request_duration_seconds",
			Help:    "Inter-node request duration in seconds by action",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"action"},
	)

	FanOutReadDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "coldb_fanout_read_duration_seconds",
			Help:    "Time taken to complete a fan-out read across peer clusters",
			Buckets: prometheus.DefBuckets,
		},
	)

	// WAL / flush / compaction metrics
	WALAppendDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "coldb_wal_append_duration_seconds",
			Help:    "Time taken to append and fsync a WAL record in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	FlushDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "coldb_flush_duration_seconds",
			Help:    "Time taken to flush a memtable to an SSTable segment in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"table"},
	)

	FlushesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coldb_flushes_total",
			Help: "Total number of memtable flushes by table and status",
		},
		[]string{"table", "status"},
	)

	CompactionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "coldb_compaction_duration_seconds",
			Help:    "Time taken to compact a level's segments in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		},
		[]string{"table"},
	)

	CompactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coldb_compactions_total",
			Help: "Total number of compaction runs by table and status",
		},
		[]string{"table", "status"},
	)

	TransactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coldb_transactions_total",
			Help: "Total number of transactions by outcome",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(TablesTotal)
	prometheus.MustRegister(RowsTotal)
	prometheus.MustRegister(MemtableSizeBytes)
	prometheus.MustRegister(SSTablesTotal)
	prometheus.MustRegister(NodesTotal)
	prometheus.MustRegister(RingVirtualNodesTotal)
	prometheus.MustRegister(CacheHitRate)
	prometheus.MustRegister(OperationsTotal)
	prometheus.MustRegister(OperationDuration)
	prometheus.MustRegister(ClusterRequestsTotal)
	prometheus.MustRegister(ClusterRequestDuration)
	prometheus.MustRegister(FanOutReadDuration)
	prometheus.MustRegister(WALAppendDuration)
	prometheus.MustRegister(FlushDuration)
	prometheus.MustRegister(FlushesTotal)
	prometheus.MustRegister(CompactionDuration)
	prometheus.MustRegister(CompactionsTotal)
	prometheus.MustRegister(TransactionsTotal)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
