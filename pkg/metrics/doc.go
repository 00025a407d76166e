/*
Package metrics provides Prometheus metrics collection and exposition for coldb.

The metrics package defines and registers all coldb metrics using the Prometheus
client library, providing observability into storage engine internals (memtables,
SSTables, WAL, flush/compaction), cluster membership, and per-operation latency.
Metrics are exposed via an HTTP endpoint for scraping by Prometheus servers.

# Architecture

coldb's metrics system follows Prometheus best practices with instrumentation
across the storage and cluster layers:

	┌──────────────────── METRICS SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │          Prometheus Registry                │          │
	│  │  - Global DefaultRegistry                   │          │
	│  │  - MustRegister at package init             │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │              Metric Types                   │          │
	│  │                                              │          │
	│  │  Gauge: Instant values (table count)        │          │
	│  │  Counter: Monotonic increases (operations)  │          │
	│  │  Histogram: Distributions (latency)         │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Metric Categories                  │          │
	│  │                                              │          │
	│  │  Storage: tables, rows, memtables, SSTables │          │
	│  │  Cluster: nodes, ring, distributed cache    │          │
	│  │  Engine ops: insert/update/delete/select    │          │
	│  │  WAL / flush / compaction durations         │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │          HTTP Metrics Endpoint               │          │
	│  │  - Path: /metrics                           │          │
	│  │  - Format: Prometheus text exposition       │          │
	│  │  - Handler: promhttp.Handler()              │          │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Core Components

Metric Registry:
  - Global Prometheus DefaultRegistry
  - All metrics registered at package init
  - Thread-safe for concurrent updates

Collector:
  - Periodically samples Engine.Stats() into gauges that don't have a
    natural call site to update inline (table count, cluster node
    count, ring size, cache hit rate)
  - Counters and histograms are updated directly at the call site
    instead; all such call sites are in pkg/engine

Timer Helper:
  - Convenience wrapper for timing operations
  - Start timer, observe duration to histogram
  - Supports label values for histogram vectors

Health Checker:
  - Tracks per-component health for /health, /ready, and /live HTTP
    endpoints; the serve command registers wal and engine, and /ready
    requires both

# Metrics Catalog

Storage Metrics:

coldb_tables_total:
  - Type: Gauge
  - Description: Total number of registered tables
  - Example: coldb_tables_total 4

coldb_rows_total{table}:
  - Type: Gauge
  - Description: Rows inserted by table since process start; deletes do
    not decrement it
  - Labels: table
  - Example: coldb_rows_total{table="events"} 150000

coldb_memtable_size_bytes{table}:
  - Type: Gauge
  - Description: Current active memtable size in bytes by table
  - Labels: table

coldb_sstables_total{table, level}:
  - Type: Gauge
  - Description: Total number of SSTable segments by table and level
  - Labels: table, level

Cluster Metrics:

coldb_nodes_total{state}:
  - Type: Gauge
  - Description: Total number of nodes known to the cluster by state
  - Labels: state
  - Example: coldb_nodes_total{state="active"} 3

coldb_ring_virtual_nodes_total:
  - Type: Gauge
  - Description: Total number of virtual nodes on the consistent-hash ring

coldb_cache_hit_rate{cache}:
  - Type: Gauge
  - Description: Query/distributed cache hit rate (0.0-1.0) by cache name
  - Labels: cache

Operation Metrics:

coldb_operations_total{op, status}:
  - Type: Counter
  - Description: Total number of engine operations by kind and status
  - Labels: op (insert/update/delete/select/...), status (ok/error)

coldb_operation_duration_seconds{op}:
  - Type: Histogram
  - Description: Engine operation duration in seconds by kind

coldb_cluster_requests_total{action, status}:
  - Type: Counter
  - Description: Total number of inter-node data-plane requests

coldb_cluster_request_duration_seconds{action}:
  - Type: Histogram
  - Description: Inter-node request duration in seconds by action

coldb_fanout_read_duration_seconds:
  - Type: Histogram
  - Description: Time to complete a fan-out read across peer clusters

WAL / Flush / Compaction Metrics:

coldb_wal_append_duration_seconds:
  - Type: Histogram
  - Description: Time to append and fsync a WAL record

coldb_flush_duration_seconds{table}:
  - Type: Histogram
  - Description: Time to flush a memtable to an SSTable segment

coldb_flushes_total{table, status}:
  - Type: Counter
  - Description: Total number of memtable flushes

coldb_compaction_duration_seconds{table}:
  - Type: Histogram
  - Description: Time to compact a level's segments

coldb_compactions_total{table, status}:
  - Type: Counter
  - Description: Total number of compaction runs

coldb_transactions_total{outcome}:
  - Type: Counter
  - Description: Total number of transactions by outcome (committed/aborted)

# Usage

Updating Gauge Metrics:

	import "github.com/coldb/coldb/pkg/metrics"

	metrics.TablesTotal.Set(4)
	metrics.RowsTotal.WithLabelValues("events").Inc()

Updating Counter Metrics:

	metrics.OperationsTotal.WithLabelValues("insert", "ok").Inc()

Recording Histogram Observations:

	timer := metrics.NewTimer()
	// ... perform operation ...
	timer.ObserveDuration(metrics.WALAppendDuration)

Using Timer with Labels:

	timer := metrics.NewTimer()
	// ... perform operation ...
	timer.ObserveDurationVec(metrics.FlushDuration, "events")

Running the Collector:

	collector := metrics.NewCollector(engine)
	collector.Start()
	defer collector.Stop()

Exposing the Endpoint:

	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", metrics.HealthHandler())
	mux.Handle("/ready", metrics.ReadyHandler())
	mux.Handle("/live", metrics.LivenessHandler())

# Integration Points

This package integrates with:

  - pkg/engine: Instruments operation counts, inserted rows, table,
    memtable and SSTable gauges, successful flush counts, transaction
    outcomes, and inter-node request counts/durations
  - Collector: Sets node, ring and distributed-cache gauges from
    Engine.Stats()
  - Prometheus: Scrapes /metrics endpoint

No package observes the WAL append, flush duration, compaction or
fan-out read histograms or increments the compaction counter; they are
registered and exported with no samples.

# Design Patterns

Package Init Registration:
  - All metrics registered in init() function
  - MustRegister panics on duplicate registration
  - Ensures metrics available before main()

Label Discipline:
  - Use WithLabelValues for cardinality-bounded labels
  - Avoid high-cardinality labels (row ids, timestamps)
  - Keep label count low (< 5 per metric)

Timer Pattern:
  - Create timer at operation start
  - Explicitly call ObserveDuration/ObserveDurationVec when the
    operation completes
  - Supports both simple and vector histograms

# Monitoring

Prometheus Queries (PromQL):

Storage Health:
  - Total rows: sum(coldb_rows_total)
  - Memtable pressure: coldb_memtable_size_bytes
  - SSTables per level: sum by (level) (coldb_sstables_total)

Cluster Health:
  - Active nodes: coldb_nodes_total{state="active"}
  - Cache effectiveness: coldb_cache_hit_rate

Operation Performance:
  - Error rate: rate(coldb_operations_total{status="error"}[1m])
  - p95 latency: histogram_quantile(0.95, coldb_operation_duration_seconds_bucket)

WAL / Flush Health:
  - WAL append p99: histogram_quantile(0.99, coldb_wal_append_duration_seconds_bucket)
  - Flush failure rate: rate(coldb_flushes_total{status="error"}[5m])

# See Also

  - Prometheus documentation: https://prometheus.io/docs/
  - Prometheus client library: https://github.com/prometheus/client_golang
  - PromQL tutorial: https://prometheus.io/docs/prometheus/latest/querying/basics/
*/
package metrics
