package metrics

import (
	"time"

	"github.com/coldb/coldb/pkg/cluster"
)

// StatsSource is the subset of Engine that Collector samples. Declared
// here rather than imported so pkg/metrics (which pkg/engine already
// imports) does not import pkg/engine back.
type StatsSource interface {
	Stats() map[string]any
}

// Collector periodically samples an engine's table and cluster stats
// into the package's Prometheus gauges, the way the dashboard-facing
// metrics in this package are meant to stay current without every
// call site having to remember to update them inline.
type Collector struct {
	source StatsSource
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector over source.
func NewCollector(source StatsSource) *Collector {
	return &Collector{
		source: source,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics every 15 seconds.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	stats := c.source.Stats()
	c.collectTableMetrics(stats)
	c.collectClusterMetrics(stats)
}

func (c *Collector) collectTableMetrics(stats map[string]any) {
	tables, ok := stats["tables"].(map[string]any)
	if !ok {
		return
	}
	TablesTotal.Set(float64(len(tables)))
}

func (c *Collector) collectClusterMetrics(stats map[string]any) {
	raw, ok := stats["cluster"]
	if !ok {
		return
	}
	cs, ok := raw.(cluster.ManagerStats)
	if !ok {
		return
	}

	NodesTotal.WithLabelValues("active").Set(float64(cs.Registry.PeerCount + 1))

	var vnodes int
	for _, n := range cs.RingStats {
		vnodes += n.Vnodes
	}
	RingVirtualNodesTotal.Set(float64(vnodes))

	CacheHitRate.WithLabelValues("distributed").Set(cs.Cache.HitRate)
}
