package metrics

import "time"

// ClusterStats is the subset of cluster.Node state the collector samples.
// Defined locally to avoid an import cycle between pkg/metrics and pkg/cluster.
type ClusterStats struct {
	IsLeader     bool
	PeerCount    int
	LastLogIndex uint64
	AppliedIndex uint64
}

// EngineStats is the subset of engine state the collector samples.
type EngineStats struct {
	ConfigEntries   int
	ConfigListeners int
	Services        int
	HealthyInstances int
	UnhealthyInstances int
	EphemeralInstances int
	PersistentInstances int
	CacheEntriesByType map[string]int
	PushQueueDepth int
}

// StatsSource is implemented by the components the collector samples from.
// No type in this repository implements it, and cmd/meridiand does not
// start a Collector.
type StatsSource interface {
	ClusterStats() ClusterStats
	EngineStats() EngineStats
}

// Collector periodically samples gauges that are cheaper to poll than to
// update inline on every mutation (Raft index counters, map sizes).
type Collector struct {
	source StatsSource
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector bound to source.
func NewCollector(source StatsSource) *Collector {
	return &Collector{
		source: source,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics on a 15 second interval.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
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
	c.collectRaftMetrics()
	c.collectEngineMetrics()
}

func (c *Collector) collectRaftMetrics() {
	stats := c.source.ClusterStats()

	if stats.IsLeader {
		RaftLeader.Set(1)
	} else {
		RaftLeader.Set(0)
	}

	RaftPeers.Set(float64(stats.PeerCount))
	RaftLogIndex.Set(float64(stats.LastLogIndex))
	RaftAppliedIndex.Set(float64(stats.AppliedIndex))
}

func (c *Collector) collectEngineMetrics() {
	stats := c.source.EngineStats()

	ConfigEntriesTotal.Set(float64(stats.ConfigEntries))
	ConfigListenersTotal.Set(float64(stats.ConfigListeners))
	ServicesTotal.Set(float64(stats.Services))

	InstancesTotal.Reset()
	InstancesTotal.WithLabelValues("true", "true").Set(float64(stats.HealthyInstances))
	InstancesTotal.WithLabelValues("false", "true").Set(float64(stats.UnhealthyInstances))

	for cacheType, count := range stats.CacheEntriesByType {
		CacheEntriesTotal.WithLabelValues(cacheType).Set(float64(count))
	}

	PushQueueDepth.Set(float64(stats.PushQueueDepth))
}
