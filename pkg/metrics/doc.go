/*
Package metrics provides Prometheus metrics collection and exposition for
meridiand.

It defines and registers every node metric using the Prometheus client
library: Raft health, config engine activity, naming engine activity,
cache engine activity, the push layer, and the external API surfaces.
Metrics are exposed via the /metrics endpoint mounted by pkg/diagserver
for scraping by a Prometheus server.

# Architecture

	┌──────────────────── METRICS SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │          Prometheus Registry                │          │
	│  │  - Global DefaultRegistry                   │          │
	│  │  - MustRegister at package init             │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Metric Categories                 │          │
	│  │                                              │          │
	│  │  Raft: leader status, log/applied index,    │          │
	│  │        peer count, apply/commit duration    │          │
	│  │  Config: entry count, listener count,       │          │
	│  │          publish result, long-poll duration │          │
	│  │  Naming: service/instance counts by         │          │
	│  │          health and ephemeral status,       │          │
	│  │          heartbeat result, timeout removals │          │
	│  │  Cache: entries by cache type, expirations  │          │
	│  │  Push: outbound queue depth, notify result  │          │
	│  │        by transport, active connections     │          │
	│  │  API: request count/duration by interface   │          │
	│  │       and method, router forward result     │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │            /metrics Endpoint                │          │
	│  │  Mounted by pkg/diagserver on the           │          │
	│  │  operational HTTP listener, separate from   │          │
	│  │  the public Nacos-compatible gRPC/HTTP      │          │
	│  │  listeners.                                 │          │
	│  └──────────────────────────────────────────────┘          │
	└────────────────────────────────────────────────────────────┘

# Usage

Metrics are package-level variables registered once at init time;
components update them directly rather than going through a collector
indirection layer:

	import "github.com/meridian-io/meridian/pkg/metrics"

	metrics.RaftLeader.Set(1)
	metrics.ConfigPublishTotal.WithLabelValues("ok").Inc()

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.RaftApplyDuration)

Mount the registry's HTTP handler wherever metrics should be scraped:

	mux.Handle("/metrics", metrics.Handler())

# Metric reference

meridian_raft_is_leader:
  - Type: Gauge
  - Description: Whether this node currently holds Raft leadership (1/0)

meridian_raft_peers_total:
  - Type: Gauge
  - Description: Total number of Raft peers in the cluster

meridian_raft_log_index / meridian_raft_applied_index:
  - Type: Gauge
  - Description: Current Raft log index and last applied index; their
    difference is apply lag

meridian_raft_apply_duration_seconds / meridian_raft_commit_duration_seconds:
  - Type: Histogram
  - Description: Time for Apply() to return, and time for a log entry
    to commit, respectively

meridian_config_entries_total / meridian_config_listeners_total:
  - Type: Gauge
  - Description: In-memory config entry count and active long-poll
    listener count

meridian_config_publish_total{result}:
  - Type: Counter
  - Description: Config publish operations by result ("ok", "error")

meridian_config_long_poll_duration_seconds:
  - Type: Histogram
  - Description: Time a long-poll request waited before responding

meridian_services_total:
  - Type: Gauge
  - Description: Total registered services

meridian_instances_total{healthy, ephemeral}:
  - Type: GaugeVec
  - Description: Instance count by health and ephemeral status

meridian_instance_heartbeats_total{result}:
  - Type: CounterVec
  - Description: Heartbeats processed by result

meridian_instance_timeouts_total:
  - Type: Counter
  - Description: Ephemeral instances removed by the timeout wheel

meridian_cache_entries_total{cache_type}:
  - Type: GaugeVec
  - Description: Cache entry count by cache type

meridian_cache_expirations_total:
  - Type: Counter
  - Description: Cache entries expired by the sweep loop

meridian_push_queue_depth:
  - Type: Gauge
  - Description: Sum of outbound queue depth across connected subscribers

meridian_push_notify_total{transport, result}:
  - Type: CounterVec
  - Description: Push notifications sent by transport and result

meridian_connections_total{transport}:
  - Type: GaugeVec
  - Description: Active client connections by transport (grpc, http)

meridian_api_requests_total{interface, method, status}:
  - Type: CounterVec
  - Description: API requests by interface, method, and status

meridian_api_request_duration_seconds{interface, method}:
  - Type: HistogramVec
  - Description: API request duration by interface and method

meridian_router_forwards_total{result}:
  - Type: CounterVec
  - Description: Write requests routed to the leader (applied locally or forwarded), by result

# Example Prometheus queries

  - Has leader: max(meridian_raft_is_leader) > 0
  - Leader changes: changes(meridian_raft_is_leader[10m])
  - Log lag: meridian_raft_log_index - meridian_raft_applied_index
  - Config publish error rate: rate(meridian_config_publish_total{result="error"}[5m])
  - Unhealthy instance ratio: meridian_instances_total{healthy="false"} / sum(meridian_instances_total)
  - API p95 latency: histogram_quantile(0.95, meridian_api_request_duration_seconds_bucket)
  - Router forward failure rate: rate(meridian_router_forwards_total{result="error"}[5m])
*/
package metrics
