package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Raft / cluster metrics
	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "meridian_raft_is_leader",
			Help: "Whether this node is the Raft leader (1 = leader, 0 = follower)",
		},
	)

	RaftPeers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "meridian_raft_peers_total",
			Help: "Total number of Raft peers in the cluster",
		},
	)

	RaftLogIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "meridian_raft_log_index",
			Help: "Current Raft log index",
		},
	)

	RaftAppliedIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "meridian_raft_applied_index",
			Help: "Last applied Raft log index",
		},
	)

	RaftApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "meridian_raft_apply_duration_seconds",
			Help:    "Time taken for Apply() to return a committed response, in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	RaftCommitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "meridian_raft_commit_duration_seconds",
			Help:    "Time taken for a Raft log entry to be committed, in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Config engine metrics
	ConfigEntriesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "meridian_config_entries_total",
			Help: "Total number of configuration entries held in memory",
		},
	)

	ConfigListenersTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "meridian_config_listeners_total",
			Help: "Total number of active configuration long-poll listeners",
		},
	)

	ConfigPublishTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_config_publish_total",
			Help: "Total number of configuration publish operations by result",
		},
		[]string{"result"},
	)

	ConfigLongPollDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "meridian_config_long_poll_duration_seconds",
			Help:    "Time a long-poll listener request spent waiting before responding",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Naming engine metrics
	ServicesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "meridian_services_total",
			Help: "Total number of registered services",
		},
	)

	InstancesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "meridian_instances_total",
			Help: "Total number of service instances by health and ephemeral status",
		},
		[]string{"healthy", "ephemeral"},
	)

	InstanceHeartbeatsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_instance_heartbeats_total",
			Help: "Total number of instance heartbeats processed by result",
		},
		[]string{"result"},
	)

	InstanceTimeoutsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "meridian_instance_timeouts_total",
			Help: "Total number of ephemeral instances removed by the timeout wheel",
		},
	)

	// Cache engine metrics
	CacheEntriesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "meridian_cache_entries_total",
			Help: "Total number of cache entries by cache type",
		},
		[]string{"cache_type"},
	)

	CacheExpirationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "meridian_cache_expirations_total",
			Help: "Total number of cache entries expired by the sweep loop",
		},
	)

	// Push layer metrics
	PushQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "meridian_push_queue_depth",
			Help: "Sum of outbound queue depth across all connected push subscribers",
		},
	)

	PushNotifyTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_push_notify_total",
			Help: "Total number of push notifications sent by transport and result",
		},
		[]string{"transport", "result"},
	)

	ConnectionsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "meridian_connections_total",
			Help: "Total number of active client connections by transport",
		},
		[]string{"transport"},
	)

	// External-interface metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_api_requests_total",
			Help: "Total number of API requests by interface, method and status",
		},
		[]string{"interface", "method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "meridian_api_request_duration_seconds",
			Help:    "API request duration in seconds by interface and method",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"interface", "method"},
	)

	RouterForwardsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_router_forwards_total",
			Help: "Total number of write requests routed to the leader (applied locally or forwarded), by result",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(RaftLeader)
	prometheus.MustRegister(RaftPeers)
	prometheus.MustRegister(RaftLogIndex)
	prometheus.MustRegister(RaftAppliedIndex)
	prometheus.MustRegister(RaftApplyDuration)
	prometheus.MustRegister(RaftCommitDuration)

	prometheus.MustRegister(ConfigEntriesTotal)
	prometheus.MustRegister(ConfigListenersTotal)
	prometheus.MustRegister(ConfigPublishTotal)
	prometheus.MustRegister(ConfigLongPollDuration)

	prometheus.MustRegister(ServicesTotal)
	prometheus.MustRegister(InstancesTotal)
	prometheus.MustRegister(InstanceHeartbeatsTotal)
	prometheus.MustRegister(InstanceTimeoutsTotal)

	prometheus.MustRegister(CacheEntriesTotal)
	prometheus.MustRegister(CacheExpirationsTotal)

	prometheus.MustRegister(PushQueueDepth)
	prometheus.MustRegister(PushNotifyTotal)
	prometheus.MustRegister(ConnectionsTotal)

	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(RouterForwardsTotal)
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
