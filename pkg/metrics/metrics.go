package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Cluster metrics
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scm_nodes_total",
			Help: "Total number of registered nodes by health state",
		},
		[]string{"health"},
	)

	PipelinesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scm_pipelines_total",
			Help: "Total number of pipelines by state",
		},
		[]string{"state"},
	)

	ContainersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scm_containers_total",
			Help: "Total number of containers by state",
		},
		[]string{"state"},
	)

	SafeModeActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "scm_safe_mode_active",
			Help: "Whether the cluster is currently in safe mode (1 = yes, 0 = no)",
		},
	)

	// Raft metrics
	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "scm_raft_is_leader",
			Help: "Whether this replica is the Raft leader (1 = leader, 0 = follower)",
		},
	)

	RaftPeers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "scm_raft_peers_total",
			Help: "Total number of Raft peers in the cluster",
		},
	)

	RaftLogIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "scm_raft_log_index",
			Help: "Current Raft log index",
		},
	)

	RaftAppliedIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "scm_raft_applied_index",
			Help: "Last applied Raft log index",
		},
	)

	// RPC metrics
	RPCRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scm_rpc_requests_total",
			Help: "Total number of RPC requests by method and status",
		},
		[]string{"method", "status"},
	)

	RPCRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scm_rpc_request_duration_seconds",
			Help:    "RPC request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Raft apply metrics
	RaftApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scm_raft_apply_duration_seconds",
			Help:    "Time taken to apply a Raft log entry in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	RaftSubmitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scm_raft_submit_duration_seconds",
			Help:    "Time taken for a submit to the replicated log to commit in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Sweeper / placement metrics
	NodeSweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scm_node_sweep_duration_seconds",
			Help:    "Time taken for one node-health sweeper tick in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	PipelineCreateDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scm_pipeline_create_duration_seconds",
			Help:    "Time taken to create a pipeline in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ContainerAllocateDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scm_container_allocate_duration_seconds",
			Help:    "Time taken to allocate a container in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	InsufficientDatanodesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scm_insufficient_datanodes_total",
			Help: "Total number of pipeline creations rejected for insufficient healthy datanodes",
		},
	)
)

func init() {
	prometheus.MustRegister(
		NodesTotal,
		PipelinesTotal,
		ContainersTotal,
		SafeModeActive,
		RaftLeader,
		RaftPeers,
		RaftLogIndex,
		RaftAppliedIndex,
		RPCRequestsTotal,
		RPCRequestDuration,
		RaftApplyDuration,
		RaftSubmitDuration,
		NodeSweepDuration,
		PipelineCreateDuration,
		ContainerAllocateDuration,
		InsufficientDatanodesTotal,
	)
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
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
