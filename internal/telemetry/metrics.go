package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// LatencyBuckets is shared by every histogram in the pipeline so that
// dashboards can compare apples to apples across components.
var LatencyBuckets = []float64{
	.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120,
}

// TableLabels is the common label set for per-binding metrics.
var TableLabels = []string{"team", "table"}

// Metrics groups every counter/histogram the pipeline records. A
// single instance is constructed at process start and threaded
// through the Runtime.
type Metrics struct {
	CycleDuration *prometheus.HistogramVec
	CycleErrors   *prometheus.CounterVec

	IssuesSeen     *prometheus.CounterVec
	IssuesStale    *prometheus.CounterVec
	RowsCreated    *prometheus.CounterVec
	RowsUpdated    *prometheus.CounterVec
	RowsFailed     *prometheus.CounterVec
	BatchCreateReq *prometheus.CounterVec

	UserCachePending *prometheus.GaugeVec
	UserCacheHits    *prometheus.CounterVec
	UserCacheMisses  *prometheus.CounterVec
}

// NewMetrics registers and returns the pipeline's metric set against
// the default Prometheus registry.
func NewMetrics() *Metrics {
	return &Metrics{
		CycleDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ticket_sink_cycle_duration_seconds",
			Help:    "the length of time a single table sync cycle took",
			Buckets: LatencyBuckets,
		}, TableLabels),
		CycleErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ticket_sink_cycle_errors_total",
			Help: "the number of cycles that aborted without writing the processing log",
		}, TableLabels),
		IssuesSeen: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ticket_sink_issues_seen_total",
			Help: "issues returned by the source query, before staleness filtering",
		}, TableLabels),
		IssuesStale: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ticket_sink_issues_stale_total",
			Help: "issues that survived the processing log staleness filter",
		}, TableLabels),
		RowsCreated: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ticket_sink_rows_created_total",
			Help: "sink rows created",
		}, TableLabels),
		RowsUpdated: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ticket_sink_rows_updated_total",
			Help: "sink rows updated",
		}, TableLabels),
		RowsFailed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ticket_sink_rows_failed_total",
			Help: "issues that failed to apply to the sink",
		}, TableLabels),
		BatchCreateReq: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ticket_sink_batch_create_requests_total",
			Help: "number of batch_create calls issued to the sink",
		}, TableLabels),
		UserCachePending: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ticket_sink_user_cache_pending",
			Help: "usernames currently awaiting offline directory resolution",
		}, []string{}),
		UserCacheHits: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ticket_sink_user_cache_hits_total",
			Help: "UserMapper lookups resolved from a valid or empty cache entry",
		}, []string{}),
		UserCacheMisses: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ticket_sink_user_cache_misses_total",
			Help: "UserMapper lookups that enqueued a new pending entry",
		}, []string{}),
	}
}
