package metrics

import (
	"net/http"

	"github.com/duplikit/duplikit/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Session metrics
	SessionsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "duplikit_sessions_total",
			Help: "Number of clone sessions by status",
		},
		[]string{"status"},
	)

	SessionsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duplikit_sessions_created_total",
			Help: "Total number of sessions created by clone mode",
		},
		[]string{"mode"},
	)

	SessionsCompleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "duplikit_sessions_completed_total",
			Help: "Total number of sessions that reached completed",
		},
	)

	SessionsFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duplikit_sessions_failed_total",
			Help: "Total number of sessions that reached failed, by reason class",
		},
		[]string{"reason"},
	)

	// Transfer metrics
	BytesTransferred = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duplikit_bytes_transferred_total",
			Help: "Cumulative bytes transferred across all sessions",
		},
		[]string{"mode"},
	)

	TransferRate = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "duplikit_transfer_rate_bytes_per_second",
			Help: "Current transfer rate per active session",
		},
		[]string{"session_id"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duplikit_api_requests_total",
			Help: "Total number of API requests by operation and status",
		},
		[]string{"operation", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "duplikit_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// Sweep metrics
	SweepCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "duplikit_sweep_cycles_total",
			Help: "Total number of deadline sweep cycles",
		},
	)

	SweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "duplikit_sweep_duration_seconds",
			Help:    "Deadline sweep cycle duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	SessionsTimedOut = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "duplikit_sessions_timed_out_total",
			Help: "Total number of sessions failed by the deadline sweep",
		},
	)

	StagingCleanups = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "duplikit_staging_cleanups_total",
			Help: "Total number of staged images deleted after session end",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(SessionsTotal)
	prometheus.MustRegister(SessionsCreated)
	prometheus.MustRegister(SessionsCompleted)
	prometheus.MustRegister(SessionsFailed)
	prometheus.MustRegister(BytesTransferred)
	prometheus.MustRegister(TransferRate)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(SweepCyclesTotal)
	prometheus.MustRegister(SweepDuration)
	prometheus.MustRegister(SessionsTimedOut)
	prometheus.MustRegister(StagingCleanups)
}

// UpdateSessionGauges resets and repopulates the per-status session gauge
// from a full session listing. Called once per sweep cycle.
func UpdateSessionGauges(sessions []*types.CloneSession) {
	SessionsTotal.Reset()
	for _, s := range sessions {
		SessionsTotal.WithLabelValues(string(s.Status)).Inc()
	}
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
