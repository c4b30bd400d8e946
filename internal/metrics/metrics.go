package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ClaimsTotal tracks claim attempts per item kind and result (won, lost, empty, recovered)
	ClaimsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swarm_claims_total",
			Help: "Total number of claim attempts",
		},
		[]string{"kind", "result"},
	)

	// ActionsTotal tracks provider actions per action kind and outcome
	ActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swarm_actions_total",
			Help: "Total number of provider actions",
		},
		[]string{"action", "outcome"},
	)

	// ClassifiedErrorsTotal tracks provider errors per category
	ClassifiedErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swarm_classified_errors_total",
			Help: "Total number of provider errors by category",
		},
		[]string{"category"},
	)

	// FloodWaitsArmed tracks cool-down windows armed per account
	FloodWaitsArmed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swarm_flood_waits_armed_total",
			Help: "Total number of flood waits armed",
		},
		[]string{"account"},
	)

	// FloodWaitSeconds tracks the armed cool-down durations
	FloodWaitSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "swarm_flood_wait_seconds",
			Help:    "Flood wait durations in seconds",
			Buckets: []float64{30, 60, 300, 900, 3600, 14400, 86400},
		},
	)

	// QuotaConsumed tracks quota units consumed per account
	QuotaConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swarm_quota_consumed_total",
			Help: "Total number of daily quota units consumed",
		},
		[]string{"account"},
	)

	// BatchesTotal tracks finished batch cycles per variant and phase
	BatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swarm_batches_total",
			Help: "Total number of batch cycles by terminal phase",
		},
		[]string{"variant", "phase"},
	)

	// ProbesTotal tracks health probes per status
	ProbesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swarm_probes_total",
			Help: "Total number of session health probes",
		},
		[]string{"status"},
	)

	// ProbeLatency tracks probe duration
	ProbeLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "swarm_probe_latency_seconds",
			Help:    "Session probe latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// HeartbeatTimestamp is the unix time of this worker's last heartbeat
	HeartbeatTimestamp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "swarm_heartbeat_timestamp_seconds",
			Help: "Unix time of the last heartbeat written",
		},
	)

	// NotificationsTotal tracks summary notifications per result
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swarm_notifications_total",
			Help: "Total number of summary notifications",
		},
		[]string{"result"},
	)

	// DBConnectionPoolUsage is the open/max connection ratio in percent
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "swarm_db_connection_pool_usage_percent",
			Help: "Database connection pool usage in percent",
		},
	)
)
