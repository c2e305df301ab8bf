// Package metrics provides Prometheus metrics for chainkv
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for chainkv
type Metrics struct {
	// Store operation metrics
	StoreOperationsTotal   *prometheus.CounterVec
	StoreOperationDuration *prometheus.HistogramVec

	// Insert metrics
	InsertSplitsTotal prometheus.Counter

	// Get metrics
	GetHitsTotal   prometheus.Counter
	GetMissesTotal prometheus.Counter

	// Checkpoint / reclamation metrics
	CheckpointsTotal      prometheus.Counter
	CheckpointDuration    prometheus.Histogram
	PagesReclaimedTotal   prometheus.Counter

	// Server metrics
	ServerUptimeSeconds prometheus.Gauge
	ServerStartTime     time.Time
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics() *Metrics {
	m := &Metrics{
		ServerStartTime: time.Now(),
	}

	// Store operation metrics
	m.StoreOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainkv_store_operations_total",
			Help: "Total number of store operations",
		},
		[]string{"operation", "status"},
	)

	m.StoreOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chainkv_store_operation_duration_seconds",
			Help:    "Duration of store operations in seconds",
			Buckets: []float64{.0001, .0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"operation"},
	)

	// Insert metrics
	m.InsertSplitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chainkv_insert_splits_total",
			Help: "Total number of inserts that triggered a leaf or internal node split",
		},
	)

	// Get metrics
	m.GetHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chainkv_get_hits_total",
			Help: "Total number of Get calls that found the key",
		},
	)

	m.GetMissesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chainkv_get_misses_total",
			Help: "Total number of Get calls that did not find the key",
		},
	)

	// Checkpoint / reclamation metrics
	m.CheckpointsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chainkv_checkpoints_total",
			Help: "Total number of checkpoints run",
		},
	)

	m.CheckpointDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chainkv_checkpoint_duration_seconds",
			Help:    "Duration of checkpoint runs in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	m.PagesReclaimedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chainkv_pages_reclaimed_total",
			Help: "Total number of pages returned to the free list by a checkpoint",
		},
	)

	// Server metrics
	m.ServerUptimeSeconds = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chainkv_server_uptime_seconds",
			Help: "Server uptime in seconds",
		},
	)

	// Start uptime updater
	go m.updateUptime()

	return m
}

// updateUptime periodically updates the server uptime metric
func (m *Metrics) updateUptime() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		m.ServerUptimeSeconds.Set(time.Since(m.ServerStartTime).Seconds())
	}
}

// ObserveInsert satisfies store.Recorder: it records an Insert/InsertMany
// call's duration and whether it triggered a node split.
func (m *Metrics) ObserveInsert(d time.Duration, split bool) {
	m.StoreOperationsTotal.WithLabelValues("insert", "ok").Inc()
	m.StoreOperationDuration.WithLabelValues("insert").Observe(d.Seconds())
	if split {
		m.InsertSplitsTotal.Inc()
	}
}

// ObserveGet satisfies store.Recorder: it records a Get call's duration and
// hit/miss outcome.
func (m *Metrics) ObserveGet(d time.Duration, hit bool) {
	status := "miss"
	if hit {
		status = "hit"
		m.GetHitsTotal.Inc()
	} else {
		m.GetMissesTotal.Inc()
	}
	m.StoreOperationsTotal.WithLabelValues("get", status).Inc()
	m.StoreOperationDuration.WithLabelValues("get").Observe(d.Seconds())
}

// ObserveCheckpoint satisfies store.Recorder: it records a checkpoint's
// duration and how many pages it reclaimed.
func (m *Metrics) ObserveCheckpoint(d time.Duration, reclaimed int) {
	m.CheckpointsTotal.Inc()
	m.CheckpointDuration.Observe(d.Seconds())
	m.PagesReclaimedTotal.Add(float64(reclaimed))
}
