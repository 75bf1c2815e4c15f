package engine

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/tripscope/metric"
)

// engineMetrics holds Prometheus metrics for runtime-level operations.
type engineMetrics struct {
	// Snapshot operations
	snapshots        *prometheus.CounterVec   // By operation (export/import) and status
	snapshotDuration *prometheus.HistogramVec // By operation

	// Startup restore of persisted instances
	restores *prometheus.CounterVec // By status

	// Action requests handled for instances
	actions *prometheus.CounterVec // By action and status

	// Groups
	groupSyncs *prometheus.CounterVec // By group_id
	groups     prometheus.Gauge
}

// newEngineMetrics creates and registers engine metrics with the provided registry.
func newEngineMetrics(registry *metric.MetricsRegistry) (*engineMetrics, error) {
	if registry == nil {
		return nil, nil // Metrics disabled
	}

	m := &engineMetrics{
		snapshots: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tripscope",
			Subsystem: "engine",
			Name:      "snapshots_total",
			Help:      "Total number of snapshot exports and imports",
		}, []string{"operation", "status"}),

		snapshotDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tripscope",
			Subsystem: "engine",
			Name:      "snapshot_duration_seconds",
			Help:      "Snapshot export and import duration in seconds",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
		}, []string{"operation"}),

		restores: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tripscope",
			Subsystem: "engine",
			Name:      "restored_instances_total",
			Help:      "Persisted instances restored at startup",
		}, []string{"status"}), // status: success, failure, skipped

		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tripscope",
			Subsystem: "engine",
			Name:      "actions_total",
			Help:      "Action requests handled by widget instances",
		}, []string{"action", "status"}),

		groupSyncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tripscope",
			Subsystem: "engine",
			Name:      "group_syncs_total",
			Help:      "Total number of widget group sync operations",
		}, []string{"group_id"}),

		groups: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tripscope",
			Subsystem: "engine",
			Name:      "groups",
			Help:      "Current number of widget groups",
		}),
	}

	if err := registry.RegisterCounterVec("engine", "snapshots", m.snapshots); err != nil {
		return nil, err
	}
	if err := registry.RegisterHistogramVec("engine", "snapshot_duration", m.snapshotDuration); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("engine", "restored_instances", m.restores); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("engine", "actions", m.actions); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("engine", "group_syncs", m.groupSyncs); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge("engine", "groups", m.groups); err != nil {
		return nil, err
	}

	return m, nil
}

func statusLabel(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}

// recordSnapshot records a snapshot export or import.
func (m *engineMetrics) recordSnapshot(operation string, err error, duration float64) {
	if m == nil {
		return
	}
	m.snapshots.WithLabelValues(operation, statusLabel(err)).Inc()
	m.snapshotDuration.WithLabelValues(operation).Observe(duration)
}

func (m *engineMetrics) recordRestore(status string) {
	if m != nil {
		m.restores.WithLabelValues(status).Inc()
	}
}

func (m *engineMetrics) recordAction(action string, err error) {
	if m != nil {
		m.actions.WithLabelValues(action, statusLabel(err)).Inc()
	}
}

func (m *engineMetrics) recordGroupSync(groupID string) {
	if m != nil {
		m.groupSyncs.WithLabelValues(groupID).Inc()
	}
}

// setGroups sets the group count directly.
func (m *engineMetrics) setGroups(count int) {
	if m != nil {
		m.groups.Set(float64(count))
	}
}
