// Package metrics provides Prometheus metrics for a migration run.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MigrationMetrics holds all Prometheus metrics for the orchestrator.
type MigrationMetrics struct {
	registry *prometheus.Registry

	AssetsProcessed *prometheus.CounterVec // labels: phase
	Errors          *prometheus.CounterVec // labels: class
	Matches         *prometheus.CounterVec // labels: strategy
	ChangelogWrites *prometheus.CounterVec // labels: type
	BytesMoved      prometheus.Counter

	PhaseIndex prometheus.Gauge
	BatchIndex prometheus.Gauge
}

// New initializes all metrics on a fresh registry with the migration ID
// as a constant label.
func New(migrationID string) *MigrationMetrics {
	registry := prometheus.NewRegistry()
	constLabels := prometheus.Labels{"migration": migrationID}

	return &MigrationMetrics{
		registry: registry,
		AssetsProcessed: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name:        "assetshift_assets_processed_total",
			Help:        "Assets processed, by phase",
			ConstLabels: constLabels,
		}, []string{"phase"}),
		Errors: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name:        "assetshift_errors_total",
			Help:        "Errors encountered, by recovery class",
			ConstLabels: constLabels,
		}, []string{"class"}),
		Matches: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name:        "assetshift_match_total",
			Help:        "File matcher hits, by strategy",
			ConstLabels: constLabels,
		}, []string{"strategy"}),
		ChangelogWrites: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name:        "assetshift_changelog_entries_total",
			Help:        "Change log entries written, by type",
			ConstLabels: constLabels,
		}, []string{"type"}),
		BytesMoved: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name:        "assetshift_bytes_moved_total",
			Help:        "Bytes moved to the target provider",
			ConstLabels: constLabels,
		}),
		PhaseIndex: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
			Name:        "assetshift_phase",
			Help:        "Index of the currently executing phase",
			ConstLabels: constLabels,
		}),
		BatchIndex: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
			Name:        "assetshift_batch_index",
			Help:        "Index of the batch being processed in the current phase",
			ConstLabels: constLabels,
		}),
	}
}

// Handler returns an HTTP handler exposing the metrics.
func (m *MigrationMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *MigrationMetrics) Registry() *prometheus.Registry {
	return m.registry
}
