// Package metrics registers the Prometheus collectors exposed at
// /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Request metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	RequestErrors   *prometheus.CounterVec

	// Blob gateway metrics
	UploadBytes     *prometheus.CounterVec
	ObjectsDeleted  *prometheus.CounterVec
	TempURLsIssued  prometheus.Counter
	ValidationFails *prometheus.CounterVec

	// Backup metrics
	BackupsTotal  *prometheus.CounterVec
	RestoresTotal *prometheus.CounterVec

	// Tier migration metrics
	TierMigrationsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers Prometheus metrics
func NewMetrics() *Metrics {
	return &Metrics{
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storage_requests_total",
				Help: "Total number of HTTP requests processed",
			},
			[]string{"method", "path", "status"},
		),

		RequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "storage_request_duration_seconds",
				Help:    "Duration of HTTP request processing",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		RequestErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storage_request_errors_total",
				Help: "Total number of request errors by kind",
			},
			[]string{"kind"},
		),

		UploadBytes: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storage_upload_bytes_total",
				Help: "Total bytes accepted by the blob gateway",
			},
			[]string{"container"},
		),

		ObjectsDeleted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storage_objects_deleted_total",
				Help: "Total objects deleted through the blob gateway",
			},
			[]string{"container"},
		),

		TempURLsIssued: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "storage_temp_urls_issued_total",
				Help: "Total temporary access URLs issued",
			},
		),

		ValidationFails: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storage_upload_validation_failures_total",
				Help: "Total uploads rejected by the validation pipeline",
			},
			[]string{"reason"},
		),

		BackupsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storage_backups_total",
				Help: "Total backup runs started",
			},
			[]string{"result"},
		),

		RestoresTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storage_restores_total",
				Help: "Total restore runs",
			},
			[]string{"result"},
		),

		TierMigrationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storage_tier_migrations_total",
				Help: "Total tier migrations started",
			},
			[]string{"result"},
		),
	}
}
