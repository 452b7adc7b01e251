// Eventsync - Analytics Event Sync and Enrichment Pipeline
// Copyright 2026 Cadence Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cadencehq/eventsync

// Package metrics provides Prometheus instrumentation for the pipeline:
// reconciler progress, geolocation cache efficiency, retention reclamation,
// and warehouse sync throughput. All metrics register through promauto on
// the default registry and are served from the operator API's /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Reconciler metrics
	SyncRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventsync_sync_runs_total",
			Help: "Total reconciler runs by outcome",
		},
		[]string{"outcome"}, // "success", "failure"
	)

	SyncedRecordsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "eventsync_synced_records_total",
			Help: "Total session records copied to the durable store",
		},
	)

	SyncRecordErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "eventsync_sync_record_errors_total",
			Help: "Total per-record upsert failures during reconciliation",
		},
	)

	SyncRunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "eventsync_sync_run_duration_seconds",
			Help:    "Duration of reconciler runs in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Geolocation metrics
	GeoLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventsync_geo_lookups_total",
			Help: "Geolocation resolutions by result",
		},
		[]string{"result"}, // "cache_hit", "lookup", "stale", "rate_limited", "invalid", "miss"
	)

	GeoCacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "eventsync_geo_cache_entries",
			Help: "Current number of geolocation cache entries",
		},
	)

	// Retention metrics
	RetentionRecordsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventsync_retention_records_dropped_total",
			Help: "Records removed from local datasets by retention",
		},
		[]string{"dataset", "reason"}, // "count_cap", "age"
	)

	RetentionBackupsPruned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "eventsync_retention_backups_pruned_total",
			Help: "Backup files removed by the backup pruning pass",
		},
	)

	// Warehouse sync metrics
	WarehouseRowsUpserted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventsync_warehouse_rows_upserted_total",
			Help: "Rows upserted into the durable store per derived view",
		},
		[]string{"view"}, // "sessions", "pageviews", "video_events", "cta_clicks"
	)

	WarehouseSyncDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "eventsync_warehouse_sync_duration_seconds",
			Help:    "Duration of a full warehouse day sync in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
		},
	)
)

// ObserveSyncRun records the outcome and duration of one reconciler run.
func ObserveSyncRun(success bool, synced, errors int, elapsed time.Duration) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	SyncRunsTotal.WithLabelValues(outcome).Inc()
	SyncedRecordsTotal.Add(float64(synced))
	SyncRecordErrorsTotal.Add(float64(errors))
	SyncRunDuration.Observe(elapsed.Seconds())
}
