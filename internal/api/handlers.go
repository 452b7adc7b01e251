// Eventsync - Analytics Event Sync and Enrichment Pipeline
// Copyright 2026 Cadence Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cadencehq/eventsync

package api

import (
	"errors"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/cadencehq/eventsync/internal/geo"
	"github.com/cadencehq/eventsync/internal/localstore"
	"github.com/cadencehq/eventsync/internal/logging"
	"github.com/cadencehq/eventsync/internal/models"
	"github.com/cadencehq/eventsync/internal/reconciler"
	"github.com/cadencehq/eventsync/internal/retention"
	"github.com/cadencehq/eventsync/internal/scheduler"
)

// HealthzResponse is the health endpoint payload.
type HealthzResponse struct {
	Status  string `json:"status"` // "ok" or "degraded"
	Durable string `json:"durable"`
}

// SyncStatusResponse combines persisted reconciler state with live cache,
// store and dataset counters.
type SyncStatusResponse struct {
	State           models.SyncState                   `json:"state"`
	DurableSessions int64                              `json:"durable_sessions"`
	GeoCache        geo.Stats                          `json:"geo_cache"`
	Retention       map[string]localstore.DatasetStats `json:"retention,omitempty"`
	LastRun         *reconciler.Result                 `json:"last_run,omitempty"`
}

// TriggerResponse is returned by the manual trigger endpoints.
type TriggerResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// RetentionRunResponse carries the per-dataset retention results plus the
// post-cleanup file stats for every configured dataset.
type RetentionRunResponse struct {
	Success bool                               `json:"success"`
	Results []retention.Result                 `json:"results,omitempty"`
	Stats   map[string]localstore.DatasetStats `json:"stats,omitempty"`
	Error   string                             `json:"error,omitempty"`
}

// Healthz reports liveness plus durable store reachability.
// @Summary Health check
// @Produce json
// @Success 200 {object} HealthzResponse
// @Router /api/v1/healthz [get]
func (s *Server) Healthz(w http.ResponseWriter, r *http.Request) {
	resp := HealthzResponse{Status: "ok", Durable: "ok"}
	status := http.StatusOK
	if err := s.durable.Ping(r.Context()); err != nil {
		resp.Status = "degraded"
		resp.Durable = err.Error()
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// SyncStatus returns the persisted reconciler state and live counters.
// @Summary Reconciler status
// @Produce json
// @Success 200 {object} SyncStatusResponse
// @Router /api/v1/sync/status [get]
func (s *Server) SyncStatus(w http.ResponseWriter, r *http.Request) {
	state, err := s.syncer.State()
	if err != nil {
		logging.Error().Err(err).Msg("Failed to load sync state for status endpoint")
		writeJSON(w, http.StatusInternalServerError, TriggerResponse{Error: "failed to load sync state"})
		return
	}

	s.mu.Lock()
	lastRun := s.lastSyncResult
	s.mu.Unlock()

	resp := SyncStatusResponse{
		State:     state,
		GeoCache:  s.geoCache.Stats(),
		Retention: s.datasetStats(),
		LastRun:   lastRun,
	}
	if n, err := s.durable.CountSessions(r.Context()); err == nil {
		resp.DurableSessions = n
	}

	writeJSON(w, http.StatusOK, resp)
}

// SyncRun triggers a reconciliation run immediately. Returns 409 when a
// run is already in progress.
// @Summary Trigger reconciliation
// @Produce json
// @Success 200 {object} TriggerResponse
// @Failure 409 {object} TriggerResponse
// @Router /api/v1/sync/run [post]
func (s *Server) SyncRun(w http.ResponseWriter, r *http.Request) {
	err := s.syncJob.Run(r.Context())
	if errors.Is(err, scheduler.ErrAlreadyRunning) {
		writeJSON(w, http.StatusConflict, TriggerResponse{Error: "a sync run is already in progress"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, TriggerResponse{Error: err.Error()})
		return
	}

	s.mu.Lock()
	lastRun := s.lastSyncResult
	s.mu.Unlock()
	if lastRun != nil {
		writeJSON(w, http.StatusOK, lastRun)
		return
	}
	writeJSON(w, http.StatusOK, TriggerResponse{Success: true, Message: "sync run complete"})
}

// RetentionRun triggers a retention pass across all configured datasets.
// @Summary Trigger retention
// @Produce json
// @Success 200 {object} RetentionRunResponse
// @Failure 409 {object} RetentionRunResponse
// @Router /api/v1/retention/run [post]
func (s *Server) RetentionRun(w http.ResponseWriter, r *http.Request) {
	err := s.retentionJob.Run(r.Context())
	if errors.Is(err, scheduler.ErrAlreadyRunning) {
		writeJSON(w, http.StatusConflict, RetentionRunResponse{Error: "a retention pass is already in progress"})
		return
	}

	s.mu.Lock()
	results := s.lastRetentionResult
	s.mu.Unlock()

	if err != nil {
		// Dataset failures are isolated, so the datasets that did
		// succeed are reported alongside the error.
		writeJSON(w, http.StatusInternalServerError, RetentionRunResponse{
			Results: results,
			Stats:   s.datasetStats(),
			Error:   err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, RetentionRunResponse{Success: true, Results: results, Stats: s.datasetStats()})
}

// RecordSyncResult stores the most recent run result for the status
// endpoint. Called by the job wrappers after each run.
func (s *Server) RecordSyncResult(res reconciler.Result) {
	s.mu.Lock()
	s.lastSyncResult = &res
	s.mu.Unlock()
}

// RecordRetentionResults stores the most recent retention results.
func (s *Server) RecordRetentionResults(results []retention.Result) {
	s.mu.Lock()
	s.lastRetentionResult = results
	s.mu.Unlock()
}

// datasetStats collects current file stats for every configured dataset.
// A dataset with no file yet is omitted rather than reported as an error.
func (s *Server) datasetStats() map[string]localstore.DatasetStats {
	stats := make(map[string]localstore.DatasetStats, len(s.datasets))
	for _, name := range s.datasets {
		st, err := s.local.Stats(name)
		if errors.Is(err, localstore.ErrDatasetNotFound) {
			continue
		}
		if err != nil {
			logging.Warn().Err(err).Str("dataset", name).Msg("Failed to read dataset stats")
			continue
		}
		stats[name] = st
	}
	return stats
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logging.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
