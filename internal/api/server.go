// Eventsync - Analytics Event Sync and Enrichment Pipeline
// Copyright 2026 Cadence Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cadencehq/eventsync

// Package api exposes the operator HTTP surface: health, sync status,
// manual triggers for the reconciler and retention jobs, and Prometheus
// metrics.
package api

import (
	"context"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cadencehq/eventsync/internal/config"
	"github.com/cadencehq/eventsync/internal/geo"
	"github.com/cadencehq/eventsync/internal/localstore"
	"github.com/cadencehq/eventsync/internal/models"
	"github.com/cadencehq/eventsync/internal/reconciler"
	"github.com/cadencehq/eventsync/internal/retention"
	"github.com/cadencehq/eventsync/internal/scheduler"
)

// SyncRunner runs a reconciliation pass and reports persisted state.
type SyncRunner interface {
	RunSync(ctx context.Context) (reconciler.Result, error)
	State() (models.SyncState, error)
}

// RetentionRunner runs a retention pass across all datasets.
type RetentionRunner interface {
	EnforceAll() ([]retention.Result, error)
}

// Pinger verifies the durable store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
	CountSessions(ctx context.Context) (int64, error)
}

// GeoStats reports geolocation cache counters.
type GeoStats interface {
	Stats() geo.Stats
}

// LocalStats reports per-dataset file stats for the local tier.
type LocalStats interface {
	Stats(dataset string) (localstore.DatasetStats, error)
}

// Server holds the handler dependencies. Manual triggers go through the
// same guarded jobs the scheduler uses, so an operator cannot start a
// second concurrent run.
type Server struct {
	syncJob      *scheduler.Job
	retentionJob *scheduler.Job
	syncer       SyncRunner
	durable      Pinger
	geoCache     GeoStats
	local        LocalStats
	datasets     []string

	mu                  sync.Mutex
	lastSyncResult      *reconciler.Result
	lastRetentionResult []retention.Result
}

// NewServer creates the operator API server. datasets names the local
// datasets whose stats the status and retention endpoints report.
func NewServer(syncJob, retentionJob *scheduler.Job, syncer SyncRunner, durable Pinger, geoCache GeoStats, local LocalStats, datasets []string) *Server {
	return &Server{
		syncJob:      syncJob,
		retentionJob: retentionJob,
		syncer:       syncer,
		durable:      durable,
		geoCache:     geoCache,
		local:        local,
		datasets:     datasets,
	}
}

// Router builds the chi router with the global middleware stack.
func (s *Server) Router(cfg config.ServerConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(httprate.LimitByIP(cfg.RateLimitReqs, cfg.RateLimitWindow))

		r.Get("/healthz", s.Healthz)
		r.Get("/sync/status", s.SyncStatus)
		r.Post("/sync/run", s.SyncRun)
		r.Post("/retention/run", s.RetentionRun)
	})

	r.Handle("/metrics", promhttp.Handler())

	return r
}
