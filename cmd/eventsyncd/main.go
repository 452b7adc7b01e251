// Eventsync - Analytics Event Sync and Enrichment Pipeline
// Copyright 2026 Cadence Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cadencehq/eventsync

// Command eventsyncd runs the pipeline daemon: the daily retention and
// reconciliation cycle under a supervisor tree, plus the operator HTTP API.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/cadencehq/eventsync/internal/api"
	"github.com/cadencehq/eventsync/internal/config"
	"github.com/cadencehq/eventsync/internal/durable"
	"github.com/cadencehq/eventsync/internal/geo"
	"github.com/cadencehq/eventsync/internal/localstore"
	"github.com/cadencehq/eventsync/internal/logging"
	"github.com/cadencehq/eventsync/internal/reconciler"
	"github.com/cadencehq/eventsync/internal/retention"
	"github.com/cadencehq/eventsync/internal/scheduler"
	"github.com/cadencehq/eventsync/internal/supervisor"
)

func main() {
	if err := run(); err != nil {
		logging.Error().Err(err).Msg("Daemon exited with error")
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})
	logging.Info().Msg("Starting eventsyncd")

	local, err := localstore.New(cfg.LocalData.Dir)
	if err != nil {
		return err
	}

	store, err := durable.Open(cfg.Durable)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing durable store")
		}
	}()

	stateStore, err := reconciler.OpenStateStore(cfg.Sync.StatePath)
	if err != nil {
		return err
	}
	defer func() {
		if err := stateStore.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing sync state store")
		}
	}()

	provider := geo.NewIPAPIProvider(geo.IPAPIOptions{
		BaseURL:         cfg.Geo.BaseURL,
		Timeout:         cfg.Geo.LookupTimeout,
		BreakerFailures: cfg.Geo.BreakerFailures,
	})
	geoCache := geo.NewCache(provider, geo.CacheOptions{
		TTL:        cfg.Geo.CacheTTL,
		RateLimit:  cfg.Geo.RateLimit,
		RateWindow: cfg.Geo.RateWindow,
	})

	rec := reconciler.New(local, store, stateStore, reconciler.Options{
		Dataset:    cfg.LocalData.Dataset,
		BatchSize:  cfg.Sync.BatchSize,
		BatchCap:   cfg.Sync.BatchCap,
		BatchDelay: cfg.Sync.BatchDelay,
		Geo:        geoCache,
	})
	retMgr := retention.NewManager(local, cfg.LocalData.BackupDir, cfg.Retention)

	// The manual API triggers and the daily timer share these guarded
	// jobs, so overlapping triggers are rejected instead of racing.
	var srv *api.Server
	syncJob := scheduler.NewJob("sync", func(ctx context.Context) error {
		res, err := rec.RunSync(ctx)
		srv.RecordSyncResult(res)
		return err
	})
	retentionJob := scheduler.NewJob("retention", func(ctx context.Context) error {
		results, err := retMgr.EnforceAll()
		srv.RecordRetentionResults(results)
		return err
	})
	datasets := make([]string, 0, len(cfg.Retention.Datasets))
	for name := range cfg.Retention.Datasets {
		datasets = append(datasets, name)
	}
	sort.Strings(datasets)
	srv = api.NewServer(syncJob, retentionJob, rec, store, geoCache, local, datasets)

	// Daily cycle: retention first, then reconciliation. A job already
	// running from a manual trigger is skipped, not queued.
	daily := scheduler.NewDaily(scheduler.NewJob("daily-maintenance", func(ctx context.Context) error {
		if err := retentionJob.Run(ctx); err != nil && !errors.Is(err, scheduler.ErrAlreadyRunning) {
			logging.Error().Err(err).Msg("Daily retention pass failed")
		}
		if err := syncJob.Run(ctx); err != nil && !errors.Is(err, scheduler.ErrAlreadyRunning) {
			return err
		}
		return nil
	}), cfg.Scheduler.Hour)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Router(cfg.Server),
		ReadHeaderTimeout: cfg.Server.Timeout,
	}

	tree := supervisor.NewTree(logging.NewSlogLogger())
	tree.AddJobService(daily)
	tree.AddAPIService(supervisor.NewHTTPServerService(httpServer, addr, cfg.Server.ShutdownTimeout))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = tree.Serve(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logging.Info().Msg("Shutdown complete")
	return nil
}
