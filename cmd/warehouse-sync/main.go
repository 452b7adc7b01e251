// Eventsync - Analytics Event Sync and Enrichment Pipeline
// Copyright 2026 Cadence Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cadencehq/eventsync

// Command warehouse-sync copies one UTC day of raw warehouse events into
// the durable store's derived views. Intended to run from cron after the
// warehouse export lands; exits non-zero on failure so the scheduler can
// alert and retry the whole day.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/cadencehq/eventsync/internal/config"
	"github.com/cadencehq/eventsync/internal/durable"
	"github.com/cadencehq/eventsync/internal/logging"
	"github.com/cadencehq/eventsync/internal/warehouse"
)

func main() {
	day := flag.String("date", "", "day to sync as YYYY-MM-DD (default: yesterday UTC)")
	flag.Parse()

	if err := run(*day); err != nil {
		logging.Error().Err(err).Msg("Warehouse sync failed")
		os.Exit(1)
	}
}

func run(dayArg string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	var day time.Time
	if dayArg != "" {
		day, err = time.Parse("2006-01-02", dayArg)
		if err != nil {
			return fmt.Errorf("invalid -date %q, want YYYY-MM-DD: %w", dayArg, err)
		}
	}

	reader, err := warehouse.OpenReader(cfg.Warehouse)
	if err != nil {
		return err
	}
	defer func() {
		if err := reader.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing warehouse")
		}
	}()

	store, err := durable.Open(cfg.Durable)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing durable store")
		}
	}()

	job := warehouse.NewSyncJob(reader, store, cfg.Warehouse.ChunkSize)
	return job.Run(context.Background(), day)
}
