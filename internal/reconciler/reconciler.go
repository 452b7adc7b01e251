// Eventsync - Analytics Event Sync and Enrichment Pipeline
// Copyright 2026 Cadence Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cadencehq/eventsync

// Package reconciler drains the local fast tier into the durable store.
//
// A run computes the set difference between local and durable session IDs
// and upserts the missing records in fixed-size batches, each record
// individually so one malformed record cannot fail its siblings. A safety
// cap bounds worst-case run duration; leftover backlog is picked up on the
// next run. Progress accounting is persisted at the end of every run.
package reconciler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/cadencehq/eventsync/internal/geo"
	"github.com/cadencehq/eventsync/internal/logging"
	"github.com/cadencehq/eventsync/internal/metrics"
	"github.com/cadencehq/eventsync/internal/models"
)

// Local is the read side of the local fast tier.
type Local interface {
	ListSessions(dataset string) ([]models.SessionRecord, error)
}

// Durable is the write side of the durable store, as the reconciler sees it.
type Durable interface {
	Ping(ctx context.Context) error
	BulkListSessionIDs(ctx context.Context) (map[string]struct{}, error)
	UpsertSession(ctx context.Context, rec models.SessionRecord) error
}

// StateStore persists progress accounting across runs.
type StateStore interface {
	Load() (models.SyncState, error)
	Save(state models.SyncState) error
}

// GeoResolver resolves an IP to geolocation data, best effort.
type GeoResolver interface {
	Resolve(ctx context.Context, ip string) *geo.Data
}

// Result summarizes one reconciliation run.
type Result struct {
	Success    bool `json:"success"`
	Synced     int  `json:"synced"`
	Errors     int  `json:"errors"`
	Pending    int  `json:"pending"`
	CapReached bool `json:"cap_reached"`
}

// Options configure a Reconciler. Zero values take production defaults
// (100-record batches, 50-batch cap, 50ms inter-batch delay).
type Options struct {
	Dataset    string
	BatchSize  int
	BatchCap   int
	BatchDelay time.Duration

	// Geo, when set, backfills missing geolocation on records during
	// upsert. Enrichment is best effort; a nil resolution leaves the
	// record as-is.
	Geo GeoResolver
}

// Reconciler copies local session records into the durable store.
type Reconciler struct {
	local   Local
	durable Durable
	state   StateStore
	geo     GeoResolver

	dataset    string
	batchSize  int
	batchCap   int
	batchDelay time.Duration

	now func() time.Time
}

// New creates a reconciler.
func New(local Local, durable Durable, state StateStore, opts Options) *Reconciler {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.BatchCap <= 0 {
		opts.BatchCap = 50
	}
	if opts.BatchDelay <= 0 {
		opts.BatchDelay = 50 * time.Millisecond
	}
	return &Reconciler{
		local:      local,
		durable:    durable,
		state:      state,
		geo:        opts.Geo,
		dataset:    opts.Dataset,
		batchSize:  opts.BatchSize,
		batchCap:   opts.BatchCap,
		batchDelay: opts.BatchDelay,
		now:        time.Now,
	}
}

// RunSync executes one reconciliation run. The durable store is health
// checked first; if it is unreachable the failure is recorded in the
// persisted state and no partial work is attempted.
func (r *Reconciler) RunSync(ctx context.Context) (Result, error) {
	started := r.now()
	runID := uuid.NewString()
	log := logging.With().Str("run_id", runID).Logger()

	if err := r.durable.Ping(ctx); err != nil {
		log.Error().Err(err).Msg("Durable store health check failed, skipping sync run")
		r.recordFailure(err)
		metrics.ObserveSyncRun(false, 0, 0, r.now().Sub(started))
		return Result{}, err
	}

	local, err := r.local.ListSessions(r.dataset)
	if err != nil {
		log.Error().Err(err).Str("dataset", r.dataset).Msg("Failed to read local dataset")
		r.recordFailure(err)
		metrics.ObserveSyncRun(false, 0, 0, r.now().Sub(started))
		return Result{}, err
	}

	durableIDs, err := r.durable.BulkListSessionIDs(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list durable session ids")
		r.recordFailure(err)
		metrics.ObserveSyncRun(false, 0, 0, r.now().Sub(started))
		return Result{}, err
	}

	// Set difference: local minus durable, preserving local order.
	pending := make([]models.SessionRecord, 0)
	for _, rec := range local {
		if rec.SessionID == "" {
			continue
		}
		if _, ok := durableIDs[rec.SessionID]; ok {
			continue
		}
		pending = append(pending, rec)
	}

	res := Result{Success: true, Pending: len(pending)}
	if len(pending) == 0 {
		log.Debug().Msg("Local and durable tiers already reconciled")
		r.saveState(res)
		metrics.ObserveSyncRun(true, 0, 0, r.now().Sub(started))
		return res, nil
	}

	log.Info().
		Int("local", len(local)).
		Int("durable", len(durableIDs)).
		Int("pending", len(pending)).
		Msg("Starting reconciliation run")

	// The inter-batch delay paces writes against the durable store.
	limiter := rate.NewLimiter(rate.Every(r.batchDelay), 1)
	var lastSynced string

	batches := 0
	for len(pending) > 0 && batches < r.batchCap {
		if batches > 0 {
			if err := limiter.Wait(ctx); err != nil {
				r.recordFailure(err)
				metrics.ObserveSyncRun(false, res.Synced, res.Errors, r.now().Sub(started))
				return res, err
			}
		}

		n := r.batchSize
		if n > len(pending) {
			n = len(pending)
		}
		batch := pending[:n]
		pending = pending[n:]
		batches++

		for _, rec := range batch {
			if rec.DeviceCategory == "" {
				rec.DeviceCategory = models.ClassifyDevice(rec.UserAgent)
			}
			if r.geo != nil && rec.Country == "" && rec.IPAddress != "" {
				if d := r.geo.Resolve(ctx, rec.IPAddress); d != nil {
					rec.Country = d.Country
					rec.CountryISO2 = d.CountryCode
					rec.City = d.City
					rec.Region = d.Region
				}
			}
			if err := r.durable.UpsertSession(ctx, rec); err != nil {
				res.Errors++
				log.Warn().Err(err).Str("session_id", rec.SessionID).Msg("Failed to upsert session record")
				continue
			}
			res.Synced++
			lastSynced = rec.SessionID
		}
	}
	res.CapReached = len(pending) > 0
	res.Pending = len(pending)

	if res.CapReached {
		log.Info().Int("remaining", len(pending)).Msg("Batch cap reached, remaining backlog deferred to next run")
	}

	state := r.loadState()
	state.LastSyncTimestamp = r.now()
	state.TotalSynced += int64(res.Synced)
	if lastSynced != "" {
		state.LastSyncedSessionID = lastSynced
	}
	if res.Errors > 0 {
		msg := fmt.Sprintf("%d record(s) failed to upsert", res.Errors)
		state.LastError = &msg
	} else {
		state.LastError = nil
	}
	if err := r.state.Save(state); err != nil {
		log.Error().Err(err).Msg("Failed to persist sync state")
	}

	elapsed := r.now().Sub(started)
	metrics.ObserveSyncRun(true, res.Synced, res.Errors, elapsed)
	log.Info().
		Int("synced", res.Synced).
		Int("errors", res.Errors).
		Int("batches", batches).
		Dur("elapsed", elapsed).
		Msg("Reconciliation run complete")

	return res, nil
}

// State returns the currently persisted sync state.
func (r *Reconciler) State() (models.SyncState, error) {
	return r.state.Load()
}

func (r *Reconciler) loadState() models.SyncState {
	state, err := r.state.Load()
	if err != nil {
		logging.Warn().Err(err).Msg("Failed to load sync state, starting from zero")
		return models.SyncState{}
	}
	return state
}

// saveState persists a successful no-op or clean run.
func (r *Reconciler) saveState(res Result) {
	state := r.loadState()
	state.LastSyncTimestamp = r.now()
	state.TotalSynced += int64(res.Synced)
	state.LastError = nil
	if err := r.state.Save(state); err != nil {
		logging.Error().Err(err).Msg("Failed to persist sync state")
	}
}

// recordFailure stamps the failure into the persisted state without
// touching the progress counters.
func (r *Reconciler) recordFailure(cause error) {
	state := r.loadState()
	state.LastSyncTimestamp = r.now()
	msg := cause.Error()
	state.LastError = &msg
	if err := r.state.Save(state); err != nil {
		logging.Error().Err(err).Msg("Failed to persist sync state after failure")
	}
}
