// Eventsync - Analytics Event Sync and Enrichment Pipeline
// Copyright 2026 Cadence Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cadencehq/eventsync

package warehouse

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cadencehq/eventsync/internal/durable"
	"github.com/cadencehq/eventsync/internal/logging"
	"github.com/cadencehq/eventsync/internal/metrics"
	"github.com/cadencehq/eventsync/internal/models"
)

// State is the sync job's current phase, exposed for status reporting.
type State string

// Job phases, in run order. A run either reaches StateDone or stops at
// StateFailed; there is no partial resume within a day.
const (
	StateIdle               State = "idle"
	StateReadingSessions    State = "reading_sessions"
	StateReadingPageviews   State = "reading_pageviews"
	StateReadingVideoEvents State = "reading_video_events"
	StateReadingCTAClicks   State = "reading_cta_clicks"
	StateUpserting          State = "upserting"
	StateMarkingReturning   State = "marking_returning"
	StateDone               State = "done"
	StateFailed             State = "failed"
)

// Source is the read side of the warehouse, as the job sees it.
type Source interface {
	TableForDay(day time.Time) string
	TableExists(ctx context.Context, table string) (bool, error)
	SessionRollups(ctx context.Context, table string) ([]models.SessionRollup, error)
	Pageviews(ctx context.Context, table string) ([]models.Pageview, error)
	VideoEvents(ctx context.Context, table string) ([]models.VideoEvent, error)
	CTAClicks(ctx context.Context, table string) ([]models.CTAClick, error)
}

// Sink is the write side of the durable store, as the job sees it.
type Sink interface {
	UpsertSessionRollups(ctx context.Context, rows []models.SessionRollup) error
	UpsertPageviews(ctx context.Context, rows []models.Pageview) error
	UpsertVideoEvents(ctx context.Context, rows []models.VideoEvent) error
	UpsertCTAClicks(ctx context.Context, rows []models.CTAClick) error
	MarkReturningUsers(ctx context.Context) error
}

// SyncJob copies one warehouse day into the durable store's derived views.
// Chunk failures are fatal for the run: warehouse exports are replayable
// wholesale, so the caller retries the whole day rather than resuming.
type SyncJob struct {
	source    Source
	sink      Sink
	chunkSize int

	mu    sync.Mutex
	state State

	now func() time.Time
}

// NewSyncJob creates a sync job. chunkSize <= 0 defaults to 500.
func NewSyncJob(source Source, sink Sink, chunkSize int) *SyncJob {
	if chunkSize <= 0 {
		chunkSize = 500
	}
	return &SyncJob{
		source:    source,
		sink:      sink,
		chunkSize: chunkSize,
		state:     StateIdle,
		now:       time.Now,
	}
}

// State returns the job's current phase.
func (j *SyncJob) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

func (j *SyncJob) setState(s State) {
	j.mu.Lock()
	j.state = s
	j.mu.Unlock()
}

// Run syncs the given day's warehouse table. A zero day means yesterday in
// UTC. Any read or upsert failure aborts the run with the job in
// StateFailed; re-running the same day is safe because every row carries
// an idempotent key.
func (j *SyncJob) Run(ctx context.Context, day time.Time) error {
	if day.IsZero() {
		day = j.now().UTC().AddDate(0, 0, -1)
	}
	table := j.source.TableForDay(day)
	started := j.now()

	err := j.run(ctx, table)
	if err != nil {
		j.setState(StateFailed)
		logging.Error().Err(err).Str("table", table).Msg("Warehouse sync failed")
		return err
	}

	j.setState(StateDone)
	elapsed := j.now().Sub(started)
	metrics.WarehouseSyncDuration.Observe(elapsed.Seconds())
	logging.Info().Str("table", table).Dur("elapsed", elapsed).Msg("Warehouse sync complete")
	return nil
}

func (j *SyncJob) run(ctx context.Context, table string) error {
	exists, err := j.source.TableExists(ctx, table)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("warehouse table %s does not exist", table)
	}

	j.setState(StateReadingSessions)
	sessions, err := j.source.SessionRollups(ctx, table)
	if err != nil {
		return err
	}

	j.setState(StateReadingPageviews)
	pageviews, err := j.source.Pageviews(ctx, table)
	if err != nil {
		return err
	}

	j.setState(StateReadingVideoEvents)
	videos, err := j.source.VideoEvents(ctx, table)
	if err != nil {
		return err
	}

	j.setState(StateReadingCTAClicks)
	ctas, err := j.source.CTAClicks(ctx, table)
	if err != nil {
		return err
	}

	logging.Info().
		Str("table", table).
		Int("sessions", len(sessions)).
		Int("pageviews", len(pageviews)).
		Int("video_events", len(videos)).
		Int("cta_clicks", len(ctas)).
		Msg("Warehouse views derived")

	j.setState(StateUpserting)
	if err := upsertChunked(ctx, sessions, j.chunkSize, j.sink.UpsertSessionRollups); err != nil {
		return fmt.Errorf("sessions view: %w", err)
	}
	metrics.WarehouseRowsUpserted.WithLabelValues("sessions").Add(float64(len(sessions)))

	if err := upsertChunked(ctx, pageviews, j.chunkSize, j.sink.UpsertPageviews); err != nil {
		return fmt.Errorf("pageviews view: %w", err)
	}
	metrics.WarehouseRowsUpserted.WithLabelValues("pageviews").Add(float64(len(pageviews)))

	if err := upsertChunked(ctx, videos, j.chunkSize, j.sink.UpsertVideoEvents); err != nil {
		return fmt.Errorf("video_events view: %w", err)
	}
	metrics.WarehouseRowsUpserted.WithLabelValues("video_events").Add(float64(len(videos)))

	if err := upsertChunked(ctx, ctas, j.chunkSize, j.sink.UpsertCTAClicks); err != nil {
		return fmt.Errorf("cta_clicks view: %w", err)
	}
	metrics.WarehouseRowsUpserted.WithLabelValues("cta_clicks").Add(float64(len(ctas)))

	j.setState(StateMarkingReturning)
	if err := j.sink.MarkReturningUsers(ctx); err != nil {
		if errors.Is(err, durable.ErrCapabilityMissing) {
			logging.Warn().Msg("mark_returning_users capability not installed, skipping")
		} else {
			return fmt.Errorf("mark returning users: %w", err)
		}
	}

	return nil
}

// upsertChunked feeds rows to fn in fixed-size chunks. The first failing
// chunk aborts the remainder.
func upsertChunked[T any](ctx context.Context, rows []T, size int, fn func(context.Context, []T) error) error {
	for start := 0; start < len(rows); start += size {
		end := start + size
		if end > len(rows) {
			end = len(rows)
		}
		if err := fn(ctx, rows[start:end]); err != nil {
			return fmt.Errorf("chunk %d-%d: %w", start, end, err)
		}
	}
	return nil
}
