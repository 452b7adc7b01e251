// Eventsync - Analytics Event Sync and Enrichment Pipeline
// Copyright 2026 Cadence Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cadencehq/eventsync

// Package scheduler runs the daily maintenance cycle: a self-rescheduling
// timer fires at a fixed wall-clock hour, and an in-process overlap guard
// keeps a manual trigger from racing the scheduled run.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cadencehq/eventsync/internal/logging"
)

// ErrAlreadyRunning is returned when a job trigger arrives while the same
// job is still executing. The trigger is rejected, not queued.
var ErrAlreadyRunning = errors.New("job is already running")

// Job wraps a function with a mutual-exclusion guard so the daily timer
// and manual operator triggers cannot run it concurrently.
type Job struct {
	name string
	fn   func(ctx context.Context) error
	mu   sync.Mutex
}

// NewJob creates a guarded job.
func NewJob(name string, fn func(ctx context.Context) error) *Job {
	return &Job{name: name, fn: fn}
}

// Name returns the job's name.
func (j *Job) Name() string {
	return j.name
}

// Run executes the job unless it is already running, in which case it
// returns ErrAlreadyRunning immediately without blocking.
func (j *Job) Run(ctx context.Context) error {
	if !j.mu.TryLock() {
		return ErrAlreadyRunning
	}
	defer j.mu.Unlock()
	return j.fn(ctx)
}

// Daily fires a job once per day at a fixed local hour. It implements
// suture's Service interface.
type Daily struct {
	job  *Job
	hour int

	// now is injectable for tests.
	now func() time.Time
}

// NewDaily creates a daily schedule for the job at the given hour (0-23).
func NewDaily(job *Job, hour int) *Daily {
	return &Daily{job: job, hour: hour, now: time.Now}
}

// Serve runs the schedule until the context is canceled. Each cycle
// computes the next fire time fresh, so clock adjustments and DST shifts
// only ever skew a single interval.
func (d *Daily) Serve(ctx context.Context) error {
	for {
		next := nextRun(d.now(), d.hour)
		wait := next.Sub(d.now())
		logging.Info().
			Str("job", d.job.Name()).
			Time("next_run", next).
			Dur("wait", wait).
			Msg("Scheduled next daily run")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		if err := d.job.Run(ctx); err != nil {
			if errors.Is(err, ErrAlreadyRunning) {
				logging.Warn().Str("job", d.job.Name()).Msg("Scheduled run skipped, job already running")
				continue
			}
			logging.Error().Err(err).Str("job", d.job.Name()).Msg("Scheduled run failed")
		}
	}
}

// String names the service in supervisor logs.
func (d *Daily) String() string {
	return "scheduler-" + d.job.Name()
}

// nextRun returns the next occurrence of the target hour strictly after
// now, in now's location.
func nextRun(now time.Time, hour int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
