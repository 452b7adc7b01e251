// Eventsync - Analytics Event Sync and Enrichment Pipeline
// Copyright 2026 Cadence Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cadencehq/eventsync

package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestJobRejectsOverlappingRun(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var startedOnce sync.Once
	job := NewJob("test", func(_ context.Context) error {
		startedOnce.Do(func() { close(started) })
		<-release
		return nil
	})

	done := make(chan error, 1)
	go func() {
		done <- job.Run(context.Background())
	}()
	<-started

	// Second trigger while the first is still running.
	if err := job.Run(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("overlapping Run: err = %v, want ErrAlreadyRunning", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Errorf("first Run: %v", err)
	}

	// After completion the job can run again.
	if err := job.Run(context.Background()); err != nil {
		t.Errorf("Run after completion: %v", err)
	}
}

func TestJobPropagatesError(t *testing.T) {
	want := errors.New("boom")
	job := NewJob("failing", func(_ context.Context) error { return want })

	if err := job.Run(context.Background()); !errors.Is(err, want) {
		t.Errorf("Run: err = %v, want %v", err, want)
	}
}

func TestNextRun(t *testing.T) {
	tests := []struct {
		name string
		now  time.Time
		hour int
		want time.Time
	}{
		{
			name: "before target hour fires today",
			now:  time.Date(2026, 8, 27, 1, 30, 0, 0, time.UTC),
			hour: 3,
			want: time.Date(2026, 8, 27, 3, 0, 0, 0, time.UTC),
		},
		{
			name: "after target hour fires tomorrow",
			now:  time.Date(2026, 8, 27, 4, 0, 0, 0, time.UTC),
			hour: 3,
			want: time.Date(2026, 8, 28, 3, 0, 0, 0, time.UTC),
		},
		{
			name: "exactly at target hour fires tomorrow",
			now:  time.Date(2026, 8, 27, 3, 0, 0, 0, time.UTC),
			hour: 3,
			want: time.Date(2026, 8, 28, 3, 0, 0, 0, time.UTC),
		},
		{
			name: "midnight hour",
			now:  time.Date(2026, 8, 27, 23, 59, 0, 0, time.UTC),
			hour: 0,
			want: time.Date(2026, 8, 28, 0, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := nextRun(tt.now, tt.hour); !got.Equal(tt.want) {
				t.Errorf("nextRun(%v, %d) = %v, want %v", tt.now, tt.hour, got, tt.want)
			}
		})
	}
}

func TestDailyServeStopsOnCancel(t *testing.T) {
	job := NewJob("noop", func(_ context.Context) error { return nil })
	daily := NewDaily(job, 3)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- daily.Serve(ctx)
	}()

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Serve returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not stop after cancel")
	}
}
