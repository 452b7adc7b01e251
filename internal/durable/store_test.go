// Eventsync - Analytics Event Sync and Enrichment Pipeline
// Copyright 2026 Cadence Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cadencehq/eventsync

package durable

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/cadencehq/eventsync/internal/config"
	"github.com/cadencehq/eventsync/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(config.DurableConfig{
		Path:    filepath.Join(t.TempDir(), "test.duckdb"),
		Threads: 2,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return s
}

func TestPing(t *testing.T) {
	s := newTestStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

func TestUpsertSessionExistingWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 8, 27, 10, 0, 0, 0, time.UTC)

	first := models.SessionRecord{
		SessionID: "s-1",
		Country:   "Germany",
		PageViews: 3,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.UpsertSession(ctx, first); err != nil {
		t.Fatalf("first upsert: %v", err)
	}

	// A replayed copy of the same session must not overwrite.
	replay := first
	replay.Country = "France"
	if err := s.UpsertSession(ctx, replay); err != nil {
		t.Fatalf("replay upsert: %v", err)
	}

	var country string
	err := s.db.QueryRowContext(ctx, "SELECT country FROM sessions WHERE session_id = 's-1'").Scan(&country)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if country != "Germany" {
		t.Errorf("country = %s, want original Germany (conflict DO NOTHING)", country)
	}

	n, err := s.CountSessions(ctx)
	if err != nil {
		t.Fatalf("CountSessions: %v", err)
	}
	if n != 1 {
		t.Errorf("session count = %d, want 1", n)
	}
}

func TestBulkListSessionIDs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if err := s.UpsertSession(ctx, models.SessionRecord{SessionID: id}); err != nil {
			t.Fatalf("upsert %s: %v", id, err)
		}
	}

	ids, err := s.BulkListSessionIDs(ctx)
	if err != nil {
		t.Fatalf("BulkListSessionIDs: %v", err)
	}
	if len(ids) != 3 {
		t.Errorf("got %d ids, want 3", len(ids))
	}
	for _, id := range []string{"a", "b", "c"} {
		if _, ok := ids[id]; !ok {
			t.Errorf("id %s missing from bulk read", id)
		}
	}
}

func TestUpsertViewRowsUpdateOnConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	row := models.Pageview{
		ID:           "key-1",
		UserPseudoID: "u-1",
		PageLocation: "/old",
	}
	if err := s.UpsertPageviews(ctx, []models.Pageview{row}); err != nil {
		t.Fatalf("first upsert: %v", err)
	}

	row.PageLocation = "/new"
	if err := s.UpsertPageviews(ctx, []models.Pageview{row}); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	var location string
	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT count(*) FROM pageviews").Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Errorf("pageview rows = %d, want 1 (idempotent key)", count)
	}
	err := s.db.QueryRowContext(ctx, "SELECT page_location FROM pageviews WHERE id = 'key-1'").Scan(&location)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if location != "/new" {
		t.Errorf("page_location = %s, want /new (conflict DO UPDATE)", location)
	}
}

func TestMarkReturningUsersCapabilityMissing(t *testing.T) {
	s := newTestStore(t)
	err := s.MarkReturningUsers(context.Background())
	if !errors.Is(err, ErrCapabilityMissing) {
		t.Errorf("MarkReturningUsers on bare store: err = %v, want ErrCapabilityMissing", err)
	}
}
