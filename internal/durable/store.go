// Eventsync - Analytics Event Sync and Enrichment Pipeline
// Copyright 2026 Cadence Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cadencehq/eventsync

// Package durable implements the durable session store on DuckDB. It is
// the sink for both sync paths: the reconciler drains the local tier into
// the sessions table, and the warehouse job upserts the four derived views.
package durable

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"runtime"
	"strconv"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/cadencehq/eventsync/internal/config"
	"github.com/cadencehq/eventsync/internal/logging"
	"github.com/cadencehq/eventsync/internal/models"
)

// ErrCapabilityMissing indicates an optional store-side capability (such
// as the mark_returning_users macro) is not installed. Callers treat it as
// a warning, not a failure.
var ErrCapabilityMissing = errors.New("durable store capability missing")

// Store is the durable session store. Safe for concurrent use; DuckDB
// serializes writers internally.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the durable store and ensures the
// schema exists.
func Open(cfg config.DurableConfig) (*Store, error) {
	threads := cfg.Threads
	if threads <= 0 {
		threads = runtime.NumCPU()
	}

	params := url.Values{}
	params.Set("threads", strconv.Itoa(threads))
	if cfg.MaxMemory != "" {
		params.Set("max_memory", cfg.MaxMemory)
	}
	db, err := sql.Open("duckdb", cfg.Path+"?"+params.Encode())
	if err != nil {
		return nil, fmt.Errorf("open durable store: %w", err)
	}

	// DuckDB is embedded; a small pool avoids writer contention.
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)

	s := &Store{db: db}
	if err := s.createSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}

	logging.Info().Str("path", cfg.Path).Msg("Durable store opened")
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping performs a trivial read to verify the store is reachable. The
// reconciler calls this before attempting any work.
func (s *Store) Ping(ctx context.Context) error {
	var one int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("durable store unreachable: %w", err)
	}
	return nil
}

func (s *Store) createSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id        VARCHAR PRIMARY KEY,
			ip_address        VARCHAR,
			user_agent        VARCHAR,
			referrer          VARCHAR,
			language          VARCHAR,
			country           VARCHAR,
			country_iso2      VARCHAR,
			country_iso3      VARCHAR,
			city              VARCHAR,
			region            VARCHAR,
			device_category   VARCHAR,
			screen_resolution VARCHAR,
			timezone          VARCHAR,
			page_views        INTEGER DEFAULT 0,
			duration          INTEGER DEFAULT 0,
			is_bot            BOOLEAN DEFAULT FALSE,
			is_test_data      BOOLEAN DEFAULT FALSE,
			created_at        TIMESTAMP,
			updated_at        TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS session_rollups (
			id                VARCHAR PRIMARY KEY,
			user_pseudo_id    VARCHAR NOT NULL,
			session_id        VARCHAR NOT NULL,
			session_start     TIMESTAMP,
			session_end       TIMESTAMP,
			country           VARCHAR,
			region            VARCHAR,
			city              VARCHAR,
			device_category   VARCHAR,
			screen_resolution VARCHAR,
			language          VARCHAR,
			referrer          VARCHAR,
			page_views        INTEGER DEFAULT 0,
			event_count       INTEGER DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS pageviews (
			id              VARCHAR PRIMARY KEY,
			user_pseudo_id  VARCHAR NOT NULL,
			session_id      VARCHAR,
			event_timestamp TIMESTAMP,
			page_location   VARCHAR,
			page_title      VARCHAR,
			page_referrer   VARCHAR,
			language        VARCHAR
		)`,
		`CREATE TABLE IF NOT EXISTS video_events (
			id               VARCHAR PRIMARY KEY,
			user_pseudo_id   VARCHAR NOT NULL,
			session_id       VARCHAR,
			event_timestamp  TIMESTAMP,
			event_name       VARCHAR NOT NULL,
			video_id         VARCHAR,
			video_title      VARCHAR,
			gallery_id       VARCHAR,
			player_context   VARCHAR,
			current_time_s   DOUBLE DEFAULT 0,
			progress_percent DOUBLE DEFAULT 0,
			watch_time_s     DOUBLE DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS cta_clicks (
			id              VARCHAR PRIMARY KEY,
			user_pseudo_id  VARCHAR NOT NULL,
			session_id      VARCHAR,
			event_timestamp TIMESTAMP,
			cta_id          VARCHAR NOT NULL,
			page_path       VARCHAR
		)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create durable schema: %w", err)
		}
	}
	return nil
}

// BulkListSessionIDs returns the full set of session IDs currently in the
// durable store, in a single read.
func (s *Store) BulkListSessionIDs(ctx context.Context) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT session_id FROM sessions")
	if err != nil {
		return nil, fmt.Errorf("list durable session ids: %w", err)
	}
	defer rows.Close()

	ids := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan session id: %w", err)
		}
		ids[id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session ids: %w", err)
	}
	return ids, nil
}

// UpsertSession inserts one session record. Existing records win: a
// session already in the durable store is never overwritten by a replayed
// local copy.
func (s *Store) UpsertSession(ctx context.Context, rec models.SessionRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (
			session_id, ip_address, user_agent, referrer, language,
			country, country_iso2, country_iso3, city, region,
			device_category, screen_resolution, timezone,
			page_views, duration, is_bot, is_test_data, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (session_id) DO NOTHING`,
		rec.SessionID, rec.IPAddress, rec.UserAgent, rec.Referrer, rec.Language,
		rec.Country, rec.CountryISO2, rec.CountryISO3, rec.City, rec.Region,
		string(rec.DeviceCategory), rec.ScreenResolution, rec.Timezone,
		rec.PageViews, rec.Duration, rec.IsBot, rec.IsTestData, rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert session %s: %w", rec.SessionID, err)
	}
	return nil
}

// UpsertSessionRollups upserts derived session rows. Unlike raw sessions,
// warehouse-derived rows are replayable, so conflicts update in place.
func (s *Store) UpsertSessionRollups(ctx context.Context, rows []models.SessionRollup) error {
	return s.inTx(ctx, "session_rollups", func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO session_rollups (
				id, user_pseudo_id, session_id, session_start, session_end,
				country, region, city, device_category, screen_resolution,
				language, referrer, page_views, event_count
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				session_start = excluded.session_start,
				session_end = excluded.session_end,
				country = excluded.country,
				region = excluded.region,
				city = excluded.city,
				device_category = excluded.device_category,
				screen_resolution = excluded.screen_resolution,
				language = excluded.language,
				referrer = excluded.referrer,
				page_views = excluded.page_views,
				event_count = excluded.event_count`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, r := range rows {
			if _, err := stmt.ExecContext(ctx,
				r.ID, r.UserPseudoID, r.SessionID, r.SessionStart, r.SessionEnd,
				r.Country, r.Region, r.City, r.DeviceCategory, r.ScreenResolution,
				r.Language, r.Referrer, r.PageViews, r.EventCount,
			); err != nil {
				return err
			}
		}
		return nil
	})
}

// UpsertPageviews upserts derived pageview rows.
func (s *Store) UpsertPageviews(ctx context.Context, rows []models.Pageview) error {
	return s.inTx(ctx, "pageviews", func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO pageviews (
				id, user_pseudo_id, session_id, event_timestamp,
				page_location, page_title, page_referrer, language
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				page_location = excluded.page_location,
				page_title = excluded.page_title,
				page_referrer = excluded.page_referrer,
				language = excluded.language`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, r := range rows {
			if _, err := stmt.ExecContext(ctx,
				r.ID, r.UserPseudoID, r.SessionID, r.EventTimestamp,
				r.PageLocation, r.PageTitle, r.PageReferrer, r.Language,
			); err != nil {
				return err
			}
		}
		return nil
	})
}

// UpsertVideoEvents upserts derived video interaction rows.
func (s *Store) UpsertVideoEvents(ctx context.Context, rows []models.VideoEvent) error {
	return s.inTx(ctx, "video_events", func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO video_events (
				id, user_pseudo_id, session_id, event_timestamp, event_name,
				video_id, video_title, gallery_id, player_context,
				current_time_s, progress_percent, watch_time_s
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				video_title = excluded.video_title,
				gallery_id = excluded.gallery_id,
				player_context = excluded.player_context,
				current_time_s = excluded.current_time_s,
				progress_percent = excluded.progress_percent,
				watch_time_s = excluded.watch_time_s`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, r := range rows {
			if _, err := stmt.ExecContext(ctx,
				r.ID, r.UserPseudoID, r.SessionID, r.EventTimestamp, r.EventName,
				r.VideoID, r.VideoTitle, r.GalleryID, r.PlayerContext,
				r.CurrentTime, r.ProgressPercent, r.WatchTime,
			); err != nil {
				return err
			}
		}
		return nil
	})
}

// UpsertCTAClicks upserts derived CTA click rows.
func (s *Store) UpsertCTAClicks(ctx context.Context, rows []models.CTAClick) error {
	return s.inTx(ctx, "cta_clicks", func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO cta_clicks (
				id, user_pseudo_id, session_id, event_timestamp, cta_id, page_path
			) VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				page_path = excluded.page_path`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, r := range rows {
			if _, err := stmt.ExecContext(ctx,
				r.ID, r.UserPseudoID, r.SessionID, r.EventTimestamp, r.CTAID, r.PagePath,
			); err != nil {
				return err
			}
		}
		return nil
	})
}

// MarkReturningUsers invokes the optional store-side macro that flags
// sessions from previously seen users by comparing first-seen dates.
// Returns ErrCapabilityMissing when the macro is not installed.
func (s *Store) MarkReturningUsers(ctx context.Context) error {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT count(*) FROM duckdb_functions() WHERE function_name = 'mark_returning_users'",
	).Scan(&count)
	if err != nil {
		return fmt.Errorf("probe mark_returning_users: %w", err)
	}
	if count == 0 {
		return ErrCapabilityMissing
	}

	if _, err := s.db.ExecContext(ctx, "SELECT mark_returning_users()"); err != nil {
		return fmt.Errorf("mark returning users: %w", err)
	}
	return nil
}

// CountSessions returns the number of rows in the sessions table, for the
// status endpoint.
func (s *Store) CountSessions(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT count(*) FROM sessions").Scan(&n); err != nil {
		return 0, fmt.Errorf("count sessions: %w", err)
	}
	return n, nil
}

func (s *Store) inTx(ctx context.Context, view string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin %s upsert: %w", view, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("upsert %s: %w", view, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s upsert: %w", view, err)
	}
	return nil
}
