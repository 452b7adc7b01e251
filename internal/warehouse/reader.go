// Eventsync - Analytics Event Sync and Enrichment Pipeline
// Copyright 2026 Cadence Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cadencehq/eventsync

// Package warehouse reads day-partitioned raw event tables and derives the
// four flat views the durable store serves: session rollups, pageviews,
// video events and CTA clicks. Each derived row gets a deterministic
// idempotent key so a day can be re-synced wholesale.
package warehouse

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/cadencehq/eventsync/internal/config"
	"github.com/cadencehq/eventsync/internal/logging"
	"github.com/cadencehq/eventsync/internal/models"
)

// Reader reads derived views out of the columnar event warehouse.
type Reader struct {
	db     *sql.DB
	prefix string
}

// OpenReader opens the warehouse database. Read-only access is not
// enforced at the driver level; the reader simply never writes.
func OpenReader(cfg config.WarehouseConfig) (*Reader, error) {
	db, err := sql.Open("duckdb", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open warehouse: %w", err)
	}
	db.SetMaxOpenConns(2)

	logging.Info().Str("path", cfg.Path).Msg("Warehouse opened")
	return &Reader{db: db, prefix: cfg.TablePrefix}, nil
}

// Close closes the underlying database.
func (r *Reader) Close() error {
	return r.db.Close()
}

// TableForDay returns the day-partitioned table name for the given date,
// e.g. events_20260827. The suffix is always UTC.
func (r *Reader) TableForDay(day time.Time) string {
	return r.prefix + day.UTC().Format("20060102")
}

// TableExists reports whether the day table is present in the warehouse.
func (r *Reader) TableExists(ctx context.Context, table string) (bool, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		"SELECT count(*) FROM duckdb_tables() WHERE table_name = ?", table,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check table %s: %w", table, err)
	}
	return count > 0, nil
}

// SessionRollups groups the day's raw events by (user_pseudo_id,
// session_id), taking MIN/MAX timestamps as session bounds and ANY_VALUE
// for per-session attributes that are stable within a session.
func (r *Reader) SessionRollups(ctx context.Context, table string) ([]models.SessionRollup, error) {
	query := fmt.Sprintf(`
		SELECT
			user_pseudo_id,
			COALESCE(json_extract_string(params, '$.ga_session_id'), '') AS session_id,
			MIN(event_timestamp) AS session_start,
			MAX(event_timestamp) AS session_end,
			ANY_VALUE(geo_country),
			ANY_VALUE(geo_region),
			ANY_VALUE(geo_city),
			ANY_VALUE(device_category),
			ANY_VALUE(screen_resolution),
			ANY_VALUE(language),
			ANY_VALUE(referrer),
			count(*) FILTER (WHERE event_name = 'page_view') AS page_views,
			count(*) AS event_count
		FROM %s
		GROUP BY user_pseudo_id, session_id
		ORDER BY session_start`, table)

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("read session rollups from %s: %w", table, err)
	}
	defer rows.Close()

	var out []models.SessionRollup
	for rows.Next() {
		var s models.SessionRollup
		var country, region, city, device, screen, lang, referrer sql.NullString
		if err := rows.Scan(
			&s.UserPseudoID, &s.SessionID, &s.SessionStart, &s.SessionEnd,
			&country, &region, &city, &device, &screen, &lang, &referrer,
			&s.PageViews, &s.EventCount,
		); err != nil {
			return nil, fmt.Errorf("scan session rollup: %w", err)
		}
		s.Country = country.String
		s.Region = region.String
		s.City = city.String
		s.DeviceCategory = device.String
		s.ScreenResolution = screen.String
		s.Language = lang.String
		s.Referrer = referrer.String
		s.ID = IdempotentKey(s.UserPseudoID, s.SessionID)
		out = append(out, s)
	}
	return out, rows.Err()
}

// Pageviews projects one row per page_view event.
func (r *Reader) Pageviews(ctx context.Context, table string) ([]models.Pageview, error) {
	query := fmt.Sprintf(`
		SELECT
			user_pseudo_id,
			COALESCE(json_extract_string(params, '$.ga_session_id'), '') AS session_id,
			event_timestamp,
			json_extract_string(params, '$.page_location'),
			json_extract_string(params, '$.page_title'),
			json_extract_string(params, '$.page_referrer'),
			language
		FROM %s
		WHERE event_name = 'page_view'
		ORDER BY event_timestamp`, table)

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("read pageviews from %s: %w", table, err)
	}
	defer rows.Close()

	var out []models.Pageview
	for rows.Next() {
		var p models.Pageview
		var location, title, referrer, lang sql.NullString
		if err := rows.Scan(
			&p.UserPseudoID, &p.SessionID, &p.EventTimestamp,
			&location, &title, &referrer, &lang,
		); err != nil {
			return nil, fmt.Errorf("scan pageview: %w", err)
		}
		p.PageLocation = location.String
		p.PageTitle = title.String
		p.PageReferrer = referrer.String
		p.Language = lang.String
		p.ID = IdempotentKey(p.UserPseudoID, keyTime(p.EventTimestamp), p.PageLocation)
		out = append(out, p)
	}
	return out, rows.Err()
}

// VideoEvents projects one row per video interaction event.
func (r *Reader) VideoEvents(ctx context.Context, table string) ([]models.VideoEvent, error) {
	query := fmt.Sprintf(`
		SELECT
			user_pseudo_id,
			COALESCE(json_extract_string(params, '$.ga_session_id'), '') AS session_id,
			event_timestamp,
			event_name,
			json_extract_string(params, '$.video_id'),
			json_extract_string(params, '$.video_title'),
			json_extract_string(params, '$.gallery_id'),
			json_extract_string(params, '$.player_context'),
			TRY_CAST(json_extract_string(params, '$.current_time') AS DOUBLE),
			TRY_CAST(json_extract_string(params, '$.progress_percent') AS DOUBLE),
			TRY_CAST(json_extract_string(params, '$.watch_time') AS DOUBLE)
		FROM %s
		WHERE event_name IN ('video_start', 'video_pause', 'video_progress', 'video_complete')
		ORDER BY event_timestamp`, table)

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("read video events from %s: %w", table, err)
	}
	defer rows.Close()

	var out []models.VideoEvent
	for rows.Next() {
		var v models.VideoEvent
		var videoID, title, gallery, player sql.NullString
		var current, progress, watch sql.NullFloat64
		if err := rows.Scan(
			&v.UserPseudoID, &v.SessionID, &v.EventTimestamp, &v.EventName,
			&videoID, &title, &gallery, &player,
			&current, &progress, &watch,
		); err != nil {
			return nil, fmt.Errorf("scan video event: %w", err)
		}
		v.VideoID = videoID.String
		v.VideoTitle = title.String
		v.GalleryID = gallery.String
		v.PlayerContext = player.String
		v.CurrentTime = current.Float64
		v.ProgressPercent = progress.Float64
		v.WatchTime = watch.Float64
		v.ID = IdempotentKey(v.UserPseudoID, keyTime(v.EventTimestamp), v.VideoID, v.EventName)
		out = append(out, v)
	}
	return out, rows.Err()
}

// CTAClicks projects one row per cta_click event.
func (r *Reader) CTAClicks(ctx context.Context, table string) ([]models.CTAClick, error) {
	query := fmt.Sprintf(`
		SELECT
			user_pseudo_id,
			COALESCE(json_extract_string(params, '$.ga_session_id'), '') AS session_id,
			event_timestamp,
			COALESCE(json_extract_string(params, '$.cta_id'), '') AS cta_id,
			json_extract_string(params, '$.page_path')
		FROM %s
		WHERE event_name = 'cta_click'
		ORDER BY event_timestamp`, table)

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("read cta clicks from %s: %w", table, err)
	}
	defer rows.Close()

	var out []models.CTAClick
	for rows.Next() {
		var c models.CTAClick
		var path sql.NullString
		if err := rows.Scan(
			&c.UserPseudoID, &c.SessionID, &c.EventTimestamp, &c.CTAID, &path,
		); err != nil {
			return nil, fmt.Errorf("scan cta click: %w", err)
		}
		c.PagePath = path.String
		c.ID = IdempotentKey(c.UserPseudoID, keyTime(c.EventTimestamp), c.CTAID)
		out = append(out, c)
	}
	return out, rows.Err()
}
