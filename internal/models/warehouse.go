// Eventsync - Analytics Event Sync and Enrichment Pipeline
// Copyright 2026 Cadence Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cadencehq/eventsync

package models

import "time"

// The four warehouse-derived views. Each row carries a deterministic
// idempotent key in ID (see warehouse.IdempotentKey) so that re-running a
// day's sync re-affirms existing rows instead of duplicating them.

// SessionRollup is one session aggregated from raw warehouse events,
// grouped by (user_pseudo_id, session_id).
type SessionRollup struct {
	ID               string    `json:"id"`
	UserPseudoID     string    `json:"user_pseudo_id"`
	SessionID        string    `json:"session_id"`
	SessionStart     time.Time `json:"session_start"`
	SessionEnd       time.Time `json:"session_end"`
	Country          string    `json:"country,omitempty"`
	Region           string    `json:"region,omitempty"`
	City             string    `json:"city,omitempty"`
	DeviceCategory   string    `json:"device_category,omitempty"`
	ScreenResolution string    `json:"screen_resolution,omitempty"`
	Language         string    `json:"language,omitempty"`
	Referrer         string    `json:"referrer,omitempty"`
	PageViews        int       `json:"page_views"`
	EventCount       int       `json:"event_count"`
}

// Pageview is one page_view event from the warehouse.
type Pageview struct {
	ID             string    `json:"id"`
	UserPseudoID   string    `json:"user_pseudo_id"`
	SessionID      string    `json:"session_id"`
	EventTimestamp time.Time `json:"event_timestamp"`
	PageLocation   string    `json:"page_location,omitempty"`
	PageTitle      string    `json:"page_title,omitempty"`
	PageReferrer   string    `json:"page_referrer,omitempty"`
	Language       string    `json:"language,omitempty"`
}

// VideoEvent is one video_* interaction event from the warehouse.
type VideoEvent struct {
	ID              string    `json:"id"`
	UserPseudoID    string    `json:"user_pseudo_id"`
	SessionID       string    `json:"session_id"`
	EventTimestamp  time.Time `json:"event_timestamp"`
	EventName       string    `json:"event_name"`
	VideoID         string    `json:"video_id,omitempty"`
	VideoTitle      string    `json:"video_title,omitempty"`
	GalleryID       string    `json:"gallery_id,omitempty"`
	PlayerContext   string    `json:"player_context,omitempty"`
	CurrentTime     float64   `json:"current_time"`
	ProgressPercent float64   `json:"progress_percent"`
	WatchTime       float64   `json:"watch_time"`
}

// CTAClick is one cta_click event from the warehouse.
type CTAClick struct {
	ID             string    `json:"id"`
	UserPseudoID   string    `json:"user_pseudo_id"`
	SessionID      string    `json:"session_id"`
	EventTimestamp time.Time `json:"event_timestamp"`
	CTAID          string    `json:"cta_id"`
	PagePath       string    `json:"page_path,omitempty"`
}
