// Eventsync - Analytics Event Sync and Enrichment Pipeline
// Copyright 2026 Cadence Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cadencehq/eventsync

// Package models defines the shared data types that flow through the
// pipeline: session records in the local and durable tiers, persisted
// reconciler state, and the rows derived from the event warehouse.
package models

import (
	"strings"
	"time"
)

// DeviceCategory classifies the client device derived from the user agent.
type DeviceCategory string

// Device categories. The classification is a best-effort substring
// heuristic, not an exhaustive user-agent parser.
const (
	DeviceMobile  DeviceCategory = "mobile"
	DeviceTablet  DeviceCategory = "tablet"
	DeviceDesktop DeviceCategory = "desktop"
)

// SessionRecord is a single visitor session as captured by the site.
// The same shape is used in the local append files and the durable store;
// SessionID is the stable identity within any dataset.
type SessionRecord struct {
	SessionID        string         `json:"session_id"`
	IPAddress        string         `json:"ip_address,omitempty"`
	UserAgent        string         `json:"user_agent,omitempty"`
	Referrer         string         `json:"referrer,omitempty"`
	Language         string         `json:"language,omitempty"`
	Country          string         `json:"country,omitempty"`
	CountryISO2      string         `json:"country_iso2,omitempty"`
	CountryISO3      string         `json:"country_iso3,omitempty"`
	City             string         `json:"city,omitempty"`
	Region           string         `json:"region,omitempty"`
	DeviceCategory   DeviceCategory `json:"device_category,omitempty"`
	ScreenResolution string         `json:"screen_resolution,omitempty"`
	Timezone         string         `json:"timezone,omitempty"`
	PageViews        int            `json:"page_views"`
	Duration         int            `json:"duration"` // seconds
	IsBot            bool           `json:"is_bot"`
	IsTestData       bool           `json:"is_test_data"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// EffectiveTimestamp returns the best-available timestamp for ordering and
// age decisions: CreatedAt when set, otherwise UpdatedAt.
func (r *SessionRecord) EffectiveTimestamp() time.Time {
	if !r.CreatedAt.IsZero() {
		return r.CreatedAt
	}
	return r.UpdatedAt
}

// ClassifyDevice derives a device category from a user agent string.
// Substring matching is intentionally coarse: tablet|ipad map to tablet,
// mobile|android|iphone to mobile, anything else to desktop. Tablet
// indicators are checked first because iPad and Android tablet agents also
// carry mobile markers.
func ClassifyDevice(userAgent string) DeviceCategory {
	ua := strings.ToLower(userAgent)
	switch {
	case strings.Contains(ua, "tablet") || strings.Contains(ua, "ipad"):
		return DeviceTablet
	case strings.Contains(ua, "mobile") || strings.Contains(ua, "android") || strings.Contains(ua, "iphone"):
		return DeviceMobile
	default:
		return DeviceDesktop
	}
}

// SyncState is the persisted progress of one reconciliation pipeline.
// It is mutated only by the reconciler, once per run, and survives
// process restarts.
type SyncState struct {
	LastSyncTimestamp   time.Time `json:"last_sync_timestamp"`
	LastSyncedSessionID string    `json:"last_synced_session_id,omitempty"`
	TotalSynced         int64     `json:"total_synced"`
	LastError           *string   `json:"last_error,omitempty"`
}
