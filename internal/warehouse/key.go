// Eventsync - Analytics Event Sync and Enrichment Pipeline
// Copyright 2026 Cadence Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cadencehq/eventsync

package warehouse

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// IdempotentKey derives a stable primary key from a view row's natural-key
// tuple. The same tuple always hashes to the same key, so re-syncing a day
// re-affirms existing rows instead of duplicating them.
func IdempotentKey(fields ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(fields, "|")))
	return hex.EncodeToString(sum[:])
}

// keyTime renders a timestamp for key derivation. UTC and fixed precision,
// so the same instant always contributes the same bytes.
func keyTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
