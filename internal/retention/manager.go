// Eventsync - Analytics Event Sync and Enrichment Pipeline
// Copyright 2026 Cadence Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cadencehq/eventsync

// Package retention enforces record-count and record-age caps on the local
// datasets, taking a dated pre-cleanup backup before any destructive
// rewrite and pruning old backups.
package retention

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cadencehq/eventsync/internal/config"
	"github.com/cadencehq/eventsync/internal/localstore"
	"github.com/cadencehq/eventsync/internal/logging"
	"github.com/cadencehq/eventsync/internal/metrics"
)

// sizeSkipFraction is the fraction of the configured max file size below
// which a dataset is left untouched. The skip is a cheap no-op path, not a
// correctness requirement.
const sizeSkipFraction = 0.8

// Result summarizes one dataset's retention pass.
type Result struct {
	Dataset      string `json:"dataset"`
	Skipped      bool   `json:"skipped"`
	DroppedCount int    `json:"dropped_count"`
	DroppedAge   int    `json:"dropped_age"`
	Remaining    int    `json:"remaining"`
	BackupTaken  bool   `json:"backup_taken"`
}

// Manager applies the configured retention caps to local datasets.
type Manager struct {
	store     *localstore.Store
	backupDir string
	cfg       config.RetentionConfig

	// now is injectable for tests.
	now func() time.Time
}

// NewManager creates a retention manager over the given local store.
func NewManager(store *localstore.Store, backupDir string, cfg config.RetentionConfig) *Manager {
	return &Manager{
		store:     store,
		backupDir: backupDir,
		cfg:       cfg,
		now:       time.Now,
	}
}

// EnforceAll runs retention on every configured dataset plus the backup
// pruning pass. A failure on one dataset is logged and does not abort the
// others; the last error is returned so callers can surface it.
func (m *Manager) EnforceAll() ([]Result, error) {
	names := make([]string, 0, len(m.cfg.Datasets))
	for name := range m.cfg.Datasets {
		names = append(names, name)
	}
	sort.Strings(names)

	var results []Result
	var lastErr error
	for _, name := range names {
		res, err := m.Enforce(name)
		if err != nil {
			logging.Error().Err(err).Str("dataset", name).Msg("Retention pass failed for dataset")
			lastErr = err
			continue
		}
		results = append(results, res)
	}

	if err := m.PruneBackups(); err != nil {
		logging.Error().Err(err).Msg("Backup pruning failed")
		lastErr = err
	}

	return results, lastErr
}

// Enforce applies the caps to one dataset: count limit first (keep the
// newest MaxRecords), then age limit. A dated backup of the pre-cleanup
// state is written before the live file is replaced.
func (m *Manager) Enforce(dataset string) (Result, error) {
	limits, ok := m.cfg.Datasets[dataset]
	if !ok {
		return Result{}, fmt.Errorf("no retention limits configured for dataset %q", dataset)
	}

	res := Result{Dataset: dataset}

	sizeBytes, err := m.store.SizeBytes(dataset)
	if err != nil {
		return res, err
	}
	sizeMB := float64(sizeBytes) / (1024 * 1024)
	if sizeMB < limits.MaxFileSizeMB*sizeSkipFraction {
		logging.Debug().Str("dataset", dataset).Float64("size_mb", sizeMB).Msg("Dataset below size threshold, skipping retention")
		res.Skipped = true
		return res, nil
	}

	records, err := m.store.ListSessions(dataset)
	if err != nil {
		return res, err
	}
	original := len(records)

	// Count limit: newest first, keep the top MaxRecords.
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].EffectiveTimestamp().After(records[j].EffectiveTimestamp())
	})
	if len(records) > limits.MaxRecords {
		res.DroppedCount = len(records) - limits.MaxRecords
		records = records[:limits.MaxRecords]
	}

	// Age limit on what survived the count cap.
	cutoff := m.now().AddDate(0, 0, -limits.MaxAgeDays)
	kept := records[:0]
	for _, rec := range records {
		if rec.EffectiveTimestamp().Before(cutoff) {
			res.DroppedAge++
			continue
		}
		kept = append(kept, rec)
	}
	records = kept
	res.Remaining = len(records)

	if res.DroppedCount == 0 && res.DroppedAge == 0 {
		return res, nil
	}

	taken, err := m.backupDataset(dataset)
	if err != nil {
		return res, err
	}
	res.BackupTaken = taken

	if err := m.store.ReplaceSessions(dataset, records); err != nil {
		return res, err
	}

	metrics.RetentionRecordsDropped.WithLabelValues(dataset, "count_cap").Add(float64(res.DroppedCount))
	metrics.RetentionRecordsDropped.WithLabelValues(dataset, "age").Add(float64(res.DroppedAge))
	logging.Info().
		Str("dataset", dataset).
		Int("original", original).
		Int("dropped_count", res.DroppedCount).
		Int("dropped_age", res.DroppedAge).
		Int("remaining", res.Remaining).
		Msg("Retention applied to dataset")

	return res, nil
}

// backupDataset snapshots the pre-cleanup dataset to
// <dataset>-backup-YYYY-MM-DD.json. Idempotent per calendar day: if
// today's backup already exists it is kept as-is, so a second cleanup in
// the same day cannot overwrite the earlier (fuller) snapshot.
func (m *Manager) backupDataset(dataset string) (bool, error) {
	if err := os.MkdirAll(m.backupDir, 0o750); err != nil {
		return false, fmt.Errorf("create backup directory: %w", err)
	}

	name := fmt.Sprintf("%s-backup-%s.json", dataset, m.now().Format("2006-01-02"))
	path := filepath.Join(m.backupDir, name)
	if _, err := os.Stat(path); err == nil {
		logging.Debug().Str("backup", name).Msg("Backup for today already exists, keeping it")
		return false, nil
	}

	data, err := m.store.ReadRaw(dataset)
	if errors.Is(err, localstore.ErrDatasetNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if err := os.WriteFile(path, data, 0o640); err != nil {
		return false, fmt.Errorf("write backup %s: %w", name, err)
	}
	logging.Info().Str("backup", name).Msg("Wrote pre-cleanup backup")
	return true, nil
}

// PruneBackups removes backup files older than the configured maximum age.
// Age is taken from the date embedded in the filename, not the mtime, so a
// restored or copied backup still ages out on schedule.
func (m *Manager) PruneBackups() error {
	entries, err := os.ReadDir(m.backupDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read backup directory: %w", err)
	}

	cutoff := m.now().AddDate(0, 0, -m.cfg.BackupMaxAgeDays)
	pruned := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		stamp, ok := backupDate(entry.Name())
		if !ok {
			continue
		}
		if !stamp.Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(m.backupDir, entry.Name())); err != nil {
			logging.Warn().Err(err).Str("backup", entry.Name()).Msg("Failed to prune backup")
			continue
		}
		pruned++
	}

	if pruned > 0 {
		metrics.RetentionBackupsPruned.Add(float64(pruned))
		logging.Info().Int("pruned", pruned).Msg("Pruned old backups")
	}
	return nil
}

// backupDate parses the YYYY-MM-DD stamp out of a backup filename like
// sessions-backup-2026-08-27.json.
func backupDate(name string) (time.Time, bool) {
	if !strings.HasSuffix(name, ".json") {
		return time.Time{}, false
	}
	base := strings.TrimSuffix(name, ".json")
	idx := strings.LastIndex(base, "-backup-")
	if idx < 0 {
		return time.Time{}, false
	}
	stamp, err := time.Parse("2006-01-02", base[idx+len("-backup-"):])
	if err != nil {
		return time.Time{}, false
	}
	return stamp, true
}
