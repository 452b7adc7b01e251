// Eventsync - Analytics Event Sync and Enrichment Pipeline
// Copyright 2026 Cadence Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cadencehq/eventsync

// Package localstore implements the fast local tier: named append-only
// JSON datasets holding session records. Writes go to a temp file and are
// renamed into place so readers never observe a partial dataset.
//
// The local tier is a rolling window, not an archive; the retention
// manager ages records out and the reconciler copies them to the durable
// store before they can expire.
package localstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/cadencehq/eventsync/internal/models"
)

// ErrDatasetNotFound is returned for stats on a dataset with no file.
var ErrDatasetNotFound = errors.New("dataset not found")

// DatasetStats describes the current state of one dataset file.
type DatasetStats struct {
	SizeMB       float64   `json:"size_mb"`
	RecordCount  int       `json:"record_count"`
	LastModified time.Time `json:"last_modified"`
}

// Store manages the local dataset files under a single directory.
// All methods are safe for concurrent use; a single mutex serializes
// read-modify-write cycles across datasets.
type Store struct {
	dir string
	mu  sync.Mutex
}

// New creates a store rooted at dir, creating the directory if needed.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create local data directory %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the store's root directory.
func (s *Store) Dir() string {
	return s.dir
}

// DatasetPath returns the file path backing the named dataset.
func (s *Store) DatasetPath(dataset string) string {
	return filepath.Join(s.dir, dataset+".json")
}

// ListSessions returns all records in the named dataset. A missing file is
// an empty dataset, not an error.
func (s *Store) ListSessions(dataset string) ([]models.SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readLocked(dataset)
}

// AppendSession appends one record to the named dataset.
func (s *Store) AppendSession(dataset string, rec models.SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.readLocked(dataset)
	if err != nil {
		return err
	}
	records = append(records, rec)
	return s.writeLocked(dataset, records)
}

// ReplaceSessions atomically replaces the named dataset's contents.
// Used by the retention manager after filtering.
func (s *Store) ReplaceSessions(dataset string, records []models.SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(dataset, records)
}

// Stats returns size, record count and mtime for the named dataset.
func (s *Store) Stats(dataset string) (DatasetStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.DatasetPath(dataset)
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return DatasetStats{}, ErrDatasetNotFound
	}
	if err != nil {
		return DatasetStats{}, fmt.Errorf("stat dataset %s: %w", dataset, err)
	}

	records, err := s.readLocked(dataset)
	if err != nil {
		return DatasetStats{}, err
	}

	return DatasetStats{
		SizeMB:       float64(info.Size()) / (1024 * 1024),
		RecordCount:  len(records),
		LastModified: info.ModTime(),
	}, nil
}

// SizeBytes returns the dataset file size, 0 when the file is missing.
func (s *Store) SizeBytes(dataset string) (int64, error) {
	info, err := os.Stat(s.DatasetPath(dataset))
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("stat dataset %s: %w", dataset, err)
	}
	return info.Size(), nil
}

// ReadRaw returns the raw dataset file bytes, for backup snapshots of the
// pre-cleanup state.
func (s *Store) ReadRaw(dataset string) ([]byte, error) {
	data, err := os.ReadFile(s.DatasetPath(dataset))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrDatasetNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read dataset %s: %w", dataset, err)
	}
	return data, nil
}

func (s *Store) readLocked(dataset string) ([]models.SessionRecord, error) {
	data, err := os.ReadFile(s.DatasetPath(dataset))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read dataset %s: %w", dataset, err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	var records []models.SessionRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("parse dataset %s: %w", dataset, err)
	}
	return records, nil
}

// writeLocked writes the dataset via temp file + rename so a crash can
// never leave a half-written live file.
func (s *Store) writeLocked(dataset string, records []models.SessionRecord) error {
	if records == nil {
		records = []models.SessionRecord{}
	}

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal dataset %s: %w", dataset, err)
	}

	path := s.DatasetPath(dataset)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return fmt.Errorf("write dataset %s: %w", dataset, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace dataset %s: %w", dataset, err)
	}
	return nil
}
