// Eventsync - Analytics Event Sync and Enrichment Pipeline
// Copyright 2026 Cadence Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cadencehq/eventsync

// Package config loads and validates the Eventsync configuration.
//
// Configuration is layered: struct defaults first, then an optional YAML
// file, then environment variables with the EVENTSYNC_ prefix. Nested keys
// map to env vars with underscores, e.g. EVENTSYNC_GEO_CACHE_TTL.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the root configuration for both the daemon and the batch job.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	LocalData LocalDataConfig `koanf:"local_data"`
	Durable   DurableConfig   `koanf:"durable"`
	Warehouse WarehouseConfig `koanf:"warehouse"`
	Sync      SyncConfig      `koanf:"sync"`
	Geo       GeoConfig       `koanf:"geo"`
	Retention RetentionConfig `koanf:"retention"`
	Scheduler SchedulerConfig `koanf:"scheduler"`
	Logging   LoggingConfig   `koanf:"logging"`
}

// ServerConfig configures the operator HTTP API.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port" validate:"min=1,max=65535"`
	Timeout         time.Duration `koanf:"timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	CORSOrigins     []string      `koanf:"cors_origins"`
	RateLimitReqs   int           `koanf:"rate_limit_reqs"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window"`
}

// LocalDataConfig configures the local fast tier (append-only JSON datasets).
type LocalDataConfig struct {
	Dir       string `koanf:"dir" validate:"required"`
	BackupDir string `koanf:"backup_dir"`
	// Dataset is the dataset name the reconciler drains into the durable
	// store. Retention limits may cover additional datasets.
	Dataset string `koanf:"dataset" validate:"required"`
}

// DurableConfig configures the durable session store (DuckDB).
type DurableConfig struct {
	Path      string `koanf:"path" validate:"required"`
	MaxMemory string `koanf:"max_memory"`
	Threads   int    `koanf:"threads"`
}

// WarehouseConfig configures the day-partitioned raw event warehouse.
type WarehouseConfig struct {
	Path        string `koanf:"path"`
	TablePrefix string `koanf:"table_prefix"`
	ChunkSize   int    `koanf:"chunk_size" validate:"min=1"`
}

// SyncConfig configures the local-to-durable reconciler.
type SyncConfig struct {
	BatchSize  int           `koanf:"batch_size" validate:"min=1"`
	BatchCap   int           `koanf:"batch_cap" validate:"min=1"`
	BatchDelay time.Duration `koanf:"batch_delay"`
	StatePath  string        `koanf:"state_path" validate:"required"`
}

// GeoConfig configures geolocation enrichment.
type GeoConfig struct {
	CacheTTL        time.Duration `koanf:"cache_ttl"`
	RateLimit       int           `koanf:"rate_limit" validate:"min=1"`
	RateWindow      time.Duration `koanf:"rate_window"`
	LookupTimeout   time.Duration `koanf:"lookup_timeout"`
	BaseURL         string        `koanf:"base_url"`
	BreakerFailures uint32        `koanf:"breaker_failures"`
}

// DatasetRetention holds the per-dataset retention caps. Static and
// operator-defined; not user data.
type DatasetRetention struct {
	MaxRecords    int     `koanf:"max_records" validate:"min=1"`
	MaxAgeDays    int     `koanf:"max_age_days" validate:"min=1"`
	MaxFileSizeMB float64 `koanf:"max_file_size_mb" validate:"gt=0"`
}

// RetentionConfig configures the retention manager.
type RetentionConfig struct {
	// Datasets maps dataset name to its caps.
	Datasets map[string]DatasetRetention `koanf:"datasets"`
	// BackupMaxAgeDays is how long dated pre-cleanup backups are kept.
	BackupMaxAgeDays int `koanf:"backup_max_age_days" validate:"min=1"`
}

// SchedulerConfig configures the daily job timer.
type SchedulerConfig struct {
	// Hour is the local wall-clock hour (0-23) the daily cycle fires at.
	Hour int `koanf:"hour" validate:"min=0,max=23"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// defaultConfig returns a Config with all default values. Defaults are
// applied first, then overridden by config file and env vars.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8930,
			Timeout:         30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			CORSOrigins:     []string{"*"},
			RateLimitReqs:   100,
			RateLimitWindow: time.Minute,
		},
		LocalData: LocalDataConfig{
			Dir:       "/data/local",
			BackupDir: "/data/local/backups",
			Dataset:   "sessions",
		},
		Durable: DurableConfig{
			Path:      "/data/eventsync.duckdb",
			MaxMemory: "1GB",
			Threads:   0, // 0 = runtime.NumCPU()
		},
		Warehouse: WarehouseConfig{
			Path:        "/data/warehouse.duckdb",
			TablePrefix: "events_",
			ChunkSize:   500,
		},
		Sync: SyncConfig{
			BatchSize:  100,
			BatchCap:   50,
			BatchDelay: 50 * time.Millisecond,
			StatePath:  "/data/syncstate",
		},
		Geo: GeoConfig{
			CacheTTL:        24 * time.Hour,
			RateLimit:       5,
			RateWindow:      time.Minute,
			LookupTimeout:   5 * time.Second,
			BaseURL:         "https://ipapi.co",
			BreakerFailures: 5,
		},
		Retention: RetentionConfig{
			Datasets: map[string]DatasetRetention{
				"sessions": {
					MaxRecords:    10000,
					MaxAgeDays:    30,
					MaxFileSizeMB: 10,
				},
			},
			BackupMaxAgeDays: 7,
		},
		Scheduler: SchedulerConfig{
			Hour: 3,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	if c.Sync.BatchDelay < 0 {
		return fmt.Errorf("sync.batch_delay must not be negative")
	}
	if c.Geo.CacheTTL <= 0 {
		return fmt.Errorf("geo.cache_ttl must be positive")
	}
	if c.Geo.RateWindow <= 0 {
		return fmt.Errorf("geo.rate_window must be positive")
	}
	for name, dr := range c.Retention.Datasets {
		if name == "" {
			return fmt.Errorf("retention dataset name must not be empty")
		}
		if dr.MaxRecords <= 0 || dr.MaxAgeDays <= 0 || dr.MaxFileSizeMB <= 0 {
			return fmt.Errorf("retention caps for dataset %q must be positive", name)
		}
	}

	return nil
}
