// Package config defines service configuration structures and loading hooks.
//
// Conventions:
// - Provide New(ctx) initializer to build a Config with defaults.
// - Load layers a YAML file and FEEDBACK_ environment variables over them.
// - Validation failures wrap ErrInvalidConfig; loader failures wrap ErrLoadConfig.
package config

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Store drivers.
const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
)

// Cycle modes.
const (
	CycleInline = "inline"
	CycleAsync  = "async"
)

// Config contains process configuration.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`

	// Addr configures the HTTP listen address, e.g. ":9080".
	Addr string `koanf:"addr"`

	// StoreDriver selects the record store: memory or sqlite.
	StoreDriver string `koanf:"store_driver"`

	// SQLitePath is the database file used when StoreDriver is sqlite.
	SQLitePath string `koanf:"sqlite_path"`

	// MinSamples is the pending-outcome threshold that fires a cycle.
	MinSamples int `koanf:"min_samples"`

	// MinTotal is the minimum number of scored outcomes before any cycle.
	MinTotal int `koanf:"min_total"`

	// MinTrainSamples is the per-metric floor below which a model is not fitted.
	MinTrainSamples int `koanf:"min_train_samples"`

	// CycleBatchSize caps records fetched per cycle; 0 takes all pending.
	CycleBatchSize int `koanf:"cycle_batch_size"`

	// CycleMode is inline (run on trigger) or async (queue + workers).
	CycleMode string `koanf:"cycle_mode"`

	// WorkerCount sets the number of async cycle workers.
	WorkerCount int `koanf:"worker_count"`

	// QueueSize bounds the async cycle queue.
	QueueSize int `koanf:"queue_size"`

	EnsembleSize int     `koanf:"ensemble_size"`
	RidgeLambda  float64 `koanf:"ridge_lambda"`
	RandomSeed   int64   `koanf:"random_seed"`

	// LatestAlgorithmVersion is the tag treated as the latest generation.
	LatestAlgorithmVersion string `koanf:"latest_algorithm_version"`

	// HistoryLimit caps improvement history in stats views; 0 returns all.
	HistoryLimit int `koanf:"history_limit"`

	// MetricsEnabled turns Prometheus recording on or off.
	MetricsEnabled bool `koanf:"metrics_enabled"`

	// MetricsNamespace prefixes every exported series name.
	MetricsNamespace string `koanf:"metrics_namespace"`

	// MetricsRefreshInterval is the system gauge sampling period, e.g. "10s".
	MetricsRefreshInterval time.Duration `koanf:"metrics_refresh_interval"`

	// MetricsLabels are constant labels added to every series.
	MetricsLabels map[string]string `koanf:"metrics_labels"`
}

// New creates a Config populated with defaults.
func New(_ context.Context) *Config {
	return &Config{
		LogLevel:               "info",
		Addr:                   ":9080",
		StoreDriver:            StoreMemory,
		SQLitePath:             "feedback.db",
		MinSamples:             10,
		MinTotal:               5,
		MinTrainSamples:        5,
		CycleBatchSize:         0,
		CycleMode:              CycleInline,
		WorkerCount:            2,
		QueueSize:              64,
		EnsembleSize:           16,
		RidgeLambda:            0.01,
		RandomSeed:             42,
		LatestAlgorithmVersion: "2.0",
		HistoryLimit:           0,
		MetricsEnabled:         true,
		MetricsNamespace:       "feedback",
		MetricsRefreshInterval: 10 * time.Second,
	}
}

// Validate reports the first setting outside its allowed range.
func (c *Config) Validate() error {
	c.StoreDriver = strings.ToLower(strings.TrimSpace(c.StoreDriver))
	c.CycleMode = strings.ToLower(strings.TrimSpace(c.CycleMode))

	switch {
	case strings.TrimSpace(c.Addr) == "":
		return fmt.Errorf("%w: addr must not be empty", ErrInvalidConfig)
	case c.StoreDriver != StoreMemory && c.StoreDriver != StoreSQLite:
		return fmt.Errorf("%w: unknown store_driver %q", ErrInvalidConfig, c.StoreDriver)
	case c.StoreDriver == StoreSQLite && c.SQLitePath == "":
		return fmt.Errorf("%w: sqlite_path must not be empty", ErrInvalidConfig)
	case c.CycleMode != CycleInline && c.CycleMode != CycleAsync:
		return fmt.Errorf("%w: unknown cycle_mode %q", ErrInvalidConfig, c.CycleMode)
	case c.MinSamples < 1:
		return fmt.Errorf("%w: min_samples must be at least 1", ErrInvalidConfig)
	case c.MinTotal < 0:
		return fmt.Errorf("%w: min_total must not be negative", ErrInvalidConfig)
	case c.MinTrainSamples < 2:
		return fmt.Errorf("%w: min_train_samples must be at least 2", ErrInvalidConfig)
	case c.CycleBatchSize < 0:
		return fmt.Errorf("%w: cycle_batch_size must not be negative", ErrInvalidConfig)
	case c.EnsembleSize < 1:
		return fmt.Errorf("%w: ensemble_size must be at least 1", ErrInvalidConfig)
	case c.RidgeLambda < 0:
		return fmt.Errorf("%w: ridge_lambda must not be negative", ErrInvalidConfig)
	case c.HistoryLimit < 0:
		return fmt.Errorf("%w: history_limit must not be negative", ErrInvalidConfig)
	case strings.TrimSpace(c.MetricsNamespace) == "":
		return fmt.Errorf("%w: metrics_namespace must not be empty", ErrInvalidConfig)
	case c.MetricsRefreshInterval <= 0:
		return fmt.Errorf("%w: metrics_refresh_interval must be positive", ErrInvalidConfig)
	case c.CycleMode == CycleAsync && (c.WorkerCount < 1 || c.QueueSize < 1):
		return fmt.Errorf("%w: async mode needs worker_count and queue_size of at least 1", ErrInvalidConfig)
	}
	return nil
}
