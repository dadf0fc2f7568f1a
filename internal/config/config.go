// Driftline - Feed Caching, Fan-out, and Trend Scoring
// Copyright 2026 Driftline Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/driftline/driftline

// Package config loads Driftline configuration with layered precedence:
// struct defaults, then an optional YAML file, then DRIFTLINE_-prefixed
// environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the root configuration for the Driftline core and worker.
type Config struct {
	Logging  LoggingConfig  `koanf:"logging"`
	Redis    RedisConfig    `koanf:"redis"`
	Realtime RealtimeConfig `koanf:"realtime"`
	Cache    CacheConfig    `koanf:"cache"`
	Feed     FeedConfig     `koanf:"feed"`
	Worker   WorkerConfig   `koanf:"worker"`
	Activity ActivityConfig `koanf:"activity"`
}

// LoggingConfig configures the zerolog global logger.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"omitempty,oneof=trace debug info warn error fatal disabled"`
	Format string `koanf:"format" validate:"omitempty,oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// RedisConfig configures the shared Redis client backing the tagged cache,
// feed lists, leaderboard, and interaction stream.
type RedisConfig struct {
	Addr         string        `koanf:"addr" validate:"required"`
	Password     string        `koanf:"password"`
	DB           int           `koanf:"db" validate:"gte=0"`
	DialTimeout  time.Duration `koanf:"dial_timeout"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
	PoolSize     int           `koanf:"pool_size" validate:"gte=0"`
}

// RealtimeConfig configures the best-effort NATS broadcast channel.
type RealtimeConfig struct {
	Enabled bool `koanf:"enabled"`

	// URL of the NATS server. Ignored when EmbeddedServer is true.
	URL string `koanf:"url"`

	// EmbeddedServer runs an in-process NATS server for single-binary
	// deployments.
	EmbeddedServer bool `koanf:"embedded_server"`

	// SubjectPrefix is prepended to broadcast subjects
	// (e.g. driftline.events.new_post).
	SubjectPrefix string `koanf:"subject_prefix"`
}

// CacheConfig configures the tagged cache store.
type CacheConfig struct {
	// DefaultTTL applies when a caller sets a key without an explicit TTL.
	DefaultTTL time.Duration `koanf:"default_ttl"`

	// TagIndexMargin is added on top of a value's TTL when expiring its
	// tag index entries, so the index never expires before the data.
	TagIndexMargin time.Duration `koanf:"tag_index_margin"`

	// SweepInterval is how often empty tag sets are reclaimed.
	SweepInterval time.Duration `koanf:"sweep_interval"`
}

// FeedConfig configures the feed fan-out/read engine.
type FeedConfig struct {
	// TTL caps the lifetime of a derived feed list.
	TTL time.Duration `koanf:"ttl"`

	// MaxSize trims each feed list to its newest members on fan-out.
	MaxSize int `koanf:"max_size" validate:"gt=0"`

	DefaultPageSize int `koanf:"default_page_size" validate:"gt=0"`
	MaxPageSize     int `koanf:"max_page_size" validate:"gt=0"`
}

// WorkerConfig configures the trend-scoring worker.
type WorkerConfig struct {
	Stream   string `koanf:"stream" validate:"required"`
	Group    string `koanf:"group" validate:"required"`
	Consumer string `koanf:"consumer"`

	// ReadBlock bounds the blocking stream read so the loop stays
	// responsive to shutdown.
	ReadBlock time.Duration `koanf:"read_block"`

	FlushInterval       time.Duration `koanf:"flush_interval"`
	ReclaimInterval     time.Duration `koanf:"reclaim_interval"`
	ReclaimMinIdle      time.Duration `koanf:"reclaim_min_idle"`
	FullRefreshInterval time.Duration `koanf:"full_refresh_interval"`
	RefreshCandidates   int           `koanf:"refresh_candidates" validate:"gt=0"`
	CounterChunkSize    int           `koanf:"counter_chunk_size" validate:"gt=0"`

	// MetricsAddr is the listen address for the Prometheus endpoint.
	// Empty disables it.
	MetricsAddr string `koanf:"metrics_addr"`
}

// ActivityConfig configures the activity-decay trackers.
type ActivityConfig struct {
	TagHalfLife   time.Duration `koanf:"tag_half_life"`
	TagDormancy   time.Duration `koanf:"tag_dormancy"`
	PostHalfLife  time.Duration `koanf:"post_half_life"`
	PostDormancy  time.Duration `koanf:"post_dormancy"`
	MetricsTTL    time.Duration `koanf:"metrics_ttl"`
	HistoricalTTL time.Duration `koanf:"historical_ttl"`
}

// defaultConfig returns a Config with all default values. Defaults are
// applied first, then overridden by the config file and env vars.
func defaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
		Redis: RedisConfig{
			Addr:         "127.0.0.1:6379",
			Password:     "",
			DB:           0,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
			PoolSize:     0, // 0 = go-redis default (10 per CPU)
		},
		Realtime: RealtimeConfig{
			Enabled:        true,
			URL:            "nats://127.0.0.1:4222",
			EmbeddedServer: false,
			SubjectPrefix:  "driftline.events",
		},
		Cache: CacheConfig{
			DefaultTTL:     15 * time.Minute,
			TagIndexMargin: 5 * time.Minute,
			SweepInterval:  10 * time.Minute,
		},
		Feed: FeedConfig{
			TTL:             1 * time.Hour,
			MaxSize:         800,
			DefaultPageSize: 20,
			MaxPageSize:     100,
		},
		Worker: WorkerConfig{
			Stream:              "stream:interactions",
			Group:               "trending_group",
			Consumer:            "", // auto-generated: hostname + short uuid
			ReadBlock:           2 * time.Second,
			FlushInterval:       2 * time.Second,
			ReclaimInterval:     30 * time.Second,
			ReclaimMinIdle:      60 * time.Second,
			FullRefreshInterval: 5 * time.Minute,
			RefreshCandidates:   500,
			CounterChunkSize:    100,
			MetricsAddr:         ":9091",
		},
		Activity: ActivityConfig{
			TagHalfLife:   24 * time.Hour,
			TagDormancy:   24 * time.Hour,
			PostHalfLife:  12 * time.Hour,
			PostDormancy:  12 * time.Hour,
			MetricsTTL:    7 * 24 * time.Hour,
			HistoricalTTL: 90 * 24 * time.Hour,
		},
	}
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Feed.DefaultPageSize > c.Feed.MaxPageSize {
		return fmt.Errorf("feed.default_page_size %d exceeds feed.max_page_size %d",
			c.Feed.DefaultPageSize, c.Feed.MaxPageSize)
	}
	if c.Worker.ReclaimMinIdle < c.Worker.FlushInterval {
		return fmt.Errorf("worker.reclaim_min_idle %s must be at least worker.flush_interval %s",
			c.Worker.ReclaimMinIdle, c.Worker.FlushInterval)
	}
	return nil
}
