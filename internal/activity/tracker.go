// Driftline - Feed Caching, Fan-out, and Trend Scoring
// Copyright 2026 Driftline Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/driftline/driftline

// Package activity derives adaptive cache lifetimes from recent platform
// usage. Each tracker keeps one exponentially decayed rolling count plus a
// one-hour instantaneous window; consumers classify the platform into
// activity tiers and map tiers to cache TTLs. An idle platform caches
// trending results for a long time since nothing changes; a busy platform
// refreshes often.
package activity

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/driftline/driftline/internal/cache"
	"github.com/driftline/driftline/internal/config"
	"github.com/driftline/driftline/internal/logging"
	"github.com/driftline/driftline/internal/metrics"
	"github.com/driftline/driftline/internal/models"
)

// Level classifies platform activity, ordered from quiet to busy.
type Level int

// Activity levels.
const (
	LevelDormant Level = iota
	LevelVeryLow
	LevelLow
	LevelMedium
	LevelHigh
)

// String implements fmt.Stringer.
func (l Level) String() string {
	switch l {
	case LevelHigh:
		return "high"
	case LevelMedium:
		return "medium"
	case LevelLow:
		return "low"
	case LevelVeryLow:
		return "very_low"
	default:
		return "dormant"
	}
}

// Rate thresholds in events per hour, checked from busiest down.
const (
	rateHigh    = 10.0
	rateMedium  = 2.0
	rateLow     = 0.5
	rateVeryLow = 0.1
)

// minWindowHours floors the rate divisor right after a window reset.
const minWindowHours = 0.1

// TTLForLevel maps an activity level to a cache TTL, monotonically
// increasing as activity decreases.
func TTLForLevel(level Level) time.Duration {
	switch level {
	case LevelHigh:
		return 5 * time.Minute
	case LevelMedium:
		return 15 * time.Minute
	case LevelLow:
		return 1 * time.Hour
	case LevelVeryLow:
		return 6 * time.Hour
	default:
		return 30 * 24 * time.Hour
	}
}

// SafeDefaultTTL is used when activity metrics cannot be read at all.
const SafeDefaultTTL = 1 * time.Hour

// Strategy picks between a broad live query and a curated historical lean
// for discovery surfaces ("who to follow", trending tags).
type Strategy string

// Strategies.
const (
	StrategyBroad   Strategy = "broad"
	StrategyCurated Strategy = "curated"
)

// StrategyFor returns the query strategy for an activity level.
func StrategyFor(level Level) Strategy {
	if level >= LevelMedium {
		return StrategyBroad
	}
	return StrategyCurated
}

// Tracker records a decaying usage rate for one activity kind.
// It is safe for concurrent use; all state lives in the cache store.
type Tracker struct {
	store    *cache.Store
	key      string
	kind     string
	halfLife time.Duration
	dormancy time.Duration
	ttl      time.Duration
	log      zerolog.Logger

	// now is swapped in tests to control decay windows.
	now func() time.Time
}

// NewTagTracker tracks tag usage (half-life 24h by default).
func NewTagTracker(store *cache.Store, cfg config.ActivityConfig) *Tracker {
	return newTracker(store, cache.TagActivityKey, "tags", cfg.TagHalfLife, cfg.TagDormancy, cfg.MetricsTTL)
}

// NewPostTracker tracks post creation (half-life 12h by default).
func NewPostTracker(store *cache.Store, cfg config.ActivityConfig) *Tracker {
	return newTracker(store, cache.PostActivityKey, "posts", cfg.PostHalfLife, cfg.PostDormancy, cfg.MetricsTTL)
}

func newTracker(store *cache.Store, key, kind string, halfLife, dormancy, ttl time.Duration) *Tracker {
	if halfLife <= 0 {
		halfLife = 24 * time.Hour
	}
	if dormancy <= 0 {
		dormancy = halfLife
	}
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &Tracker{
		store:    store,
		key:      key,
		kind:     kind,
		halfLife: halfLife,
		dormancy: dormancy,
		ttl:      ttl,
		log:      logging.With().Str("component", "activity").Str("kind", kind).Logger(),
		now:      time.Now,
	}
}

// Track records an event of the given weight: the rolling count decays by
// elapsed time since the last update, then the new weight is added. The
// one-hour recent window resets once it is older than an hour.
//
// Track is called fire-and-forget from write paths; failures are logged by
// the caller and never propagate to the triggering request.
func (t *Tracker) Track(ctx context.Context, weight float64) error {
	now := t.now()
	m, err := t.load(ctx)
	if err != nil {
		return err
	}

	if !m.LastUpdated.IsZero() {
		elapsedHours := now.Sub(m.LastUpdated).Hours()
		m.UsageCount *= decayFactor(elapsedHours, t.halfLife.Hours())
	}
	m.UsageCount += weight
	m.LastUpdated = now

	if m.RecentWindowStart.IsZero() || now.Sub(m.RecentWindowStart) > time.Hour {
		m.RecentWindowStart = now
		m.RecentWindowCount = 0
	}
	m.RecentWindowCount += int(math.Max(1, weight))

	metrics.ActivityEvents.WithLabelValues(t.kind).Inc()
	return t.save(ctx, m)
}

// Metrics returns the current raw metrics. A cache miss yields the zero
// value, which classifies as dormant.
func (t *Tracker) Metrics(ctx context.Context) (models.ActivityMetrics, error) {
	return t.load(ctx)
}

// Level classifies current platform activity. Dormancy overrides history:
// with no event inside the dormancy threshold the platform is dormant no
// matter what the decayed totals say.
func (t *Tracker) Level(ctx context.Context) (Level, error) {
	m, err := t.load(ctx)
	if err != nil {
		return LevelDormant, err
	}
	level := t.classify(m)
	metrics.ActivityLevel.WithLabelValues(t.kind).Set(float64(level))
	return level, nil
}

// DynamicTTL returns the cache TTL for the current activity level. On an
// infrastructure failure it assumes no metrics and returns the safe
// default rather than propagating the error.
func (t *Tracker) DynamicTTL(ctx context.Context) time.Duration {
	level, err := t.Level(ctx)
	if err != nil {
		t.log.Warn().Err(err).Msg("activity metrics unavailable, using safe default TTL")
		return SafeDefaultTTL
	}
	return TTLForLevel(level)
}

func (t *Tracker) classify(m models.ActivityMetrics) Level {
	now := t.now()

	if m.LastUpdated.IsZero() || now.Sub(m.LastUpdated) > t.dormancy {
		return LevelDormant
	}

	windowHours := math.Max(minWindowHours, now.Sub(m.RecentWindowStart).Hours())
	rate := float64(m.RecentWindowCount) / windowHours

	switch {
	case rate >= rateHigh:
		return LevelHigh
	case rate >= rateMedium:
		return LevelMedium
	case rate >= rateLow:
		return LevelLow
	case rate >= rateVeryLow:
		return LevelVeryLow
	default:
		return LevelDormant
	}
}

func (t *Tracker) load(ctx context.Context) (models.ActivityMetrics, error) {
	var m models.ActivityMetrics

	raw, err := t.store.Get(ctx, t.key)
	if errors.Is(err, cache.ErrMiss) {
		return m, nil
	}
	if err != nil {
		return m, fmt.Errorf("load activity metrics: %w", err)
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		// A corrupt blob starts over rather than wedging the tracker.
		t.log.Warn().Err(err).Msg("discarding malformed activity metrics")
		return models.ActivityMetrics{}, nil
	}
	return m, nil
}

func (t *Tracker) save(ctx context.Context, m models.ActivityMetrics) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal activity metrics: %w", err)
	}
	if err := t.store.Set(ctx, t.key, raw, nil, t.ttl); err != nil {
		return fmt.Errorf("save activity metrics: %w", err)
	}
	return nil
}

// decayFactor returns e^(-elapsed/halfLife) in hours. With a 24h half-life
// a 48h gap leaves about 13.5% of the prior value.
func decayFactor(elapsedHours, halfLifeHours float64) float64 {
	if elapsedHours <= 0 {
		return 1
	}
	return math.Exp(-elapsedHours / halfLifeHours)
}
