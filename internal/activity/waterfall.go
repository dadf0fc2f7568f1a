// Driftline - Feed Caching, Fan-out, and Trend Scoring
// Copyright 2026 Driftline Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/driftline/driftline

package activity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/driftline/driftline/internal/cache"
	"github.com/driftline/driftline/internal/config"
	"github.com/driftline/driftline/internal/logging"
	"github.com/driftline/driftline/internal/models"
	"github.com/driftline/driftline/internal/repository"
)

// fallbackWindows are the successively wider windows tried when the
// primary window returns nothing: 2 weeks, 1 month, 3 months, 6 months.
var fallbackWindows = []time.Duration{
	14 * 24 * time.Hour,
	30 * 24 * time.Hour,
	90 * 24 * time.Hour,
	180 * 24 * time.Hour,
}

// TrendingTags answers the trending-tags query with a cache waterfall: the
// cached result for the requested window, then the live query, then
// successively wider windows, then the historical snapshot. A platform
// that has ever had activity never shows an empty trending section.
type TrendingTags struct {
	store         *cache.Store
	repo          repository.Tags
	tracker       *Tracker
	historicalTTL time.Duration
	log           zerolog.Logger
}

// NewTrendingTags creates the trending-tags query layered on the tag
// activity tracker.
func NewTrendingTags(store *cache.Store, repo repository.Tags, tracker *Tracker, cfg config.ActivityConfig) *TrendingTags {
	ttl := cfg.HistoricalTTL
	if ttl <= 0 {
		ttl = 90 * 24 * time.Hour
	}
	return &TrendingTags{
		store:         store,
		repo:          repo,
		tracker:       tracker,
		historicalTTL: ttl,
		log:           logging.With().Str("component", "trending_tags").Logger(),
	}
}

// Query returns trending tags for the given limit and primary window.
// The result is cached with a TTL derived from current platform activity.
func (q *TrendingTags) Query(ctx context.Context, limit, windowHours int) (models.TrendingResult, error) {
	if limit <= 0 {
		limit = 10
	}
	if windowHours <= 0 {
		windowHours = 24
	}

	cacheKey := cache.TrendingTagsKey(limit, windowHours)
	if cached, ok := q.readCached(ctx, cacheKey); ok {
		return cached, nil
	}

	windows := make([]time.Duration, 0, len(fallbackWindows)+1)
	windows = append(windows, time.Duration(windowHours)*time.Hour)
	for _, w := range fallbackWindows {
		if w > windows[0] {
			windows = append(windows, w)
		}
	}

	for _, window := range windows {
		tags, err := q.repo.TrendingTags(ctx, limit, window)
		if err != nil {
			return models.TrendingResult{}, fmt.Errorf("trending tags query (window %s): %w", window, err)
		}
		if len(tags) == 0 {
			continue
		}

		result := models.TrendingResult{
			Tags:        tags,
			WindowHours: int(window.Hours()),
			ComputedAt:  time.Now(),
		}
		q.cacheResult(ctx, cacheKey, result)
		return result, nil
	}

	// Every window came up empty: serve the historical snapshot if one
	// was ever written, else a genuinely empty result.
	if snapshot, ok := q.readHistorical(ctx); ok {
		q.log.Debug().Msg("serving historical trending tags snapshot")
		return snapshot, nil
	}
	return models.TrendingResult{WindowHours: windowHours, ComputedAt: time.Now()}, nil
}

func (q *TrendingTags) readCached(ctx context.Context, key string) (models.TrendingResult, bool) {
	raw, err := q.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrMiss) {
			q.log.Warn().Err(err).Msg("trending tags cache read failed, treating as miss")
		}
		return models.TrendingResult{}, false
	}

	var result models.TrendingResult
	if err := json.Unmarshal(raw, &result); err != nil {
		q.log.Warn().Err(err).Msg("discarding malformed trending tags cache entry")
		return models.TrendingResult{}, false
	}
	return result, true
}

// cacheResult writes a fresh result under its query key with an
// activity-derived TTL, and opportunistically refreshes the historical
// snapshot. Both writes are best effort.
func (q *TrendingTags) cacheResult(ctx context.Context, key string, result models.TrendingResult) {
	raw, err := json.Marshal(result)
	if err != nil {
		q.log.Error().Err(err).Msg("marshal trending tags result")
		return
	}

	ttl := q.tracker.DynamicTTL(ctx)
	if err := q.store.Set(ctx, key, raw, []string{"trending_tags"}, ttl); err != nil {
		q.log.Warn().Err(err).Msg("trending tags cache write failed")
	}
	if err := q.store.Set(ctx, cache.TrendingTagsHistoricalKey, raw, nil, q.historicalTTL); err != nil {
		q.log.Warn().Err(err).Msg("historical snapshot refresh failed")
	}
}

func (q *TrendingTags) readHistorical(ctx context.Context) (models.TrendingResult, bool) {
	raw, err := q.store.Get(ctx, cache.TrendingTagsHistoricalKey)
	if err != nil {
		return models.TrendingResult{}, false
	}
	var result models.TrendingResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return models.TrendingResult{}, false
	}
	return result, true
}
