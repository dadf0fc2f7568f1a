// Driftline - Feed Caching, Fan-out, and Trend Scoring
// Copyright 2026 Driftline Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/driftline/driftline

// Package metrics provides Prometheus instrumentation for the caching,
// feed, and trend-scoring layers.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Tagged cache metrics
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "driftline_cache_hits_total",
			Help: "Total number of cache hits",
		},
		[]string{"namespace"},
	)

	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "driftline_cache_misses_total",
			Help: "Total number of cache misses",
		},
		[]string{"namespace"},
	)

	CacheWriteRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "driftline_cache_write_retries_total",
			Help: "Total number of retried cache writes",
		},
	)

	CacheInvalidations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "driftline_cache_invalidations_total",
			Help: "Total number of tag-based invalidations",
		},
		[]string{"outcome"}, // "ok", "error"
	)

	CacheInvalidatedKeys = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "driftline_cache_invalidated_keys_total",
			Help: "Total number of keys removed by tag invalidation",
		},
	)

	CacheTypeCorruptions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "driftline_cache_type_corruptions_total",
			Help: "Total number of tag index structures discarded due to unexpected type",
		},
	)

	// Feed engine metrics
	FanOutBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "driftline_feed_fanout_batch_size",
			Help:    "Number of follower feeds touched per fan-out",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8), // 1 to ~16k followers
		},
	)

	FeedPageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "driftline_feed_page_duration_seconds",
			Help:    "Duration of feed page reads in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"feed_type", "source"}, // source: "cache", "repository"
	)

	FeedLazyPopulations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "driftline_feed_lazy_populations_total",
			Help: "Total number of fire-and-forget feed list populations",
		},
		[]string{"outcome"},
	)

	EnrichmentBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "driftline_feed_enrichment_batch_size",
			Help:    "Number of entries per enrichment batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250},
		},
	)

	// Trend worker metrics
	StreamMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "driftline_trend_stream_messages_total",
			Help: "Total number of interaction stream messages consumed",
		},
		[]string{"outcome"}, // "coalesced", "malformed", "reclaimed"
	)

	TrendFlushDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "driftline_trend_flush_duration_seconds",
			Help:    "Duration of trend score flushes in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	TrendFlushSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "driftline_trend_flush_size",
			Help:    "Number of posts rescored per flush",
			Buckets: []float64{1, 5, 10, 50, 100, 500, 1000},
		},
	)

	TrendScoreFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "driftline_trend_score_failures_total",
			Help: "Total number of per-post scoring failures (isolated, never abort a flush)",
		},
	)

	LeaderboardSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "driftline_trend_leaderboard_entries",
			Help: "Current number of entries in the trending leaderboard",
		},
	)

	FullRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "driftline_trend_full_refreshes_total",
			Help: "Total number of full leaderboard refreshes",
		},
		[]string{"outcome"},
	)

	// Activity tracker metrics
	ActivityLevel = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "driftline_activity_level",
			Help: "Current platform activity level (0=dormant .. 4=high)",
		},
		[]string{"kind"},
	)

	ActivityEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "driftline_activity_events_total",
			Help: "Total number of tracked activity events",
		},
		[]string{"kind"},
	)

	// Realtime broadcast metrics
	BroadcastEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "driftline_broadcast_events_total",
			Help: "Total number of realtime broadcast events published",
		},
		[]string{"type", "outcome"},
	)
)

// ObserveFeedPage records a feed page read with its serving source.
func ObserveFeedPage(feedType, source string, start time.Time) {
	FeedPageDuration.WithLabelValues(feedType, source).Observe(time.Since(start).Seconds())
}

// ObserveTrendFlush records one flush cycle.
func ObserveTrendFlush(start time.Time, size int) {
	TrendFlushDuration.Observe(time.Since(start).Seconds())
	TrendFlushSize.Observe(float64(size))
}
