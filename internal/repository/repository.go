// Driftline - Feed Caching, Fan-out, and Trend Scoring
// Copyright 2026 Driftline Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/driftline/driftline

// Package repository defines the narrow contracts this core consumes from
// the source-of-truth document store. The store itself (queries, indexing,
// the ranking aggregation) lives outside this core; everything here is an
// interface plus an in-memory implementation used by tests and local runs.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/driftline/driftline/internal/models"
)

// ErrNotFound is returned when a referenced user or post does not exist.
// It is a typed condition for callers, never retried.
var ErrNotFound = errors.New("repository: not found")

// PostCounters carries the current interaction counters for one post,
// consumed by the trend worker's scoring flushes.
type PostCounters struct {
	PostID    string
	Likes     int64
	Comments  int64
	Views     int64
	CreatedAt time.Time
}

// Posts exposes the ranked and batched post queries this core depends on.
// The ranking query itself is opaque: implementations return posts already
// ordered by their own relevance criteria.
type Posts interface {
	// RankedForUser returns a ranked page of posts for a user. The
	// preferred tags are the personalization signal; page is 1-based.
	RankedForUser(ctx context.Context, userID string, preferredTags []string, page, limit int) ([]models.Post, error)

	// RankedCandidates returns the top candidate posts for a full
	// leaderboard refresh, regardless of stream activity.
	RankedCandidates(ctx context.Context, limit int) ([]models.Post, error)

	// ByIDs fetches posts by id in one batch. Missing ids are omitted,
	// not an error.
	ByIDs(ctx context.Context, ids []string) ([]models.Post, error)

	// Counters fetches current interaction counters for the given posts
	// in one batch. Missing ids are omitted.
	Counters(ctx context.Context, ids []string) ([]PostCounters, error)
}

// Followers exposes the follower graph lookup used by fan-out-on-write.
type Followers interface {
	// FollowerIDs returns the ids of every follower of userID.
	// Returns ErrNotFound if the user does not exist.
	FollowerIDs(ctx context.Context, userID string) ([]string, error)
}

// Authors exposes author snapshot lookups used by feed enrichment.
type Authors interface {
	// SnapshotsByIDs fetches author snapshots in one batch. Missing ids
	// are omitted.
	SnapshotsByIDs(ctx context.Context, ids []string) ([]models.AuthorSnapshot, error)
}

// Tags exposes the tag aggregations consumed by the trending-tags query
// and the personalization signal.
type Tags interface {
	// TrendingTags returns tags by usage within the given window,
	// most used first.
	TrendingTags(ctx context.Context, limit int, window time.Duration) ([]models.TrendingTag, error)

	// TopTagsForUser returns the user's top-weighted tags, used as the
	// ranked-query personalization signal.
	TopTagsForUser(ctx context.Context, userID string, limit int) ([]string, error)
}

// Store bundles every contract the core needs from the document store.
type Store interface {
	Posts
	Followers
	Authors
	Tags
}
