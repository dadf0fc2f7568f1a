// Driftline - Feed Caching, Fan-out, and Trend Scoring
// Copyright 2026 Driftline Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/driftline/driftline

package cache

import (
	"strconv"
	"strings"

	"github.com/driftline/driftline/internal/models"
)

// Key shapes for every namespace this core persists. Components build keys
// exclusively through these helpers so the layout stays in one place.
const (
	tagPrefix     = "tag:"
	keyTagsPrefix = "key_tags:"

	// TrendingPostsKey is the global trending leaderboard sorted set.
	TrendingPostsKey = "trending:posts"

	// TrendingTagsHistoricalKey holds the long-lived trending-tags
	// snapshot served when every live window comes up empty.
	TrendingTagsHistoricalKey = "trending_tags:historical"

	// TagActivityKey and PostActivityKey hold the activity metrics blobs.
	TagActivityKey  = "activity:tags"
	PostActivityKey = "activity:posts"

	// InteractionStream is the default interaction event stream.
	InteractionStream = "stream:interactions"
)

// TagKey returns the forward index set for a tag: tag:{tag}.
func TagKey(tag string) string {
	return tagPrefix + tag
}

// KeyTagsKey returns the reverse index set for a key: key_tags:{key}.
func KeyTagsKey(key string) string {
	return keyTagsPrefix + key
}

// FeedKey returns the ranked feed list for a user: feed:{feedType}:{userID}.
func FeedKey(feedType models.FeedType, userID string) string {
	return "feed:" + string(feedType) + ":" + userID
}

// PostMetaKey returns the per-post metadata blob key: post_meta:{postID}.
func PostMetaKey(postID string) string {
	return "post_meta:" + postID
}

// AuthorKey returns the author snapshot blob key: author:{authorID}.
func AuthorKey(authorID string) string {
	return "author:" + authorID
}

// PostTag returns the invalidation tag attached to everything derived from
// one post, so a single post change invalidates just those entries.
func PostTag(postID string) string {
	return "post:" + postID
}

// AuthorTag returns the invalidation tag attached to cached author data.
func AuthorTag(authorID string) string {
	return "author:" + authorID
}

// TrendingTagsKey returns the cached trending-tags result for a
// (limit, window) pair: trending_tags:{limit}:{windowHours}.
func TrendingTagsKey(limit, windowHours int) string {
	return "trending_tags:" + strconv.Itoa(limit) + ":" + strconv.Itoa(windowHours)
}

// Namespace extracts the metric namespace from a key (the segment before
// the first colon).
func Namespace(key string) string {
	if i := strings.IndexByte(key, ':'); i > 0 {
		return key[:i]
	}
	return key
}
