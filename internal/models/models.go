// Driftline - Feed Caching, Fan-out, and Trend Scoring
// Copyright 2026 Driftline Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/driftline/driftline

// Package models defines the closed set of record types that cross the cache
// and stream boundaries. Every cache key namespace maps to exactly one of
// these types, so serialization is type-checked instead of assumed.
package models

import (
	"errors"
	"time"
)

// FeedType identifies one of the per-user ranked feed lists.
type FeedType string

// Supported feed types.
const (
	FeedForYou       FeedType = "for_you"
	FeedPersonalized FeedType = "personalized"
	FeedTrending     FeedType = "trending"
	FeedNew          FeedType = "new"
)

// Valid reports whether ft is one of the supported feed types.
func (ft FeedType) Valid() bool {
	switch ft {
	case FeedForYou, FeedPersonalized, FeedTrending, FeedNew:
		return true
	}
	return false
}

// Post is the source-of-truth document for a post, as returned by the
// repository layer. This core never writes posts; it only reads them.
type Post struct {
	ID        string    `json:"id"`
	AuthorID  string    `json:"author_id"`
	Tags      []string  `json:"tags,omitempty"`
	Likes     int64     `json:"likes"`
	Comments  int64     `json:"comments"`
	Views     int64     `json:"views"`
	CreatedAt time.Time `json:"created_at"`
}

// AuthorSnapshot is the cached projection of a post author, keyed
// author:{id} and tagged so a profile change invalidates just that entity.
type AuthorSnapshot struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// PostMeta is the cached live metadata for a post, keyed post_meta:{id}.
// The trend worker refreshes it on every flush; enrichment reads it.
type PostMeta struct {
	PostID    string    `json:"post_id"`
	Likes     int64     `json:"likes"`
	Comments  int64     `json:"comments"`
	Views     int64     `json:"views"`
	Score     float64   `json:"score,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FeedEntry is one hydrated member of a feed page. Score is the member's
// rank in the backing sorted set (write timestamp or computed rank).
type FeedEntry struct {
	PostID   string          `json:"post_id"`
	AuthorID string          `json:"author_id,omitempty"`
	Score    float64         `json:"score"`
	Author   *AuthorSnapshot `json:"author,omitempty"`
	Meta     *PostMeta       `json:"meta,omitempty"`
}

// ActivityMetrics is the persisted state of one activity tracker
// (tag usage, post creation). UsageCount decays exponentially;
// RecentWindowCount is an instantaneous one-hour window.
type ActivityMetrics struct {
	UsageCount        float64   `json:"usage_count"`
	LastUpdated       time.Time `json:"last_updated"`
	RecentWindowCount int       `json:"recent_window_count"`
	RecentWindowStart time.Time `json:"recent_window_start"`
}

// TrendingTag is one entry of a trending-tags query result.
type TrendingTag struct {
	Tag   string `json:"tag"`
	Count int64  `json:"count"`
}

// TrendingResult is the cached payload of a trending-tags query, including
// the long-lived historical snapshot.
type TrendingResult struct {
	Tags        []TrendingTag `json:"tags"`
	WindowHours int           `json:"window_hours"`
	ComputedAt  time.Time     `json:"computed_at"`
}

// InteractionType classifies an interaction stream event.
type InteractionType string

// Interaction event types carried on the stream.
const (
	InteractionLike    InteractionType = "like"
	InteractionComment InteractionType = "comment"
	InteractionView    InteractionType = "view"
	InteractionShare   InteractionType = "share"
)

// ErrMissingPostID is returned when a stream event lacks the post id.
var ErrMissingPostID = errors.New("interaction event missing post_id")

// InteractionEvent is the payload of one interaction stream message.
type InteractionEvent struct {
	EventID    string          `json:"event_id,omitempty"`
	Type       InteractionType `json:"type"`
	PostID     string          `json:"post_id"`
	UserID     string          `json:"user_id,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// Validate checks the fields the trend worker requires. A failing event is
// logged and acknowledged, never retried.
func (e *InteractionEvent) Validate() error {
	if e.PostID == "" {
		return ErrMissingPostID
	}
	return nil
}

// BroadcastType classifies a realtime broadcast event.
type BroadcastType string

// Broadcast event types.
const (
	BroadcastNewPost     BroadcastType = "new_post"
	BroadcastPostDeleted BroadcastType = "post_deleted"
	BroadcastLikeUpdate  BroadcastType = "like_update"
	BroadcastInteraction BroadcastType = "interaction"
)

// BroadcastEvent is a fire-and-forget realtime notification. Delivery is
// best effort: no persistence, no replay.
type BroadcastEvent struct {
	Type    BroadcastType `json:"type"`
	PostID  string        `json:"post_id,omitempty"`
	UserID  string        `json:"user_id,omitempty"`
	Payload any           `json:"payload,omitempty"`
	SentAt  time.Time     `json:"sent_at"`
}
