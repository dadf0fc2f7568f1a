// Driftline - Feed Caching, Fan-out, and Trend Scoring
// Copyright 2026 Driftline Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/driftline/driftline

package trending

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/driftline/driftline/internal/cache"
	"github.com/driftline/driftline/internal/logging"
	"github.com/driftline/driftline/internal/models"
	"github.com/driftline/driftline/internal/repository"
)

// ErrInvalidCursor is returned when a leaderboard cursor cannot be decoded.
var ErrInvalidCursor = errors.New("trending: invalid cursor")

// Leaderboard reads the global trending board. An empty board (worker not
// yet warmed, fresh deployment) falls back to the ranked source-of-truth
// query rather than returning nothing.
type Leaderboard struct {
	rdb   redis.UniversalClient
	posts repository.Posts
	log   zerolog.Logger
}

// NewLeaderboard creates a leaderboard reader over the shared client.
func NewLeaderboard(rdb redis.UniversalClient, posts repository.Posts) *Leaderboard {
	return &Leaderboard{
		rdb:   rdb,
		posts: posts,
		log:   logging.With().Str("component", "leaderboard").Logger(),
	}
}

// Range returns the board entries between ranks start and stop inclusive
// (0 is the top post), highest score first.
func (l *Leaderboard) Range(ctx context.Context, start, stop int64) ([]models.FeedEntry, error) {
	members, err := l.rdb.ZRevRangeWithScores(ctx, cache.TrendingPostsKey, start, stop).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("leaderboard range [%d,%d]: %w", start, stop, err)
	}
	if len(members) == 0 {
		return l.fallback(ctx, int(stop-start)+1)
	}
	return entriesOf(members), nil
}

// RangeByCursor returns up to limit entries strictly below the score the
// cursor encodes (all from the top when cursor is empty) plus the cursor
// for the next page, empty when the board is exhausted. The exclusive
// bound skips posts whose float score ties the last-seen one exactly; the
// continuous score formula makes exact ties vanishingly rare.
func (l *Leaderboard) RangeByCursor(ctx context.Context, cursor string, limit int) ([]models.FeedEntry, string, error) {
	if limit <= 0 {
		limit = 20
	}
	maxScore := "+inf"
	if cursor != "" {
		score, err := decodeBoardCursor(cursor)
		if err != nil {
			return nil, "", err
		}
		maxScore = "(" + strconv.FormatFloat(score, 'f', -1, 64)
	}

	members, err := l.rdb.ZRevRangeByScoreWithScores(ctx, cache.TrendingPostsKey, &redis.ZRangeBy{
		Max:   maxScore,
		Min:   "-inf",
		Count: int64(limit),
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, "", fmt.Errorf("leaderboard cursor range: %w", err)
	}
	if len(members) == 0 {
		if cursor != "" {
			return nil, "", nil
		}
		entries, err := l.fallback(ctx, limit)
		return entries, "", err
	}

	next := ""
	if len(members) == limit {
		next = encodeBoardCursor(members[len(members)-1].Score)
	}
	return entriesOf(members), next, nil
}

// fallback computes a ranked page directly from the source of truth and
// scores it in place, so trending is never empty on a platform with posts.
func (l *Leaderboard) fallback(ctx context.Context, limit int) ([]models.FeedEntry, error) {
	posts, err := l.posts.RankedCandidates(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("leaderboard fallback: %w", err)
	}

	now := time.Now()
	entries := make([]models.FeedEntry, 0, len(posts))
	for _, p := range posts {
		entries = append(entries, models.FeedEntry{
			PostID:   p.ID,
			AuthorID: p.AuthorID,
			Score:    Score(p.Likes, p.Comments, p.CreatedAt, now),
		})
	}
	l.log.Debug().Int("posts", len(entries)).Msg("leaderboard empty, served ranked fallback")
	return entries, nil
}

func entriesOf(members []redis.Z) []models.FeedEntry {
	entries := make([]models.FeedEntry, 0, len(members))
	for _, m := range members {
		id, ok := m.Member.(string)
		if !ok {
			continue
		}
		entries = append(entries, models.FeedEntry{PostID: id, Score: m.Score})
	}
	return entries
}

func encodeBoardCursor(score float64) string {
	return base64.RawURLEncoding.EncodeToString([]byte(strconv.FormatFloat(score, 'f', -1, 64)))
}

func decodeBoardCursor(cursor string) (float64, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return 0, ErrInvalidCursor
	}
	score, err := strconv.ParseFloat(string(raw), 64)
	if err != nil {
		return 0, ErrInvalidCursor
	}
	return score, nil
}
