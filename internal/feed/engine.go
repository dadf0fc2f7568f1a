// Driftline - Feed Caching, Fan-out, and Trend Scoring
// Copyright 2026 Driftline Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/driftline/driftline

// Package feed implements the fan-out-on-write feed engine: one ranked
// member list per (user, feed type), pushed to on post creation, served
// directly on read, and lazily rebuilt from the source-of-truth ranked
// query on miss.
package feed

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/driftline/driftline/internal/cache"
	"github.com/driftline/driftline/internal/config"
	"github.com/driftline/driftline/internal/logging"
	"github.com/driftline/driftline/internal/metrics"
	"github.com/driftline/driftline/internal/models"
	"github.com/driftline/driftline/internal/repository"
)

// ErrInvalidFeedType is returned for feed types outside the supported set.
var ErrInvalidFeedType = errors.New("feed: invalid feed type")

// ErrInvalidCursor is returned when a pagination cursor cannot be decoded.
var ErrInvalidCursor = errors.New("feed: invalid cursor")

// backgroundTimeout bounds fire-and-forget work spawned by read paths.
const backgroundTimeout = 10 * time.Second

// Broadcaster publishes best-effort realtime events. Implementations must
// never block the caller on delivery.
type Broadcaster interface {
	Broadcast(ctx context.Context, event models.BroadcastEvent)
}

// Page is one page of a feed read.
type Page struct {
	Entries []models.FeedEntry

	// NextCursor is set on cursor reads when more entries may follow.
	NextCursor string
}

// Engine is the feed fan-out/read engine. Construct once, inject into the
// write path (fan-out) and the read path (pages); safe for concurrent use.
type Engine struct {
	rdb       redis.UniversalClient
	store     *cache.Store
	posts     repository.Posts
	followers repository.Followers
	tags      repository.Tags
	enricher  *Enricher
	broadcast Broadcaster
	cfg       config.FeedConfig
	log       zerolog.Logger

	// bg tracks fire-and-forget goroutines so Close can flush them.
	bg sync.WaitGroup
}

// NewEngine creates a feed engine. broadcast may be nil (no realtime).
func NewEngine(store *cache.Store, repo repository.Store, enricher *Enricher, broadcast Broadcaster, cfg config.FeedConfig) *Engine {
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 800
	}
	if cfg.DefaultPageSize <= 0 {
		cfg.DefaultPageSize = 20
	}
	if cfg.MaxPageSize <= 0 {
		cfg.MaxPageSize = 100
	}
	return &Engine{
		rdb:       store.Client(),
		store:     store,
		posts:     repo,
		followers: repo,
		tags:      repo,
		enricher:  enricher,
		broadcast: broadcast,
		cfg:       cfg,
		log:       logging.With().Str("component", "feed").Logger(),
	}
}

// Close waits for in-flight fire-and-forget work (lazy populations,
// broadcasts) to finish. Part of graceful shutdown.
func (e *Engine) Close() {
	e.bg.Wait()
}

// FanOut pushes a newly created post to every follower's for_you list in
// one pipelined batch, then broadcasts new_post. The broadcast is fire and
// forget; a fan-out failure is returned to the write path.
func (e *Engine) FanOut(ctx context.Context, post models.Post) error {
	followerIDs, err := e.followers.FollowerIDs(ctx, post.AuthorID)
	if err != nil {
		return fmt.Errorf("fan-out followers of %s: %w", post.AuthorID, err)
	}

	score := float64(post.CreatedAt.UnixMilli())
	if err := e.AddToFeeds(ctx, followerIDs, post.ID, score, models.FeedForYou); err != nil {
		return err
	}

	metrics.FanOutBatchSize.Observe(float64(len(followerIDs)))
	e.fireAndForget("broadcast new_post", func(ctx context.Context) error {
		if e.broadcast != nil {
			e.broadcast.Broadcast(ctx, models.BroadcastEvent{
				Type:   models.BroadcastNewPost,
				PostID: post.ID,
				UserID: post.AuthorID,
				SentAt: time.Now(),
			})
		}
		return nil
	})
	return nil
}

// RemoveFanOut removes a deleted post from the same follower set it was
// fanned out to, in one pipelined batch.
func (e *Engine) RemoveFanOut(ctx context.Context, post models.Post) error {
	followerIDs, err := e.followers.FollowerIDs(ctx, post.AuthorID)
	if err != nil {
		return fmt.Errorf("remove fan-out followers of %s: %w", post.AuthorID, err)
	}

	if err := e.RemoveFromFeeds(ctx, followerIDs, post.ID, models.FeedForYou); err != nil {
		return err
	}

	e.fireAndForget("broadcast post_deleted", func(ctx context.Context) error {
		if e.broadcast != nil {
			e.broadcast.Broadcast(ctx, models.BroadcastEvent{
				Type:   models.BroadcastPostDeleted,
				PostID: post.ID,
				UserID: post.AuthorID,
				SentAt: time.Now(),
			})
		}
		return nil
	})
	return nil
}

// AddToFeed inserts one post into one user's feed list.
func (e *Engine) AddToFeed(ctx context.Context, userID, postID string, score float64, feedType models.FeedType) error {
	return e.AddToFeeds(ctx, []string{userID}, postID, score, feedType)
}

// AddToFeeds inserts a post into many users' feed lists in one pipelined
// transaction, trimming each list to its size cap and refreshing its TTL.
func (e *Engine) AddToFeeds(ctx context.Context, userIDs []string, postID string, score float64, feedType models.FeedType) error {
	if !feedType.Valid() {
		return ErrInvalidFeedType
	}
	if len(userIDs) == 0 {
		return nil
	}

	pipe := e.rdb.TxPipeline()
	for _, uid := range userIDs {
		key := cache.FeedKey(feedType, uid)
		pipe.ZAdd(ctx, key, redis.Z{Score: score, Member: postID})
		pipe.ZRemRangeByRank(ctx, key, 0, int64(-e.cfg.MaxSize-1))
		pipe.Expire(ctx, key, e.cfg.TTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("feed add %s to %d lists: %w", postID, len(userIDs), err)
	}
	return nil
}

// RemoveFromFeed removes one post from one user's feed list.
func (e *Engine) RemoveFromFeed(ctx context.Context, userID, postID string, feedType models.FeedType) error {
	return e.RemoveFromFeeds(ctx, []string{userID}, postID, feedType)
}

// RemoveFromFeeds removes a post from many users' feed lists in one
// pipelined batch.
func (e *Engine) RemoveFromFeeds(ctx context.Context, userIDs []string, postID string, feedType models.FeedType) error {
	if !feedType.Valid() {
		return ErrInvalidFeedType
	}
	if len(userIDs) == 0 {
		return nil
	}

	pipe := e.rdb.TxPipeline()
	for _, uid := range userIDs {
		pipe.ZRem(ctx, cache.FeedKey(feedType, uid), postID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("feed remove %s from %d lists: %w", postID, len(userIDs), err)
	}
	return nil
}

// InvalidateFeed drops a user's feed list entirely (unfollow, privacy
// change). The next read repopulates it lazily.
func (e *Engine) InvalidateFeed(ctx context.Context, userID string, feedType models.FeedType) error {
	if !feedType.Valid() {
		return ErrInvalidFeedType
	}
	return e.rdb.Del(ctx, cache.FeedKey(feedType, userID)).Err()
}

// GetPage reads one page of a user's feed by page number (1-based).
// A populated feed list serves directly; an empty one falls through to the
// source-of-truth ranked query and, for the first page, schedules a
// fire-and-forget population of the list.
func (e *Engine) GetPage(ctx context.Context, userID string, feedType models.FeedType, page, limit int) (Page, error) {
	if !feedType.Valid() {
		return Page{}, ErrInvalidFeedType
	}
	limit = e.clampLimit(limit)
	if page < 1 {
		page = 1
	}
	start := time.Now()

	key := e.feedKey(feedType, userID)
	offset := int64((page - 1) * limit)
	members, err := e.rdb.ZRevRangeWithScores(ctx, key, offset, offset+int64(limit)-1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		// Failed read is a miss: fall through to the source of truth.
		e.log.Warn().Err(err).Str("key", key).Msg("feed list read failed, falling back")
		members = nil
	}

	if len(members) > 0 {
		entries, err := e.hydrate(ctx, members)
		if err != nil {
			return Page{}, err
		}
		metrics.ObserveFeedPage(string(feedType), "cache", start)
		return Page{Entries: entries}, nil
	}

	entries, err := e.pageFromRepository(ctx, userID, feedType, page, limit)
	if err != nil {
		return Page{}, err
	}
	metrics.ObserveFeedPage(string(feedType), "repository", start)

	// Only a first-page miss warms the list; deeper pages would write a
	// list with a hole at the front.
	if page == 1 && feedType != models.FeedTrending {
		e.schedulePopulate(key, entries)
	}
	return Page{Entries: entries}, nil
}

// GetPageByCursor reads one page of a user's feed after an opaque cursor.
// The cursor encodes the last-seen rank score, so pagination stays correct
// while fan-out inserts new members ahead of it. The exclusive score bound
// means members that tie exactly with the last-seen score are skipped;
// feed scores are millisecond timestamps, so ties require two posts fanned
// out in the same millisecond.
func (e *Engine) GetPageByCursor(ctx context.Context, userID string, feedType models.FeedType, cursor string, limit int) (Page, error) {
	if !feedType.Valid() {
		return Page{}, ErrInvalidFeedType
	}
	limit = e.clampLimit(limit)
	start := time.Now()

	maxScore := "+inf"
	if cursor != "" {
		score, err := decodeCursor(cursor)
		if err != nil {
			return Page{}, err
		}
		// Exclusive bound: strictly older than the last-seen member.
		maxScore = "(" + strconv.FormatFloat(score, 'f', -1, 64)
	}

	key := e.feedKey(feedType, userID)
	members, err := e.rdb.ZRevRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{
		Max:   maxScore,
		Min:   "-inf",
		Count: int64(limit),
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		e.log.Warn().Err(err).Str("key", key).Msg("feed cursor read failed, falling back")
		members = nil
	}

	if len(members) == 0 {
		// Cursor requests never trigger population; the miss falls
		// through to a ranked first page only when no cursor was given.
		if cursor != "" {
			return Page{}, nil
		}
		entries, err := e.pageFromRepository(ctx, userID, feedType, 1, limit)
		if err != nil {
			return Page{}, err
		}
		metrics.ObserveFeedPage(string(feedType), "repository", start)
		return Page{Entries: entries, NextCursor: cursorAfter(entries)}, nil
	}

	entries, err := e.hydrate(ctx, members)
	if err != nil {
		return Page{}, err
	}
	metrics.ObserveFeedPage(string(feedType), "cache", start)

	next := ""
	if len(members) == limit {
		next = encodeCursor(members[len(members)-1].Score)
	}
	return Page{Entries: entries, NextCursor: next}, nil
}

// Enrich exposes batch enrichment to callers holding bare entries.
func (e *Engine) Enrich(ctx context.Context, entries []models.FeedEntry) ([]models.FeedEntry, error) {
	return e.enricher.Enrich(ctx, entries)
}

// feedKey maps a read to its backing sorted set. The trending feed is a
// single global leaderboard, not per user.
func (e *Engine) feedKey(feedType models.FeedType, userID string) string {
	if feedType == models.FeedTrending {
		return cache.TrendingPostsKey
	}
	return cache.FeedKey(feedType, userID)
}

// hydrate resolves bare members to full entries, preserving the list's
// rank order exactly. The batched fetch returns posts in arbitrary order;
// re-joining by id keeps the cached ordering authoritative.
func (e *Engine) hydrate(ctx context.Context, members []redis.Z) ([]models.FeedEntry, error) {
	ids := make([]string, 0, len(members))
	scores := make(map[string]float64, len(members))
	for _, m := range members {
		id, ok := m.Member.(string)
		if !ok {
			continue
		}
		ids = append(ids, id)
		scores[id] = m.Score
	}

	posts, err := e.posts.ByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("feed hydrate %d posts: %w", len(ids), err)
	}
	byID := make(map[string]models.Post, len(posts))
	for _, p := range posts {
		byID[p.ID] = p
	}

	entries := make([]models.FeedEntry, 0, len(ids))
	for _, id := range ids {
		p, ok := byID[id]
		if !ok {
			// Deleted post still referenced by the derived list.
			continue
		}
		entries = append(entries, models.FeedEntry{
			PostID:   p.ID,
			AuthorID: p.AuthorID,
			Score:    scores[id],
		})
	}
	return e.enricher.Enrich(ctx, entries)
}

// pageFromRepository computes a ranked page directly from the source of
// truth, using the user's top-weighted tags as the personalization signal.
func (e *Engine) pageFromRepository(ctx context.Context, userID string, feedType models.FeedType, page, limit int) ([]models.FeedEntry, error) {
	var (
		posts []models.Post
		err   error
	)
	if feedType == models.FeedTrending {
		posts, err = e.posts.RankedCandidates(ctx, limit)
	} else {
		var preferred []string
		preferred, err = e.tags.TopTagsForUser(ctx, userID, 5)
		if err != nil {
			e.log.Debug().Err(err).Str("user", userID).Msg("no preferred tags, ranking unpersonalized")
			preferred = nil
		}
		posts, err = e.posts.RankedForUser(ctx, userID, preferred, page, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("feed ranked query for %s: %w", userID, err)
	}

	entries := make([]models.FeedEntry, 0, len(posts))
	for _, p := range posts {
		entries = append(entries, models.FeedEntry{
			PostID:   p.ID,
			AuthorID: p.AuthorID,
			Score:    float64(p.CreatedAt.UnixMilli()),
		})
	}
	return e.enricher.Enrich(ctx, entries)
}

// schedulePopulate writes a freshly computed page into the feed list in
// the background so subsequent reads hit cache. Failures are logged and
// contained; they never reach the read that triggered them.
func (e *Engine) schedulePopulate(key string, entries []models.FeedEntry) {
	if len(entries) == 0 {
		return
	}

	zs := make([]redis.Z, len(entries))
	for i, entry := range entries {
		zs[i] = redis.Z{Score: entry.Score, Member: entry.PostID}
	}

	e.fireAndForget("populate "+key, func(ctx context.Context) error {
		pipe := e.rdb.TxPipeline()
		pipe.ZAdd(ctx, key, zs...)
		pipe.ZRemRangeByRank(ctx, key, 0, int64(-e.cfg.MaxSize-1))
		pipe.Expire(ctx, key, e.cfg.TTL)
		if _, err := pipe.Exec(ctx); err != nil {
			metrics.FeedLazyPopulations.WithLabelValues("error").Inc()
			return err
		}
		metrics.FeedLazyPopulations.WithLabelValues("ok").Inc()
		return nil
	})
}

// fireAndForget runs fn on its own bounded context. Failures are logged
// through a dedicated path and never propagate to the caller.
func (e *Engine) fireAndForget(name string, fn func(ctx context.Context) error) {
	e.bg.Add(1)
	go func() {
		defer e.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), backgroundTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			e.log.Warn().Err(err).Str("task", name).Msg("background task failed")
		}
	}()
}

func (e *Engine) clampLimit(limit int) int {
	if limit <= 0 {
		return e.cfg.DefaultPageSize
	}
	if limit > e.cfg.MaxPageSize {
		return e.cfg.MaxPageSize
	}
	return limit
}

// encodeCursor renders a rank score as an opaque pagination token.
func encodeCursor(score float64) string {
	return base64.RawURLEncoding.EncodeToString([]byte(strconv.FormatFloat(score, 'f', -1, 64)))
}

// decodeCursor parses a token produced by encodeCursor.
func decodeCursor(cursor string) (float64, error) {
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

// cursorAfter returns the cursor for the last entry of a page, or "".
func cursorAfter(entries []models.FeedEntry) string {
	if len(entries) == 0 {
		return ""
	}
	return encodeCursor(entries[len(entries)-1].Score)
}
