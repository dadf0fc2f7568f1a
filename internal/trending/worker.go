// Driftline - Feed Caching, Fan-out, and Trend Scoring
// Copyright 2026 Driftline Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/driftline/driftline

package trending

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/driftline/driftline/internal/cache"
	"github.com/driftline/driftline/internal/config"
	"github.com/driftline/driftline/internal/logging"
	"github.com/driftline/driftline/internal/metrics"
	"github.com/driftline/driftline/internal/models"
	"github.com/driftline/driftline/internal/repository"
)

// readBatchSize caps how many stream messages one read or reclaim pulls.
const readBatchSize = 128

// metaTTL is the lifetime of the per-post metadata written on each flush.
// The next flush or full refresh rewrites it well before expiry.
const metaTTL = 5 * time.Minute

// shutdownFlushTimeout bounds the final flush during graceful shutdown.
const shutdownFlushTimeout = 10 * time.Second

// Worker consumes the interaction stream through a named consumer group,
// coalesces dirty post ids in memory, and periodically flushes recomputed
// scores into the leaderboard and per-post metadata cache. Multiple
// instances may share one group; the stream's delivery semantics keep each
// message owned by exactly one consumer at a time.
type Worker struct {
	rdb   redis.UniversalClient
	store *cache.Store
	posts repository.Posts
	cfg   config.WorkerConfig
	log   zerolog.Logger

	mu      sync.Mutex
	pending map[string]time.Time
}

// NewWorker creates a trend-scoring worker. An empty cfg.Consumer gets a
// generated name so replicas sharing the group never collide.
func NewWorker(store *cache.Store, posts repository.Posts, cfg config.WorkerConfig) *Worker {
	if cfg.Consumer == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "worker"
		}
		cfg.Consumer = host + "-" + uuid.NewString()[:8]
	}
	if cfg.ReadBlock <= 0 {
		cfg.ReadBlock = 2 * time.Second
	}
	if cfg.CounterChunkSize <= 0 {
		cfg.CounterChunkSize = 100
	}
	// Timer intervals must be positive or NewTicker panics in Serve.
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 2 * time.Second
	}
	if cfg.ReclaimInterval <= 0 {
		cfg.ReclaimInterval = 30 * time.Second
	}
	if cfg.FullRefreshInterval <= 0 {
		cfg.FullRefreshInterval = 5 * time.Minute
	}
	return &Worker{
		rdb:     store.Client(),
		store:   store,
		posts:   posts,
		cfg:     cfg,
		log:     logging.With().Str("component", "trend_worker").Str("consumer", cfg.Consumer).Logger(),
		pending: make(map[string]time.Time),
	}
}

// Serve runs the worker until ctx is cancelled: the blocking stream read
// loop plus the flush, reclaim, and full-refresh timers. On shutdown the
// coalesced pending state is flushed once more so a flush window's worth
// of updates is not lost. Implements suture.Service.
func (w *Worker) Serve(ctx context.Context) error {
	if err := w.ensureGroup(ctx); err != nil {
		return err
	}

	// Warm the leaderboard before the first refresh tick so the trending
	// read path has something to serve on a fresh deployment.
	if err := w.fullRefresh(ctx); err != nil {
		w.log.Warn().Err(err).Msg("startup leaderboard warm-up failed")
	}

	var wg sync.WaitGroup
	wg.Add(4)
	go func() { defer wg.Done(); w.consumeLoop(ctx) }()
	go func() { defer wg.Done(); w.tick(ctx, w.cfg.FlushInterval, "flush", w.flush) }()
	go func() { defer wg.Done(); w.tick(ctx, w.cfg.ReclaimInterval, "reclaim", w.reclaim) }()
	go func() { defer wg.Done(); w.tick(ctx, w.cfg.FullRefreshInterval, "full refresh", w.fullRefresh) }()
	wg.Wait()

	flushCtx, cancel := context.WithTimeout(context.Background(), shutdownFlushTimeout)
	defer cancel()
	if err := w.flush(flushCtx); err != nil {
		w.log.Error().Err(err).Msg("final flush on shutdown failed")
	}
	return ctx.Err()
}

// ensureGroup creates the consumer group (and the stream, if absent).
// An already-existing group is not an error.
func (w *Worker) ensureGroup(ctx context.Context) error {
	err := w.rdb.XGroupCreateMkStream(ctx, w.cfg.Stream, w.cfg.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group %s on %s: %w", w.cfg.Group, w.cfg.Stream, err)
	}
	return nil
}

// tick runs fn on a fixed interval until ctx is cancelled.
func (w *Worker) tick(ctx context.Context, interval time.Duration, name string, fn func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				w.log.Error().Err(err).Str("task", name).Msg("worker task failed")
			}
		}
	}
}

// consumeLoop blocks on the stream in bounded reads so it stays responsive
// to cancellation.
func (w *Worker) consumeLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := w.consumeOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			w.log.Error().Err(err).Msg("stream read failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
	}
}

// consumeOnce performs one bounded blocking read and coalesces the result.
// A block timeout with no messages is a normal outcome.
func (w *Worker) consumeOnce(ctx context.Context) error {
	streams, err := w.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    w.cfg.Group,
		Consumer: w.cfg.Consumer,
		Streams:  []string{w.cfg.Stream, ">"},
		Count:    readBatchSize,
		Block:    w.cfg.ReadBlock,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return err
	}

	for _, stream := range streams {
		for _, msg := range stream.Messages {
			w.observe(ctx, msg, "coalesced")
		}
	}
	return nil
}

// observe coalesces one message and acknowledges it. Acknowledgment means
// "observed", not "scored": the scoring computation is idempotent and the
// periodic full refresh re-covers any post lost with unflushed state, so a
// post-ack crash loses nothing permanently. A malformed message is logged
// and acknowledged immediately so it never blocks the group.
func (w *Worker) observe(ctx context.Context, msg redis.XMessage, outcome string) {
	postID, ok := msg.Values[fieldPostID].(string)
	if !ok || postID == "" {
		w.log.Warn().Str("message_id", msg.ID).Msg("malformed stream message, acknowledging without rescore")
		metrics.StreamMessages.WithLabelValues("malformed").Inc()
	} else {
		w.coalesce(postID, time.Now())
		metrics.StreamMessages.WithLabelValues(outcome).Inc()
	}

	if err := w.rdb.XAck(ctx, w.cfg.Stream, w.cfg.Group, msg.ID).Err(); err != nil {
		// The message stays pending and will be reclaimed; the rescore
		// happening twice is harmless.
		w.log.Warn().Err(err).Str("message_id", msg.ID).Msg("ack failed")
	}
}

// coalesce marks a post dirty. Repeated events for one post inside a flush
// window cost the same as one; of concurrent observations the later
// last-seen timestamp wins.
func (w *Worker) coalesce(postID string, seenAt time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if prev, ok := w.pending[postID]; !ok || seenAt.After(prev) {
		w.pending[postID] = seenAt
	}
}

// flush rescores every pending post: counters from the source of truth in
// chunked batches, scores into the leaderboard and metadata cache in one
// pipeline per chunk. A failing chunk is re-coalesced for the next cycle
// instead of aborting the flush.
func (w *Worker) flush(ctx context.Context) error {
	w.mu.Lock()
	batch := w.pending
	w.pending = make(map[string]time.Time)
	w.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	start := time.Now()

	ids := make([]string, 0, len(batch))
	for id := range batch {
		ids = append(ids, id)
	}

	var failed error
	for _, chunk := range chunks(ids, w.cfg.CounterChunkSize) {
		if err := w.scoreChunk(ctx, chunk); err != nil {
			w.log.Error().Err(err).Int("posts", len(chunk)).Msg("flush chunk failed, re-queueing")
			for _, id := range chunk {
				w.coalesce(id, batch[id])
			}
			failed = err
		}
	}

	metrics.ObserveTrendFlush(start, len(ids))
	return failed
}

// scoreChunk fetches counters for one chunk and writes scores plus raw
// counters in a single pipelined transaction. A post missing from the
// counter result was deleted; it is dropped from the board.
func (w *Worker) scoreChunk(ctx context.Context, ids []string) error {
	counters, err := w.posts.Counters(ctx, ids)
	if err != nil {
		return fmt.Errorf("fetch counters for %d posts: %w", len(ids), err)
	}

	now := time.Now()
	seen := make(map[string]struct{}, len(counters))
	pipe := w.rdb.TxPipeline()
	for _, c := range counters {
		seen[c.PostID] = struct{}{}
		score := Score(c.Likes, c.Comments, c.CreatedAt, now)
		pipe.ZAdd(ctx, cache.TrendingPostsKey, redis.Z{Score: score, Member: c.PostID})

		meta := models.PostMeta{
			PostID:    c.PostID,
			Likes:     c.Likes,
			Comments:  c.Comments,
			Views:     c.Views,
			Score:     score,
			UpdatedAt: now,
		}
		raw, err := json.Marshal(meta)
		if err != nil {
			metrics.TrendScoreFailures.Inc()
			w.log.Error().Err(err).Str("post", c.PostID).Msg("marshal post meta")
			continue
		}
		pipe.Set(ctx, cache.PostMetaKey(c.PostID), raw, metaTTL)
	}
	for _, id := range ids {
		if _, ok := seen[id]; !ok {
			pipe.ZRem(ctx, cache.TrendingPostsKey, id)
		}
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("write scores for %d posts: %w", len(counters), err)
	}
	return nil
}

// reclaim takes over messages left pending past the idle threshold by a
// consumer that died mid-processing, re-coalesces them, and acknowledges.
// This is the at-least-once guarantee: a crash before ack costs at most
// one extra rescore.
func (w *Worker) reclaim(ctx context.Context) error {
	start := "0-0"
	for {
		msgs, next, err := w.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   w.cfg.Stream,
			Group:    w.cfg.Group,
			Consumer: w.cfg.Consumer,
			MinIdle:  w.cfg.ReclaimMinIdle,
			Start:    start,
			Count:    readBatchSize,
		}).Result()
		if err != nil {
			return fmt.Errorf("reclaim stalled messages: %w", err)
		}

		for _, msg := range msgs {
			w.observe(ctx, msg, "reclaimed")
		}
		if len(msgs) > 0 {
			w.log.Info().Int("messages", len(msgs)).Msg("reclaimed stalled stream messages")
		}
		if next == "0-0" || len(msgs) == 0 {
			return nil
		}
		start = next
	}
}

// fullRefresh rescores the top candidate posts straight from the ranked
// source-of-truth query, independent of the stream, so quiet posts still
// have their recency term decayed. The board is rebuilt wholesale in one
// transaction.
func (w *Worker) fullRefresh(ctx context.Context) error {
	posts, err := w.posts.RankedCandidates(ctx, w.cfg.RefreshCandidates)
	if err != nil {
		metrics.FullRefreshes.WithLabelValues("error").Inc()
		return fmt.Errorf("fetch refresh candidates: %w", err)
	}
	if len(posts) == 0 {
		metrics.FullRefreshes.WithLabelValues("ok").Inc()
		return nil
	}

	now := time.Now()
	zs := make([]redis.Z, 0, len(posts))
	pipe := w.rdb.TxPipeline()
	for _, p := range posts {
		score := Score(p.Likes, p.Comments, p.CreatedAt, now)
		zs = append(zs, redis.Z{Score: score, Member: p.ID})

		raw, err := json.Marshal(models.PostMeta{
			PostID:    p.ID,
			Likes:     p.Likes,
			Comments:  p.Comments,
			Views:     p.Views,
			Score:     score,
			UpdatedAt: now,
		})
		if err != nil {
			metrics.TrendScoreFailures.Inc()
			continue
		}
		pipe.Set(ctx, cache.PostMetaKey(p.ID), raw, metaTTL)
	}
	pipe.Del(ctx, cache.TrendingPostsKey)
	pipe.ZAdd(ctx, cache.TrendingPostsKey, zs...)

	if _, err := pipe.Exec(ctx); err != nil {
		metrics.FullRefreshes.WithLabelValues("error").Inc()
		return fmt.Errorf("rebuild leaderboard: %w", err)
	}

	metrics.FullRefreshes.WithLabelValues("ok").Inc()
	metrics.LeaderboardSize.Set(float64(len(zs)))
	w.log.Debug().Int("posts", len(zs)).Msg("leaderboard fully refreshed")
	return nil
}

// pendingCount reports the coalescing map size, for observability hooks.
func (w *Worker) pendingCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// chunks splits ids into slices of at most size.
func chunks(ids []string, size int) [][]string {
	out := make([][]string, 0, (len(ids)+size-1)/size)
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		out = append(out, ids[start:end])
	}
	return out
}
