// Driftline - Feed Caching, Fan-out, and Trend Scoring
// Copyright 2026 Driftline Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/driftline/driftline

package trending

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/driftline/driftline/internal/cache"
	"github.com/driftline/driftline/internal/config"
	"github.com/driftline/driftline/internal/models"
	"github.com/driftline/driftline/internal/repository"
)

func workerConfig() config.WorkerConfig {
	return config.WorkerConfig{
		Stream:              "stream:interactions",
		Group:               "trending_group",
		Consumer:            "test-consumer",
		ReadBlock:           50 * time.Millisecond,
		FlushInterval:       2 * time.Second,
		ReclaimInterval:     30 * time.Second,
		ReclaimMinIdle:      0, // everything pending is immediately reclaimable
		FullRefreshInterval: 5 * time.Minute,
		RefreshCandidates:   500,
		CounterChunkSize:    100,
	}
}

type workerFixture struct {
	worker    *Worker
	publisher *Publisher
	repo      *repository.Memory
	rdb       *redis.Client
	mr        *miniredis.Miniredis
	cfg       config.WorkerConfig
}

func newWorkerFixture(t *testing.T, cfg config.WorkerConfig) *workerFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	store := cache.NewStore(rdb, config.CacheConfig{DefaultTTL: time.Hour})
	repo := repository.NewMemory()
	worker := NewWorker(store, repo, cfg)
	if err := worker.ensureGroup(context.Background()); err != nil {
		t.Fatalf("ensureGroup failed: %v", err)
	}
	return &workerFixture{
		worker:    worker,
		publisher: NewPublisher(rdb),
		repo:      repo,
		rdb:       rdb,
		mr:        mr,
		cfg:       cfg,
	}
}

func (f *workerFixture) push(t *testing.T, postID string) string {
	t.Helper()
	id, err := f.publisher.Push(context.Background(), f.cfg.Stream, models.InteractionEvent{
		Type:   models.InteractionLike,
		PostID: postID,
		UserID: "u1",
	})
	if err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	return id
}

func TestServeToleratesZeroIntervals(t *testing.T) {
	cfg := workerConfig()
	cfg.FlushInterval = 0
	cfg.ReclaimInterval = 0
	cfg.FullRefreshInterval = 0
	f := newWorkerFixture(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- f.worker.Serve(ctx) }()

	select {
	case err := <-done:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("Serve returned %v, want context.DeadlineExceeded", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after context cancellation")
	}
}

func (f *workerFixture) pendingIn(t *testing.T, group string) int {
	t.Helper()
	p, err := f.rdb.XPending(context.Background(), f.cfg.Stream, group).Result()
	if err != nil {
		t.Fatalf("XPending failed: %v", err)
	}
	return int(p.Count)
}

func TestScoreFormula(t *testing.T) {
	now := time.Now()

	// Brand-new post, 10 likes, 3 comments.
	got := Score(10, 3, now, now)
	want := 0.4*1 + 0.5*math.Log(11) + 0.1*math.Log(4)
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("Score = %v, want %v", got, want)
	}

	// The recency term halves at one day of age.
	fresh := Score(10, 3, now, now)
	aged := Score(10, 3, now.Add(-24*time.Hour), now)
	if diff := fresh - aged; math.Abs(diff-0.2) > 1e-9 {
		t.Errorf("one-day recency drop = %v, want 0.2", diff)
	}

	// Clock skew must not produce negative age.
	future := Score(0, 0, now.Add(time.Minute), now)
	if future != 0.4 {
		t.Errorf("future-dated post score = %v, want full recency 0.4", future)
	}
}

func TestScoreMonotonicInCounters(t *testing.T) {
	now := time.Now()
	created := now.Add(-6 * time.Hour)

	if Score(100, 0, created, now) <= Score(10, 0, created, now) {
		t.Error("more likes must not lower the score")
	}
	if Score(10, 20, created, now) <= Score(10, 2, created, now) {
		t.Error("more comments must not lower the score")
	}
}

func TestPublisherPushFields(t *testing.T) {
	f := newWorkerFixture(t, workerConfig())
	ctx := context.Background()

	f.push(t, "p1")

	msgs, err := f.rdb.XRange(ctx, f.cfg.Stream, "-", "+").Result()
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("stream has %d messages, want 1", len(msgs))
	}
	v := msgs[0].Values
	if v[fieldPostID] != "p1" || v[fieldType] != "like" {
		t.Errorf("message values = %v", v)
	}
	if v[fieldEventID] == "" || v[fieldOccurredAt] == "" {
		t.Errorf("missing generated fields: %v", v)
	}
}

func TestPublisherRejectsMissingPostID(t *testing.T) {
	f := newWorkerFixture(t, workerConfig())

	_, err := f.publisher.Push(context.Background(), f.cfg.Stream, models.InteractionEvent{
		Type: models.InteractionLike,
	})
	if err == nil {
		t.Fatal("expected validation error for missing post id")
	}
}

func TestConsumeCoalescesAndAcks(t *testing.T) {
	f := newWorkerFixture(t, workerConfig())
	ctx := context.Background()

	// Three events for one post cost one pending entry.
	f.push(t, "p1")
	f.push(t, "p1")
	f.push(t, "p1")
	f.push(t, "p2")

	if err := f.worker.consumeOnce(ctx); err != nil {
		t.Fatalf("consumeOnce failed: %v", err)
	}

	if n := f.worker.pendingCount(); n != 2 {
		t.Errorf("coalesced map has %d entries, want 2", n)
	}
	if n := f.pendingIn(t, f.cfg.Group); n != 0 {
		t.Errorf("%d messages still unacked, want 0", n)
	}
}

func TestMalformedMessageAckedWithoutRescore(t *testing.T) {
	f := newWorkerFixture(t, workerConfig())
	ctx := context.Background()

	if err := f.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: f.cfg.Stream,
		Values: map[string]any{fieldType: "like"}, // no post id
	}).Err(); err != nil {
		t.Fatal(err)
	}

	if err := f.worker.consumeOnce(ctx); err != nil {
		t.Fatalf("consumeOnce failed: %v", err)
	}
	if n := f.worker.pendingCount(); n != 0 {
		t.Errorf("malformed message coalesced %d entries, want 0", n)
	}
	if n := f.pendingIn(t, f.cfg.Group); n != 0 {
		t.Errorf("malformed message left %d pending, want acked", n)
	}
}

func TestFlushScoresAndWritesMeta(t *testing.T) {
	f := newWorkerFixture(t, workerConfig())
	ctx := context.Background()

	created := time.Now().Add(-12 * time.Hour)
	f.repo.AddPost(models.Post{ID: "p1", AuthorID: "a1", Likes: 10, Comments: 3, Views: 50, CreatedAt: created})

	f.push(t, "p1")
	if err := f.worker.consumeOnce(ctx); err != nil {
		t.Fatal(err)
	}
	if err := f.worker.flush(ctx); err != nil {
		t.Fatalf("flush failed: %v", err)
	}

	score, err := f.rdb.ZScore(ctx, cache.TrendingPostsKey, "p1").Result()
	if err != nil {
		t.Fatalf("post missing from leaderboard: %v", err)
	}
	want := Score(10, 3, created, time.Now())
	if math.Abs(score-want) > 0.01 {
		t.Errorf("leaderboard score = %v, want ~%v", score, want)
	}
	if !f.mr.Exists(cache.PostMetaKey("p1")) {
		t.Error("post meta not written on flush")
	}
	if n := f.worker.pendingCount(); n != 0 {
		t.Errorf("pending map has %d entries after flush, want 0", n)
	}
}

func TestFlushDropsDeletedPosts(t *testing.T) {
	f := newWorkerFixture(t, workerConfig())
	ctx := context.Background()

	// The post was on the board, then deleted from the source of truth.
	f.rdb.ZAdd(ctx, cache.TrendingPostsKey, redis.Z{Score: 1, Member: "gone"})
	f.worker.coalesce("gone", time.Now())

	if err := f.worker.flush(ctx); err != nil {
		t.Fatalf("flush failed: %v", err)
	}
	if err := f.rdb.ZScore(ctx, cache.TrendingPostsKey, "gone").Err(); err == nil {
		t.Error("deleted post still on the leaderboard")
	}
}

func TestFlushEmptyIsNoOp(t *testing.T) {
	f := newWorkerFixture(t, workerConfig())

	if err := f.worker.flush(context.Background()); err != nil {
		t.Fatalf("empty flush failed: %v", err)
	}
}

func TestReclaimReprocessesStalledMessages(t *testing.T) {
	// At-least-once: a consumer that read but never acknowledged dies;
	// another consumer reclaims the message and the post gets rescored.
	f := newWorkerFixture(t, workerConfig())
	ctx := context.Background()

	f.repo.AddPost(models.Post{ID: "p1", AuthorID: "a1", Likes: 5, CreatedAt: time.Now()})
	f.push(t, "p1")

	// The doomed consumer reads without acking.
	if _, err := f.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    f.cfg.Group,
		Consumer: "doomed",
		Streams:  []string{f.cfg.Stream, ">"},
		Count:    10,
		Block:    50 * time.Millisecond,
	}).Result(); err != nil {
		t.Fatal(err)
	}
	if n := f.pendingIn(t, f.cfg.Group); n != 1 {
		t.Fatalf("%d pending before reclaim, want 1", n)
	}

	if err := f.worker.reclaim(ctx); err != nil {
		t.Fatalf("reclaim failed: %v", err)
	}
	if n := f.worker.pendingCount(); n != 1 {
		t.Errorf("reclaimed message coalesced %d entries, want 1", n)
	}
	if n := f.pendingIn(t, f.cfg.Group); n != 0 {
		t.Errorf("%d pending after reclaim, want 0", n)
	}

	if err := f.worker.flush(ctx); err != nil {
		t.Fatal(err)
	}
	if err := f.rdb.ZScore(ctx, cache.TrendingPostsKey, "p1").Err(); err != nil {
		t.Error("reclaimed post never rescored")
	}
}

func TestFullRefreshRebuildsBoard(t *testing.T) {
	f := newWorkerFixture(t, workerConfig())
	ctx := context.Background()

	now := time.Now()
	for i := 0; i < 5; i++ {
		f.repo.AddPost(models.Post{
			ID:        fmt.Sprintf("p%d", i),
			AuthorID:  "a1",
			Likes:     int64(i * 10),
			CreatedAt: now.Add(-time.Duration(i) * time.Hour),
		})
	}
	// A stale member no ranked query returns anymore.
	f.rdb.ZAdd(ctx, cache.TrendingPostsKey, redis.Z{Score: 99, Member: "stale"})

	if err := f.worker.fullRefresh(ctx); err != nil {
		t.Fatalf("fullRefresh failed: %v", err)
	}

	if err := f.rdb.ZScore(ctx, cache.TrendingPostsKey, "stale").Err(); err == nil {
		t.Error("wholesale rebuild kept a stale member")
	}
	n, err := f.rdb.ZCard(ctx, cache.TrendingPostsKey).Result()
	if err != nil {
		t.Fatal(err)
	}
	if n != 5 {
		t.Errorf("board has %d members, want 5", n)
	}
	// Highest-liked post ranks first.
	top, err := f.rdb.ZRevRange(ctx, cache.TrendingPostsKey, 0, 0).Result()
	if err != nil || len(top) != 1 {
		t.Fatalf("ZRevRange failed: %v %v", top, err)
	}
	if top[0] != "p4" {
		t.Errorf("top of board = %s, want p4", top[0])
	}
}

func TestFullRefreshHonorsCandidateLimit(t *testing.T) {
	cfg := workerConfig()
	cfg.RefreshCandidates = 3
	f := newWorkerFixture(t, cfg)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		f.repo.AddPost(models.Post{
			ID:        fmt.Sprintf("p%d", i),
			AuthorID:  "a1",
			Likes:     int64(i),
			CreatedAt: time.Now(),
		})
	}

	if err := f.worker.fullRefresh(ctx); err != nil {
		t.Fatal(err)
	}
	n, err := f.rdb.ZCard(ctx, cache.TrendingPostsKey).Result()
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("board has %d members, want top 3 candidates", n)
	}
}

func TestCoalesceKeepsLaterTimestamp(t *testing.T) {
	f := newWorkerFixture(t, workerConfig())

	early := time.Now()
	late := early.Add(time.Second)
	f.worker.coalesce("p1", late)
	f.worker.coalesce("p1", early)

	f.worker.mu.Lock()
	got := f.worker.pending["p1"]
	f.worker.mu.Unlock()
	if !got.Equal(late) {
		t.Errorf("pending timestamp = %v, want later %v", got, late)
	}
}

func TestChunks(t *testing.T) {
	ids := []string{"a", "b", "c", "d", "e"}
	got := chunks(ids, 2)
	if len(got) != 3 || len(got[0]) != 2 || len(got[2]) != 1 {
		t.Errorf("chunks = %v", got)
	}
	if len(chunks(nil, 2)) != 0 {
		t.Error("chunks of empty input must be empty")
	}
}
