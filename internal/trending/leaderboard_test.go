// Driftline - Feed Caching, Fan-out, and Trend Scoring
// Copyright 2026 Driftline Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/driftline/driftline

package trending

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/driftline/driftline/internal/cache"
	"github.com/driftline/driftline/internal/models"
	"github.com/driftline/driftline/internal/repository"
)

func newLeaderboardFixture(t *testing.T) (*Leaderboard, *repository.Memory, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	repo := repository.NewMemory()
	return NewLeaderboard(rdb, repo), repo, rdb
}

func seedBoard(t *testing.T, rdb *redis.Client, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 1; i <= n; i++ {
		id := "p" + string(rune('0'+i))
		if err := rdb.ZAdd(ctx, cache.TrendingPostsKey, redis.Z{Score: float64(i), Member: id}).Err(); err != nil {
			t.Fatal(err)
		}
	}
}

func TestLeaderboardRange(t *testing.T) {
	lb, _, rdb := newLeaderboardFixture(t)
	seedBoard(t, rdb, 5)

	entries, err := lb.Range(context.Background(), 0, 2)
	if err != nil {
		t.Fatalf("Range failed: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}
	if entries[0].PostID != "p5" || entries[2].PostID != "p3" {
		t.Errorf("range = %v, want [p5 p4 p3]", entries)
	}
}

func TestLeaderboardEmptyFallsBack(t *testing.T) {
	lb, repo, _ := newLeaderboardFixture(t)

	repo.AddPost(models.Post{ID: "p1", AuthorID: "a1", Likes: 100, CreatedAt: time.Now()})
	repo.AddPost(models.Post{ID: "p2", AuthorID: "a1", Likes: 5, CreatedAt: time.Now()})

	entries, err := lb.Range(context.Background(), 0, 9)
	if err != nil {
		t.Fatalf("Range failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("fallback returned %d entries, want 2", len(entries))
	}
	if entries[0].PostID != "p1" {
		t.Errorf("fallback head = %s, want most-liked p1", entries[0].PostID)
	}
	if entries[0].Score <= 0 {
		t.Error("fallback entries must carry computed scores")
	}
}

func TestLeaderboardCursorWalk(t *testing.T) {
	lb, _, rdb := newLeaderboardFixture(t)
	seedBoard(t, rdb, 5)
	ctx := context.Background()

	first, cursor, err := lb.RangeByCursor(ctx, "", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != 2 || first[0].PostID != "p5" || first[1].PostID != "p4" {
		t.Fatalf("first page = %v", first)
	}
	if cursor == "" {
		t.Fatal("expected continuation cursor")
	}

	second, cursor, err := lb.RangeByCursor(ctx, cursor, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(second) != 2 || second[0].PostID != "p3" || second[1].PostID != "p2" {
		t.Fatalf("second page = %v", second)
	}

	third, cursor, err := lb.RangeByCursor(ctx, cursor, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(third) != 1 || third[0].PostID != "p1" {
		t.Fatalf("third page = %v", third)
	}
	if cursor != "" {
		t.Errorf("exhausted board returned cursor %q", cursor)
	}
}

func TestLeaderboardInvalidCursor(t *testing.T) {
	lb, _, _ := newLeaderboardFixture(t)

	_, _, err := lb.RangeByCursor(context.Background(), "not a cursor!!", 10)
	if !errors.Is(err, ErrInvalidCursor) {
		t.Errorf("expected ErrInvalidCursor, got %v", err)
	}
}

func TestLeaderboardCursorPastEndIsEmpty(t *testing.T) {
	lb, repo, rdb := newLeaderboardFixture(t)
	seedBoard(t, rdb, 2)
	repo.AddPost(models.Post{ID: "px", AuthorID: "a1", CreatedAt: time.Now()})
	ctx := context.Background()

	_, cursor, err := lb.RangeByCursor(ctx, "", 2)
	if err != nil {
		t.Fatal(err)
	}
	// Two members, page size two: a cursor is handed out, the next read
	// finds nothing and must not fall back to the ranked query.
	entries, next, err := lb.RangeByCursor(ctx, cursor, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 || next != "" {
		t.Errorf("past-end page = %v cursor %q, want empty", entries, next)
	}
}
