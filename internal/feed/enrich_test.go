// Driftline - Feed Caching, Fan-out, and Trend Scoring
// Copyright 2026 Driftline Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/driftline/driftline

package feed

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/driftline/driftline/internal/cache"
	"github.com/driftline/driftline/internal/config"
	"github.com/driftline/driftline/internal/models"
	"github.com/driftline/driftline/internal/repository"
)

func newEnricherFixture(t *testing.T) (*Enricher, *cache.Store, *repository.Memory, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	store := cache.NewStore(rdb, config.CacheConfig{DefaultTTL: time.Hour})
	repo := repository.NewMemory()
	return NewEnricher(store, repo, repo), store, repo, mr
}

func entry(postID, authorID string) models.FeedEntry {
	return models.FeedEntry{PostID: postID, AuthorID: authorID}
}

func TestEnrichFetchesMissesAndWritesBack(t *testing.T) {
	en, _, repo, mr := newEnricherFixture(t)
	ctx := context.Background()

	repo.AddAuthor(models.AuthorSnapshot{ID: "a1", Username: "alice"})
	repo.AddPost(models.Post{ID: "p1", AuthorID: "a1", Likes: 7, Comments: 2, CreatedAt: time.Now()})

	out, err := en.Enrich(ctx, []models.FeedEntry{entry("p1", "a1")})
	if err != nil {
		t.Fatalf("Enrich failed: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("got %d entries, want 1", len(out))
	}
	if out[0].Author == nil || out[0].Author.Username != "alice" {
		t.Errorf("author = %+v, want alice", out[0].Author)
	}
	if out[0].Meta == nil || out[0].Meta.Likes != 7 || out[0].Meta.Comments != 2 {
		t.Errorf("meta = %+v, want likes=7 comments=2", out[0].Meta)
	}

	// Fetched entities land in the cache for the next page.
	if !mr.Exists(cache.AuthorKey("a1")) {
		t.Error("author snapshot not written back")
	}
	if !mr.Exists(cache.PostMetaKey("p1")) {
		t.Error("post meta not written back")
	}
}

func TestEnrichServesFromCache(t *testing.T) {
	en, _, repo, _ := newEnricherFixture(t)
	ctx := context.Background()

	repo.AddAuthor(models.AuthorSnapshot{ID: "a1", Username: "before"})
	repo.AddPost(models.Post{ID: "p1", AuthorID: "a1", CreatedAt: time.Now()})
	if _, err := en.Enrich(ctx, []models.FeedEntry{entry("p1", "a1")}); err != nil {
		t.Fatal(err)
	}

	// A repository change is invisible until the cached snapshot expires
	// or its tag is invalidated.
	repo.AddAuthor(models.AuthorSnapshot{ID: "a1", Username: "after"})

	out, err := en.Enrich(ctx, []models.FeedEntry{entry("p1", "a1")})
	if err != nil {
		t.Fatal(err)
	}
	if out[0].Author == nil || out[0].Author.Username != "before" {
		t.Errorf("author = %+v, want cached snapshot", out[0].Author)
	}
}

func TestEnrichWriteBackIsTagged(t *testing.T) {
	en, store, repo, mr := newEnricherFixture(t)
	ctx := context.Background()

	repo.AddAuthor(models.AuthorSnapshot{ID: "a1", Username: "before"})
	repo.AddPost(models.Post{ID: "p1", AuthorID: "a1", CreatedAt: time.Now()})
	if _, err := en.Enrich(ctx, []models.FeedEntry{entry("p1", "a1")}); err != nil {
		t.Fatal(err)
	}

	// Invalidating the author tag drops the snapshot; the next enrich
	// sees the updated repository row.
	if err := store.Invalidate(ctx, cache.AuthorTag("a1")); err != nil {
		t.Fatalf("Invalidate failed: %v", err)
	}
	if mr.Exists(cache.AuthorKey("a1")) {
		t.Fatal("author snapshot survived tag invalidation")
	}

	repo.AddAuthor(models.AuthorSnapshot{ID: "a1", Username: "after"})
	out, err := en.Enrich(ctx, []models.FeedEntry{entry("p1", "a1")})
	if err != nil {
		t.Fatal(err)
	}
	if out[0].Author == nil || out[0].Author.Username != "after" {
		t.Errorf("author = %+v, want refetched snapshot", out[0].Author)
	}
}

func TestEnrichPreservesOrder(t *testing.T) {
	en, _, repo, _ := newEnricherFixture(t)
	ctx := context.Background()

	input := []models.FeedEntry{entry("p3", "a1"), entry("p1", "a2"), entry("p2", "a1")}
	for _, e := range input {
		repo.AddPost(models.Post{ID: e.PostID, AuthorID: e.AuthorID, CreatedAt: time.Now()})
	}
	repo.AddAuthor(models.AuthorSnapshot{ID: "a1", Username: "one"})
	repo.AddAuthor(models.AuthorSnapshot{ID: "a2", Username: "two"})

	out, err := en.Enrich(ctx, input)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"p3", "p1", "p2"}
	for i, e := range out {
		if e.PostID != want[i] {
			t.Errorf("entry[%d] = %s, want %s", i, e.PostID, want[i])
		}
	}
}

func TestEnrichMissingAuthorLeavesEntryBare(t *testing.T) {
	en, _, repo, _ := newEnricherFixture(t)
	ctx := context.Background()

	repo.AddPost(models.Post{ID: "p1", AuthorID: "gone", CreatedAt: time.Now()})

	out, err := en.Enrich(ctx, []models.FeedEntry{entry("p1", "gone")})
	if err != nil {
		t.Fatalf("Enrich failed: %v", err)
	}
	if out[0].Author != nil {
		t.Errorf("author = %+v, want nil for unknown author", out[0].Author)
	}
	if out[0].Meta == nil {
		t.Error("meta missing for existing post")
	}
}

func TestEnrichEmptyInput(t *testing.T) {
	en, _, _, _ := newEnricherFixture(t)

	out, err := en.Enrich(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 0 {
		t.Errorf("got %d entries, want 0", len(out))
	}
}
