// Driftline - Feed Caching, Fan-out, and Trend Scoring
// Copyright 2026 Driftline Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/driftline/driftline

package feed

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/driftline/driftline/internal/cache"
	"github.com/driftline/driftline/internal/logging"
	"github.com/driftline/driftline/internal/metrics"
	"github.com/driftline/driftline/internal/models"
	"github.com/driftline/driftline/internal/repository"
)

// Enrichment cache lifetimes. Entity snapshots are short-lived; the
// invalidation tags handle correctness, the TTL handles drift.
const (
	authorSnapshotTTL = 10 * time.Minute
	postMetaTTL       = 5 * time.Minute
)

// Enricher hydrates bare feed entries with current author snapshots and
// per-post live metadata: one batched cache lookup per entity kind, one
// batched source-of-truth fetch for the misses, tagged write-back, and an
// in-place merge that never reorders the input.
type Enricher struct {
	store   *cache.Store
	authors repository.Authors
	posts   repository.Posts
	log     zerolog.Logger
}

// NewEnricher creates an enricher over the tagged cache store.
func NewEnricher(store *cache.Store, authors repository.Authors, posts repository.Posts) *Enricher {
	return &Enricher{
		store:   store,
		authors: authors,
		posts:   posts,
		log:     logging.With().Str("component", "enrich").Logger(),
	}
}

// Enrich fills Author and Meta on every entry, preserving order. Cache
// failures degrade to source-of-truth fetches; a repository failure is
// returned because the page cannot be served half-hydrated.
func (en *Enricher) Enrich(ctx context.Context, entries []models.FeedEntry) ([]models.FeedEntry, error) {
	if len(entries) == 0 {
		return entries, nil
	}
	metrics.EnrichmentBatchSize.Observe(float64(len(entries)))

	authorIDs := distinct(entries, func(e models.FeedEntry) string { return e.AuthorID })
	postIDs := distinct(entries, func(e models.FeedEntry) string { return e.PostID })

	authors, err := en.authorSnapshots(ctx, authorIDs)
	if err != nil {
		return nil, err
	}
	meta, err := en.postMeta(ctx, postIDs)
	if err != nil {
		return nil, err
	}

	out := make([]models.FeedEntry, len(entries))
	copy(out, entries)
	for i := range out {
		if a, ok := authors[out[i].AuthorID]; ok {
			snapshot := a
			out[i].Author = &snapshot
		}
		if m, ok := meta[out[i].PostID]; ok {
			pm := m
			out[i].Meta = &pm
		}
	}
	return out, nil
}

// authorSnapshots resolves author snapshots, cache first, repository for
// the misses, tagged write-back for each fetched entity.
func (en *Enricher) authorSnapshots(ctx context.Context, ids []string) (map[string]models.AuthorSnapshot, error) {
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = cache.AuthorKey(id)
	}

	found := make(map[string]models.AuthorSnapshot, len(ids))
	cached, err := en.store.GetMany(ctx, keys)
	if err != nil {
		en.log.Warn().Err(err).Msg("author cache read failed, fetching all from repository")
		cached = nil
	}
	var missed []string
	for _, id := range ids {
		raw, ok := cached[cache.AuthorKey(id)]
		if !ok {
			missed = append(missed, id)
			continue
		}
		var a models.AuthorSnapshot
		if err := json.Unmarshal(raw, &a); err != nil {
			missed = append(missed, id)
			continue
		}
		found[id] = a
	}
	if len(missed) == 0 {
		return found, nil
	}

	fetched, err := en.authors.SnapshotsByIDs(ctx, missed)
	if err != nil {
		return nil, fmt.Errorf("enrich authors: %w", err)
	}
	for _, a := range fetched {
		found[a.ID] = a
		en.writeBack(ctx, cache.AuthorKey(a.ID), a, []string{cache.AuthorTag(a.ID)}, authorSnapshotTTL)
	}
	return found, nil
}

// postMeta resolves per-post live metadata the same way.
func (en *Enricher) postMeta(ctx context.Context, ids []string) (map[string]models.PostMeta, error) {
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = cache.PostMetaKey(id)
	}

	found := make(map[string]models.PostMeta, len(ids))
	cached, err := en.store.GetMany(ctx, keys)
	if err != nil {
		en.log.Warn().Err(err).Msg("post meta cache read failed, fetching all from repository")
		cached = nil
	}
	var missed []string
	for _, id := range ids {
		raw, ok := cached[cache.PostMetaKey(id)]
		if !ok {
			missed = append(missed, id)
			continue
		}
		var m models.PostMeta
		if err := json.Unmarshal(raw, &m); err != nil {
			missed = append(missed, id)
			continue
		}
		found[id] = m
	}
	if len(missed) == 0 {
		return found, nil
	}

	counters, err := en.posts.Counters(ctx, missed)
	if err != nil {
		return nil, fmt.Errorf("enrich post meta: %w", err)
	}
	for _, c := range counters {
		m := models.PostMeta{
			PostID:    c.PostID,
			Likes:     c.Likes,
			Comments:  c.Comments,
			Views:     c.Views,
			UpdatedAt: time.Now(),
		}
		found[c.PostID] = m
		en.writeBack(ctx, cache.PostMetaKey(c.PostID), m, []string{cache.PostTag(c.PostID)}, postMetaTTL)
	}
	return found, nil
}

// writeBack caches a fetched entity. Best effort: the page being served
// does not depend on it.
func (en *Enricher) writeBack(ctx context.Context, key string, v any, tags []string, ttl time.Duration) {
	raw, err := json.Marshal(v)
	if err != nil {
		en.log.Error().Err(err).Str("key", key).Msg("marshal enrichment write-back")
		return
	}
	if err := en.store.Set(ctx, key, raw, tags, ttl); err != nil {
		en.log.Warn().Err(err).Str("key", key).Msg("enrichment write-back failed")
	}
}

// distinct collects non-empty distinct values preserving first-seen order.
func distinct(entries []models.FeedEntry, field func(models.FeedEntry) string) []string {
	seen := make(map[string]struct{}, len(entries))
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		v := field(e)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
