// Driftline - Feed Caching, Fan-out, and Trend Scoring
// Copyright 2026 Driftline Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/driftline/driftline

package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/driftline/driftline/internal/models"
)

// Memory is a thread-safe in-memory Store for tests and local runs.
// Ranking is newest-first with a preferred-tag boost, which is enough to
// exercise every consumer of the ranked queries.
type Memory struct {
	mu        sync.RWMutex
	posts     map[string]models.Post
	authors   map[string]models.AuthorSnapshot
	followers map[string][]string
	userTags  map[string][]string
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		posts:     make(map[string]models.Post),
		authors:   make(map[string]models.AuthorSnapshot),
		followers: make(map[string][]string),
		userTags:  make(map[string][]string),
	}
}

// AddPost inserts or replaces a post.
func (m *Memory) AddPost(post models.Post) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.posts[post.ID] = post
}

// RemovePost deletes a post.
func (m *Memory) RemovePost(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.posts, id)
}

// AddAuthor inserts or replaces an author snapshot.
func (m *Memory) AddAuthor(author models.AuthorSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.authors[author.ID] = author
}

// SetFollowers sets the follower list for a user.
func (m *Memory) SetFollowers(userID string, followerIDs []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.followers[userID] = append([]string(nil), followerIDs...)
}

// SetUserTags sets the top-weighted tags for a user.
func (m *Memory) SetUserTags(userID string, tags []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.userTags[userID] = append([]string(nil), tags...)
}

// RankedForUser implements Posts.
func (m *Memory) RankedForUser(_ context.Context, _ string, preferredTags []string, page, limit int) ([]models.Post, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	preferred := make(map[string]bool, len(preferredTags))
	for _, t := range preferredTags {
		preferred[t] = true
	}

	ranked := make([]models.Post, 0, len(m.posts))
	for _, p := range m.posts {
		ranked = append(ranked, p)
	}
	sort.Slice(ranked, func(i, j int) bool {
		bi, bj := tagBoost(ranked[i], preferred), tagBoost(ranked[j], preferred)
		if bi != bj {
			return bi > bj
		}
		return ranked[i].CreatedAt.After(ranked[j].CreatedAt)
	})

	return pageOf(ranked, page, limit), nil
}

// RankedCandidates implements Posts.
func (m *Memory) RankedCandidates(_ context.Context, limit int) ([]models.Post, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ranked := make([]models.Post, 0, len(m.posts))
	for _, p := range m.posts {
		ranked = append(ranked, p)
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Likes != ranked[j].Likes {
			return ranked[i].Likes > ranked[j].Likes
		}
		return ranked[i].CreatedAt.After(ranked[j].CreatedAt)
	})

	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked, nil
}

// ByIDs implements Posts.
func (m *Memory) ByIDs(_ context.Context, ids []string) ([]models.Post, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.Post, 0, len(ids))
	for _, id := range ids {
		if p, ok := m.posts[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

// Counters implements Posts.
func (m *Memory) Counters(_ context.Context, ids []string) ([]PostCounters, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]PostCounters, 0, len(ids))
	for _, id := range ids {
		if p, ok := m.posts[id]; ok {
			out = append(out, PostCounters{
				PostID:    p.ID,
				Likes:     p.Likes,
				Comments:  p.Comments,
				Views:     p.Views,
				CreatedAt: p.CreatedAt,
			})
		}
	}
	return out, nil
}

// FollowerIDs implements Followers.
func (m *Memory) FollowerIDs(_ context.Context, userID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids, ok := m.followers[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]string(nil), ids...), nil
}

// SnapshotsByIDs implements Authors.
func (m *Memory) SnapshotsByIDs(_ context.Context, ids []string) ([]models.AuthorSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.AuthorSnapshot, 0, len(ids))
	for _, id := range ids {
		if a, ok := m.authors[id]; ok {
			out = append(out, a)
		}
	}
	return out, nil
}

// TrendingTags implements Tags.
func (m *Memory) TrendingTags(_ context.Context, limit int, window time.Duration) ([]models.TrendingTag, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cutoff := time.Now().Add(-window)
	counts := make(map[string]int64)
	for _, p := range m.posts {
		if p.CreatedAt.Before(cutoff) {
			continue
		}
		for _, t := range p.Tags {
			counts[t]++
		}
	}

	tags := make([]models.TrendingTag, 0, len(counts))
	for tag, n := range counts {
		tags = append(tags, models.TrendingTag{Tag: tag, Count: n})
	}
	sort.Slice(tags, func(i, j int) bool {
		if tags[i].Count != tags[j].Count {
			return tags[i].Count > tags[j].Count
		}
		return tags[i].Tag < tags[j].Tag
	})

	if limit > 0 && len(tags) > limit {
		tags = tags[:limit]
	}
	return tags, nil
}

// TopTagsForUser implements Tags.
func (m *Memory) TopTagsForUser(_ context.Context, userID string, limit int) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tags := m.userTags[userID]
	if limit > 0 && len(tags) > limit {
		tags = tags[:limit]
	}
	return append([]string(nil), tags...), nil
}

func tagBoost(p models.Post, preferred map[string]bool) int {
	boost := 0
	for _, t := range p.Tags {
		if preferred[t] {
			boost++
		}
	}
	return boost
}

func pageOf(posts []models.Post, page, limit int) []models.Post {
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		return nil
	}
	start := (page - 1) * limit
	if start >= len(posts) {
		return nil
	}
	end := start + limit
	if end > len(posts) {
		end = len(posts)
	}
	return posts[start:end]
}
