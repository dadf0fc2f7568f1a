// Driftline - Feed Caching, Fan-out, and Trend Scoring
// Copyright 2026 Driftline Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/driftline/driftline

// Package cache implements the tag-indexed cache store on Redis.
//
// Every value write and both sides of its tag index go through one
// pipelined transaction, so no reader observes a value without its tags.
// Invalidation is O(number of keys tagged): one batched read of the tag
// sets, one batched delete of data keys plus index entries.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/driftline/driftline/internal/config"
	"github.com/driftline/driftline/internal/logging"
	"github.com/driftline/driftline/internal/metrics"
	"github.com/driftline/driftline/internal/resilience"
)

// ErrMiss is returned by Get when the key is absent or expired. A miss is
// never a failure; callers fall through to the source of truth.
var ErrMiss = errors.New("cache: miss")

// scanCount is the page size for incremental SCAN cursors.
const scanCount = 256

// Store is the tagged cache store. It is safe for concurrent use and is
// constructed once at startup, injected into every dependent.
type Store struct {
	rdb     redis.UniversalClient
	cfg     config.CacheConfig
	retry   resilience.Config
	breaker *gobreaker.CircuitBreaker[struct{}]
	log     zerolog.Logger
}

// NewStore creates a tagged cache store over the given Redis client.
// The caller owns the client lifecycle.
func NewStore(rdb redis.UniversalClient, cfg config.CacheConfig) *Store {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 15 * time.Minute
	}
	if cfg.TagIndexMargin <= 0 {
		cfg.TagIndexMargin = 5 * time.Minute
	}
	return &Store{
		rdb:     rdb,
		cfg:     cfg,
		retry:   resilience.DefaultConfig(),
		breaker: resilience.NewBreaker[struct{}](resilience.DefaultBreakerConfig("cache-store")),
		log:     logging.With().Str("component", "cache").Logger(),
	}
}

// Client exposes the underlying Redis client for components that share it
// (feed lists, leaderboard, stream).
func (s *Store) Client() redis.UniversalClient {
	return s.rdb
}

// Set writes value under key with the given tags and TTL. The value write,
// the tag -> key index, and the key -> tag reverse index are issued in one
// pipelined transaction. A ttl of zero uses the configured default.
func (s *Store) Set(ctx context.Context, key string, value []byte, tags []string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = s.cfg.DefaultTTL
	}

	// Discard any scalar left where a tag set should be, before the
	// atomic write. Required self-healing step against type corruption.
	if err := s.healIndexTypes(ctx, key, tags); err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("tag index type check failed")
	}

	// Index entries expire no earlier than the value they describe.
	idxTTL := ttl + s.cfg.TagIndexMargin

	return s.write(ctx, func() error {
		pipe := s.rdb.TxPipeline()
		pipe.Set(ctx, key, value, ttl)
		for _, tag := range tags {
			tk := TagKey(tag)
			pipe.SAdd(ctx, tk, key)
			pipe.Expire(ctx, tk, idxTTL)
		}
		if len(tags) > 0 {
			kt := KeyTagsKey(key)
			pipe.SAdd(ctx, kt, toMembers(tags)...)
			pipe.Expire(ctx, kt, idxTTL)
		}
		_, err := pipe.Exec(ctx)
		return err
	})
}

// Get reads the value under key. Returns ErrMiss when absent; backend
// failures are returned as-is and treated as misses by callers.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := s.rdb.Get(ctx, key).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		metrics.CacheMisses.WithLabelValues(Namespace(key)).Inc()
		return nil, ErrMiss
	case err != nil:
		metrics.CacheMisses.WithLabelValues(Namespace(key)).Inc()
		return nil, fmt.Errorf("cache get %s: %w", key, err)
	}
	metrics.CacheHits.WithLabelValues(Namespace(key)).Inc()
	return val, nil
}

// GetWithTags reads the value under key together with the tags it carries.
func (s *Store) GetWithTags(ctx context.Context, key string) ([]byte, []string, error) {
	pipe := s.rdb.Pipeline()
	getCmd := pipe.Get(ctx, key)
	tagsCmd := pipe.SMembers(ctx, KeyTagsKey(key))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		metrics.CacheMisses.WithLabelValues(Namespace(key)).Inc()
		return nil, nil, fmt.Errorf("cache get with tags %s: %w", key, err)
	}

	val, err := getCmd.Bytes()
	if errors.Is(err, redis.Nil) {
		metrics.CacheMisses.WithLabelValues(Namespace(key)).Inc()
		return nil, nil, ErrMiss
	}
	if err != nil {
		return nil, nil, fmt.Errorf("cache get with tags %s: %w", key, err)
	}

	metrics.CacheHits.WithLabelValues(Namespace(key)).Inc()
	return val, tagsCmd.Val(), nil
}

// GetMany reads several keys in one round trip. The result maps only the
// keys that were present; absent keys are plain misses.
func (s *Store) GetMany(ctx context.Context, keys []string) (map[string][]byte, error) {
	if len(keys) == 0 {
		return map[string][]byte{}, nil
	}

	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("cache mget: %w", err)
	}

	out := make(map[string][]byte, len(keys))
	for i, v := range vals {
		if v == nil {
			metrics.CacheMisses.WithLabelValues(Namespace(keys[i])).Inc()
			continue
		}
		if str, ok := v.(string); ok {
			metrics.CacheHits.WithLabelValues(Namespace(keys[i])).Inc()
			out[keys[i]] = []byte(str)
		}
	}
	return out, nil
}

// Invalidate removes every key carrying any of the given tags, their
// reverse-index entries, and the tag sets themselves. Membership of all
// tags is read in one batched round trip and deleted in another.
func (s *Store) Invalidate(ctx context.Context, tags ...string) error {
	if len(tags) == 0 {
		return nil
	}

	pipe := s.rdb.Pipeline()
	memberCmds := make([]*redis.StringSliceCmd, len(tags))
	for i, tag := range tags {
		memberCmds[i] = pipe.SMembers(ctx, TagKey(tag))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		metrics.CacheInvalidations.WithLabelValues("error").Inc()
		return fmt.Errorf("cache invalidate read tags: %w", err)
	}

	keySet := make(map[string]struct{})
	for _, cmd := range memberCmds {
		for _, k := range cmd.Val() {
			keySet[k] = struct{}{}
		}
	}

	// Data keys, their reverse indices, and the tag sets go in one
	// batched delete.
	toDelete := make([]string, 0, len(keySet)*2+len(tags))
	for k := range keySet {
		toDelete = append(toDelete, k, KeyTagsKey(k))
	}
	for _, tag := range tags {
		toDelete = append(toDelete, TagKey(tag))
	}

	err := s.write(ctx, func() error {
		return s.rdb.Del(ctx, toDelete...).Err()
	})
	if err != nil {
		metrics.CacheInvalidations.WithLabelValues("error").Inc()
		return fmt.Errorf("cache invalidate delete: %w", err)
	}

	metrics.CacheInvalidations.WithLabelValues("ok").Inc()
	metrics.CacheInvalidatedKeys.Add(float64(len(keySet)))
	s.log.Debug().
		Strs("tags", tags).
		Int("keys", len(keySet)).
		Msg("invalidated tagged keys")
	return nil
}

// DeleteByPattern removes all keys matching pattern using an incremental
// cursor scan; it never issues a blocking full-keyspace command.
func (s *Store) DeleteByPattern(ctx context.Context, pattern string) error {
	var cursor uint64
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, pattern, scanCount).Result()
		if err != nil {
			return fmt.Errorf("cache scan %s: %w", pattern, err)
		}
		if len(keys) > 0 {
			if err := s.write(ctx, func() error {
				return s.rdb.Del(ctx, keys...).Err()
			}); err != nil {
				return fmt.Errorf("cache delete page %s: %w", pattern, err)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// DeletePatterns applies DeleteByPattern to each pattern, continuing past
// per-pattern failures and returning the first error encountered.
func (s *Store) DeletePatterns(ctx context.Context, patterns ...string) error {
	var firstErr error
	for _, p := range patterns {
		if err := s.DeleteByPattern(ctx, p); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// SweepEmptyTagSets reclaims tag sets whose members have all expired.
// Orphaned entries are harmless (they name keys that miss on lookup), so
// this runs opportunistically in the background.
func (s *Store) SweepEmptyTagSets(ctx context.Context) (int, error) {
	var (
		cursor  uint64
		swept   int
		pattern = tagPrefix + "*"
	)
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, pattern, scanCount).Result()
		if err != nil {
			return swept, fmt.Errorf("sweep scan: %w", err)
		}
		for _, k := range keys {
			n, err := s.rdb.SCard(ctx, k).Result()
			if err != nil {
				continue
			}
			if n == 0 {
				if s.rdb.Del(ctx, k).Err() == nil {
					swept++
				}
			}
		}
		cursor = next
		if cursor == 0 {
			return swept, nil
		}
	}
}

// RunSweeper runs the empty-tag-set sweep on the configured interval until
// ctx is canceled. Wrapped as a supervised service by the worker binary.
func (s *Store) RunSweeper(ctx context.Context) error {
	interval := s.cfg.SweepInterval
	if interval <= 0 {
		interval = 10 * time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			swept, err := s.SweepEmptyTagSets(ctx)
			if err != nil {
				s.log.Warn().Err(err).Msg("tag set sweep failed")
				continue
			}
			if swept > 0 {
				s.log.Debug().Int("swept", swept).Msg("reclaimed empty tag sets")
			}
		}
	}
}

// healIndexTypes discards index structures that are not sets. A prior bug
// or race can leave a scalar where a set belongs; recreating it is cheaper
// than failing every subsequent write.
func (s *Store) healIndexTypes(ctx context.Context, key string, tags []string) error {
	checks := make([]string, 0, len(tags)+1)
	for _, tag := range tags {
		checks = append(checks, TagKey(tag))
	}
	if len(tags) > 0 {
		checks = append(checks, KeyTagsKey(key))
	}
	if len(checks) == 0 {
		return nil
	}

	pipe := s.rdb.Pipeline()
	typeCmds := make([]*redis.StatusCmd, len(checks))
	for i, k := range checks {
		typeCmds[i] = pipe.Type(ctx, k)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return err
	}

	var corrupted []string
	for i, cmd := range typeCmds {
		switch cmd.Val() {
		case "set", "none", "":
		default:
			corrupted = append(corrupted, checks[i])
		}
	}
	if len(corrupted) == 0 {
		return nil
	}

	metrics.CacheTypeCorruptions.Add(float64(len(corrupted)))
	s.log.Warn().
		Strs("keys", corrupted).
		Msg("discarding corrupted tag index structures")
	return s.rdb.Del(ctx, corrupted...).Err()
}

// write runs a cache write through the circuit breaker and the bounded
// retry policy. Exhausted attempts surface the last error; fire-and-forget
// call sites swallow it, the source of truth stays authoritative.
func (s *Store) write(ctx context.Context, fn func() error) error {
	_, err := s.breaker.Execute(func() (struct{}, error) {
		attempt := 0
		err := resilience.Do(ctx, s.retry, func() error {
			attempt++
			if attempt > 1 {
				metrics.CacheWriteRetries.Inc()
			}
			return fn()
		})
		return struct{}{}, err
	})
	return err
}

// toMembers converts tag strings to the variadic member type SAdd expects.
func toMembers(tags []string) []interface{} {
	members := make([]interface{}, len(tags))
	for i, t := range tags {
		members[i] = t
	}
	return members
}
