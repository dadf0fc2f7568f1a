// Driftline - Feed Caching, Fan-out, and Trend Scoring
// Copyright 2026 Driftline Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/driftline/driftline

// Package main is the entry point for the Driftline trend-scoring worker.
//
// The worker consumes the interaction event stream through a named
// consumer group, coalesces dirty post ids, and periodically rewrites the
// trending leaderboard and per-post metadata cache. It also runs the
// tag-index sweeper for the shared tagged cache, and can host an embedded
// NATS server for the realtime broadcast channel in single-binary
// deployments.
//
// Components start under a suture supervision tree:
//
//  1. Configuration: koanf v2 layered loading (defaults, YAML, env)
//  2. Redis: shared client for cache, feeds, leaderboard, and stream
//  3. Realtime (optional): embedded NATS server
//  4. Supervisor tree: tag sweeper and the trend worker
//  5. Metrics: Prometheus endpoint on worker.metrics_addr
//
// Configuration uses DRIFTLINE_-prefixed environment variables, e.g.:
//
//	export DRIFTLINE_REDIS_ADDR=redis:6379
//	export DRIFTLINE_WORKER_STREAM=stream:interactions
//	export DRIFTLINE_WORKER_GROUP=trending_group
//	./trendworker
//
// Shutdown on SIGINT/SIGTERM flushes coalesced pending state before exit.
package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/driftline/driftline/internal/cache"
	"github.com/driftline/driftline/internal/config"
	"github.com/driftline/driftline/internal/logging"
	"github.com/driftline/driftline/internal/realtime"
	"github.com/driftline/driftline/internal/repository"
	"github.com/driftline/driftline/internal/supervisor"
	"github.com/driftline/driftline/internal/supervisor/services"
	"github.com/driftline/driftline/internal/trending"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Str("redis_addr", cfg.Redis.Addr).
		Str("stream", cfg.Worker.Stream).
		Str("group", cfg.Worker.Group).
		Msg("Starting Driftline trend worker")

	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
		PoolSize:     cfg.Redis.PoolSize,
	})
	defer func() {
		if err := rdb.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing Redis client")
		}
	}()

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		logging.Warn().Err(err).Msg("Redis not reachable yet (will retry through normal operation)")
	}
	pingCancel()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Optional in-process NATS server for the broadcast channel, so a
	// single-binary deployment needs no external message broker.
	if cfg.Realtime.Enabled && cfg.Realtime.EmbeddedServer {
		srv, err := realtime.NewEmbeddedServer(realtime.EmbeddedServerConfig{})
		if err != nil {
			logging.Fatal().Err(err).Msg("Failed to start embedded NATS server")
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logging.Error().Err(err).Msg("Error shutting down embedded NATS server")
			}
		}()
		logging.Info().Str("client_url", srv.ClientURL()).Msg("Embedded NATS server started")
	}

	store := cache.NewStore(rdb, cfg.Cache)

	// The document store is an external collaborator behind the
	// repository interfaces; deployments wire their own implementation.
	// The in-memory store keeps local runs self-contained.
	repo := repository.NewMemory()

	worker := trending.NewWorker(store, repo, cfg.Worker)

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	tree.AddCacheService(services.NewSweeperService(store))
	tree.AddPipelineService(services.NewWorkerService(worker))

	if cfg.Worker.MetricsAddr != "" {
		startMetricsServer(ctx, cfg.Worker.MetricsAddr)
	}

	if err := tree.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logging.Fatal().Err(err).Msg("Supervisor tree stopped")
	}
	logging.Info().Msg("Driftline trend worker stopped")
}

// startMetricsServer exposes the Prometheus registry on addr and shuts the
// listener down when ctx is cancelled.
func startMetricsServer(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logging.Info().Str("addr", addr).Msg("Metrics endpoint listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error().Err(err).Msg("Metrics server failed")
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logging.Error().Err(err).Msg("Metrics server shutdown failed")
		}
	}()
}
