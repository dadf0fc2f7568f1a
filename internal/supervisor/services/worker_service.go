// Driftline - Feed Caching, Fan-out, and Trend Scoring
// Copyright 2026 Driftline Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/driftline/driftline

// Package services wraps Driftline's long-running components as supervised
// suture services. Wrappers depend on small local interfaces instead of
// the concrete packages, keeping the supervision layer import-light.
package services

import (
	"context"
)

// TrendWorker matches trending.Worker's Serve method: the stream read
// loop plus its flush, reclaim, and refresh timers, returning when the
// context is cancelled.
type TrendWorker interface {
	Serve(ctx context.Context) error
}

// WorkerService supervises the trend-scoring worker. A crash mid-flush is
// safe to restart: acknowledged-but-unflushed posts are re-covered by the
// periodic full refresh.
type WorkerService struct {
	worker TrendWorker
	name   string
}

// NewWorkerService wraps a trend worker as a supervised service.
func NewWorkerService(worker TrendWorker) *WorkerService {
	return &WorkerService{worker: worker, name: "trend-worker"}
}

// Serve implements suture.Service.
func (s *WorkerService) Serve(ctx context.Context) error {
	return s.worker.Serve(ctx)
}

// String implements fmt.Stringer for supervisor logging.
func (s *WorkerService) String() string {
	return s.name
}
