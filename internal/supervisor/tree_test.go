// Driftline - Feed Caching, Fan-out, and Trend Scoring
// Copyright 2026 Driftline Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/driftline/driftline

package supervisor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

// countingService runs until cancelled, counting its starts, optionally
// failing its first few serves.
type countingService struct {
	starts   atomic.Int64
	failures int64
	started  chan struct{}
}

func newCountingService(failures int64) *countingService {
	return &countingService{failures: failures, started: make(chan struct{}, 16)}
}

func (c *countingService) Serve(ctx context.Context) error {
	n := c.starts.Add(1)
	select {
	case c.started <- struct{}{}:
	default:
	}
	if n <= c.failures {
		return errors.New("transient failure")
	}
	<-ctx.Done()
	return ctx.Err()
}

func (c *countingService) String() string { return "counting-service" }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitStarted(t *testing.T, svc *countingService) {
	t.Helper()
	select {
	case <-svc.started:
	case <-time.After(5 * time.Second):
		t.Fatal("service never started")
	}
}

func TestTreeServesAndStops(t *testing.T) {
	tree := NewTree(testLogger(), DefaultTreeConfig())
	svc := newCountingService(0)
	tree.AddPipelineService(svc)

	ctx, cancel := context.WithCancel(context.Background())
	done := tree.ServeBackground(ctx)

	waitStarted(t, svc)
	cancel()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("supervisor stopped with %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not stop after cancel")
	}
}

func TestTreeRestartsCrashedService(t *testing.T) {
	cfg := DefaultTreeConfig()
	cfg.FailureBackoff = 10 * time.Millisecond
	tree := NewTree(testLogger(), cfg)

	svc := newCountingService(2)
	tree.AddCacheService(svc)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := tree.ServeBackground(ctx)

	// The service fails twice; the supervisor must bring it back until it
	// stays up.
	deadline := time.After(5 * time.Second)
	for svc.starts.Load() < 3 {
		select {
		case <-deadline:
			t.Fatalf("service restarted %d times, want 3 starts", svc.starts.Load())
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	<-done
}

func TestTreeLayersIsolateFailures(t *testing.T) {
	cfg := DefaultTreeConfig()
	cfg.FailureBackoff = 10 * time.Millisecond
	tree := NewTree(testLogger(), cfg)

	crashing := newCountingService(3)
	healthy := newCountingService(0)
	tree.AddPipelineService(crashing)
	tree.AddCacheService(healthy)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := tree.ServeBackground(ctx)

	waitStarted(t, healthy)
	deadline := time.After(5 * time.Second)
	for crashing.starts.Load() < 4 {
		select {
		case <-deadline:
			t.Fatalf("crashing service started %d times, want 4", crashing.starts.Load())
		case <-time.After(10 * time.Millisecond):
		}
	}

	// The healthy service in the other layer never restarted.
	if n := healthy.starts.Load(); n != 1 {
		t.Errorf("healthy service started %d times, want 1", n)
	}

	cancel()
	<-done
}
