// Driftline - Feed Caching, Fan-out, and Trend Scoring
// Copyright 2026 Driftline Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/driftline/driftline

package services

import (
	"context"
	"errors"
	"testing"
)

type stubRunner struct {
	called bool
	err    error
}

func (s *stubRunner) Serve(ctx context.Context) error      { s.called = true; return s.err }
func (s *stubRunner) RunSweeper(ctx context.Context) error { s.called = true; return s.err }

func TestWorkerServiceDelegates(t *testing.T) {
	want := errors.New("boom")
	stub := &stubRunner{err: want}
	svc := NewWorkerService(stub)

	if err := svc.Serve(context.Background()); !errors.Is(err, want) {
		t.Errorf("Serve returned %v, want %v", err, want)
	}
	if !stub.called {
		t.Error("worker never invoked")
	}
	if svc.String() != "trend-worker" {
		t.Errorf("String() = %q", svc.String())
	}
}

func TestSweeperServiceDelegates(t *testing.T) {
	stub := &stubRunner{}
	svc := NewSweeperService(stub)

	if err := svc.Serve(context.Background()); err != nil {
		t.Errorf("Serve returned %v", err)
	}
	if !stub.called {
		t.Error("sweeper never invoked")
	}
	if svc.String() != "tag-sweeper" {
		t.Errorf("String() = %q", svc.String())
	}
}
