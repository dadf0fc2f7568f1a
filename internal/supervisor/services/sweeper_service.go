// Driftline - Feed Caching, Fan-out, and Trend Scoring
// Copyright 2026 Driftline Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/driftline/driftline

package services

import (
	"context"
)

// TagSweeper matches cache.Store's RunSweeper method: the periodic
// reclamation of empty tag index sets, returning when the context is
// cancelled.
type TagSweeper interface {
	RunSweeper(ctx context.Context) error
}

// SweeperService supervises the tag-index sweeper.
type SweeperService struct {
	sweeper TagSweeper
	name    string
}

// NewSweeperService wraps a cache store's sweeper as a supervised service.
func NewSweeperService(sweeper TagSweeper) *SweeperService {
	return &SweeperService{sweeper: sweeper, name: "tag-sweeper"}
}

// Serve implements suture.Service.
func (s *SweeperService) Serve(ctx context.Context) error {
	return s.sweeper.RunSweeper(ctx)
}

// String implements fmt.Stringer for supervisor logging.
func (s *SweeperService) String() string {
	return s.name
}
