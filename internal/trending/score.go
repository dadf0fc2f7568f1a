// Driftline - Feed Caching, Fan-out, and Trend Scoring
// Copyright 2026 Driftline Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/driftline/driftline

package trending

import (
	"math"
	"time"
)

// Scoring weights. Recency decays continuously rather than stepwise; the
// log terms keep runaway posts from permanently dominating the board.
const (
	weightRecency    = 0.4
	weightPopularity = 0.5
	weightComments   = 0.1
)

// Score computes the trending score for a post from its live counters.
// The computation is idempotent and replayable: rescoring the same state
// always yields the same value.
func Score(likes, comments int64, createdAt, now time.Time) float64 {
	ageDays := now.Sub(createdAt).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}
	return weightRecency*(1/(1+ageDays)) +
		weightPopularity*math.Log(float64(likes)+1) +
		weightComments*math.Log(float64(comments)+1)
}
