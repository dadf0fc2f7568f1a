// Driftline - Feed Caching, Fan-out, and Trend Scoring
// Copyright 2026 Driftline Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/driftline/driftline

// Package trending implements the trend-scoring pipeline: interaction
// events pushed onto a durable stream, a consumer-group worker that
// coalesces and rescores them, and the resulting global leaderboard.
package trending

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/driftline/driftline/internal/logging"
	"github.com/driftline/driftline/internal/models"
)

// Stream field names for interaction events. The worker parses exactly
// these; anything else on a message is ignored.
const (
	fieldEventID    = "event_id"
	fieldType       = "type"
	fieldPostID     = "post_id"
	fieldUserID     = "user_id"
	fieldOccurredAt = "occurred_at"
)

// Publisher appends interaction events to a stream for the worker group.
// Interaction handlers call Push on every like/comment/view/share.
type Publisher struct {
	rdb redis.UniversalClient
	log zerolog.Logger
}

// NewPublisher creates a stream publisher over the shared client.
func NewPublisher(rdb redis.UniversalClient) *Publisher {
	return &Publisher{
		rdb: rdb,
		log: logging.With().Str("component", "trend_publisher").Logger(),
	}
}

// Push appends one event to the named stream and returns the assigned
// message id. A zero EventID gets a generated one; a zero OccurredAt is
// stamped now.
func (p *Publisher) Push(ctx context.Context, stream string, event models.InteractionEvent) (string, error) {
	if err := event.Validate(); err != nil {
		return "", err
	}
	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now()
	}

	id, err := p.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{
			fieldEventID:    event.EventID,
			fieldType:       string(event.Type),
			fieldPostID:     event.PostID,
			fieldUserID:     event.UserID,
			fieldOccurredAt: event.OccurredAt.Format(time.RFC3339Nano),
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("push to stream %s: %w", stream, err)
	}
	return id, nil
}
