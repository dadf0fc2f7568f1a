// Driftline - Feed Caching, Fan-out, and Trend Scoring
// Copyright 2026 Driftline Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/driftline/driftline

// Package realtime carries best-effort broadcast events to connected
// clients over NATS. Delivery is fire and forget: no persistence, no
// replay, and a failed publish never surfaces to the caller.
package realtime

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/driftline/driftline/internal/config"
	"github.com/driftline/driftline/internal/logging"
	"github.com/driftline/driftline/internal/metrics"
	"github.com/driftline/driftline/internal/models"
)

// Publisher publishes broadcast events on subjects of the form
// {prefix}.{type}, e.g. driftline.events.new_post. Subscribers filter by
// subject; the payload is the JSON-encoded event.
type Publisher struct {
	nc     *nats.Conn
	prefix string
	log    zerolog.Logger
}

// NewPublisher connects to the NATS server named by cfg.URL.
func NewPublisher(cfg config.RealtimeConfig) (*Publisher, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(10),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return NewPublisherConn(nc, cfg.SubjectPrefix), nil
}

// NewPublisherConn wraps an existing connection. The caller keeps
// ownership of the connection unless Close is used.
func NewPublisherConn(nc *nats.Conn, prefix string) *Publisher {
	if prefix == "" {
		prefix = "driftline.events"
	}
	return &Publisher{
		nc:     nc,
		prefix: prefix,
		log:    logging.With().Str("component", "realtime").Logger(),
	}
}

// Broadcast publishes one event. A zero SentAt is stamped now. Failures
// are counted and logged, never returned.
func (p *Publisher) Broadcast(_ context.Context, event models.BroadcastEvent) {
	if event.SentAt.IsZero() {
		event.SentAt = time.Now()
	}

	payload, err := json.Marshal(event)
	if err != nil {
		metrics.BroadcastEvents.WithLabelValues(string(event.Type), "error").Inc()
		p.log.Error().Err(err).Str("type", string(event.Type)).Msg("marshal broadcast event")
		return
	}

	subject := p.prefix + "." + string(event.Type)
	if err := p.nc.Publish(subject, payload); err != nil {
		metrics.BroadcastEvents.WithLabelValues(string(event.Type), "error").Inc()
		p.log.Warn().Err(err).Str("subject", subject).Msg("broadcast publish failed")
		return
	}
	metrics.BroadcastEvents.WithLabelValues(string(event.Type), "ok").Inc()
}

// Close flushes buffered publishes and drops the connection.
func (p *Publisher) Close() {
	if err := p.nc.Flush(); err != nil {
		p.log.Warn().Err(err).Msg("flush on close failed")
	}
	p.nc.Close()
}
