// Driftline - Feed Caching, Fan-out, and Trend Scoring
// Copyright 2026 Driftline Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/driftline/driftline

package realtime

import (
	"context"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"

	"github.com/driftline/driftline/internal/config"
	"github.com/driftline/driftline/internal/models"
)

func testRealtimeConfig(srv *EmbeddedServer) config.RealtimeConfig {
	return config.RealtimeConfig{
		Enabled:       true,
		URL:           srv.ClientURL(),
		SubjectPrefix: "driftline.events",
	}
}

func startServer(t *testing.T) *EmbeddedServer {
	t.Helper()
	srv, err := NewEmbeddedServer(EmbeddedServerConfig{})
	if err != nil {
		t.Fatalf("start embedded server: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return srv
}

func TestBroadcastRoundTrip(t *testing.T) {
	srv := startServer(t)

	nc, err := nats.Connect(srv.ClientURL())
	if err != nil {
		t.Fatalf("connect subscriber: %v", err)
	}
	t.Cleanup(nc.Close)

	sub, err := nc.SubscribeSync("driftline.events.new_post")
	if err != nil {
		t.Fatal(err)
	}
	_ = nc.Flush()

	pub, err := NewPublisher(testRealtimeConfig(srv))
	if err != nil {
		t.Fatalf("create publisher: %v", err)
	}
	t.Cleanup(pub.Close)

	pub.Broadcast(context.Background(), models.BroadcastEvent{
		Type:   models.BroadcastNewPost,
		PostID: "p1",
		UserID: "u1",
	})

	msg, err := sub.NextMsg(5 * time.Second)
	if err != nil {
		t.Fatalf("no broadcast received: %v", err)
	}
	var event models.BroadcastEvent
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		t.Fatalf("unmarshal broadcast: %v", err)
	}
	if event.Type != models.BroadcastNewPost || event.PostID != "p1" {
		t.Errorf("event = %+v", event)
	}
	if event.SentAt.IsZero() {
		t.Error("SentAt not stamped")
	}
}

func TestBroadcastSubjectPerType(t *testing.T) {
	srv := startServer(t)

	nc, err := nats.Connect(srv.ClientURL())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(nc.Close)

	sub, err := nc.SubscribeSync("driftline.events.like_update")
	if err != nil {
		t.Fatal(err)
	}
	_ = nc.Flush()

	pub, err := NewPublisher(testRealtimeConfig(srv))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(pub.Close)

	// A new_post event must not land on the like_update subject.
	pub.Broadcast(context.Background(), models.BroadcastEvent{Type: models.BroadcastNewPost, PostID: "p1"})
	pub.Broadcast(context.Background(), models.BroadcastEvent{Type: models.BroadcastLikeUpdate, PostID: "p2"})

	msg, err := sub.NextMsg(5 * time.Second)
	if err != nil {
		t.Fatalf("no like_update received: %v", err)
	}
	var event models.BroadcastEvent
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		t.Fatal(err)
	}
	if event.PostID != "p2" {
		t.Errorf("got %+v on like_update subject", event)
	}
}
