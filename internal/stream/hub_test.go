package stream

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/ksred/tradegate/internal/audit"
)

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func newTestClient(hub *Hub, buffer int) *Client {
	return &Client{hub: hub, send: make(chan []byte, buffer)}
}

func TestHubBroadcastsAuditEvents(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	client := newTestClient(hub, 4)
	hub.register <- client
	waitFor(t, func() bool { return hub.ClientCount() == 1 }, "client never registered")

	hub.PublishEvent(audit.Event{
		Type:    audit.EventOrderConfirmed,
		OrderID: "ORD_1",
		Venue:   "primary",
	})

	select {
	case raw := <-client.send:
		var msg EventMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			t.Fatalf("failed to decode broadcast: %v", err)
		}
		if msg.Type != "audit_event" {
			t.Errorf("message type = %q, want audit_event", msg.Type)
		}
		if msg.Data.OrderID != "ORD_1" || msg.Data.Type != audit.EventOrderConfirmed {
			t.Errorf("event = %+v, want ORD_1 confirmation", msg.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("no broadcast received")
	}
}

func TestHubDropsSlowClients(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	fast := newTestClient(hub, 4)
	slow := newTestClient(hub, 0) // nobody draining, queue always full
	hub.register <- fast
	hub.register <- slow
	waitFor(t, func() bool { return hub.ClientCount() == 2 }, "clients never registered")

	hub.PublishEvent(audit.Event{Type: audit.EventAuthFailure})

	waitFor(t, func() bool { return hub.ClientCount() == 1 }, "slow client never dropped")
	select {
	case <-fast.send:
	case <-time.After(time.Second):
		t.Fatal("fast client did not receive the broadcast")
	}

	// The dropped client's channel is closed.
	select {
	case _, ok := <-slow.send:
		if ok {
			t.Error("slow client received a message instead of being dropped")
		}
	case <-time.After(time.Second):
		t.Fatal("slow client channel never closed")
	}
}

func TestHubUnregister(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	client := newTestClient(hub, 1)
	hub.register <- client
	waitFor(t, func() bool { return hub.ClientCount() == 1 }, "client never registered")

	hub.unregister <- client
	waitFor(t, func() bool { return hub.ClientCount() == 0 }, "client never unregistered")

	if _, ok := <-client.send; ok {
		t.Error("send channel still open after unregister")
	}
}

func TestHubShutdownClosesClients(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	client := newTestClient(hub, 1)
	hub.register <- client
	waitFor(t, func() bool { return hub.ClientCount() == 1 }, "client never registered")

	cancel()
	select {
	case _, ok := <-client.send:
		if ok {
			t.Error("received a message during shutdown, want closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("send channel never closed on shutdown")
	}
}
