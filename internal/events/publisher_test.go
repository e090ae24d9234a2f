package events

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"crosspost/api/internal/store"
)

func newTestPublisher(t *testing.T) (*Publisher, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewPublisherWithClient(client, "crosspost:events"), client
}

func TestPublishAppendsToStream(t *testing.T) {
	publisher, client := newTestPublisher(t)
	ctx := context.Background()

	event := store.StatusEvent{
		ID:        42,
		AppPostID: "post_abc",
		EventType: store.EventPostCreated,
		Payload:   map[string]any{"platform": "twitter"},
	}
	if err := publisher.Publish(ctx, event); err != nil {
		t.Fatalf("publish: %v", err)
	}

	entries, err := client.XRange(ctx, "crosspost:events", "-", "+").Result()
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 stream entry, got %d", len(entries))
	}
	values := entries[0].Values
	if values["appPostId"] != "post_abc" {
		t.Fatalf("unexpected appPostId: %v", values["appPostId"])
	}
	if values["type"] != store.EventPostCreated {
		t.Fatalf("unexpected type: %v", values["type"])
	}
	if values["id"] != "42" {
		t.Fatalf("unexpected id: %v", values["id"])
	}
}

func TestPublishPreservesOrder(t *testing.T) {
	publisher, client := newTestPublisher(t)
	ctx := context.Background()

	for i, eventType := range []string{store.EventPostCreated, store.EventPostMerged, store.EventPostApproved} {
		event := store.StatusEvent{ID: int64(i + 1), AppPostID: "post_abc", EventType: eventType}
		if err := publisher.Publish(ctx, event); err != nil {
			t.Fatalf("publish %s: %v", eventType, err)
		}
	}

	entries, err := client.XRange(ctx, "crosspost:events", "-", "+").Result()
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	want := []string{store.EventPostCreated, store.EventPostMerged, store.EventPostApproved}
	for i, entry := range entries {
		if entry.Values["type"] != want[i] {
			t.Fatalf("entry %d: expected %s, got %v", i, want[i], entry.Values["type"])
		}
	}
}
