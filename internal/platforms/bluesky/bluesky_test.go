package bluesky

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"crosspost/api/internal/platforms"
	"crosspost/api/internal/store"
)

func TestPostURL(t *testing.T) {
	uri := "at://did:plc:abc123/app.bsky.feed.post/3k44deadbeef"
	if got := PostURL("alice.bsky.social", uri); got != "https://bsky.app/profile/alice.bsky.social/post/3k44deadbeef" {
		t.Fatalf("unexpected url: %s", got)
	}
	// No handle known: fall back to the DID from the AT-URI.
	if got := PostURL("", uri); got != "https://bsky.app/profile/did:plc:abc123/post/3k44deadbeef" {
		t.Fatalf("unexpected did fallback url: %s", got)
	}
}

func TestFetchStopsAtCursorAndKeepsRootPointers(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"feed": [
			{"post": {"uri": "at://did:plc:u1/app.bsky.feed.post/c", "author": {"did": "did:plc:u1", "handle": "alice.test"},
				"record": {"text": "newest", "createdAt": "2026-05-01T10:02:00Z",
					"reply": {"root": {"uri": "at://did:plc:u1/app.bsky.feed.post/a"}, "parent": {"uri": "at://did:plc:u1/app.bsky.feed.post/b"}}}}},
			{"post": {"uri": "at://did:plc:u1/app.bsky.feed.post/b", "author": {"did": "did:plc:u1", "handle": "alice.test"},
				"record": {"text": "middle", "createdAt": "2026-05-01T10:01:00Z",
					"reply": {"root": {"uri": "at://did:plc:u1/app.bsky.feed.post/a"}, "parent": {"uri": "at://did:plc:u1/app.bsky.feed.post/a"}}}}},
			{"post": {"uri": "at://did:plc:u1/app.bsky.feed.post/a", "author": {"did": "did:plc:u1", "handle": "alice.test"},
				"record": {"text": "seen before", "createdAt": "2026-05-01T10:00:00Z"}}}
		]}`)
	}))
	defer server.Close()

	adapter := NewWithServiceURL("token", server.URL)
	fragments, err := adapter.Fetch(context.Background(), platforms.FetchParams{
		AccountID:     "did:plc:u1",
		SinceNativeID: "at://did:plc:u1/app.bsky.feed.post/a",
	})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(fragments) != 1 {
		t.Fatalf("expected 1 fragment, got %d", len(fragments))
	}
	// The cursor marker itself is excluded from the page.
	if len(fragments[0]) != 2 {
		t.Fatalf("expected 2 posts before the cursor, got %d", len(fragments[0]))
	}
	for _, native := range fragments[0] {
		if native.RootNativeID != "at://did:plc:u1/app.bsky.feed.post/a" {
			t.Fatalf("unexpected root pointer: %s", native.RootNativeID)
		}
	}
}

func TestToGenericBuildsQuotedThreadFromEmbed(t *testing.T) {
	payload := `{
		"uri": "at://did:plc:u1/app.bsky.feed.post/p1",
		"author": {"did": "did:plc:u1", "handle": "alice.test"},
		"record": {"text": "quoting this"},
		"embed": {"record": {"uri": "at://did:plc:u2/app.bsky.feed.post/q1",
			"author": {"did": "did:plc:u2", "handle": "bob.test"},
			"value": {"text": "the original"}}}
	}`
	adapter := New("token")

	generic, err := adapter.ToGeneric(store.PlatformPost{
		Thread: []store.NativePost{{
			NativeID:     "at://did:plc:u1/app.bsky.feed.post/p1",
			AuthorHandle: "alice.test",
			Payload:      json.RawMessage(payload),
		}},
	})
	if err != nil {
		t.Fatalf("to generic: %v", err)
	}
	if generic[0].Content != "quoting this" {
		t.Fatalf("content = %q", generic[0].Content)
	}
	if len(generic[0].QuotedThread) != 1 {
		t.Fatalf("expected quoted thread, got %+v", generic[0])
	}
	quoted := generic[0].QuotedThread[0]
	if quoted.Content != "the original" || quoted.URL != "https://bsky.app/profile/bob.test/post/q1" {
		t.Fatalf("unexpected quoted entry: %+v", quoted)
	}
}

func TestPublishThreadsReplyRefs(t *testing.T) {
	var records []map[string]any
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/xrpc/com.atproto.repo.createRecord" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		var body struct {
			Record map[string]any `json:"record"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		records = append(records, body.Record)
		calls++
		uri := "at://did:plc:u1/app.bsky.feed.post/r1"
		if calls > 1 {
			uri = "at://did:plc:u1/app.bsky.feed.post/r2"
		}
		io.WriteString(w, `{"uri": "`+uri+`", "cid": "cid`+string(rune('0'+calls))+`"}`)
	}))
	defer server.Close()

	adapter := NewWithServiceURL("token", server.URL)
	fragment, err := adapter.Publish(context.Background(), platforms.Draft{
		AuthorID: "did:plc:u1",
		Posts:    []store.GenericPost{{Content: "first"}, {Content: "second"}},
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(fragment) != 2 {
		t.Fatalf("expected 2 posts, got %d", len(fragment))
	}
	if _, hasReply := records[0]["reply"]; hasReply {
		t.Fatal("first record must not carry reply refs")
	}
	reply, ok := records[1]["reply"].(map[string]any)
	if !ok {
		t.Fatalf("second record missing reply refs: %v", records[1])
	}
	root := reply["root"].(map[string]any)
	if root["uri"] != "at://did:plc:u1/app.bsky.feed.post/r1" {
		t.Fatalf("reply root must be the first published post, got %v", root)
	}
	if fragment[1].RootNativeID != "at://did:plc:u1/app.bsky.feed.post/r1" {
		t.Fatalf("fragment root pointer = %s", fragment[1].RootNativeID)
	}
}
