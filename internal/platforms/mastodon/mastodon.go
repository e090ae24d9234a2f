// Package mastodon adapts a Mastodon server's REST API to the platform
// capability surface. Mastodon assigns no conversation-root pointer, so the
// adapter derives one by walking in_reply_to chains, bounded by a depth cap.
package mastodon

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"crosspost/api/internal/platforms"
	"crosspost/api/internal/store"
)

type Adapter struct {
	serverURL string
	token     string
	walkDepth int
	client    *http.Client
}

func New(serverURL, accessToken string, rootWalkDepth int) *Adapter {
	if rootWalkDepth <= 0 {
		rootWalkDepth = 50
	}
	return &Adapter{
		serverURL: strings.TrimRight(serverURL, "/"),
		token:     accessToken,
		walkDepth: rootWalkDepth,
		client:    &http.Client{Timeout: 30 * time.Second},
	}
}

var _ platforms.Adapter = (*Adapter)(nil)

func (a *Adapter) ID() store.PlatformID {
	return store.PlatformMastodon
}

type status struct {
	ID          string `json:"id"`
	InReplyToID string `json:"in_reply_to_id"`
	CreatedAt   string `json:"created_at"`
	Content     string `json:"content"`
	URL         string `json:"url"`
	Account     struct {
		ID   string `json:"id"`
		Acct string `json:"acct"`
	} `json:"account"`
	MediaAttachments []struct {
		URL string `json:"url"`
	} `json:"media_attachments"`
	FavouritesCount int `json:"favourites_count"`
	ReblogsCount    int `json:"reblogs_count"`
	RepliesCount    int `json:"replies_count"`
}

func (a *Adapter) Fetch(ctx context.Context, params platforms.FetchParams) ([]platforms.Fragment, error) {
	values := url.Values{}
	if params.SinceNativeID != "" {
		values.Set("since_id", params.SinceNativeID)
	}
	if params.UntilNativeID != "" {
		values.Set("max_id", params.UntilNativeID)
	}
	if params.Limit > 0 {
		values.Set("limit", strconv.Itoa(params.Limit))
	}

	var raw []json.RawMessage
	path := "/api/v1/accounts/" + url.PathEscape(params.AccountID) + "/statuses"
	if encoded := values.Encode(); encoded != "" {
		path += "?" + encoded
	}
	if err := a.do(ctx, http.MethodGet, path, nil, &raw); err != nil {
		return nil, fmt.Errorf("mastodon fetch: %w", err)
	}
	return a.toFragments(ctx, raw)
}

func (a *Adapter) Get(ctx context.Context, nativeIDs []string) ([]platforms.Fragment, error) {
	raw := make([]json.RawMessage, 0, len(nativeIDs))
	for _, id := range nativeIDs {
		var message json.RawMessage
		if err := a.do(ctx, http.MethodGet, "/api/v1/statuses/"+url.PathEscape(id), nil, &message); err != nil {
			return nil, fmt.Errorf("mastodon get %s: %w", id, err)
		}
		raw = append(raw, message)
	}
	return a.toFragments(ctx, raw)
}

func (a *Adapter) Publish(ctx context.Context, draft platforms.Draft) (platforms.Fragment, error) {
	fragment := make(platforms.Fragment, 0, len(draft.Posts))
	previousID := ""
	for _, post := range draft.Posts {
		body := map[string]any{"status": post.Content}
		if previousID != "" {
			body["in_reply_to_id"] = previousID
		}
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("mastodon publish: encode body: %w", err)
		}

		var message json.RawMessage
		if err := a.do(ctx, http.MethodPost, "/api/v1/statuses", bytes.NewReader(encoded), &message); err != nil {
			return nil, fmt.Errorf("mastodon publish: %w", err)
		}
		native, err := toEnvelope(message)
		if err != nil {
			return nil, fmt.Errorf("mastodon publish: %w", err)
		}
		fragment = append(fragment, native)
		previousID = native.NativeID
	}
	return fragment, nil
}

// ToGeneric strips the server's HTML rendering down to plain text and
// resolves the author-facing status URL.
func (a *Adapter) ToGeneric(post store.PlatformPost) ([]store.GenericPost, error) {
	generic := make([]store.GenericPost, 0, len(post.Thread))
	for _, native := range post.Thread {
		item := store.GenericPost{
			Content:      native.Content,
			AuthorID:     native.AuthorID,
			AuthorHandle: native.AuthorHandle,
			URL:          a.statusURL(native.AuthorHandle, native.NativeID),
		}
		if len(native.Payload) > 0 {
			var st status
			if err := json.Unmarshal(native.Payload, &st); err != nil {
				return nil, fmt.Errorf("decode status payload %s: %w", native.NativeID, err)
			}
			item.Content = HTMLToText(st.Content)
			if st.URL != "" {
				item.URL = st.URL
			}
		}
		generic = append(generic, item)
	}
	return generic, nil
}

func (a *Adapter) statusURL(handle, id string) string {
	if handle == "" {
		return a.serverURL + "/statuses/" + id
	}
	return a.serverURL + "/@" + handle + "/" + id
}

var (
	breakPattern = regexp.MustCompile(`(?i)<br\s*/?>|</p>`)
	tagPattern   = regexp.MustCompile(`<[^>]*>`)
)

// HTMLToText converts a status's HTML body to the plain text used by the
// canonical thread.
func HTMLToText(content string) string {
	text := breakPattern.ReplaceAllString(content, "\n")
	text = tagPattern.ReplaceAllString(text, "")
	return strings.TrimSpace(html.UnescapeString(text))
}

// toFragments groups a page of statuses into per-conversation fragments and
// stamps every envelope with the derived conversation root. Ancestors missing
// from the page are resolved over the API until the chain ends or the depth
// cap is hit.
func (a *Adapter) toFragments(ctx context.Context, raw []json.RawMessage) ([]platforms.Fragment, error) {
	statuses := make(map[string]status, len(raw))
	envelopes := make([]store.NativePost, 0, len(raw))
	for _, message := range raw {
		native, st, err := toEnvelopeStatus(message)
		if err != nil {
			return nil, err
		}
		statuses[st.ID] = st
		envelopes = append(envelopes, native)
	}

	for i := range envelopes {
		root, err := a.deriveRoot(ctx, statuses, envelopes[i].NativeID)
		if err != nil {
			return nil, err
		}
		envelopes[i].RootNativeID = root
	}
	return platforms.GroupByRoot(envelopes), nil
}

func (a *Adapter) deriveRoot(ctx context.Context, page map[string]status, id string) (string, error) {
	current, ok := page[id]
	if !ok {
		return "", fmt.Errorf("derive root: status %s not in page", id)
	}
	visited := map[string]bool{current.ID: true}
	for depth := 0; depth < a.walkDepth; depth++ {
		if current.InReplyToID == "" {
			return current.ID, nil
		}
		if visited[current.InReplyToID] {
			return "", fmt.Errorf("derive root: reply cycle at %s", current.InReplyToID)
		}
		parent, ok := page[current.InReplyToID]
		if !ok {
			fetched, err := a.lookupStatus(ctx, current.InReplyToID)
			if err != nil {
				// The ancestor is gone or inaccessible; the closest
				// reachable id stands in as the root candidate.
				return current.InReplyToID, nil
			}
			page[fetched.ID] = fetched
			parent = fetched
		}
		visited[parent.ID] = true
		current = parent
	}
	return current.ID, nil
}

func (a *Adapter) lookupStatus(ctx context.Context, id string) (status, error) {
	var message json.RawMessage
	if err := a.do(ctx, http.MethodGet, "/api/v1/statuses/"+url.PathEscape(id), nil, &message); err != nil {
		return status{}, err
	}
	var st status
	if err := json.Unmarshal(message, &st); err != nil {
		return status{}, fmt.Errorf("decode status: %w", err)
	}
	return st, nil
}

func toEnvelope(raw json.RawMessage) (store.NativePost, error) {
	native, _, err := toEnvelopeStatus(raw)
	return native, err
}

func toEnvelopeStatus(raw json.RawMessage) (store.NativePost, status, error) {
	var st status
	if err := json.Unmarshal(raw, &st); err != nil {
		return store.NativePost{}, status{}, fmt.Errorf("decode status: %w", err)
	}
	if st.ID == "" {
		return store.NativePost{}, status{}, fmt.Errorf("status without id")
	}

	createdAtMs := int64(0)
	if st.CreatedAt != "" {
		if parsed, err := time.Parse(time.RFC3339, st.CreatedAt); err == nil {
			createdAtMs = parsed.UnixMilli()
		}
	}
	media := make([]string, 0, len(st.MediaAttachments))
	for _, attachment := range st.MediaAttachments {
		if attachment.URL != "" {
			media = append(media, attachment.URL)
		}
	}

	return store.NativePost{
		NativeID:       st.ID,
		ParentNativeID: st.InReplyToID,
		AuthorID:       st.Account.ID,
		AuthorHandle:   st.Account.Acct,
		CreatedAtMs:    createdAtMs,
		Content:        HTMLToText(st.Content),
		MediaURLs:      media,
		Payload:        raw,
		Metrics: store.Metrics{
			Likes:   st.FavouritesCount,
			Reposts: st.ReblogsCount,
			Replies: st.RepliesCount,
		},
	}, st, nil
}

func (a *Adapter) do(ctx context.Context, method, path string, body io.Reader, out any) error {
	if body == nil {
		body = http.NoBody
	}
	req, err := http.NewRequestWithContext(ctx, method, a.serverURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("request %s: unexpected status %d", path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
