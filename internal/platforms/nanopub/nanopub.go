// Package nanopub adapts the nanopublication service, the publication target
// of the mirror graph. The service handles RDF construction and signing;
// this adapter only submits drafts and records the resulting content-addressed
// identifier. Nothing is ever fetched back from it.
package nanopub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"crosspost/api/internal/platforms"
	"crosspost/api/internal/store"
)

type Adapter struct {
	baseURL string
	client  *http.Client
}

func New(baseURL string) *Adapter {
	return &Adapter{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 60 * time.Second},
	}
}

var _ platforms.Adapter = (*Adapter)(nil)

func (a *Adapter) ID() store.PlatformID {
	return store.PlatformNanopub
}

func (a *Adapter) Fetch(ctx context.Context, params platforms.FetchParams) ([]platforms.Fragment, error) {
	return nil, fmt.Errorf("nanopub fetch: %w", platforms.ErrUnsupported)
}

func (a *Adapter) Get(ctx context.Context, nativeIDs []string) ([]platforms.Fragment, error) {
	return nil, fmt.Errorf("nanopub get: %w", platforms.ErrUnsupported)
}

func (a *Adapter) Publish(ctx context.Context, draft platforms.Draft) (platforms.Fragment, error) {
	parts := make([]map[string]any, 0, len(draft.Posts))
	for _, post := range draft.Posts {
		parts = append(parts, map[string]any{
			"content": post.Content,
			"url":     post.URL,
		})
	}
	body, err := json.Marshal(map[string]any{
		"author": draft.AuthorID,
		"posts":  parts,
	})
	if err != nil {
		return nil, fmt.Errorf("nanopub publish: encode draft: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/api/publish", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("nanopub publish: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("nanopub publish: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("nanopub publish: unexpected status %d", resp.StatusCode)
	}

	var response struct {
		URI           string `json:"uri"`
		PublishedAtMs int64  `json:"publishedAtMs"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("nanopub publish: decode response: %w", err)
	}
	if response.URI == "" {
		return nil, fmt.Errorf("nanopub publish: response without uri")
	}

	content := ""
	if len(draft.Posts) > 0 {
		content = draft.Posts[0].Content
	}
	publishedAt := response.PublishedAtMs
	if publishedAt == 0 {
		publishedAt = time.Now().UnixMilli()
	}

	return platforms.Fragment{{
		NativeID:     response.URI,
		RootNativeID: response.URI,
		AuthorID:     draft.AuthorID,
		CreatedAtMs:  publishedAt,
		Content:      content,
	}}, nil
}

// ToGeneric for a nanopub mirror simply echoes the stored envelopes; the
// canonical thread of a published post belongs to its origin mirror.
func (a *Adapter) ToGeneric(post store.PlatformPost) ([]store.GenericPost, error) {
	generic := make([]store.GenericPost, 0, len(post.Thread))
	for _, native := range post.Thread {
		generic = append(generic, store.GenericPost{
			Content:  native.Content,
			URL:      native.NativeID,
			AuthorID: native.AuthorID,
		})
	}
	return generic, nil
}
