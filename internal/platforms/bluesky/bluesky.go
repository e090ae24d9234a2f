// Package bluesky adapts the Bluesky AT Protocol API to the platform
// capability surface. Native ids are AT-URIs; the protocol carries an
// explicit conversation root in each reply reference.
package bluesky

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"crosspost/api/internal/platforms"
	"crosspost/api/internal/store"
)

const defaultServiceURL = "https://public.api.bsky.app"

type Adapter struct {
	serviceURL string
	token      string
	client     *http.Client
}

func New(accessToken string) *Adapter {
	return NewWithServiceURL(accessToken, defaultServiceURL)
}

func NewWithServiceURL(accessToken, serviceURL string) *Adapter {
	return &Adapter{
		serviceURL: strings.TrimRight(serviceURL, "/"),
		token:      accessToken,
		client:     &http.Client{Timeout: 30 * time.Second},
	}
}

var _ platforms.Adapter = (*Adapter)(nil)

func (a *Adapter) ID() store.PlatformID {
	return store.PlatformBluesky
}

type postView struct {
	URI    string `json:"uri"`
	CID    string `json:"cid"`
	Author struct {
		DID    string `json:"did"`
		Handle string `json:"handle"`
	} `json:"author"`
	Record struct {
		Text      string `json:"text"`
		CreatedAt string `json:"createdAt"`
		Reply     *struct {
			Root struct {
				URI string `json:"uri"`
			} `json:"root"`
			Parent struct {
				URI string `json:"uri"`
			} `json:"parent"`
		} `json:"reply"`
	} `json:"record"`
	Embed *struct {
		Record *struct {
			URI    string `json:"uri"`
			Author struct {
				DID    string `json:"did"`
				Handle string `json:"handle"`
			} `json:"author"`
			Value struct {
				Text string `json:"text"`
			} `json:"value"`
		} `json:"record"`
		Images []struct {
			Fullsize string `json:"fullsize"`
		} `json:"images"`
	} `json:"embed"`
	LikeCount   int `json:"likeCount"`
	RepostCount int `json:"repostCount"`
	ReplyCount  int `json:"replyCount"`
}

func (a *Adapter) Fetch(ctx context.Context, params platforms.FetchParams) ([]platforms.Fragment, error) {
	values := url.Values{}
	values.Set("actor", params.AccountID)
	if params.Limit > 0 {
		values.Set("limit", strconv.Itoa(params.Limit))
	}
	if params.UntilNativeID != "" {
		values.Set("cursor", params.UntilNativeID)
	}

	var response struct {
		Feed []struct {
			Post json.RawMessage `json:"post"`
		} `json:"feed"`
	}
	if err := a.do(ctx, http.MethodGet, "/xrpc/app.bsky.feed.getAuthorFeed?"+values.Encode(), nil, &response); err != nil {
		return nil, fmt.Errorf("bluesky fetch: %w", err)
	}

	envelopes := make([]store.NativePost, 0, len(response.Feed))
	for _, item := range response.Feed {
		native, err := toEnvelope(item.Post)
		if err != nil {
			return nil, err
		}
		if params.SinceNativeID != "" && native.NativeID == params.SinceNativeID {
			break
		}
		envelopes = append(envelopes, native)
	}
	return platforms.GroupByRoot(envelopes), nil
}

func (a *Adapter) Get(ctx context.Context, nativeIDs []string) ([]platforms.Fragment, error) {
	if len(nativeIDs) == 0 {
		return nil, nil
	}
	values := url.Values{}
	for _, uri := range nativeIDs {
		values.Add("uris", uri)
	}

	var response struct {
		Posts []json.RawMessage `json:"posts"`
	}
	if err := a.do(ctx, http.MethodGet, "/xrpc/app.bsky.feed.getPosts?"+values.Encode(), nil, &response); err != nil {
		return nil, fmt.Errorf("bluesky get: %w", err)
	}

	envelopes := make([]store.NativePost, 0, len(response.Posts))
	for _, raw := range response.Posts {
		native, err := toEnvelope(raw)
		if err != nil {
			return nil, err
		}
		envelopes = append(envelopes, native)
	}
	return platforms.GroupByRoot(envelopes), nil
}

func (a *Adapter) Publish(ctx context.Context, draft platforms.Draft) (platforms.Fragment, error) {
	fragment := make(platforms.Fragment, 0, len(draft.Posts))
	rootURI, previousURI := "", ""
	for _, post := range draft.Posts {
		record := map[string]any{
			"$type":     "app.bsky.feed.post",
			"text":      post.Content,
			"createdAt": time.Now().UTC().Format(time.RFC3339),
		}
		if previousURI != "" {
			record["reply"] = map[string]any{
				"root":   map[string]any{"uri": rootURI},
				"parent": map[string]any{"uri": previousURI},
			}
		}
		body, err := json.Marshal(map[string]any{
			"repo":       draft.AuthorID,
			"collection": "app.bsky.feed.post",
			"record":     record,
		})
		if err != nil {
			return nil, fmt.Errorf("bluesky publish: encode record: %w", err)
		}

		var response struct {
			URI string `json:"uri"`
			CID string `json:"cid"`
		}
		if err := a.do(ctx, http.MethodPost, "/xrpc/com.atproto.repo.createRecord", bytes.NewReader(body), &response); err != nil {
			return nil, fmt.Errorf("bluesky publish: %w", err)
		}
		if rootURI == "" {
			rootURI = response.URI
		}
		fragment = append(fragment, store.NativePost{
			NativeID:       response.URI,
			ParentNativeID: previousURI,
			RootNativeID:   rootURI,
			AuthorID:       draft.AuthorID,
			CreatedAtMs:    time.Now().UnixMilli(),
			Content:        post.Content,
		})
		previousURI = response.URI
	}
	return fragment, nil
}

// ToGeneric resolves bsky.app post URLs from the AT-URI and turns embedded
// records into a quoted thread.
func (a *Adapter) ToGeneric(post store.PlatformPost) ([]store.GenericPost, error) {
	generic := make([]store.GenericPost, 0, len(post.Thread))
	for _, native := range post.Thread {
		item := store.GenericPost{
			Content:      native.Content,
			AuthorID:     native.AuthorID,
			AuthorHandle: native.AuthorHandle,
			URL:          PostURL(native.AuthorHandle, native.NativeID),
		}
		if len(native.Payload) > 0 {
			var view postView
			if err := json.Unmarshal(native.Payload, &view); err != nil {
				return nil, fmt.Errorf("decode post payload %s: %w", native.NativeID, err)
			}
			item.Content = view.Record.Text
			if view.Embed != nil && view.Embed.Record != nil {
				quoted := view.Embed.Record
				item.QuotedThread = []store.GenericPost{{
					Content:      quoted.Value.Text,
					AuthorID:     quoted.Author.DID,
					AuthorHandle: quoted.Author.Handle,
					URL:          PostURL(quoted.Author.Handle, quoted.URI),
				}}
			}
		}
		generic = append(generic, item)
	}
	return generic, nil
}

// PostURL maps an AT-URI to the author-facing bsky.app URL. The record key is
// the last segment of the URI.
func PostURL(handle, atURI string) string {
	rkey := atURI
	if idx := strings.LastIndex(atURI, "/"); idx >= 0 {
		rkey = atURI[idx+1:]
	}
	if handle == "" {
		handle = didFromURI(atURI)
	}
	return "https://bsky.app/profile/" + handle + "/post/" + rkey
}

func didFromURI(atURI string) string {
	trimmed := strings.TrimPrefix(atURI, "at://")
	if idx := strings.Index(trimmed, "/"); idx >= 0 {
		return trimmed[:idx]
	}
	return trimmed
}

func toEnvelope(raw json.RawMessage) (store.NativePost, error) {
	var view postView
	if err := json.Unmarshal(raw, &view); err != nil {
		return store.NativePost{}, fmt.Errorf("decode post: %w", err)
	}
	if view.URI == "" {
		return store.NativePost{}, fmt.Errorf("post without uri")
	}

	parent, root := "", view.URI
	if view.Record.Reply != nil {
		parent = view.Record.Reply.Parent.URI
		if view.Record.Reply.Root.URI != "" {
			root = view.Record.Reply.Root.URI
		}
	}
	createdAtMs := int64(0)
	if view.Record.CreatedAt != "" {
		if parsed, err := time.Parse(time.RFC3339, view.Record.CreatedAt); err == nil {
			createdAtMs = parsed.UnixMilli()
		}
	}
	var media []string
	if view.Embed != nil {
		for _, image := range view.Embed.Images {
			if image.Fullsize != "" {
				media = append(media, image.Fullsize)
			}
		}
	}

	return store.NativePost{
		NativeID:       view.URI,
		ParentNativeID: parent,
		RootNativeID:   root,
		AuthorID:       view.Author.DID,
		AuthorHandle:   view.Author.Handle,
		CreatedAtMs:    createdAtMs,
		Content:        view.Record.Text,
		MediaURLs:      media,
		Payload:        raw,
		Metrics: store.Metrics{
			Likes:   view.LikeCount,
			Reposts: view.RepostCount,
			Replies: view.ReplyCount,
		},
	}, nil
}

func (a *Adapter) do(ctx context.Context, method, path string, body io.Reader, out any) error {
	if body == nil {
		body = http.NoBody
	}
	req, err := http.NewRequestWithContext(ctx, method, a.serviceURL+path, body)
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
