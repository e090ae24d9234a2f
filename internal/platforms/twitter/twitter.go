// Package twitter adapts the Twitter/X API to the platform capability
// surface.
package twitter

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

const defaultBaseURL = "https://api.twitter.com"

type Adapter struct {
	baseURL string
	bearer  string
	client  *http.Client
}

func New(bearerToken string) *Adapter {
	return NewWithBaseURL(bearerToken, defaultBaseURL)
}

func NewWithBaseURL(bearerToken, baseURL string) *Adapter {
	return &Adapter{
		baseURL: strings.TrimRight(baseURL, "/"),
		bearer:  bearerToken,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

var _ platforms.Adapter = (*Adapter)(nil)

func (a *Adapter) ID() store.PlatformID {
	return store.PlatformTwitter
}

// tweet is the subset of the API payload the adapter relies on. The full raw
// message is kept in the envelope payload.
type tweet struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	InReplyToID    string `json:"in_reply_to_status_id"`
	Text           string `json:"text"`
	NoteText       string `json:"note_text"`
	CreatedAt      string `json:"created_at"`
	Author         struct {
		ID       string `json:"id"`
		Username string `json:"username"`
	} `json:"author"`
	URLs []struct {
		Short    string `json:"url"`
		Expanded string `json:"expanded_url"`
	} `json:"urls"`
	Media []struct {
		URL string `json:"url"`
	} `json:"media"`
	QuotedStatus *json.RawMessage `json:"quoted_status"`
	Metrics      struct {
		Likes    int `json:"like_count"`
		Retweets int `json:"retweet_count"`
		Replies  int `json:"reply_count"`
	} `json:"public_metrics"`
}

func (a *Adapter) Fetch(ctx context.Context, params platforms.FetchParams) ([]platforms.Fragment, error) {
	values := url.Values{}
	values.Set("account_id", params.AccountID)
	if params.SinceNativeID != "" {
		values.Set("since_id", params.SinceNativeID)
	}
	if params.UntilNativeID != "" {
		values.Set("until_id", params.UntilNativeID)
	}
	if params.Limit > 0 {
		values.Set("max_results", strconv.Itoa(params.Limit))
	}

	var response struct {
		Data []json.RawMessage `json:"data"`
	}
	if err := a.do(ctx, http.MethodGet, "/2/users/timeline?"+values.Encode(), nil, &response); err != nil {
		return nil, fmt.Errorf("twitter fetch: %w", err)
	}
	return a.toFragments(response.Data)
}

func (a *Adapter) Get(ctx context.Context, nativeIDs []string) ([]platforms.Fragment, error) {
	if len(nativeIDs) == 0 {
		return nil, nil
	}
	values := url.Values{}
	values.Set("ids", strings.Join(nativeIDs, ","))

	var response struct {
		Data []json.RawMessage `json:"data"`
	}
	if err := a.do(ctx, http.MethodGet, "/2/tweets?"+values.Encode(), nil, &response); err != nil {
		return nil, fmt.Errorf("twitter get: %w", err)
	}
	return a.toFragments(response.Data)
}

func (a *Adapter) Publish(ctx context.Context, draft platforms.Draft) (platforms.Fragment, error) {
	fragment := make(platforms.Fragment, 0, len(draft.Posts))
	previousID := ""
	for _, post := range draft.Posts {
		body := map[string]any{"text": post.Content}
		if previousID != "" {
			body["reply"] = map[string]any{"in_reply_to_tweet_id": previousID}
		}
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("twitter publish: encode body: %w", err)
		}

		var response struct {
			Data json.RawMessage `json:"data"`
		}
		if err := a.do(ctx, http.MethodPost, "/2/tweets", bytes.NewReader(encoded), &response); err != nil {
			return nil, fmt.Errorf("twitter publish: %w", err)
		}
		native, err := toEnvelope(response.Data)
		if err != nil {
			return nil, fmt.Errorf("twitter publish: %w", err)
		}
		fragment = append(fragment, native)
		previousID = native.NativeID
	}
	return fragment, nil
}

// ToGeneric builds the canonical thread from the stored payloads: the long
// note text wins over the truncated text, shortened t.co links are replaced
// with their expanded targets, and quoted tweets become a nested quoted
// thread.
func (a *Adapter) ToGeneric(post store.PlatformPost) ([]store.GenericPost, error) {
	generic := make([]store.GenericPost, 0, len(post.Thread))
	for _, native := range post.Thread {
		item, err := genericFromNative(native)
		if err != nil {
			return nil, err
		}
		generic = append(generic, item)
	}
	return generic, nil
}

func genericFromNative(native store.NativePost) (store.GenericPost, error) {
	item := store.GenericPost{
		Content:      native.Content,
		AuthorID:     native.AuthorID,
		AuthorHandle: native.AuthorHandle,
		URL:          statusURL(native.AuthorHandle, native.NativeID),
	}
	if len(native.Payload) == 0 {
		return item, nil
	}

	var tw tweet
	if err := json.Unmarshal(native.Payload, &tw); err != nil {
		return store.GenericPost{}, fmt.Errorf("decode tweet payload %s: %w", native.NativeID, err)
	}
	item.Content = expandText(tw)
	if tw.Author.Username != "" {
		item.AuthorHandle = tw.Author.Username
		item.URL = statusURL(tw.Author.Username, native.NativeID)
	}
	if tw.QuotedStatus != nil {
		quotedNative, err := toEnvelope(*tw.QuotedStatus)
		if err != nil {
			return store.GenericPost{}, fmt.Errorf("quoted tweet of %s: %w", native.NativeID, err)
		}
		quoted, err := genericFromNative(quotedNative)
		if err != nil {
			return store.GenericPost{}, err
		}
		item.QuotedThread = []store.GenericPost{quoted}
	}
	return item, nil
}

func expandText(tw tweet) string {
	text := tw.Text
	if tw.NoteText != "" {
		text = tw.NoteText
	}
	for _, u := range tw.URLs {
		if u.Short != "" && u.Expanded != "" {
			text = strings.ReplaceAll(text, u.Short, u.Expanded)
		}
	}
	return text
}

func statusURL(handle, id string) string {
	if handle == "" {
		return "https://x.com/i/status/" + id
	}
	return "https://x.com/" + handle + "/status/" + id
}

func (a *Adapter) toFragments(raw []json.RawMessage) ([]platforms.Fragment, error) {
	envelopes := make([]store.NativePost, 0, len(raw))
	for _, message := range raw {
		native, err := toEnvelope(message)
		if err != nil {
			return nil, err
		}
		envelopes = append(envelopes, native)
	}
	return platforms.GroupByRoot(envelopes), nil
}

func toEnvelope(raw json.RawMessage) (store.NativePost, error) {
	var tw tweet
	if err := json.Unmarshal(raw, &tw); err != nil {
		return store.NativePost{}, fmt.Errorf("decode tweet: %w", err)
	}
	if tw.ID == "" {
		return store.NativePost{}, fmt.Errorf("tweet without id")
	}

	createdAtMs := int64(0)
	if tw.CreatedAt != "" {
		if parsed, err := time.Parse(time.RFC3339, tw.CreatedAt); err == nil {
			createdAtMs = parsed.UnixMilli()
		}
	}
	media := make([]string, 0, len(tw.Media))
	for _, m := range tw.Media {
		if m.URL != "" {
			media = append(media, m.URL)
		}
	}

	return store.NativePost{
		NativeID:       tw.ID,
		ParentNativeID: tw.InReplyToID,
		RootNativeID:   tw.ConversationID,
		AuthorID:       tw.Author.ID,
		AuthorHandle:   tw.Author.Username,
		CreatedAtMs:    createdAtMs,
		Content:        tw.Text,
		MediaURLs:      media,
		Payload:        raw,
		Metrics: store.Metrics{
			Likes:   tw.Metrics.Likes,
			Reposts: tw.Metrics.Retweets,
			Replies: tw.Metrics.Replies,
		},
	}, nil
}

func (a *Adapter) do(ctx context.Context, method, path string, body io.Reader, out any) error {
	if body == nil {
		body = http.NoBody
	}
	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+a.bearer)
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
