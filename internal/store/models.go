package store

import (
	"encoding/json"
	"time"
)

// PlatformID identifies one of the fixed set of platforms the engine talks to.
type PlatformID string

const (
	PlatformTwitter  PlatformID = "twitter"
	PlatformMastodon PlatformID = "mastodon"
	PlatformBluesky  PlatformID = "bluesky"
	PlatformNanopub  PlatformID = "nanopub"
)

type PublishOrigin string

const (
	OriginFetched PublishOrigin = "FETCHED"
	OriginPosted  PublishOrigin = "POSTED"
)

type PublishStatus string

const (
	PublishDraft     PublishStatus = "DRAFT"
	PublishPublished PublishStatus = "PUBLISHED"
)

const (
	ParsingIdle       = "IDLE"
	ParsingProcessing = "PROCESSING"

	ParsedProcessed = "PROCESSED"

	ReviewedPending  = "PENDING"
	ReviewedApproved = "APPROVED"

	RepublishedPending = "PENDING"
	Republished        = "REPUBLISHED"
	AutoRepublished    = "AUTO_REPUBLISHED"
)

// Metrics carries per-post engagement counters refreshed by metric updates,
// never by merges.
type Metrics struct {
	Likes   int `json:"likes"`
	Reposts int `json:"reposts"`
	Replies int `json:"replies"`
}

// NativePost is the normalized envelope every adapter produces for one
// platform-native sub-post. Payload keeps the raw platform record so the
// generic thread can be rebuilt without a network call.
type NativePost struct {
	NativeID       string          `json:"nativeId"`
	ParentNativeID string          `json:"parentNativeId,omitempty"`
	RootNativeID   string          `json:"rootNativeId,omitempty"`
	AuthorID       string          `json:"authorId"`
	AuthorHandle   string          `json:"authorHandle,omitempty"`
	CreatedAtMs    int64           `json:"createdAtMs"`
	Content        string          `json:"content"`
	MediaURLs      []string        `json:"mediaUrls,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Metrics        Metrics         `json:"metrics"`
}

// PlatformPost is one stored record per platform-native conversation root.
// Thread is de-duplicated by native id and kept in causal order.
type PlatformPost struct {
	ID            string
	PlatformID    PlatformID
	RootNativeID  string
	AccountID     string
	Thread        []NativePost
	PublishOrigin PublishOrigin
	PublishStatus PublishStatus
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// PlatformPostID builds the stable identifier for a conversation root.
func PlatformPostID(platform PlatformID, rootNativeID string) string {
	return string(platform) + ":" + rootNativeID
}

// GenericPost is one entry of the canonical thread representation. It is a
// cache: always re-derivable from the origin mirror's PlatformPost.
type GenericPost struct {
	Content      string        `json:"content"`
	URL          string        `json:"url"`
	AuthorID     string        `json:"authorId"`
	AuthorHandle string        `json:"authorHandle,omitempty"`
	QuotedThread []GenericPost `json:"quotedThread,omitempty"`
}

// AppPost is the canonical, user-facing logical post.
type AppPost struct {
	ID          string
	AuthorID    string
	Origin      PlatformID
	CreatedAtMs int64
	Generic     []GenericPost
	Mirrors     []Mirror

	ParsingStatus     string
	ParsedStatus      string
	ReviewedStatus    string
	RepublishedStatus string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// MirrorFor returns the mirror for a platform, if the post has one.
func (p AppPost) MirrorFor(platform PlatformID) (Mirror, bool) {
	for _, m := range p.Mirrors {
		if m.PlatformID == platform {
			return m, true
		}
	}
	return Mirror{}, false
}

// Mirror links one AppPost to one PlatformPost. At most one mirror per
// platform per app post.
type Mirror struct {
	AppPostID      string
	PlatformID     PlatformID
	PlatformPostID string
	CreatedAt      time.Time
}

// StatusEvent is a durable record of an AppPost status transition, written in
// the same transaction as the transition itself so the notification scheduler
// can replay it.
type StatusEvent struct {
	ID        int64
	AppPostID string
	EventType string
	Payload   map[string]any
	CreatedAt time.Time
}

const (
	EventPostCreated     = "post_created"
	EventPostMerged      = "post_merged"
	EventPostParsed      = "post_parsed"
	EventPostApproved    = "post_approved"
	EventPostRepublished = "post_republished"
	EventPostDeleted     = "post_deleted"
)

// AccountCursor remembers the fetch window boundaries for one account so the
// next fetch can continue where the previous one stopped.
type AccountCursor struct {
	PlatformID     PlatformID
	AccountID      string
	NewestNativeID string
	OldestNativeID string
	FetchedAt      time.Time
}
