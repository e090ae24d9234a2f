// Package platforms defines the capability surface every platform adapter
// implements and the registry the orchestrator dispatches through. The set of
// platforms is closed; adapters are selected by platform id at one
// registration point.
package platforms

import (
	"context"
	"errors"
	"fmt"

	"crosspost/api/internal/store"
)

var (
	// ErrUnsupported is returned by adapters for operations the platform
	// does not offer (e.g. fetching from the publication target).
	ErrUnsupported = errors.New("operation not supported on this platform")

	ErrUnknownPlatform = errors.New("unknown platform")
)

// Fragment is one causally-linked batch of native sub-posts returned by a
// single fetch. It may be only part of a larger conversation.
type Fragment []store.NativePost

// FetchParams bounds one fetch call. Since/Until are native-id cursors from
// the previous fetch window.
type FetchParams struct {
	AccountID     string
	SinceNativeID string
	UntilNativeID string
	Limit         int
}

// Draft is the content handed to Publish.
type Draft struct {
	AuthorID string
	Posts    []store.GenericPost
}

// Adapter is the per-platform capability interface. Fetch, Get and Publish
// perform network calls only and never touch storage; ToGeneric is a pure
// function of the stored PlatformPost so it can be re-run on every merge.
type Adapter interface {
	ID() store.PlatformID
	Fetch(ctx context.Context, params FetchParams) ([]Fragment, error)
	Get(ctx context.Context, nativeIDs []string) ([]Fragment, error)
	Publish(ctx context.Context, draft Draft) (Fragment, error)
	ToGeneric(post store.PlatformPost) ([]store.GenericPost, error)
}

// Registry holds the closed set of adapters keyed by platform id.
type Registry struct {
	adapters map[store.PlatformID]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	byID := make(map[store.PlatformID]Adapter, len(adapters))
	for _, adapter := range adapters {
		byID[adapter.ID()] = adapter
	}
	return &Registry{adapters: byID}
}

func (r *Registry) Adapter(id store.PlatformID) (Adapter, error) {
	adapter, ok := r.adapters[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlatform, id)
	}
	return adapter, nil
}

func (r *Registry) Platforms() []store.PlatformID {
	ids := make([]store.PlatformID, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	return ids
}

// GroupByRoot splits a flat fetch page into causally-linked fragments, one
// per conversation: posts sharing an explicit root pointer group together,
// posts without one group by the topmost ancestor reachable inside the page.
// Fragments keep the order in which their first member appeared.
func GroupByRoot(posts []store.NativePost) []Fragment {
	if len(posts) == 0 {
		return nil
	}
	byID := make(map[string]store.NativePost, len(posts))
	for _, post := range posts {
		byID[post.NativeID] = post
	}

	groupKey := func(post store.NativePost) string {
		if post.RootNativeID != "" {
			return post.RootNativeID
		}
		current := post
		for range posts {
			if current.RootNativeID != "" {
				return current.RootNativeID
			}
			if current.ParentNativeID == "" || current.ParentNativeID == current.NativeID {
				return current.NativeID
			}
			parent, ok := byID[current.ParentNativeID]
			if !ok {
				return current.ParentNativeID
			}
			current = parent
		}
		return current.NativeID
	}

	groups := make(map[string]Fragment)
	var order []string
	for _, post := range posts {
		key := groupKey(post)
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], post)
	}

	fragments := make([]Fragment, 0, len(order))
	for _, key := range order {
		fragments = append(fragments, groups[key])
	}
	return fragments
}

// WalkRoot derives a fragment's conversation root when the platform assigns
// none: follow parent pointers inside the fragment; the chain ends either at
// a parentless member (that member is the root) or at an ancestor outside the
// fragment (that ancestor id is the closest known root candidate). maxDepth
// bounds the walk; cycles and self-references are rejected.
func WalkRoot(fragment []store.NativePost, maxDepth int) (string, error) {
	if len(fragment) == 0 {
		return "", errors.New("empty fragment")
	}
	byID := make(map[string]store.NativePost, len(fragment))
	for _, post := range fragment {
		if post.NativeID == "" {
			return "", errors.New("fragment member without native id")
		}
		if post.ParentNativeID == post.NativeID {
			return "", fmt.Errorf("post %s is its own parent", post.NativeID)
		}
		byID[post.NativeID] = post
	}

	terminal := ""
	for _, start := range fragment {
		current := start
		visited := map[string]bool{current.NativeID: true}
		end := ""
		for depth := 0; ; depth++ {
			if maxDepth > 0 && depth >= maxDepth {
				return "", fmt.Errorf("parent chain exceeds depth %d", maxDepth)
			}
			if current.ParentNativeID == "" {
				end = current.NativeID
				break
			}
			parent, ok := byID[current.ParentNativeID]
			if !ok {
				end = current.ParentNativeID
				break
			}
			if visited[parent.NativeID] {
				return "", fmt.Errorf("parent chain cycle at %s", parent.NativeID)
			}
			visited[parent.NativeID] = true
			current = parent
		}
		if terminal == "" {
			terminal = end
		} else if terminal != end {
			return "", fmt.Errorf("fragment members reach different roots (%s vs %s)", terminal, end)
		}
	}
	return terminal, nil
}

// FragmentRoot returns the conversation root the fragment claims: the
// platform-assigned root pointer when present (and consistent), otherwise the
// derived one.
func FragmentRoot(fragment Fragment, maxDepth int) (string, error) {
	root := ""
	for _, post := range fragment {
		if post.RootNativeID == "" {
			continue
		}
		if root == "" {
			root = post.RootNativeID
		} else if root != post.RootNativeID {
			return "", fmt.Errorf("fragment claims conflicting roots (%s vs %s)", root, post.RootNativeID)
		}
	}
	if root != "" {
		return root, nil
	}
	return WalkRoot(fragment, maxDepth)
}
