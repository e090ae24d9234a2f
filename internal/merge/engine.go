// Package merge implements the thread reconciliation algorithm: deciding
// whether an incoming platform-native fragment starts a new conversation
// root, extends a stored one, or must be ignored, and keeping stored threads
// de-duplicated and causally ordered. Everything here is pure; persistence is
// the orchestrator's job.
package merge

import (
	"errors"
	"fmt"
	"sort"

	"crosspost/api/internal/store"
)

// Decision is the outcome of reconciling one fragment against the store.
type Decision int

const (
	// DecisionIgnore drops the fragment with no persistent effect.
	DecisionIgnore Decision = iota
	// DecisionNewRoot creates a new PlatformPost and AppPost.
	DecisionNewRoot
	// DecisionMerge appends the fragment into an existing PlatformPost.
	DecisionMerge
)

func (d Decision) String() string {
	switch d {
	case DecisionNewRoot:
		return "new_root"
	case DecisionMerge:
		return "merge"
	default:
		return "ignore"
	}
}

// ErrMalformedFragment marks fragments with self-referential or cyclic parent
// chains. Malformed fragments are rejected without any state change.
var ErrMalformedFragment = errors.New("malformed fragment")

// Decide reconciles a fragment against the stored post for its root (nil if
// no post is stored for that root yet).
//
// With no stored post, the fragment is accepted as a new root only when it is
// self-contained: every parent pointer stays inside the fragment and one of
// its members is the parentless root. A fragment referencing an unseen
// ancestor is ignored; the platform re-delivers the full chain once the root
// itself is fetched.
//
// With a stored post, every member's parent chain must terminate at the
// stored root or at a native id already present in the stored thread.
// Chains that end at an unknown ancestor, or explicit claims of a different
// root, leave the stored thread untouched.
func Decide(stored *store.PlatformPost, fragment []store.NativePost) (Decision, error) {
	frag := dedupe(fragment)
	if len(frag) == 0 {
		return DecisionIgnore, fmt.Errorf("%w: empty fragment", ErrMalformedFragment)
	}

	byID := make(map[string]store.NativePost, len(frag))
	for _, post := range frag {
		if post.NativeID == "" {
			return DecisionIgnore, fmt.Errorf("%w: member without native id", ErrMalformedFragment)
		}
		if post.ParentNativeID == post.NativeID {
			return DecisionIgnore, fmt.Errorf("%w: %s is its own parent", ErrMalformedFragment, post.NativeID)
		}
		byID[post.NativeID] = post
	}

	if stored == nil {
		return decideNewRoot(frag, byID)
	}
	return decideAgainstStored(stored, frag, byID)
}

func decideNewRoot(frag []store.NativePost, byID map[string]store.NativePost) (Decision, error) {
	hasRootMember := false
	for _, post := range frag {
		end, err := chainEnd(post, byID)
		if err != nil {
			return DecisionIgnore, err
		}
		if _, inside := byID[end]; !inside {
			// Parent chain leaves the fragment: accepting it would create
			// an orphan island that could never attach to its true root.
			return DecisionIgnore, nil
		}
		if post.RootNativeID != "" {
			if _, inside := byID[post.RootNativeID]; !inside {
				return DecisionIgnore, nil
			}
		}
		if post.ParentNativeID == "" {
			hasRootMember = true
		}
	}
	if !hasRootMember {
		return DecisionIgnore, nil
	}
	return DecisionNewRoot, nil
}

func decideAgainstStored(stored *store.PlatformPost, frag []store.NativePost, byID map[string]store.NativePost) (Decision, error) {
	known := make(map[string]bool, len(stored.Thread)+1)
	known[stored.RootNativeID] = true
	for _, post := range stored.Thread {
		known[post.NativeID] = true
	}

	for _, post := range frag {
		if post.RootNativeID != "" && post.RootNativeID != stored.RootNativeID {
			return DecisionIgnore, nil
		}
		attached, err := attaches(post, byID, known)
		if err != nil {
			return DecisionIgnore, err
		}
		if !attached {
			// Root exists but the fragment is not part of the root's main
			// thread.
			return DecisionIgnore, nil
		}
	}
	return DecisionMerge, nil
}

// attaches walks post's parent chain through the fragment until it reaches a
// native id already known to the stored thread, or runs out of pointers.
func attaches(post store.NativePost, byID map[string]store.NativePost, known map[string]bool) (bool, error) {
	current := post
	visited := map[string]bool{current.NativeID: true}
	for {
		if known[current.NativeID] {
			return true, nil
		}
		if current.ParentNativeID == "" {
			// A parentless member that is not the stored root belongs to a
			// different conversation.
			return false, nil
		}
		if known[current.ParentNativeID] {
			return true, nil
		}
		parent, ok := byID[current.ParentNativeID]
		if !ok {
			return false, nil
		}
		if visited[parent.NativeID] {
			return false, fmt.Errorf("%w: parent chain cycle at %s", ErrMalformedFragment, parent.NativeID)
		}
		visited[parent.NativeID] = true
		current = parent
	}
}

// chainEnd follows post's parent chain inside the fragment and returns the
// terminal native id: the parentless member reached, or the first ancestor id
// outside the fragment.
func chainEnd(post store.NativePost, byID map[string]store.NativePost) (string, error) {
	current := post
	visited := map[string]bool{current.NativeID: true}
	for {
		if current.ParentNativeID == "" {
			return current.NativeID, nil
		}
		parent, ok := byID[current.ParentNativeID]
		if !ok {
			return current.ParentNativeID, nil
		}
		if visited[parent.NativeID] {
			return "", fmt.Errorf("%w: parent chain cycle at %s", ErrMalformedFragment, parent.NativeID)
		}
		visited[parent.NativeID] = true
		current = parent
	}
}

// Union merges the fragment into the stored thread by native id. Re-merging
// an already-present sub-post is a no-op; the stored copy wins so repeated
// deliveries cannot mutate a thread. Returns the causally sorted result and
// how many sub-posts were actually added.
func Union(stored, fragment []store.NativePost) ([]store.NativePost, int) {
	merged := make([]store.NativePost, 0, len(stored)+len(fragment))
	seen := make(map[string]bool, len(stored)+len(fragment))
	for _, post := range stored {
		if seen[post.NativeID] {
			continue
		}
		seen[post.NativeID] = true
		merged = append(merged, post)
	}
	added := 0
	for _, post := range fragment {
		if seen[post.NativeID] {
			continue
		}
		seen[post.NativeID] = true
		merged = append(merged, post)
		added++
	}
	return SortCausal(merged), added
}

// SortCausal orders a thread by its reply chain: root first, every post
// placed after its parent, siblings ordered by createdAtMs ascending with
// native id as the final tie-break. Causal order is primary; timestamps never
// decide parentage.
func SortCausal(posts []store.NativePost) []store.NativePost {
	if len(posts) <= 1 {
		return posts
	}

	byID := make(map[string]bool, len(posts))
	for _, post := range posts {
		byID[post.NativeID] = true
	}

	children := make(map[string][]store.NativePost)
	var roots []store.NativePost
	for _, post := range posts {
		if post.ParentNativeID == "" || !byID[post.ParentNativeID] {
			roots = append(roots, post)
		} else {
			children[post.ParentNativeID] = append(children[post.ParentNativeID], post)
		}
	}
	sortSiblings(roots)
	for _, siblings := range children {
		sortSiblings(siblings)
	}

	out := make([]store.NativePost, 0, len(posts))
	var visit func(post store.NativePost)
	visit = func(post store.NativePost) {
		out = append(out, post)
		for _, child := range children[post.NativeID] {
			visit(child)
		}
	}
	for _, root := range roots {
		visit(root)
	}

	// Cyclic leftovers cannot happen for threads that passed Decide, but a
	// stored thread must never lose posts to a sort.
	if len(out) != len(posts) {
		emitted := make(map[string]bool, len(out))
		for _, post := range out {
			emitted[post.NativeID] = true
		}
		var rest []store.NativePost
		for _, post := range posts {
			if !emitted[post.NativeID] {
				rest = append(rest, post)
			}
		}
		sortSiblings(rest)
		out = append(out, rest...)
	}
	return out
}

func sortSiblings(posts []store.NativePost) {
	sort.SliceStable(posts, func(i, j int) bool {
		if posts[i].CreatedAtMs != posts[j].CreatedAtMs {
			return posts[i].CreatedAtMs < posts[j].CreatedAtMs
		}
		return posts[i].NativeID < posts[j].NativeID
	})
}

func dedupe(fragment []store.NativePost) []store.NativePost {
	out := make([]store.NativePost, 0, len(fragment))
	seen := make(map[string]bool, len(fragment))
	for _, post := range fragment {
		if post.NativeID != "" && seen[post.NativeID] {
			continue
		}
		seen[post.NativeID] = true
		out = append(out, post)
	}
	return out
}
