package merge

import (
	"errors"
	"testing"

	"crosspost/api/internal/store"
)

func np(id, parent, root string, ts int64) store.NativePost {
	return store.NativePost{
		NativeID:       id,
		ParentNativeID: parent,
		RootNativeID:   root,
		AuthorID:       "acct-1",
		CreatedAtMs:    ts,
		Content:        "post " + id,
	}
}

func storedThread(posts ...store.NativePost) *store.PlatformPost {
	return &store.PlatformPost{
		ID:           store.PlatformPostID(store.PlatformTwitter, posts[0].NativeID),
		PlatformID:   store.PlatformTwitter,
		RootNativeID: posts[0].NativeID,
		Thread:       posts,
	}
}

func ids(thread []store.NativePost) []string {
	out := make([]string, len(thread))
	for i, post := range thread {
		out[i] = post.NativeID
	}
	return out
}

func sameIDs(got []store.NativePost, want ...string) bool {
	if len(got) != len(want) {
		return false
	}
	for i, id := range want {
		if got[i].NativeID != id {
			return false
		}
	}
	return true
}

func TestDecideSelfContainedFragmentIsNewRoot(t *testing.T) {
	fragment := []store.NativePost{
		np("t1", "", "t1", 100),
		np("t2", "t1", "t1", 200),
	}
	decision, err := Decide(nil, fragment)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision != DecisionNewRoot {
		t.Fatalf("expected new_root, got %s", decision)
	}
}

func TestDecideOrphanFragmentIgnored(t *testing.T) {
	// Both members reply into a conversation whose root was never fetched.
	fragment := []store.NativePost{
		np("t5", "t4", "", 500),
		np("t6", "t5", "", 600),
	}
	decision, err := Decide(nil, fragment)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision != DecisionIgnore {
		t.Fatalf("expected ignore for orphan fragment, got %s", decision)
	}
}

func TestDecideExternalRootPointerIgnored(t *testing.T) {
	// The member itself is parentless but claims a conversation root the
	// fragment does not contain.
	fragment := []store.NativePost{np("t9", "", "t1", 900)}
	decision, err := Decide(nil, fragment)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision != DecisionIgnore {
		t.Fatalf("expected ignore, got %s", decision)
	}
}

func TestDecideMergeFragmentReplyingToStoredTail(t *testing.T) {
	stored := storedThread(np("t1", "", "t1", 100), np("t2", "t1", "t1", 200))
	fragment := []store.NativePost{
		np("t3", "t2", "t1", 300),
		np("t4", "t3", "t1", 400),
	}

	decision, err := Decide(stored, fragment)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision != DecisionMerge {
		t.Fatalf("expected merge, got %s", decision)
	}

	merged, added := Union(stored.Thread, fragment)
	if added != 2 {
		t.Fatalf("expected 2 added posts, got %d", added)
	}
	if !sameIDs(merged, "t1", "t2", "t3", "t4") {
		t.Fatalf("unexpected causal order: %v", ids(merged))
	}
}

func TestDecideUnknownAncestorIgnored(t *testing.T) {
	stored := storedThread(np("t1", "", "t1", 100), np("t2", "t1", "t1", 200))
	// Chain walks t8 -> t7, and t7 is known to neither store nor fragment.
	fragment := []store.NativePost{
		np("t8", "t7", "", 800),
		np("t9", "t8", "", 900),
	}

	decision, err := Decide(stored, fragment)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision != DecisionIgnore {
		t.Fatalf("expected ignore, got %s", decision)
	}
}

func TestDecideForeignBranchIgnored(t *testing.T) {
	stored := storedThread(np("t1", "", "t1", 100), np("t2", "t1", "t1", 200))
	// Root pointer matches the stored conversation, but the reply target
	// does not exist anywhere in the stored thread or the fragment.
	fragment := []store.NativePost{
		np("b1", "x9", "t1", 300),
		np("b2", "b1", "t1", 400),
	}

	decision, err := Decide(stored, fragment)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision != DecisionIgnore {
		t.Fatalf("expected ignore, got %s", decision)
	}

	merged, added := Union(stored.Thread, nil)
	if added != 0 || len(merged) != 2 {
		t.Fatalf("stored thread must stay unchanged, got %v", ids(merged))
	}
}

func TestDecideDifferentRootClaimIgnored(t *testing.T) {
	stored := storedThread(np("t1", "", "t1", 100), np("t2", "t1", "t1", 200))
	fragment := []store.NativePost{np("z2", "t2", "z1", 300)}

	decision, err := Decide(stored, fragment)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision != DecisionIgnore {
		t.Fatalf("expected ignore for foreign root claim, got %s", decision)
	}
}

func TestDecideRedeliveredThreadMergesAsNoOp(t *testing.T) {
	stored := storedThread(np("t1", "", "t1", 100), np("t2", "t1", "t1", 200))
	redelivered := []store.NativePost{
		np("t1", "", "t1", 100),
		np("t2", "t1", "t1", 200),
	}

	decision, err := Decide(stored, redelivered)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision != DecisionMerge {
		t.Fatalf("expected merge, got %s", decision)
	}

	merged, added := Union(stored.Thread, redelivered)
	if added != 0 {
		t.Fatalf("redelivery must add nothing, added %d", added)
	}
	if !sameIDs(merged, "t1", "t2") {
		t.Fatalf("unexpected thread: %v", ids(merged))
	}
}

func TestDecideRejectsSelfParent(t *testing.T) {
	fragment := []store.NativePost{np("t1", "t1", "", 100)}
	if _, err := Decide(nil, fragment); !errors.Is(err, ErrMalformedFragment) {
		t.Fatalf("expected ErrMalformedFragment, got %v", err)
	}
}

func TestDecideRejectsParentCycle(t *testing.T) {
	fragment := []store.NativePost{
		np("a", "b", "", 100),
		np("b", "a", "", 200),
	}
	if _, err := Decide(nil, fragment); !errors.Is(err, ErrMalformedFragment) {
		t.Fatalf("expected ErrMalformedFragment, got %v", err)
	}
}

func TestDecideRejectsEmptyFragment(t *testing.T) {
	if _, err := Decide(nil, nil); !errors.Is(err, ErrMalformedFragment) {
		t.Fatalf("expected ErrMalformedFragment, got %v", err)
	}
}

func TestUnionIsIdempotent(t *testing.T) {
	stored := []store.NativePost{np("t1", "", "t1", 100), np("t2", "t1", "t1", 200)}
	fragment := []store.NativePost{np("t3", "t2", "t1", 300)}

	once, _ := Union(stored, fragment)
	twice, added := Union(once, fragment)
	if added != 0 {
		t.Fatalf("second merge must be a no-op, added %d", added)
	}
	if len(once) != len(twice) {
		t.Fatalf("idempotence violated: %v vs %v", ids(once), ids(twice))
	}
	for i := range once {
		if once[i].NativeID != twice[i].NativeID {
			t.Fatalf("idempotence violated at %d: %v vs %v", i, ids(once), ids(twice))
		}
	}
}

func TestUnionIsOrderInvariant(t *testing.T) {
	stored := []store.NativePost{np("t1", "", "t1", 100)}
	f1 := []store.NativePost{np("t2", "t1", "t1", 200)}
	f2 := []store.NativePost{np("t3", "t2", "t1", 300)}

	ab, _ := Union(stored, f1)
	ab, _ = Union(ab, f2)

	// f2 first only works once f1 landed, so replay both rounds.
	ba, _ := Union(stored, f2)
	ba, _ = Union(ba, f1)
	ba, _ = Union(ba, f2)

	if len(ab) != len(ba) {
		t.Fatalf("order invariance violated: %v vs %v", ids(ab), ids(ba))
	}
	for i := range ab {
		if ab[i].NativeID != ba[i].NativeID {
			t.Fatalf("order invariance violated at %d: %v vs %v", i, ids(ab), ids(ba))
		}
	}
}

func TestUnionKeepsStoredCopyOnRedelivery(t *testing.T) {
	original := np("t2", "t1", "t1", 200)
	original.Content = "original text"
	stored := []store.NativePost{np("t1", "", "t1", 100), original}

	mutated := np("t2", "t1", "t1", 200)
	mutated.Content = "mutated text"

	merged, added := Union(stored, []store.NativePost{mutated})
	if added != 0 {
		t.Fatalf("expected no additions, got %d", added)
	}
	for _, post := range merged {
		if post.NativeID == "t2" && post.Content != "original text" {
			t.Fatalf("redelivery mutated stored sub-post: %q", post.Content)
		}
	}
}

func TestSortCausalOrdersSiblingsByTimestamp(t *testing.T) {
	posts := []store.NativePost{
		np("reply-late", "t1", "t1", 900),
		np("t1", "", "t1", 100),
		np("reply-early", "t1", "t1", 200),
		np("nested", "reply-early", "t1", 300),
	}
	sorted := SortCausal(posts)
	if !sameIDs(sorted, "t1", "reply-early", "nested", "reply-late") {
		t.Fatalf("unexpected order: %v", ids(sorted))
	}
}

func TestSortCausalBreaksTimestampTiesByNativeID(t *testing.T) {
	posts := []store.NativePost{
		np("b", "t1", "t1", 200),
		np("a", "t1", "t1", 200),
		np("t1", "", "t1", 100),
	}
	sorted := SortCausal(posts)
	if !sameIDs(sorted, "t1", "a", "b") {
		t.Fatalf("unexpected order: %v", ids(sorted))
	}
}

func TestSortCausalNeverDropsPosts(t *testing.T) {
	// Parent missing from the set entirely: the post is still kept.
	posts := []store.NativePost{
		np("t1", "", "t1", 100),
		np("stray", "gone", "t1", 50),
	}
	sorted := SortCausal(posts)
	if len(sorted) != 2 {
		t.Fatalf("sort dropped posts: %v", ids(sorted))
	}
}
