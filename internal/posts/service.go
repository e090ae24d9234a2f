// Package posts orchestrates fetching, reconciliation, review and
// republication of canonical posts. Every fragment is applied in its own
// transaction: merge decision, platform post write, canonical update, mirror
// update and status event commit together or not at all.
package posts

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"crosspost/api/internal/events"
	"crosspost/api/internal/media"
	"crosspost/api/internal/merge"
	"crosspost/api/internal/platforms"
	"crosspost/api/internal/search"
	"crosspost/api/internal/store"
	"crosspost/api/internal/util"
)

var (
	// ErrNotApproved is returned by Publish when the post has not passed
	// review and autopost is off.
	ErrNotApproved = errors.New("post is not approved for publishing")

	// ErrMirrorMismatch signals a stored conversation root whose mirror does
	// not resolve back to a canonical post. The store is inconsistent; the
	// fragment is not applied.
	ErrMirrorMismatch = errors.New("mirror does not resolve to a canonical post")

	ErrAlreadyApproved = errors.New("post already approved")
	ErrParseBusy       = errors.New("parse already in progress")
	ErrAlreadyParsed   = errors.New("post already parsed")
)

// Service is the orchestrator facade the HTTP layer talks to.
type Service struct {
	store    store.Store
	registry *platforms.Registry
	search   *search.Service
	events   *events.Publisher
	media    *media.Archiver
	log      *logrus.Entry

	rootWalkDepth int
	autopost      bool
}

// Options carries the optional collaborators and policy knobs. Search, events
// and media may be nil; the service degrades to Postgres-only operation.
type Options struct {
	Search        *search.Service
	Events        *events.Publisher
	Media         *media.Archiver
	RootWalkDepth int
	Autopost      bool
}

func NewService(st store.Store, registry *platforms.Registry, log *logrus.Entry, opts Options) *Service {
	depth := opts.RootWalkDepth
	if depth <= 0 {
		depth = 50
	}
	return &Service{
		store:         st,
		registry:      registry,
		search:        opts.Search,
		events:        opts.Events,
		media:         opts.Media,
		log:           log,
		rootWalkDepth: depth,
		autopost:      opts.Autopost,
	}
}

// FetchResult summarizes one account fetch.
type FetchResult struct {
	Created    int      `json:"created"`
	Merged     int      `json:"merged"`
	Ignored    int      `json:"ignored"`
	Failed     int      `json:"failed"`
	AppPostIDs []string `json:"appPostIds"`
}

// outcome is what one applied fragment produces: the durable event written in
// its transaction plus the side effects to run after commit.
type outcome struct {
	decision  merge.Decision
	appPostID string
	event     *store.StatusEvent
	index     *search.PostRecord
	archive   []store.NativePost
}

// FetchAccount pulls the next page of fragments for one account and applies
// them sequentially. A fragment that cannot be applied is logged and skipped;
// it never fails the posts around it. A mirror mismatch is different: the
// store itself is inconsistent, so the whole fetch aborts.
func (s *Service) FetchAccount(ctx context.Context, platform store.PlatformID, accountID string) (FetchResult, error) {
	adapter, err := s.registry.Adapter(platform)
	if err != nil {
		return FetchResult{}, err
	}

	params := platforms.FetchParams{AccountID: accountID}
	cursor, err := s.store.GetAccountCursor(ctx, platform, accountID)
	if err != nil {
		return FetchResult{}, err
	}
	if cursor != nil {
		params.SinceNativeID = cursor.NewestNativeID
	}

	fragments, err := adapter.Fetch(ctx, params)
	if err != nil {
		fetchErrors.WithLabelValues(string(platform)).Inc()
		return FetchResult{}, fmt.Errorf("fetch %s/%s: %w", platform, accountID, err)
	}

	result := FetchResult{}
	var newest, oldest store.NativePost
	for _, fragment := range fragments {
		for _, post := range fragment {
			if newest.NativeID == "" || post.CreatedAtMs > newest.CreatedAtMs {
				newest = post
			}
			if oldest.NativeID == "" || post.CreatedAtMs < oldest.CreatedAtMs {
				oldest = post
			}
		}

		out, err := s.applyFragment(ctx, adapter, accountID, fragment)
		if err != nil {
			fetchErrors.WithLabelValues(string(platform)).Inc()
			if errors.Is(err, ErrMirrorMismatch) {
				s.log.WithError(err).WithFields(logrus.Fields{
					"platform": platform,
					"account":  accountID,
				}).Error("store inconsistent, aborting fetch")
				return result, fmt.Errorf("apply fragment %s/%s: %w", platform, accountID, err)
			}
			s.log.WithError(err).WithFields(logrus.Fields{
				"platform": platform,
				"account":  accountID,
			}).Warn("fragment not applied")
			result.Failed++
			continue
		}
		mergeDecisions.WithLabelValues(string(platform), out.decision.String()).Inc()
		switch out.decision {
		case merge.DecisionNewRoot:
			result.Created++
			result.AppPostIDs = append(result.AppPostIDs, out.appPostID)
		case merge.DecisionMerge:
			if out.event != nil {
				result.Merged++
				result.AppPostIDs = append(result.AppPostIDs, out.appPostID)
			} else {
				result.Ignored++
			}
		default:
			result.Ignored++
		}
		s.afterCommit(ctx, out)
	}

	if newest.NativeID != "" {
		err := s.store.SaveAccountCursor(ctx, store.AccountCursor{
			PlatformID:     platform,
			AccountID:      accountID,
			NewestNativeID: newest.NativeID,
			OldestNativeID: oldest.NativeID,
		})
		if err != nil {
			return result, fmt.Errorf("save cursor %s/%s: %w", platform, accountID, err)
		}
	}
	return result, nil
}

// FetchUser fetches several accounts of one platform concurrently; fragments
// within each account still apply sequentially.
func (s *Service) FetchUser(ctx context.Context, platform store.PlatformID, accountIDs []string) (map[string]FetchResult, error) {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	var mu sync.Mutex
	results := make(map[string]FetchResult, len(accountIDs))
	for _, accountID := range accountIDs {
		accountID := accountID
		g.Go(func() error {
			result, err := s.FetchAccount(ctx, platform, accountID)
			if err != nil {
				return err
			}
			mu.Lock()
			results[accountID] = result
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// applyFragment runs the merge decision for one fragment and applies it inside
// a single transaction.
func (s *Service) applyFragment(ctx context.Context, adapter platforms.Adapter, accountID string, fragment platforms.Fragment) (outcome, error) {
	platform := adapter.ID()
	root, err := platforms.FragmentRoot(fragment, s.rootWalkDepth)
	if err != nil {
		return outcome{}, fmt.Errorf("derive root: %w", err)
	}

	var out outcome
	err = s.store.WithTx(ctx, func(tx store.Store) error {
		stored, err := tx.GetPlatformPostByRoot(ctx, platform, root)
		if err != nil {
			return err
		}

		var canonical *store.AppPost
		if stored != nil {
			canonical, err = tx.GetAppPostByMirror(ctx, platform, stored.ID)
			if err != nil {
				return err
			}
			if canonical == nil {
				return fmt.Errorf("%w: platform post %s", ErrMirrorMismatch, stored.ID)
			}
		}

		decision, err := merge.Decide(stored, fragment)
		if err != nil {
			return fmt.Errorf("decide: %w", err)
		}
		out.decision = decision

		switch decision {
		case merge.DecisionNewRoot:
			return s.applyNewRoot(ctx, tx, adapter, accountID, root, fragment, &out)
		case merge.DecisionMerge:
			return s.applyMerge(ctx, tx, adapter, stored, canonical, fragment, &out)
		default:
			return nil
		}
	})
	if err != nil {
		return outcome{}, err
	}
	return out, nil
}

func (s *Service) applyNewRoot(ctx context.Context, tx store.Store, adapter platforms.Adapter, accountID, root string, fragment platforms.Fragment, out *outcome) error {
	platform := adapter.ID()
	thread, _ := merge.Union(nil, fragment)

	platformPost := store.PlatformPost{
		ID:            store.PlatformPostID(platform, root),
		PlatformID:    platform,
		RootNativeID:  root,
		AccountID:     accountID,
		Thread:        thread,
		PublishOrigin: store.OriginFetched,
		PublishStatus: store.PublishPublished,
	}
	if err := tx.UpsertPlatformPost(ctx, platformPost); err != nil {
		return err
	}

	generic, err := adapter.ToGeneric(platformPost)
	if err != nil {
		return fmt.Errorf("build generic thread: %w", err)
	}

	appPost := store.AppPost{
		ID:                util.NewID("post"),
		AuthorID:          thread[0].AuthorID,
		Origin:            platform,
		CreatedAtMs:       thread[0].CreatedAtMs,
		Generic:           generic,
		ParsingStatus:     store.ParsingIdle,
		ReviewedStatus:    store.ReviewedPending,
		RepublishedStatus: store.RepublishedPending,
	}
	if err := tx.InsertAppPost(ctx, appPost); err != nil {
		return err
	}
	if err := tx.AddMirror(ctx, store.Mirror{
		AppPostID:      appPost.ID,
		PlatformID:     platform,
		PlatformPostID: platformPost.ID,
	}); err != nil {
		return err
	}

	event := store.StatusEvent{
		AppPostID: appPost.ID,
		EventType: store.EventPostCreated,
		Payload:   map[string]any{"platform": string(platform), "root": root},
	}
	if err := tx.InsertStatusEvent(ctx, &event); err != nil {
		return err
	}

	out.appPostID = appPost.ID
	out.event = &event
	out.index = indexRecord(appPost)
	out.archive = thread
	return nil
}

func (s *Service) applyMerge(ctx context.Context, tx store.Store, adapter platforms.Adapter, stored *store.PlatformPost, canonical *store.AppPost, fragment platforms.Fragment, out *outcome) error {
	merged, added := merge.Union(stored.Thread, fragment)
	out.appPostID = canonical.ID
	if added == 0 {
		// Redelivery of known posts only; nothing to write, no event.
		return nil
	}

	if err := tx.ReplaceThread(ctx, stored.ID, merged); err != nil {
		return err
	}

	updated := *stored
	updated.Thread = merged
	generic, err := adapter.ToGeneric(updated)
	if err != nil {
		return fmt.Errorf("build generic thread: %w", err)
	}
	if err := tx.UpdateAppPostGeneric(ctx, canonical.ID, generic, store.ContentText(generic)); err != nil {
		return err
	}

	event := store.StatusEvent{
		AppPostID: canonical.ID,
		EventType: store.EventPostMerged,
		Payload:   map[string]any{"platform": string(stored.PlatformID), "added": added},
	}
	if err := tx.InsertStatusEvent(ctx, &event); err != nil {
		return err
	}

	refreshed := *canonical
	refreshed.Generic = generic
	out.event = &event
	out.index = indexRecord(refreshed)
	out.archive = merged
	return nil
}

// Approve moves the review machine from PENDING to APPROVED.
func (s *Service) Approve(ctx context.Context, id string) (store.AppPost, error) {
	var event store.StatusEvent
	err := s.store.WithTx(ctx, func(tx store.Store) error {
		ok, err := tx.MarkApproved(ctx, id)
		if err != nil {
			return err
		}
		if !ok {
			// Distinguish missing post from an exhausted transition.
			if _, err := tx.GetAppPost(ctx, id); err != nil {
				return err
			}
			return ErrAlreadyApproved
		}
		event = store.StatusEvent{AppPostID: id, EventType: store.EventPostApproved}
		return tx.InsertStatusEvent(ctx, &event)
	})
	if err != nil {
		return store.AppPost{}, err
	}
	s.publishEvent(ctx, event)
	return s.store.GetAppPost(ctx, id)
}

// Publish pushes the canonical thread to the target platform and records the
// resulting mirror. Requires an approved post unless autopost is on; autopost
// stands in for the reviewer, latching APPROVED itself and marking the post
// AUTO_REPUBLISHED so reviewed publishes stay distinguishable.
func (s *Service) Publish(ctx context.Context, id string, target store.PlatformID) (store.AppPost, error) {
	adapter, err := s.registry.Adapter(target)
	if err != nil {
		return store.AppPost{}, err
	}
	post, err := s.store.GetAppPost(ctx, id)
	if err != nil {
		return store.AppPost{}, err
	}

	approved := post.ReviewedStatus == store.ReviewedApproved
	if !approved && !s.autopost {
		return store.AppPost{}, ErrNotApproved
	}

	fragment, err := adapter.Publish(ctx, platforms.Draft{
		AuthorID: post.AuthorID,
		Posts:    post.Generic,
	})
	if err != nil {
		return store.AppPost{}, fmt.Errorf("publish to %s: %w", target, err)
	}
	root, err := platforms.FragmentRoot(fragment, s.rootWalkDepth)
	if err != nil {
		return store.AppPost{}, fmt.Errorf("derive published root: %w", err)
	}

	status := store.Republished
	if !approved {
		status = store.AutoRepublished
	}

	var event store.StatusEvent
	err = s.store.WithTx(ctx, func(tx store.Store) error {
		// Autopost approval: the review machine must reach APPROVED before
		// the republish settles, even without an explicit reviewer.
		if !approved {
			if _, err := tx.MarkApproved(ctx, id); err != nil {
				return err
			}
		}
		thread, _ := merge.Union(nil, fragment)
		platformPost := store.PlatformPost{
			ID:            store.PlatformPostID(target, root),
			PlatformID:    target,
			RootNativeID:  root,
			AccountID:     post.AuthorID,
			Thread:        thread,
			PublishOrigin: store.OriginPosted,
			PublishStatus: store.PublishPublished,
		}
		if err := tx.UpsertPlatformPost(ctx, platformPost); err != nil {
			return err
		}
		if err := tx.AddMirror(ctx, store.Mirror{
			AppPostID:      id,
			PlatformID:     target,
			PlatformPostID: platformPost.ID,
		}); err != nil {
			return err
		}
		// A second publish to another target finds the machine already
		// settled; that is fine, the mirror above is the point.
		if _, err := tx.MarkRepublished(ctx, id, status); err != nil {
			return err
		}
		event = store.StatusEvent{
			AppPostID: id,
			EventType: store.EventPostRepublished,
			Payload:   map[string]any{"platform": string(target), "root": root, "status": status},
		}
		return tx.InsertStatusEvent(ctx, &event)
	})
	if err != nil {
		return store.AppPost{}, err
	}

	publishes.WithLabelValues(string(target), status).Inc()
	s.publishEvent(ctx, event)
	return s.store.GetAppPost(ctx, id)
}

// DeletePostFull removes the canonical post, all its mirrors and their
// platform posts. The deletion event outlives the post.
func (s *Service) DeletePostFull(ctx context.Context, id string) error {
	var event store.StatusEvent
	err := s.store.WithTx(ctx, func(tx store.Store) error {
		post, err := tx.GetAppPost(ctx, id)
		if err != nil {
			return err
		}
		for _, mirror := range post.Mirrors {
			if err := tx.DeletePlatformPost(ctx, mirror.PlatformPostID); err != nil {
				return err
			}
		}
		if err := tx.DeleteAppPost(ctx, id); err != nil {
			return err
		}
		event = store.StatusEvent{
			AppPostID: id,
			EventType: store.EventPostDeleted,
			Payload:   map[string]any{"mirrors": len(post.Mirrors)},
		}
		return tx.InsertStatusEvent(ctx, &event)
	})
	if err != nil {
		return err
	}
	s.publishEvent(ctx, event)
	if s.search != nil {
		s.search.DeletePost(id)
	}
	return nil
}

// UpdatePostMetrics refreshes engagement counters on every fetch-capable
// mirror. Thread membership and generic content are untouched.
func (s *Service) UpdatePostMetrics(ctx context.Context, id string) (store.AppPost, error) {
	post, err := s.store.GetAppPost(ctx, id)
	if err != nil {
		return store.AppPost{}, err
	}

	for _, mirror := range post.Mirrors {
		adapter, err := s.registry.Adapter(mirror.PlatformID)
		if err != nil {
			continue
		}
		platformPost, err := s.store.GetPlatformPost(ctx, mirror.PlatformPostID)
		if err != nil {
			return store.AppPost{}, err
		}

		ids := make([]string, 0, len(platformPost.Thread))
		for _, native := range platformPost.Thread {
			ids = append(ids, native.NativeID)
		}
		fragments, err := adapter.Get(ctx, ids)
		if errors.Is(err, platforms.ErrUnsupported) {
			continue
		}
		if err != nil {
			s.log.WithError(err).WithField("platform", mirror.PlatformID).Warn("metrics refresh failed")
			continue
		}

		byID := make(map[string]store.Metrics)
		for _, fragment := range fragments {
			for _, native := range fragment {
				byID[native.NativeID] = native.Metrics
			}
		}
		changed := false
		for i := range platformPost.Thread {
			if metrics, ok := byID[platformPost.Thread[i].NativeID]; ok {
				if platformPost.Thread[i].Metrics != metrics {
					platformPost.Thread[i].Metrics = metrics
					changed = true
				}
			}
		}
		if changed {
			if err := s.store.ReplaceThread(ctx, platformPost.ID, platformPost.Thread); err != nil {
				return store.AppPost{}, err
			}
		}
	}
	return s.store.GetAppPost(ctx, id)
}

// RequestParse claims the post for the external semantic parser: parsing
// moves IDLE -> PROCESSING, or ErrParseBusy when another parse holds it.
func (s *Service) RequestParse(ctx context.Context, id string) error {
	ok, err := s.store.MarkParsing(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		if _, err := s.store.GetAppPost(ctx, id); err != nil {
			return err
		}
		return ErrParseBusy
	}
	return nil
}

// CompleteParse records a finished parse: parsed latches PROCESSED once,
// parsing returns to IDLE either way.
func (s *Service) CompleteParse(ctx context.Context, id string) error {
	var event store.StatusEvent
	first := false
	err := s.store.WithTx(ctx, func(tx store.Store) error {
		ok, err := tx.MarkParsed(ctx, id)
		if err != nil {
			return err
		}
		first = ok
		if err := tx.ClearParsing(ctx, id); err != nil {
			return err
		}
		if !ok {
			return nil
		}
		event = store.StatusEvent{AppPostID: id, EventType: store.EventPostParsed}
		return tx.InsertStatusEvent(ctx, &event)
	})
	if err != nil {
		return err
	}
	if first {
		s.publishEvent(ctx, event)
	}
	return nil
}

// FailParse releases the parsing claim without latching parsed.
func (s *Service) FailParse(ctx context.Context, id string) error {
	return s.store.ClearParsing(ctx, id)
}

func (s *Service) afterCommit(ctx context.Context, out outcome) {
	if out.event != nil {
		s.publishEvent(ctx, *out.event)
	}
	if out.index != nil && s.search != nil {
		s.search.IndexPost(*out.index)
	}
	if len(out.archive) > 0 && s.media != nil {
		archive := out.archive
		appPostID := out.appPostID
		go s.media.ArchivePost(context.Background(), appPostID, archive)
	}
}

func (s *Service) publishEvent(ctx context.Context, event store.StatusEvent) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(ctx, event); err != nil {
		s.log.WithError(err).WithField("event", event.EventType).Warn("event stream publish failed")
	}
}

func indexRecord(post store.AppPost) *search.PostRecord {
	return &search.PostRecord{
		ID:           post.ID,
		Content:      store.ContentText(post.Generic),
		AuthorID:     post.AuthorID,
		Origin:       string(post.Origin),
		ParsedStatus: post.ParsedStatus,
		CreatedAtMs:  post.CreatedAtMs,
	}
}
