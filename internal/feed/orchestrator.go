package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nbd-wtf/go-nostr"

	"github.com/fairwaylabs/teebox/internal/cache"
	"github.com/fairwaylabs/teebox/internal/outbox"
	"github.com/fairwaylabs/teebox/internal/protocol"
	"github.com/fairwaylabs/teebox/pkg/config"
	"github.com/fairwaylabs/teebox/pkg/logging"
	"github.com/fairwaylabs/teebox/pkg/telemetry"
)

// LoadState is the observable load phase of the feed
type LoadState int

const (
	// StateIdle before the first load
	StateIdle LoadState = iota
	// StateCacheLoaded after the instant cache paint
	StateCacheLoaded
	// StateSyncing while the background sync runs
	StateSyncing
	// StateReady after a completed sync
	StateReady
	// StateError when nothing could be shown at all
	StateError
)

// String returns a readable state name
func (s LoadState) String() string {
	switch s {
	case StateCacheLoaded:
		return "cache_loaded"
	case StateSyncing:
		return "syncing"
	case StateReady:
		return "ready"
	case StateError:
		return "error"
	default:
		return "idle"
	}
}

// Identity is the local user's key material
type Identity struct {
	SecretKey string
	PublicKey string
}

// Snapshot is a consistent copy of the observable feed state
type Snapshot struct {
	Items         []Item
	State         LoadState
	Syncing       bool
	MoreAvailable bool
}

// Orchestrator owns the feed state. It is the single writer; readers
// observe through Snapshot copies. A load runs in two phases: an
// instant cache paint, then a background network sync merged on top.
type Orchestrator struct {
	cfg       *config.Config
	store     *cache.Store
	resolver  *outbox.Resolver
	router    *outbox.Router
	assembler *Assembler
	enricher  *Enricher
	identity  Identity
	logger    *zap.Logger

	mu            sync.Mutex
	items         []Item
	state         LoadState
	syncing       bool
	moreAvailable bool
	cursor        int64
	plan          outbox.Plan
	followed      map[string]bool
	generation    uint64
}

// NewOrchestrator wires the feed orchestrator
func NewOrchestrator(cfg *config.Config, store *cache.Store, memory cache.MemoryTier, resolver *outbox.Resolver, router *outbox.Router, identity Identity) *Orchestrator {
	o := &Orchestrator{
		cfg:       cfg,
		store:     store,
		resolver:  resolver,
		router:    router,
		assembler: NewAssembler(store),
		identity:  identity,
		state:     StateIdle,
		logger:    logging.WithComponent("feed-orchestrator"),
	}
	o.enricher = NewEnricher(store, memory, router, cfg, identity.PublicKey, o.enrichRelays)
	return o
}

// Snapshot returns a copy of the observable state
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	items := make([]Item, len(o.items))
	copy(items, o.items)
	return Snapshot{
		Items:         items,
		State:         o.state,
		Syncing:       o.syncing,
		MoreAvailable: o.moreAvailable,
	}
}

// Refresh runs one full load: Phase A paints from the durable cache
// with zero network calls, then Phase B syncs from the relay network
// and merges on top. The painted result is observable via Snapshot as
// soon as Phase A commits. Starting a refresh invalidates any
// in-flight pagination.
func (o *Orchestrator) Refresh(ctx context.Context) error {
	ctx, span := telemetry.StartSpan(ctx, "feed.refresh")
	defer span.End()

	o.mu.Lock()
	o.generation++
	gen := o.generation
	o.plan = nil
	o.cursor = 0
	o.moreAvailable = false
	o.syncing = true
	o.mu.Unlock()

	o.phaseA(ctx, gen)
	return o.phaseB(ctx, gen)
}

// phaseA paints the most recently cached events immediately
func (o *Orchestrator) phaseA(ctx context.Context, gen uint64) {
	ctx, span := telemetry.StartSpan(ctx, "feed.phase_a")
	defer span.End()

	events, err := o.store.RecentEvents(ctx, FeedKinds(), o.cfg.Feed.CachePaintSize)
	if err != nil {
		o.logger.Warn("Cache paint read failed", zap.Error(err))
		return
	}

	items := o.assembler.Assemble(ctx, events, nil)

	// If the follow list is cached, trim to currently-followed
	// authors; otherwise show everything as a best-effort view.
	row, follows, err := o.store.GetFollowList(ctx, o.identity.PublicKey)
	if err == nil && row != nil {
		followed := followSet(follows, o.identity.PublicKey)
		items = filterByAuthor(items, followed)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.generation != gen {
		return
	}
	o.items = items
	o.cursor = oldestCreatedAt(items)
	o.state = StateCacheLoaded
	o.logger.Info("Cache paint complete", zap.Int("items", len(items)))
}

// phaseB syncs from the network and merges into the painted state
func (o *Orchestrator) phaseB(ctx context.Context, gen uint64) error {
	ctx, span := telemetry.StartSpan(ctx, "feed.phase_b")
	defer span.End()

	o.setState(StateSyncing, gen)

	follows, err := o.resolveFollows(ctx)
	if err != nil {
		return o.failSync(gen, fmt.Errorf("failed to resolve follow list: %w", err))
	}
	followed := followSet(follows, o.identity.PublicKey)

	authors := append([]string{o.identity.PublicKey}, follows...)
	plan := o.resolver.Resolve(ctx, authors)

	events := o.router.FetchFeed(ctx, plan, FeedKinds(), nil)
	if err := o.store.UpsertEvents(ctx, events); err != nil {
		o.logger.Warn("Failed to cache fetched events", zap.Error(err))
	}
	if err := o.store.PruneEvents(ctx, o.cfg.Cache.EventLimit); err != nil {
		o.logger.Warn("Event prune failed", zap.Error(err))
	}

	fresh := o.assembler.Assemble(ctx, events, o.refFetcher(plan))
	fresh = filterByAuthor(fresh, followed)

	o.mu.Lock()
	previous := o.items
	o.mu.Unlock()

	merged := mergeItems(previous, fresh, followed, o.cfg.Feed.PageSize)
	enriched := o.enricher.Enrich(ctx, merged)

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.generation != gen {
		// A newer refresh superseded this one; discard
		return nil
	}
	o.items = enriched
	o.plan = plan
	o.followed = followed
	o.cursor = oldestCreatedAt(enriched)
	o.moreAvailable = len(enriched) > 0
	o.syncing = false
	o.state = StateReady
	o.logger.Info("Background sync complete",
		zap.Int("fetched", len(events)),
		zap.Int("items", len(enriched)))
	return nil
}

// failSync keeps the cached view when one exists; the caller only sees
// an error when there is nothing to show at all
func (o *Orchestrator) failSync(gen uint64, err error) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.generation != gen {
		return nil
	}
	o.syncing = false
	if len(o.items) > 0 {
		// Stale cached view stays up
		o.state = StateReady
		o.logger.Warn("Sync failed, serving cached view", zap.Error(err))
		return nil
	}
	o.state = StateError
	return err
}

// LoadNextPage fetches the page older than the current cursor using
// the relay plan cached at the last refresh. A page with zero new
// unique items disables pagination until the next full refresh. A
// result that lands after a newer refresh started is discarded.
func (o *Orchestrator) LoadNextPage(ctx context.Context) error {
	ctx, span := telemetry.StartSpan(ctx, "feed.load_next_page")
	defer span.End()

	o.mu.Lock()
	if !o.moreAvailable || o.plan == nil {
		o.mu.Unlock()
		return nil
	}
	gen := o.generation
	plan := o.plan
	followed := o.followed
	until := nostr.Timestamp(o.cursor - 1)
	shown := make(map[string]bool, len(o.items))
	for _, it := range o.items {
		shown[it.ID] = true
	}
	bound := len(o.items) + o.cfg.Feed.PageSize
	o.mu.Unlock()

	events := o.router.FetchFeed(ctx, plan, FeedKinds(), &until)
	if err := o.store.UpsertEvents(ctx, events); err != nil {
		o.logger.Warn("Failed to cache page events", zap.Error(err))
	}

	page := o.assembler.Assemble(ctx, events, o.refFetcher(plan))
	page = filterByAuthor(page, followed)

	unique := 0
	for _, it := range page {
		if !shown[it.ID] {
			unique++
		}
	}

	o.mu.Lock()
	if o.generation != gen {
		// A refresh started while this page was in flight
		o.mu.Unlock()
		return nil
	}
	if unique == 0 {
		o.moreAvailable = false
		o.mu.Unlock()
		o.logger.Debug("Pagination exhausted")
		return nil
	}
	previous := o.items
	o.mu.Unlock()

	merged := mergeItems(previous, page, followed, bound)
	enriched := o.enricher.Enrich(ctx, merged)

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.generation != gen {
		return nil
	}
	o.items = enriched
	o.cursor = oldestCreatedAt(enriched)
	o.logger.Debug("Page merged", zap.Int("new_items", unique))
	return nil
}

// PublishPost signs and publishes a plain post, optionally quoting
// other events
func (o *Orchestrator) PublishPost(ctx context.Context, text string, quoted ...string) (string, error) {
	ctx, span := telemetry.StartSpan(ctx, "feed.publish_post")
	defer span.End()

	tags := nostr.Tags{}
	for _, id := range quoted {
		if id != "" {
			tags = append(tags, nostr.Tag{"q", id})
		}
	}
	ev := nostr.Event{
		Kind:      protocol.KindPost,
		CreatedAt: nostr.Now(),
		Tags:      tags,
		Content:   text,
	}
	return o.publishOwn(ctx, ev)
}

// PublishSession signs and publishes a session record carrying its
// drill template reference and integrity hash in tags
func (o *Orchestrator) PublishSession(ctx context.Context, summary protocol.SessionSummary) (string, error) {
	ctx, span := telemetry.StartSpan(ctx, "feed.publish_session")
	defer span.End()

	content, err := json.Marshal(summary)
	if err != nil {
		return "", fmt.Errorf("failed to encode session: %w", err)
	}
	tags := nostr.Tags{}
	if summary.TemplateEventID != "" {
		tags = append(tags, nostr.Tag{"e", summary.TemplateEventID})
	}
	if summary.TemplateHash != "" {
		tags = append(tags, nostr.Tag{"template", summary.TemplateHash})
	}
	ev := nostr.Event{
		Kind:      protocol.KindSessionRecord,
		CreatedAt: nostr.Now(),
		Tags:      tags,
		Content:   string(content),
	}
	return o.publishOwn(ctx, ev)
}

// publishOwn signs the event and delivers it to the user's declared
// write relays plus the defaults. Accepted events are cached so the
// next paint shows them without a round trip.
func (o *Orchestrator) publishOwn(ctx context.Context, ev nostr.Event) (string, error) {
	if err := ev.Sign(o.identity.SecretKey); err != nil {
		return "", fmt.Errorf("failed to sign event: %w", err)
	}

	ownPlan := o.resolver.Resolve(ctx, []string{o.identity.PublicKey})
	relays := unionRelays(o.cfg.Relay.DefaultRelays, ownPlan[o.identity.PublicKey])

	if err := o.router.Publish(ctx, relays, ev); err != nil {
		return "", fmt.Errorf("failed to publish event: %w", err)
	}
	if err := o.store.UpsertEvents(ctx, []*nostr.Event{&ev}); err != nil {
		o.logger.Warn("Failed to cache own event", zap.Error(err))
	}
	o.logger.Info("Published event",
		zap.String("id", ev.ID),
		zap.Int("kind", ev.Kind),
		zap.Int("relays", len(relays)))
	return ev.ID, nil
}

// ApplyReaction is the pure forward transition for reacting to an item
func ApplyReaction(s ReactionState) ReactionState {
	if s.Reacted {
		return s
	}
	return ReactionState{Count: s.Count + 1, Reacted: true}
}

// RevertReaction is the pure inverse of ApplyReaction
func RevertReaction(s ReactionState) ReactionState {
	if !s.Reacted {
		return s
	}
	return ReactionState{Count: s.Count - 1, Reacted: false}
}

// React registers a reaction optimistically, then attempts the network
// publish; on failure the optimistic change is rolled back via the
// inverse transition.
func (o *Orchestrator) React(ctx context.Context, eventID string) error {
	ctx, span := telemetry.StartSpan(ctx, "feed.react")
	defer span.End()

	o.mu.Lock()
	idx := -1
	for i := range o.items {
		if o.items[i].ID == eventID {
			idx = i
			break
		}
	}
	if idx < 0 {
		o.mu.Unlock()
		return fmt.Errorf("item %s is not displayed", eventID)
	}
	if o.items[idx].Reactions.Reacted {
		o.mu.Unlock()
		return nil
	}
	o.items[idx].Reactions = ApplyReaction(o.items[idx].Reactions)
	author := o.items[idx].Author
	applied := o.items[idx].Reactions
	o.mu.Unlock()

	ev := nostr.Event{
		Kind:      protocol.KindReaction,
		CreatedAt: nostr.Now(),
		Content:   "+",
		Tags: nostr.Tags{
			{"e", eventID},
			{"p", author},
		},
	}
	if err := ev.Sign(o.identity.SecretKey); err != nil {
		o.rollbackReaction(eventID)
		return fmt.Errorf("failed to sign reaction: %w", err)
	}

	if err := o.router.Publish(ctx, o.enrichRelays(), ev); err != nil {
		o.rollbackReaction(eventID)
		return fmt.Errorf("failed to publish reaction: %w", err)
	}

	// Persist so the next paint shows the reaction offline
	if err := o.store.PutReactionCounts(ctx, map[string]cache.ReactionCountCache{
		eventID: {Count: applied.Count, Reacted: true},
	}); err != nil {
		o.logger.Warn("Failed to cache reaction count", zap.Error(err))
	}
	return nil
}

func (o *Orchestrator) rollbackReaction(eventID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i := range o.items {
		if o.items[i].ID == eventID {
			o.items[i].Reactions = RevertReaction(o.items[i].Reactions)
			return
		}
	}
}

// resolveFollows reads the follow list through cache tiers, fetching
// the kind-3 event from the network when stale, with stale fallback
// when the network fails entirely.
func (o *Orchestrator) resolveFollows(ctx context.Context) ([]string, error) {
	me := o.identity.PublicKey

	row, cached, err := o.store.GetFollowList(ctx, me)
	if err != nil {
		o.logger.Warn("Follow list cache read failed", zap.Error(err))
	}
	if row != nil && time.Since(row.CachedAt) <= o.cfg.Cache.FollowListTTL {
		return cached, nil
	}

	// Own declarations live on own write relays; resolve those first
	ownPlan := o.resolver.Resolve(ctx, []string{me})
	relays := unionRelays(o.cfg.Relay.DefaultRelays, ownPlan[me])

	events := o.router.QueryAll(ctx, relays, nostr.Filter{
		Authors: []string{me},
		Kinds:   []int{protocol.KindFollowList},
		Limit:   1,
	})
	latest := protocol.Latest(events)
	if latest == nil {
		if row != nil {
			o.logger.Warn("Follow list fetch came back empty, using stale cache")
			return cached, nil
		}
		return nil, fmt.Errorf("no follow list found for %s", me)
	}

	follows := protocol.ParseFollows(latest)
	if err := o.store.PutFollowList(ctx, me, follows, int64(latest.CreatedAt)); err != nil {
		o.logger.Warn("Failed to cache follow list", zap.Error(err))
	}
	return follows, nil
}

// refFetcher adapts the router to the assembler's reference fetcher,
// querying the plan's relays plus the defaults
func (o *Orchestrator) refFetcher(plan outbox.Plan) ReferenceFetcher {
	relays := unionRelays(o.cfg.Relay.DefaultRelays, planRelays(plan))
	return func(ctx context.Context, ids []string) []*nostr.Event {
		return o.router.FetchByIDs(ctx, relays, ids)
	}
}

// enrichRelays is the relay set for profile and count lateral queries
func (o *Orchestrator) enrichRelays() []string {
	o.mu.Lock()
	plan := o.plan
	o.mu.Unlock()
	return unionRelays(o.cfg.Relay.DefaultRelays, planRelays(plan))
}

func (o *Orchestrator) setState(s LoadState, gen uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.generation == gen {
		o.state = s
	}
}

// mergeItems unions previous and fresh items, drops authors that are
// no longer followed, sorts newest-first, and bounds the result.
// Previously shown items survive a round that missed them, so one
// flaky relay cannot silently delete content.
func mergeItems(previous, fresh []Item, followed map[string]bool, bound int) []Item {
	byID := make(map[string]Item, len(previous)+len(fresh))
	for _, it := range previous {
		if followed == nil || followed[it.Author] {
			byID[it.ID] = it
		}
	}
	for _, it := range fresh {
		byID[it.ID] = it
	}

	merged := make([]Item, 0, len(byID))
	for _, it := range byID {
		merged = append(merged, it)
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].CreatedAt != merged[j].CreatedAt {
			return merged[i].CreatedAt > merged[j].CreatedAt
		}
		return merged[i].ID < merged[j].ID
	})
	if bound > 0 && len(merged) > bound {
		merged = merged[:bound]
	}
	return merged
}

func filterByAuthor(items []Item, followed map[string]bool) []Item {
	if followed == nil {
		return items
	}
	out := items[:0:0]
	for _, it := range items {
		if followed[it.Author] {
			out = append(out, it)
		}
	}
	return out
}

func followSet(follows []string, me string) map[string]bool {
	set := make(map[string]bool, len(follows)+1)
	for _, f := range follows {
		set[f] = true
	}
	set[me] = true
	return set
}

func oldestCreatedAt(items []Item) int64 {
	if len(items) == 0 {
		return 0
	}
	return items[len(items)-1].CreatedAt
}

func planRelays(plan outbox.Plan) []string {
	var urls []string
	for _, rs := range plan {
		urls = append(urls, rs...)
	}
	return urls
}

func unionRelays(groups ...[]string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, group := range groups {
		for _, url := range group {
			if url == "" || seen[url] {
				continue
			}
			seen[url] = true
			out = append(out, url)
		}
	}
	return out
}
