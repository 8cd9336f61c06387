package feed

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/nbd-wtf/go-nostr"

	"github.com/fairwaylabs/teebox/internal/cache"
	"github.com/fairwaylabs/teebox/internal/outbox"
	"github.com/fairwaylabs/teebox/internal/protocol"
	"github.com/fairwaylabs/teebox/pkg/config"
	"github.com/fairwaylabs/teebox/pkg/logging"
	"github.com/fairwaylabs/teebox/pkg/telemetry"
)

// Enricher layers author profiles and reaction/comment tallies onto
// assembled items. Sub-tasks run concurrently and fail soft; every
// result is cached durably so the next instant paint is richer.
type Enricher struct {
	store        *cache.Store
	profiles     *cache.Layered[protocol.Profile]
	router       *outbox.Router
	me           string
	countTTL     time.Duration
	enrichCounts bool
	relaysFn     func() []string
	clock        clockwork.Clock
	logger       *zap.Logger
}

// NewProfileCache builds the layered author-profile cache: durable
// rows under cfg.Cache.ProfileTTL, network fetches as one batched
// kind-0 query across the relays supplied by relaysFn.
func NewProfileCache(store *cache.Store, memory cache.MemoryTier, router *outbox.Router, cfg *config.Config, relaysFn func() []string) *cache.Layered[protocol.Profile] {
	load := func(ctx context.Context, keys []string) (map[string]cache.Entry[protocol.Profile], error) {
		rows, err := store.GetProfiles(ctx, keys)
		if err != nil {
			return nil, err
		}
		out := make(map[string]cache.Entry[protocol.Profile], len(rows))
		for author, row := range rows {
			out[author] = cache.Entry[protocol.Profile]{
				Value: protocol.Profile{
					Name:        row.Name,
					DisplayName: row.DisplayName,
					About:       row.About,
					Picture:     row.Picture,
					Nip05:       row.Nip05,
				},
				CachedAt: row.CachedAt,
			}
		}
		return out, nil
	}

	storeFn := func(ctx context.Context, values map[string]protocol.Profile) error {
		return store.PutProfiles(ctx, values)
	}

	fetch := func(ctx context.Context, keys []string) (map[string]protocol.Profile, error) {
		events := router.QueryAll(ctx, relaysFn(), nostr.Filter{
			Authors: keys,
			Kinds:   []int{protocol.KindProfile},
			Limit:   len(keys),
		})
		latest := protocol.LatestPerAuthor(events)
		out := make(map[string]protocol.Profile, len(latest))
		for author, ev := range latest {
			p, err := protocol.ParseProfile(ev)
			if err != nil {
				continue
			}
			out[author] = *p
		}
		return out, nil
	}

	return cache.NewLayered("profile", cfg.Cache.ProfileTTL, memory, load, storeFn, fetch)
}

// NewEnricher wires the enrichment caches. relaysFn supplies the
// relay set to query for profiles and counts (defaults plus the
// current plan's relays).
func NewEnricher(store *cache.Store, memory cache.MemoryTier, router *outbox.Router, cfg *config.Config, me string, relaysFn func() []string) *Enricher {
	return &Enricher{
		store:        store,
		profiles:     NewProfileCache(store, memory, router, cfg, relaysFn),
		router:       router,
		me:           me,
		countTTL:     cfg.Cache.CountTTL,
		enrichCounts: cfg.Feed.EnrichCounts,
		relaysFn:     relaysFn,
		clock:        clockwork.NewRealClock(),
		logger:       logging.WithComponent("feed-enricher"),
	}
}

// Enrich runs profile and count lookups concurrently, joins them, and
// returns a new item slice with the results applied. The input is not
// mutated, so the caller can swap the result in under its own lock.
func (e *Enricher) Enrich(ctx context.Context, items []Item) []Item {
	ctx, span := telemetry.StartSpan(ctx, "feed.enrich")
	defer span.End()

	if len(items) == 0 {
		return items
	}

	authorSet := make(map[string]bool)
	ids := make([]string, 0, len(items))
	for _, it := range items {
		authorSet[it.Author] = true
		ids = append(ids, it.ID)
	}
	authors := make([]string, 0, len(authorSet))
	for a := range authorSet {
		authors = append(authors, a)
	}

	var (
		wg        sync.WaitGroup
		profiles  map[string]protocol.Profile
		reactions map[string]ReactionState
		comments  map[string]int64
	)

	wg.Add(1)
	go func() {
		defer wg.Done()
		profiles = e.profiles.GetBatch(ctx, authors)
	}()

	if e.enrichCounts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reactions = e.reactionCounts(ctx, ids)
		}()

		wg.Add(1)
		go func() {
			defer wg.Done()
			comments = e.commentCounts(ctx, ids)
		}()
	}

	wg.Wait()

	out := make([]Item, len(items))
	copy(out, items)
	for i := range out {
		if p, ok := profiles[out[i].Author]; ok {
			out[i].AuthorProfile = &AuthorDisplay{
				Name:        p.Name,
				DisplayName: p.DisplayName,
				Picture:     p.Picture,
			}
		}
		if r, ok := reactions[out[i].ID]; ok {
			out[i].Reactions = r
		}
		if c, ok := comments[out[i].ID]; ok {
			out[i].Comments = c
		}
	}
	return out
}

// reactionCounts serves fresh cached tallies and refetches the rest in
// one batched query. Counts are recomputed whole and overwritten.
func (e *Enricher) reactionCounts(ctx context.Context, ids []string) map[string]ReactionState {
	out := make(map[string]ReactionState, len(ids))

	cached, err := e.store.GetReactionCounts(ctx, ids)
	if err != nil {
		e.logger.Warn("Reaction count cache read failed", zap.Error(err))
	}
	now := e.clock.Now()
	var refetch []string
	for _, id := range ids {
		row, ok := cached[id]
		if ok && now.Sub(row.CachedAt) <= e.countTTL {
			out[id] = ReactionState{Count: row.Count, Reacted: row.Reacted}
			continue
		}
		if ok {
			// Stale fallback in case the fetch comes back empty-handed
			out[id] = ReactionState{Count: row.Count, Reacted: row.Reacted}
		}
		refetch = append(refetch, id)
	}
	if len(refetch) == 0 {
		return out
	}

	events := e.router.QueryAll(ctx, e.relaysFn(), nostr.Filter{
		Kinds: []int{protocol.KindReaction},
		Tags:  nostr.TagMap{"e": refetch},
	})
	if len(events) == 0 {
		// Dead relays and zero tallies are indistinguishable here.
		// Keep the stale values already in out and cache nothing; the
		// next pass retries.
		return out
	}

	tallies := make(map[string]ReactionState, len(refetch))
	for _, ev := range events {
		target := reactionTarget(ev)
		if target == "" {
			continue
		}
		state := tallies[target]
		state.Count++
		if ev.PubKey == e.me {
			state.Reacted = true
		}
		tallies[target] = state
	}

	rows := make(map[string]cache.ReactionCountCache, len(refetch))
	for _, id := range refetch {
		state := tallies[id]
		out[id] = state
		rows[id] = cache.ReactionCountCache{Count: state.Count, Reacted: state.Reacted}
	}
	if err := e.store.PutReactionCounts(ctx, rows); err != nil {
		e.logger.Warn("Failed to cache reaction counts", zap.Error(err))
	}
	return out
}

func (e *Enricher) commentCounts(ctx context.Context, ids []string) map[string]int64 {
	out := make(map[string]int64, len(ids))

	cached, err := e.store.GetCommentCounts(ctx, ids)
	if err != nil {
		e.logger.Warn("Comment count cache read failed", zap.Error(err))
	}
	now := e.clock.Now()
	var refetch []string
	for _, id := range ids {
		row, ok := cached[id]
		if ok && now.Sub(row.CachedAt) <= e.countTTL {
			out[id] = row.Count
			continue
		}
		if ok {
			out[id] = row.Count
		}
		refetch = append(refetch, id)
	}
	if len(refetch) == 0 {
		return out
	}

	events := e.router.QueryAll(ctx, e.relaysFn(), nostr.Filter{
		Kinds: []int{protocol.KindComment},
		Tags:  nostr.TagMap{"e": refetch},
	})
	if len(events) == 0 {
		return out
	}

	tallies := make(map[string]int64, len(refetch))
	for _, ev := range events {
		if target := reactionTarget(ev); target != "" {
			tallies[target]++
		}
	}

	rows := make(map[string]cache.CommentCountCache, len(refetch))
	for _, id := range refetch {
		out[id] = tallies[id]
		rows[id] = cache.CommentCountCache{Count: tallies[id]}
	}
	if err := e.store.PutCommentCounts(ctx, rows); err != nil {
		e.logger.Warn("Failed to cache comment counts", zap.Error(err))
	}
	return out
}

// reactionTarget returns the last e-tagged event id, which is the
// reacted-to or replied-to event by convention
func reactionTarget(ev *nostr.Event) string {
	target := ""
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == "e" {
			target = tag[1]
		}
	}
	return target
}
