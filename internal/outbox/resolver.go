package outbox

import (
	"context"

	"go.uber.org/zap"

	"github.com/nbd-wtf/go-nostr"

	"github.com/fairwaylabs/teebox/internal/cache"
	"github.com/fairwaylabs/teebox/internal/protocol"
	"github.com/fairwaylabs/teebox/pkg/config"
	"github.com/fairwaylabs/teebox/pkg/logging"
	"github.com/fairwaylabs/teebox/pkg/telemetry"
)

// maxWriteRelays bounds how many declared write relays are used per
// author; declarations beyond this add connections without coverage.
const maxWriteRelays = 4

// Resolver discovers which relays each author publishes to, through
// the memory → durable → network tiers. Authors with no discoverable
// declaration fall back to the configured default relay set, so the
// returned plan always covers every requested author.
type Resolver struct {
	cache    *cache.Layered[[]protocol.RelayEntry]
	defaults []string
	logger   *zap.Logger
}

// NewResolver wires the resolver's cache tiers. Network fetches are a
// single batched kind-10002 query across the default relays.
func NewResolver(store *cache.Store, memory cache.MemoryTier, router *Router, cfg *config.Config) *Resolver {
	defaults := cfg.Relay.DefaultRelays

	load := func(ctx context.Context, keys []string) (map[string]cache.Entry[[]protocol.RelayEntry], error) {
		rows, err := store.GetRelayLists(ctx, keys)
		if err != nil {
			return nil, err
		}
		out := make(map[string]cache.Entry[[]protocol.RelayEntry], len(rows))
		for author, row := range rows {
			entries := cache.DecodeRelayList(row)
			if entries == nil {
				// Undecodable rows read as misses
				continue
			}
			out[author] = cache.Entry[[]protocol.RelayEntry]{Value: entries, CachedAt: row.CachedAt}
		}
		return out, nil
	}

	storeFn := func(ctx context.Context, values map[string][]protocol.RelayEntry) error {
		return store.PutRelayLists(ctx, values)
	}

	fetch := func(ctx context.Context, keys []string) (map[string][]protocol.RelayEntry, error) {
		ctx, span := telemetry.StartSpan(ctx, "resolver.fetch_relay_lists")
		defer span.End()

		// One batched query listing all unresolved authors
		events := router.QueryAll(ctx, defaults, nostr.Filter{
			Authors: keys,
			Kinds:   []int{protocol.KindRelayList},
			Limit:   len(keys),
		})
		latest := protocol.LatestPerAuthor(events)
		out := make(map[string][]protocol.RelayEntry, len(latest))
		for author, ev := range latest {
			if entries := protocol.ParseRelayList(ev); len(entries) > 0 {
				out[author] = entries
			}
		}
		return out, nil
	}

	layered := cache.NewLayered("relays", cfg.Cache.RelayListTTL, memory, load, storeFn, fetch)

	return &Resolver{
		cache:    layered,
		defaults: defaults,
		logger:   logging.WithComponent("relay-resolver"),
	}
}

// Resolve maps every input author to their declared write relays,
// falling back to the defaults. The output is complete by contract.
func (r *Resolver) Resolve(ctx context.Context, authors []string) Plan {
	ctx, span := telemetry.StartSpan(ctx, "resolver.resolve")
	defer span.End()

	resolved := r.cache.GetBatch(ctx, authors)

	plan := make(Plan, len(authors))
	declared := 0
	for _, author := range authors {
		urls := writeRelays(resolved[author])
		if len(urls) == 0 {
			urls = r.defaults
		} else {
			declared++
		}
		plan[author] = urls
	}

	r.logger.Debug("Resolved relay plan",
		zap.Int("authors", len(authors)),
		zap.Int("declared", declared),
		zap.Int("defaulted", len(authors)-declared))
	return plan
}

func writeRelays(entries []protocol.RelayEntry) []string {
	var urls []string
	for _, e := range entries {
		if !e.Write {
			continue
		}
		urls = append(urls, e.URL)
		if len(urls) == maxWriteRelays {
			break
		}
	}
	return urls
}
