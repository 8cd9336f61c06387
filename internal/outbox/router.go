package outbox

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nbd-wtf/go-nostr"

	"github.com/fairwaylabs/teebox/internal/protocol"
	"github.com/fairwaylabs/teebox/internal/relay"
	"github.com/fairwaylabs/teebox/pkg/config"
	"github.com/fairwaylabs/teebox/pkg/logging"
	"github.com/fairwaylabs/teebox/pkg/telemetry"
)

// Plan maps each author to the relay URLs their content is fetched
// from. A plan is computed once per refresh and reused by pagination.
type Plan map[string][]string

// Invert groups the plan by relay: relay URL → authors assigned to it.
// Authors cluster on popular relays, so hundreds of follows typically
// compress to a handful of connections.
func (p Plan) Invert() map[string][]string {
	byRelay := make(map[string][]string)
	for author, relays := range p {
		for _, url := range relays {
			byRelay[url] = append(byRelay[url], author)
		}
	}
	for url := range byRelay {
		sort.Strings(byRelay[url])
		byRelay[url] = dedupSorted(byRelay[url])
	}
	return byRelay
}

func dedupSorted(in []string) []string {
	out := in[:0]
	for i, s := range in {
		if i == 0 || s != in[i-1] {
			out = append(out, s)
		}
	}
	return out
}

// Router fans queries out across relays. One connection per distinct
// relay, one filtered query per connection, all concurrent, each under
// its own timeout. Results are merged, deduplicated by event id, and
// verified. A failed relay contributes zero events and never fails or
// delays the rest of the fan-out.
type Router struct {
	pool     *relay.Pool
	verifier protocol.Verifier
	timeout  time.Duration
	limit    int
	logger   *zap.Logger
}

// NewRouter creates a router over the connection pool
func NewRouter(pool *relay.Pool, verifier protocol.Verifier, cfg *config.RelayConfig) *Router {
	return &Router{
		pool:     pool,
		verifier: verifier,
		timeout:  cfg.QueryTimeout,
		limit:    cfg.QueryLimit,
		logger:   logging.WithComponent("outbox-router"),
	}
}

// FetchFeed queries each relay in the plan for its assigned authors'
// events of the given kinds, optionally bounded above by until.
func (r *Router) FetchFeed(ctx context.Context, plan Plan, kinds []int, until *nostr.Timestamp) []*nostr.Event {
	ctx, span := telemetry.StartSpan(ctx, "outbox.fetch_feed")
	defer span.End()

	byRelay := plan.Invert()
	queries := make(map[string]nostr.Filter, len(byRelay))
	for url, authors := range byRelay {
		queries[url] = nostr.Filter{
			Authors: authors,
			Kinds:   kinds,
			Until:   until,
			Limit:   r.limit,
		}
	}
	return r.fanOut(ctx, queries)
}

// QueryAll issues the same filter against every given relay
func (r *Router) QueryAll(ctx context.Context, relayURLs []string, filter nostr.Filter) []*nostr.Event {
	queries := make(map[string]nostr.Filter, len(relayURLs))
	for _, url := range relayURLs {
		queries[url] = filter
	}
	return r.fanOut(ctx, queries)
}

// fanOut runs one query per relay concurrently and merges the results.
func (r *Router) fanOut(ctx context.Context, queries map[string]nostr.Filter) []*nostr.Event {
	ctx, span := telemetry.StartSpan(ctx, "outbox.fan_out")
	defer span.End()

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		merged = make(map[string]*nostr.Event)
	)

	for url, filter := range queries {
		wg.Add(1)
		go func(url string, filter nostr.Filter) {
			defer wg.Done()

			qctx, cancel := context.WithTimeout(ctx, r.timeout)
			defer cancel()

			conn, err := r.pool.Get(qctx, url)
			if err != nil {
				return
			}
			events, err := conn.Query(qctx, []nostr.Filter{filter})
			if err != nil {
				r.logger.Warn("Relay query failed",
					zap.String("relay", url), zap.Error(err))
				r.pool.Evict(url)
				// Partial results are fine; keep whatever arrived
			}

			mu.Lock()
			defer mu.Unlock()
			for _, ev := range events {
				if ev == nil || ev.ID == "" {
					continue
				}
				if _, seen := merged[ev.ID]; seen {
					continue
				}
				if !r.verifier.Verify(ev) {
					continue
				}
				merged[ev.ID] = ev
			}
		}(url, filter)
	}
	wg.Wait()

	out := make([]*nostr.Event, 0, len(merged))
	for _, ev := range merged {
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt > out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})

	r.logger.Debug("Fan-out complete",
		zap.Int("relays", len(queries)),
		zap.Int("events", len(out)))
	return out
}

// FetchByIDs batch-fetches specific events by id across the given
// relays. Used for reference resolution; one round, one id-set filter.
func (r *Router) FetchByIDs(ctx context.Context, relayURLs []string, ids []string) []*nostr.Event {
	if len(ids) == 0 {
		return nil
	}
	return r.QueryAll(ctx, relayURLs, nostr.Filter{IDs: ids, Limit: len(ids)})
}

// Publish sends one signed event to every given relay. It succeeds if
// at least one relay accepts; the last error is returned when all fail.
func (r *Router) Publish(ctx context.Context, relayURLs []string, ev nostr.Event) error {
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
		lastErr  error
	)
	for _, url := range relayURLs {
		wg.Add(1)
		go func(url string) {
			defer wg.Done()

			pctx, cancel := context.WithTimeout(ctx, r.timeout)
			defer cancel()

			conn, err := r.pool.Get(pctx, url)
			if err != nil {
				mu.Lock()
				lastErr = err
				mu.Unlock()
				return
			}
			if err := conn.Publish(pctx, ev); err != nil {
				r.logger.Warn("Relay rejected event",
					zap.String("relay", url), zap.String("id", ev.ID), zap.Error(err))
				mu.Lock()
				lastErr = err
				mu.Unlock()
				return
			}
			mu.Lock()
			accepted++
			mu.Unlock()
		}(url)
	}
	wg.Wait()

	if accepted == 0 && lastErr != nil {
		return lastErr
	}
	return nil
}
