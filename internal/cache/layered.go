package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/fairwaylabs/teebox/pkg/logging"
	"github.com/fairwaylabs/teebox/pkg/telemetry"
)

// Entry is one cached value with its freshness timestamp
type Entry[V any] struct {
	Value    V         `json:"value"`
	CachedAt time.Time `json:"cached_at"`
}

// LoadFunc reads entries from the durable tier for a key set
type LoadFunc[V any] func(ctx context.Context, keys []string) (map[string]Entry[V], error)

// StoreFunc writes values through to the durable tier
type StoreFunc[V any] func(ctx context.Context, values map[string]V) error

// FetchFunc issues exactly one batched network fetch for a key set.
// Keys absent from the result simply have nothing published for them.
type FetchFunc[V any] func(ctx context.Context, keys []string) (map[string]V, error)

// Layered is the memory → durable → network lookup pattern,
// instantiated per domain (profiles, relay lists, follow lists).
// Writes flow through every tier; staleness is bounded per instance.
type Layered[V any] struct {
	name   string
	ttl    time.Duration
	memory MemoryTier
	load   LoadFunc[V]
	store  StoreFunc[V]
	fetch  FetchFunc[V]
	clock  clockwork.Clock
	logger *zap.Logger
}

// NewLayered creates a layered cache instance. A nil memory tier
// skips that layer.
func NewLayered[V any](name string, ttl time.Duration, memory MemoryTier, load LoadFunc[V], store StoreFunc[V], fetch FetchFunc[V]) *Layered[V] {
	return &Layered[V]{
		name:   name,
		ttl:    ttl,
		memory: memory,
		load:   load,
		store:  store,
		fetch:  fetch,
		clock:  clockwork.NewRealClock(),
		logger: logging.WithComponent("cache-" + name),
	}
}

// WithClock replaces the clock, for staleness tests
func (l *Layered[V]) WithClock(clock clockwork.Clock) *Layered[V] {
	l.clock = clock
	return l
}

// Get resolves a single key through the tiers
func (l *Layered[V]) Get(ctx context.Context, key string) (V, bool) {
	res := l.GetBatch(ctx, []string{key})
	v, ok := res[key]
	return v, ok
}

// GetBatch resolves a key set: memory hits first, then one durable
// read for the remainder, then exactly one batched network fetch for
// whatever is still missing or stale. Fresh durable hits are promoted
// into memory; fetched values are written through both tiers. A stale
// durable value serves as fallback when the network has nothing.
func (l *Layered[V]) GetBatch(ctx context.Context, keys []string) map[string]V {
	ctx, span := telemetry.StartSpan(ctx, "cache."+l.name+".get_batch")
	defer span.End()

	out := make(map[string]V, len(keys))
	stale := make(map[string]V)
	var missing []string

	now := l.clock.Now()
	for _, key := range keys {
		if _, done := out[key]; done {
			continue
		}
		if l.memory == nil {
			missing = append(missing, key)
			continue
		}
		raw, ok := l.memory.Get(l.name + ":" + key)
		if !ok {
			missing = append(missing, key)
			continue
		}
		var entry Entry[V]
		if err := json.Unmarshal(raw, &entry); err != nil || now.Sub(entry.CachedAt) > l.ttl {
			// Undecodable or stale memory entries read as misses
			missing = append(missing, key)
			continue
		}
		out[key] = entry.Value
	}

	if len(missing) > 0 && l.load != nil {
		loaded, err := l.load(ctx, missing)
		if err != nil {
			l.logger.Warn("Durable tier read failed", zap.Error(err))
			loaded = nil
		}
		var unresolved []string
		for _, key := range missing {
			entry, ok := loaded[key]
			if !ok {
				unresolved = append(unresolved, key)
				continue
			}
			if now.Sub(entry.CachedAt) > l.ttl {
				stale[key] = entry.Value
				unresolved = append(unresolved, key)
				continue
			}
			out[key] = entry.Value
			l.promote(key, entry)
		}
		missing = unresolved
	}

	if len(missing) > 0 && l.fetch != nil {
		fetched, err := l.fetch(ctx, missing)
		if err != nil {
			l.logger.Warn("Network fetch failed, serving stale entries where possible",
				zap.Int("keys", len(missing)), zap.Error(err))
			fetched = nil
		}
		if len(fetched) > 0 {
			if l.store != nil {
				if err := l.store(ctx, fetched); err != nil {
					l.logger.Warn("Durable write-through failed", zap.Error(err))
				}
			}
			for key, value := range fetched {
				out[key] = value
				l.promote(key, Entry[V]{Value: value, CachedAt: now})
			}
		}
		for _, key := range missing {
			if _, ok := out[key]; ok {
				continue
			}
			if v, ok := stale[key]; ok {
				out[key] = v
			}
		}
	}

	return out
}

// Put writes a value through every tier
func (l *Layered[V]) Put(ctx context.Context, key string, value V) {
	if l.store != nil {
		if err := l.store(ctx, map[string]V{key: value}); err != nil {
			l.logger.Warn("Durable write failed", zap.String("key", key), zap.Error(err))
		}
	}
	l.promote(key, Entry[V]{Value: value, CachedAt: l.clock.Now()})
}

// Invalidate drops a key from the memory tier
func (l *Layered[V]) Invalidate(key string) {
	if l.memory != nil {
		l.memory.Delete(l.name + ":" + key)
	}
}

func (l *Layered[V]) promote(key string, entry Entry[V]) {
	if l.memory == nil {
		return
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return
	}
	l.memory.Set(l.name+":"+key, raw)
}
