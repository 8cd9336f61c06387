package feed

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/nbd-wtf/go-nostr"

	"github.com/fairwaylabs/teebox/internal/cache"
	"github.com/fairwaylabs/teebox/internal/outbox"
	"github.com/fairwaylabs/teebox/internal/protocol"
	"github.com/fairwaylabs/teebox/internal/relay"
	"github.com/fairwaylabs/teebox/internal/relay/relaytest"
)

func enricherFixture(t *testing.T, conn *relaytest.Conn, me string) (*Enricher, *cache.Store) {
	t.Helper()
	cfg := orchestratorConfig(t)

	db, err := cache.Open(&cfg.Cache, "ERROR")
	if err != nil {
		t.Fatalf("failed to open cache: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	store := cache.NewStore(db)

	mem, err := cache.NewLRUTier(cfg.Cache.MemorySize)
	if err != nil {
		t.Fatalf("failed to create memory tier: %v", err)
	}

	dialer := relaytest.NewDialer(map[string]*relaytest.Conn{"wss://home": conn})
	router := outbox.NewRouter(relay.NewPool(dialer), acceptAll{}, &cfg.Relay)
	relaysFn := func() []string { return []string{"wss://home"} }

	return NewEnricher(store, mem, router, cfg, me, relaysFn), store
}

func reactionEvent(id, author, target string) *nostr.Event {
	return &nostr.Event{
		ID:        id,
		PubKey:    author,
		CreatedAt: nostr.Now(),
		Kind:      protocol.KindReaction,
		Tags:      nostr.Tags{{"e", target}},
		Content:   "+",
	}
}

func TestEnrichTalliesFromNetwork(t *testing.T) {
	conn := &relaytest.Conn{Addr: "wss://home"}
	enricher, store := enricherFixture(t, conn, "me")

	conn.Events = []*nostr.Event{
		reactionEvent("r1", "alice", "post1"),
		reactionEvent("r2", "me", "post1"),
		{
			ID:        "c1",
			PubKey:    "bob",
			CreatedAt: nostr.Now(),
			Kind:      protocol.KindComment,
			Tags:      nostr.Tags{{"e", "post1"}},
			Content:   "nice round",
		},
	}

	items := enricher.Enrich(context.Background(), []Item{
		{ID: "post1", Author: "alice", CreatedAt: 100, Kind: ItemPost},
	})

	if items[0].Reactions.Count != 2 || !items[0].Reactions.Reacted {
		t.Fatalf("reactions = %+v, want count 2 reacted", items[0].Reactions)
	}
	if items[0].Comments != 1 {
		t.Fatalf("comments = %d, want 1", items[0].Comments)
	}

	// Tallies are persisted for the next paint
	counts, err := store.GetReactionCounts(context.Background(), []string{"post1"})
	if err != nil {
		t.Fatalf("count read failed: %v", err)
	}
	if row := counts["post1"]; row.Count != 2 || !row.Reacted {
		t.Fatalf("persisted = %+v", row)
	}
}

func TestEnrichServesFreshCountsWithoutQuerying(t *testing.T) {
	conn := &relaytest.Conn{Addr: "wss://home"}
	enricher, store := enricherFixture(t, conn, "me")

	ctx := context.Background()
	if err := store.PutReactionCounts(ctx, map[string]cache.ReactionCountCache{
		"post1": {Count: 5, Reacted: true},
	}); err != nil {
		t.Fatalf("failed to seed counts: %v", err)
	}
	if err := store.PutCommentCounts(ctx, map[string]cache.CommentCountCache{
		"post1": {Count: 2},
	}); err != nil {
		t.Fatalf("failed to seed counts: %v", err)
	}

	items := enricher.Enrich(ctx, []Item{
		{ID: "post1", Author: "alice", CreatedAt: 100, Kind: ItemPost},
	})

	if items[0].Reactions.Count != 5 || !items[0].Reactions.Reacted {
		t.Fatalf("reactions = %+v, want cached tally", items[0].Reactions)
	}
	if items[0].Comments != 2 {
		t.Fatalf("comments = %d, want cached tally", items[0].Comments)
	}

	for _, q := range conn.Queries() {
		for _, f := range q {
			for _, k := range f.Kinds {
				if k == protocol.KindReaction || k == protocol.KindComment {
					t.Fatal("fresh cached counts still hit the network")
				}
			}
		}
	}
}

func TestEnrichKeepsStaleCountsWhenRelaysDown(t *testing.T) {
	conn := &relaytest.Conn{Addr: "wss://home", FailQuery: true}
	enricher, store := enricherFixture(t, conn, "me")

	ctx := context.Background()
	if err := store.PutReactionCounts(ctx, map[string]cache.ReactionCountCache{
		"post1": {Count: 7, Reacted: true},
	}); err != nil {
		t.Fatalf("failed to seed counts: %v", err)
	}
	if err := store.PutCommentCounts(ctx, map[string]cache.CommentCountCache{
		"post1": {Count: 3},
	}); err != nil {
		t.Fatalf("failed to seed counts: %v", err)
	}

	// Push the rows past CountTTL so a refetch is attempted
	enricher.clock = clockwork.NewFakeClockAt(time.Now().Add(time.Hour))

	items := enricher.Enrich(ctx, []Item{
		{ID: "post1", Author: "alice", CreatedAt: 100, Kind: ItemPost},
	})

	if items[0].Reactions.Count != 7 || !items[0].Reactions.Reacted {
		t.Fatalf("reactions = %+v, want the stale tally", items[0].Reactions)
	}
	if items[0].Comments != 3 {
		t.Fatalf("comments = %d, want the stale tally", items[0].Comments)
	}

	// The old tallies must survive in the durable cache, not be
	// overwritten with zeros
	counts, err := store.GetReactionCounts(ctx, []string{"post1"})
	if err != nil {
		t.Fatalf("count read failed: %v", err)
	}
	if row := counts["post1"]; row.Count != 7 || !row.Reacted {
		t.Fatalf("persisted reactions = %+v, want the original tally", row)
	}
	comments, err := store.GetCommentCounts(ctx, []string{"post1"})
	if err != nil {
		t.Fatalf("count read failed: %v", err)
	}
	if row := comments["post1"]; row.Count != 3 {
		t.Fatalf("persisted comments = %+v, want the original tally", row)
	}
}

func TestEnrichAppliesAuthorProfiles(t *testing.T) {
	conn := &relaytest.Conn{Addr: "wss://home"}
	enricher, store := enricherFixture(t, conn, "me")

	ctx := context.Background()
	if err := store.PutProfiles(ctx, map[string]protocol.Profile{
		"alice": {Name: "alice", DisplayName: "Alice B", Picture: "https://x/a.png"},
	}); err != nil {
		t.Fatalf("failed to seed profiles: %v", err)
	}

	items := enricher.Enrich(ctx, []Item{
		{ID: "post1", Author: "alice", CreatedAt: 100, Kind: ItemPost},
	})

	got := items[0].AuthorProfile
	if got == nil || got.DisplayName != "Alice B" {
		t.Fatalf("author profile = %+v", got)
	}
}

func TestEnrichDoesNotMutateInput(t *testing.T) {
	conn := &relaytest.Conn{Addr: "wss://home"}
	enricher, store := enricherFixture(t, conn, "me")

	ctx := context.Background()
	if err := store.PutReactionCounts(ctx, map[string]cache.ReactionCountCache{
		"post1": {Count: 9, Reacted: false},
	}); err != nil {
		t.Fatalf("failed to seed counts: %v", err)
	}

	in := []Item{{ID: "post1", Author: "alice", CreatedAt: 100, Kind: ItemPost}}
	out := enricher.Enrich(ctx, in)

	if in[0].Reactions.Count != 0 {
		t.Fatal("input slice was mutated")
	}
	if out[0].Reactions.Count != 9 {
		t.Fatalf("output reactions = %+v", out[0].Reactions)
	}
}
