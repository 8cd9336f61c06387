package cache

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/nbd-wtf/go-nostr"

	"github.com/fairwaylabs/teebox/internal/protocol"
	"github.com/fairwaylabs/teebox/pkg/config"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	cfg := &config.CacheConfig{Path: filepath.Join(t.TempDir(), "cache.db")}
	db, err := Open(cfg, "ERROR")
	if err != nil {
		t.Fatalf("failed to open cache db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewStore(db)
}

func testEvent(id, author string, kind int, createdAt int64) *nostr.Event {
	return &nostr.Event{
		ID:        id,
		PubKey:    author,
		Kind:      kind,
		CreatedAt: nostr.Timestamp(createdAt),
		Content:   "content-" + id,
		Tags:      nostr.Tags{},
		Sig:       "sig-" + id,
	}
}

func TestUpsertEventsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	ev := testEvent("e1", "alice", protocol.KindPost, 100)
	if err := s.UpsertEvents(ctx, []*nostr.Event{ev}); err != nil {
		t.Fatalf("first upsert failed: %v", err)
	}
	if err := s.UpsertEvents(ctx, []*nostr.Event{ev}); err != nil {
		t.Fatalf("second upsert failed: %v", err)
	}

	events, err := s.RecentEvents(ctx, nil, 10)
	if err != nil {
		t.Fatalf("RecentEvents failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event after duplicate upsert, got %d", len(events))
	}
	if events[0].ID != "e1" || events[0].Content != "content-e1" {
		t.Errorf("round-tripped event mismatch: %+v", events[0])
	}
}

func TestRecentEventsOrderAndKindFilter(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	events := []*nostr.Event{
		testEvent("old", "alice", protocol.KindPost, 100),
		testEvent("new", "bob", protocol.KindPost, 300),
		testEvent("mid", "carol", protocol.KindSessionRecord, 200),
		testEvent("reaction", "dave", protocol.KindReaction, 400),
	}
	if err := s.UpsertEvents(ctx, events); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	got, err := s.RecentEvents(ctx, []int{protocol.KindPost, protocol.KindSessionRecord}, 10)
	if err != nil {
		t.Fatalf("RecentEvents failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 feed-kind events, got %d", len(got))
	}
	if got[0].ID != "new" || got[1].ID != "mid" || got[2].ID != "old" {
		t.Errorf("wrong order: %s, %s, %s", got[0].ID, got[1].ID, got[2].ID)
	}
}

func TestPruneEventsKeepsNewest(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	var events []*nostr.Event
	for i := int64(1); i <= 10; i++ {
		events = append(events, testEvent(string(rune('a'+i)), "alice", protocol.KindPost, i*100))
	}
	if err := s.UpsertEvents(ctx, events); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	if err := s.PruneEvents(ctx, 3); err != nil {
		t.Fatalf("prune failed: %v", err)
	}

	got, err := s.RecentEvents(ctx, nil, 100)
	if err != nil {
		t.Fatalf("RecentEvents failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 events after prune, got %d", len(got))
	}
	if got[0].CreatedAt != 1000 || got[2].CreatedAt != 800 {
		t.Errorf("prune kept the wrong events: %v, %v", got[0].CreatedAt, got[2].CreatedAt)
	}
}

func TestEventsByIDs(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if err := s.UpsertEvents(ctx, []*nostr.Event{
		testEvent("e1", "alice", protocol.KindPost, 100),
		testEvent("e2", "bob", protocol.KindSessionRecord, 200),
	}); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	got, err := s.EventsByIDs(ctx, []string{"e1", "missing"})
	if err != nil {
		t.Fatalf("EventsByIDs failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != "e1" {
		t.Errorf("expected only e1, got %v", got)
	}
}

func TestFollowListRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if err := s.PutFollowList(ctx, "me", []string{"alice", "bob"}, 12345); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	row, authors, err := s.GetFollowList(ctx, "me")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if row == nil {
		t.Fatal("expected a cached follow list")
	}
	if row.EventCreatedAt != 12345 {
		t.Errorf("wrong source timestamp: %d", row.EventCreatedAt)
	}
	if len(authors) != 2 || authors[0] != "alice" {
		t.Errorf("wrong authors: %v", authors)
	}

	// Overwrite wins whole-row
	if err := s.PutFollowList(ctx, "me", []string{"carol"}, 99999); err != nil {
		t.Fatalf("overwrite failed: %v", err)
	}
	_, authors, err = s.GetFollowList(ctx, "me")
	if err != nil {
		t.Fatalf("get after overwrite failed: %v", err)
	}
	if len(authors) != 1 || authors[0] != "carol" {
		t.Errorf("overwrite did not replace follow set: %v", authors)
	}
}

func TestRelayListRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	lists := map[string][]protocol.RelayEntry{
		"alice": {{URL: "wss://r1.example.com", Read: true, Write: true}},
		"bob":   {{URL: "wss://r2.example.com", Write: true}},
	}
	if err := s.PutRelayLists(ctx, lists); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	rows, err := s.GetRelayLists(ctx, []string{"alice", "bob", "carol"})
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	entries := DecodeRelayList(rows["alice"])
	if len(entries) != 1 || entries[0].URL != "wss://r1.example.com" {
		t.Errorf("wrong alice entries: %v", entries)
	}
}

func TestReactionCountOverwrite(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if err := s.PutReactionCounts(ctx, map[string]ReactionCountCache{
		"e1": {Count: 3, Reacted: false},
	}); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	// Recompute-and-overwrite, never increment
	if err := s.PutReactionCounts(ctx, map[string]ReactionCountCache{
		"e1": {Count: 4, Reacted: true},
	}); err != nil {
		t.Fatalf("overwrite failed: %v", err)
	}

	counts, err := s.GetReactionCounts(ctx, []string{"e1"})
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if c := counts["e1"]; c.Count != 4 || !c.Reacted {
		t.Errorf("overwrite lost: %+v", c)
	}
}
