package protocol

import (
	"testing"

	"github.com/nbd-wtf/go-nostr"
)

func TestLatestPrefersGreaterTimestamp(t *testing.T) {
	older := &nostr.Event{ID: "aaa", PubKey: "alice", CreatedAt: 100}
	newer := &nostr.Event{ID: "bbb", PubKey: "alice", CreatedAt: 200}

	if got := Latest([]*nostr.Event{older, newer}); got != newer {
		t.Errorf("Latest returned %v, want the newer event", got)
	}
	// Order of arrival must not matter
	if got := Latest([]*nostr.Event{newer, older}); got != newer {
		t.Errorf("Latest is sensitive to input order")
	}
}

func TestLatestTieBreakBySmallestID(t *testing.T) {
	a := &nostr.Event{ID: "0a", PubKey: "alice", CreatedAt: 100}
	b := &nostr.Event{ID: "0b", PubKey: "alice", CreatedAt: 100}

	if got := Latest([]*nostr.Event{b, a}); got != a {
		t.Errorf("tie at same created_at must resolve to the smaller id")
	}
	if got := Latest([]*nostr.Event{a, b}); got != a {
		t.Errorf("tie-break is sensitive to input order")
	}
}

func TestLatestEmpty(t *testing.T) {
	if Latest(nil) != nil {
		t.Error("Latest(nil) should be nil")
	}
}

func TestLatestPerAuthor(t *testing.T) {
	events := []*nostr.Event{
		{ID: "a1", PubKey: "alice", CreatedAt: 100},
		{ID: "a2", PubKey: "alice", CreatedAt: 300},
		{ID: "b1", PubKey: "bob", CreatedAt: 200},
	}
	out := LatestPerAuthor(events)
	if len(out) != 2 {
		t.Fatalf("expected 2 authors, got %d", len(out))
	}
	if out["alice"].ID != "a2" {
		t.Errorf("alice resolved to %s, want a2", out["alice"].ID)
	}
	if out["bob"].ID != "b1" {
		t.Errorf("bob resolved to %s, want b1", out["bob"].ID)
	}
}
