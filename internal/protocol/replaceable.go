package protocol

import (
	"github.com/nbd-wtf/go-nostr"
)

// Latest returns the authoritative instance among candidate replaceable
// events: strictly greater created_at wins; on an exact timestamp tie
// the lexicographically smaller id wins, so resolution is deterministic
// regardless of arrival order. Returns nil for an empty slice.
func Latest(events []*nostr.Event) *nostr.Event {
	var best *nostr.Event
	for _, ev := range events {
		if ev == nil {
			continue
		}
		if best == nil || newer(ev, best) {
			best = ev
		}
	}
	return best
}

// LatestPerAuthor resolves replaceable events per author.
func LatestPerAuthor(events []*nostr.Event) map[string]*nostr.Event {
	out := make(map[string]*nostr.Event)
	for _, ev := range events {
		if ev == nil {
			continue
		}
		if cur, ok := out[ev.PubKey]; !ok || newer(ev, cur) {
			out[ev.PubKey] = ev
		}
	}
	return out
}

func newer(a, b *nostr.Event) bool {
	if a.CreatedAt != b.CreatedAt {
		return a.CreatedAt > b.CreatedAt
	}
	return a.ID < b.ID
}
