package feed

import (
	"github.com/fairwaylabs/teebox/internal/protocol"
)

// ItemKind is the display shape of one feed item
type ItemKind int

const (
	// ItemPost is a plain text post
	ItemPost ItemKind = iota
	// ItemRichPost is a post whose quoted session record resolved
	ItemRichPost
	// ItemSession is a standalone session record
	ItemSession
)

// ReactionState is the displayed reaction tally for one item
type ReactionState struct {
	Count   int64
	Reacted bool
}

// AuthorDisplay is the enriched display data for an item's author
type AuthorDisplay struct {
	Name        string
	DisplayName string
	Picture     string
}

// Item is one derived feed entry. Items are rebuilt from raw events on
// every load and never stored; the raw events are the unit of truth.
type Item struct {
	ID        string
	Author    string
	CreatedAt int64
	Kind      ItemKind

	// Post fields
	Text string

	// Resolved references; nil when resolution failed and the item
	// degraded to a plain post
	SessionEventID string
	Session        *protocol.SessionSummary
	Template       *protocol.DrillTemplate

	// Enrichment, filled after assembly
	AuthorProfile *AuthorDisplay
	Reactions     ReactionState
	Comments      int64
}

// FeedKinds are the event kinds that seed feed assembly
func FeedKinds() []int {
	return []int{protocol.KindPost, protocol.KindSessionRecord, protocol.KindLiveSession}
}
