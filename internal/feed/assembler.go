package feed

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/nbd-wtf/go-nostr"

	"github.com/fairwaylabs/teebox/internal/cache"
	"github.com/fairwaylabs/teebox/internal/protocol"
	"github.com/fairwaylabs/teebox/pkg/logging"
	"github.com/fairwaylabs/teebox/pkg/telemetry"
)

// ReferenceFetcher batch-fetches events by id from the network. Nil
// means cache-only assembly (the instant-paint path).
type ReferenceFetcher func(ctx context.Context, ids []string) []*nostr.Event

// Assembler turns a deduplicated raw event set into an ordered feed.
// Assembly is a pure function of (event set, cache snapshot): the same
// inputs always produce the same ordered output.
type Assembler struct {
	store  *cache.Store
	logger *zap.Logger
}

// NewAssembler creates a feed assembler over the durable cache
func NewAssembler(store *cache.Store) *Assembler {
	return &Assembler{
		store:  store,
		logger: logging.WithComponent("feed-assembler"),
	}
}

// Assemble classifies the events, resolves quoted session records and
// their drill templates in at most two batched rounds, and returns
// feed items newest-first.
func (a *Assembler) Assemble(ctx context.Context, events []*nostr.Event, fetch ReferenceFetcher) []Item {
	ctx, span := telemetry.StartSpan(ctx, "feed.assemble")
	defer span.End()

	var (
		posts    []protocol.Decoded
		sessions []protocol.Decoded
		known    = make(map[string]protocol.Decoded)
	)
	for _, ev := range events {
		d := protocol.Decode(ev)
		switch d.Class {
		case protocol.ClassPlainPost:
			posts = append(posts, d)
		case protocol.ClassSessionRecord:
			sessions = append(sessions, d)
		case protocol.ClassDrillTemplate:
			// Templates only provide context, never standalone items
		default:
			continue
		}
		known[ev.ID] = d
	}

	// Round 1: quoted session records referenced by posts
	var quoted []string
	for _, p := range posts {
		for _, id := range p.Post.QuotedIDs {
			if _, ok := known[id]; !ok {
				quoted = append(quoted, id)
			}
		}
	}
	a.resolveRound(ctx, quoted, known, fetch)

	// Round 2: drill templates referenced by resolved session records
	var templateIDs []string
	sessionRefs := func(d protocol.Decoded) {
		if d.Class != protocol.ClassSessionRecord || d.Session.TemplateEventID == "" {
			return
		}
		if _, ok := known[d.Session.TemplateEventID]; !ok {
			templateIDs = append(templateIDs, d.Session.TemplateEventID)
		}
	}
	for _, s := range sessions {
		sessionRefs(s)
	}
	for _, p := range posts {
		for _, id := range p.Post.QuotedIDs {
			if d, ok := known[id]; ok {
				sessionRefs(d)
			}
		}
	}
	a.resolveRound(ctx, templateIDs, known, fetch)
	// Never a third round: anything still missing degrades below.

	consumed := make(map[string]bool)
	items := make([]Item, 0, len(posts)+len(sessions))

	for _, p := range posts {
		item := Item{
			ID:        p.Event.ID,
			Author:    p.Event.PubKey,
			CreatedAt: int64(p.Event.CreatedAt),
			Kind:      ItemPost,
			Text:      p.Post.Text,
		}
		for _, id := range p.Post.QuotedIDs {
			ref, ok := known[id]
			if !ok || ref.Class != protocol.ClassSessionRecord {
				continue
			}
			item.Kind = ItemRichPost
			item.SessionEventID = id
			item.Session = ref.Session
			item.Template = a.templateFor(ref, known)
			consumed[id] = true
			break
		}
		// Unresolvable quotes fail open as a plain post
		items = append(items, item)
	}

	for _, s := range sessions {
		if consumed[s.Event.ID] {
			// Already shown inside someone's quote
			continue
		}
		items = append(items, Item{
			ID:        s.Event.ID,
			Author:    s.Event.PubKey,
			CreatedAt: int64(s.Event.CreatedAt),
			Kind:      ItemSession,
			Session:   s.Session,
			Template:  a.templateFor(s, known),
		})
	}

	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt != items[j].CreatedAt {
			return items[i].CreatedAt > items[j].CreatedAt
		}
		return items[i].ID < items[j].ID
	})

	a.logger.Debug("Assembled feed",
		zap.Int("events", len(events)),
		zap.Int("items", len(items)))
	return items
}

// resolveRound fills the requested ids into known, trying the durable
// cache first and issuing at most one batched network fetch for the
// remainder. Fetched events are written through to the cache.
func (a *Assembler) resolveRound(ctx context.Context, ids []string, known map[string]protocol.Decoded, fetch ReferenceFetcher) {
	ids = dedup(ids)
	if len(ids) == 0 {
		return
	}

	cached, err := a.store.EventsByIDs(ctx, ids)
	if err != nil {
		a.logger.Warn("Cache read failed during reference resolution", zap.Error(err))
	}
	for _, ev := range cached {
		known[ev.ID] = protocol.Decode(ev)
	}

	var missing []string
	for _, id := range ids {
		if _, ok := known[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 || fetch == nil {
		return
	}

	fetched := fetch(ctx, missing)
	if len(fetched) == 0 {
		return
	}
	if err := a.store.UpsertEvents(ctx, fetched); err != nil {
		a.logger.Warn("Failed to cache resolved references", zap.Error(err))
	}
	for _, ev := range fetched {
		known[ev.ID] = protocol.Decode(ev)
	}
}

func (a *Assembler) templateFor(session protocol.Decoded, known map[string]protocol.Decoded) *protocol.DrillTemplate {
	id := session.Session.TemplateEventID
	if id == "" {
		return nil
	}
	if ref, ok := known[id]; ok && ref.Class == protocol.ClassDrillTemplate {
		return ref.Template
	}
	return nil
}

func dedup(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
