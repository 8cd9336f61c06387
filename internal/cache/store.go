package cache

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/nbd-wtf/go-nostr"

	"github.com/fairwaylabs/teebox/internal/protocol"
	"github.com/fairwaylabs/teebox/pkg/logging"
)

// Store provides durable cache access. All writes are whole-row
// upserts; concurrent writers are safe via last-write-wins.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewStore creates a store over the cache database
func NewStore(db *DB) *Store {
	return &Store{
		db:     db.DB,
		logger: logging.WithComponent("cache-store"),
	}
}

// UpsertEvents writes verified raw events, idempotent on event id
func (s *Store) UpsertEvents(ctx context.Context, events []*nostr.Event) error {
	if len(events) == 0 {
		return nil
	}
	now := time.Now().UTC()
	rows := make([]CachedEvent, 0, len(events))
	for _, ev := range events {
		raw, err := json.Marshal(ev)
		if err != nil {
			s.logger.Warn("Failed to marshal event for cache", zap.String("id", ev.ID), zap.Error(err))
			continue
		}
		tags, _ := json.Marshal(ev.Tags)
		rows = append(rows, CachedEvent{
			ID:        ev.ID,
			Author:    ev.PubKey,
			Kind:      ev.Kind,
			CreatedAt: int64(ev.CreatedAt),
			Content:   ev.Content,
			Tags:      string(tags),
			Raw:       string(raw),
			FetchedAt: now,
		})
	}
	if len(rows) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&rows).Error
}

// RecentEvents returns the newest cached events of the given kinds,
// newest-first. Rows that no longer decode are skipped as misses.
func (s *Store) RecentEvents(ctx context.Context, kinds []int, limit int) ([]*nostr.Event, error) {
	var rows []CachedEvent
	q := s.db.WithContext(ctx).Order("created_at DESC, id ASC").Limit(limit)
	if len(kinds) > 0 {
		q = q.Where("kind IN ?", kinds)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	return s.decodeRows(rows), nil
}

// EventsByIDs returns whichever of the requested events are cached
func (s *Store) EventsByIDs(ctx context.Context, ids []string) ([]*nostr.Event, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var rows []CachedEvent
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&rows).Error; err != nil {
		return nil, err
	}
	return s.decodeRows(rows), nil
}

func (s *Store) decodeRows(rows []CachedEvent) []*nostr.Event {
	events := make([]*nostr.Event, 0, len(rows))
	for _, row := range rows {
		var ev nostr.Event
		if err := json.Unmarshal([]byte(row.Raw), &ev); err != nil {
			// Decode failure is a miss, never an error
			s.logger.Debug("Skipping undecodable cached event", zap.String("id", row.ID))
			continue
		}
		events = append(events, &ev)
	}
	return events
}

// PruneEvents keeps only the newest keep events by creation time
func (s *Store) PruneEvents(ctx context.Context, keep int) error {
	if keep <= 0 {
		return nil
	}
	sub := s.db.Model(&CachedEvent{}).
		Select("id").
		Order("created_at DESC, id ASC").
		Limit(keep)
	return s.db.WithContext(ctx).
		Where("id NOT IN (?)", sub).
		Delete(&CachedEvent{}).Error
}

// GetFollowList reads the cached follow set for an owner, or nil
func (s *Store) GetFollowList(ctx context.Context, owner string) (*FollowListCache, []string, error) {
	var row FollowListCache
	if err := s.db.WithContext(ctx).Where("owner = ?", owner).First(&row).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil, nil
		}
		return nil, nil, err
	}
	var authors []string
	if err := json.Unmarshal([]byte(row.Authors), &authors); err != nil {
		// Treat as a miss and fall through to the next tier
		return nil, nil, nil
	}
	return &row, authors, nil
}

// PutFollowList upserts the follow set for an owner
func (s *Store) PutFollowList(ctx context.Context, owner string, authors []string, eventCreatedAt int64) error {
	blob, err := json.Marshal(authors)
	if err != nil {
		return err
	}
	row := FollowListCache{
		Owner:          owner,
		Authors:        string(blob),
		EventCreatedAt: eventCreatedAt,
		CachedAt:       time.Now().UTC(),
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&row).Error
}

// GetRelayLists reads cached relay declarations for the given authors
func (s *Store) GetRelayLists(ctx context.Context, authors []string) (map[string]RelayListCache, error) {
	out := make(map[string]RelayListCache)
	if len(authors) == 0 {
		return out, nil
	}
	var rows []RelayListCache
	if err := s.db.WithContext(ctx).Where("author IN ?", authors).Find(&rows).Error; err != nil {
		return nil, err
	}
	for _, row := range rows {
		out[row.Author] = row
	}
	return out, nil
}

// PutRelayLists upserts relay declarations per author
func (s *Store) PutRelayLists(ctx context.Context, lists map[string][]protocol.RelayEntry) error {
	if len(lists) == 0 {
		return nil
	}
	now := time.Now().UTC()
	rows := make([]RelayListCache, 0, len(lists))
	for author, entries := range lists {
		blob, err := json.Marshal(entries)
		if err != nil {
			continue
		}
		rows = append(rows, RelayListCache{Author: author, Entries: string(blob), CachedAt: now})
	}
	if len(rows) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&rows).Error
}

// DecodeRelayList parses a cached relay-list row; a row that fails to
// decode reads as empty
func DecodeRelayList(row RelayListCache) []protocol.RelayEntry {
	var entries []protocol.RelayEntry
	if err := json.Unmarshal([]byte(row.Entries), &entries); err != nil {
		return nil
	}
	return entries
}

// GetProfiles reads cached display profiles for the given authors
func (s *Store) GetProfiles(ctx context.Context, authors []string) (map[string]ProfileCache, error) {
	out := make(map[string]ProfileCache)
	if len(authors) == 0 {
		return out, nil
	}
	var rows []ProfileCache
	if err := s.db.WithContext(ctx).Where("author IN ?", authors).Find(&rows).Error; err != nil {
		return nil, err
	}
	for _, row := range rows {
		out[row.Author] = row
	}
	return out, nil
}

// PutProfiles upserts display profiles per author
func (s *Store) PutProfiles(ctx context.Context, profiles map[string]protocol.Profile) error {
	if len(profiles) == 0 {
		return nil
	}
	now := time.Now().UTC()
	rows := make([]ProfileCache, 0, len(profiles))
	for author, p := range profiles {
		rows = append(rows, ProfileCache{
			Author:      author,
			Name:        p.Name,
			DisplayName: p.DisplayName,
			About:       p.About,
			Picture:     p.Picture,
			Nip05:       p.Nip05,
			CachedAt:    now,
		})
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&rows).Error
}

// GetReactionCounts reads cached reaction tallies for the given events
func (s *Store) GetReactionCounts(ctx context.Context, eventIDs []string) (map[string]ReactionCountCache, error) {
	out := make(map[string]ReactionCountCache)
	if len(eventIDs) == 0 {
		return out, nil
	}
	var rows []ReactionCountCache
	if err := s.db.WithContext(ctx).Where("event_id IN ?", eventIDs).Find(&rows).Error; err != nil {
		return nil, err
	}
	for _, row := range rows {
		out[row.EventID] = row
	}
	return out, nil
}

// PutReactionCounts upserts reaction tallies. Counts are recomputed
// and overwritten whole; never incremented in place.
func (s *Store) PutReactionCounts(ctx context.Context, counts map[string]ReactionCountCache) error {
	if len(counts) == 0 {
		return nil
	}
	now := time.Now().UTC()
	rows := make([]ReactionCountCache, 0, len(counts))
	for id, c := range counts {
		c.EventID = id
		c.CachedAt = now
		rows = append(rows, c)
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&rows).Error
}

// GetCommentCounts reads cached comment tallies for the given events
func (s *Store) GetCommentCounts(ctx context.Context, eventIDs []string) (map[string]CommentCountCache, error) {
	out := make(map[string]CommentCountCache)
	if len(eventIDs) == 0 {
		return out, nil
	}
	var rows []CommentCountCache
	if err := s.db.WithContext(ctx).Where("event_id IN ?", eventIDs).Find(&rows).Error; err != nil {
		return nil, err
	}
	for _, row := range rows {
		out[row.EventID] = row
	}
	return out, nil
}

// PutCommentCounts upserts comment tallies
func (s *Store) PutCommentCounts(ctx context.Context, counts map[string]CommentCountCache) error {
	if len(counts) == 0 {
		return nil
	}
	now := time.Now().UTC()
	rows := make([]CommentCountCache, 0, len(counts))
	for id, c := range counts {
		c.EventID = id
		c.CachedAt = now
		rows = append(rows, c)
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&rows).Error
}
