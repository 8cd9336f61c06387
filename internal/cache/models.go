package cache

import (
	"time"
)

// CachedEvent is one verified raw event in the durable cache, keyed by
// event id. Upserts are idempotent; the raw blob is the wire-exact
// event so assembly always works from the original bytes.
type CachedEvent struct {
	ID        string    `gorm:"primaryKey;type:varchar(64);column:id"`
	Author    string    `gorm:"type:varchar(64);not null;index;column:author"`
	Kind      int       `gorm:"not null;index;column:kind"`
	CreatedAt int64     `gorm:"not null;index;column:created_at"`
	Content   string    `gorm:"type:text;column:content"`
	Tags      string    `gorm:"type:text;column:tags"`
	Raw       string    `gorm:"type:text;not null;column:raw"`
	FetchedAt time.Time `gorm:"not null;column:fetched_at"`
}

// TableName specifies the table name for CachedEvent
func (CachedEvent) TableName() string {
	return "event_cache"
}

// FollowListCache is the resolved follow set per owner author
type FollowListCache struct {
	Owner          string    `gorm:"primaryKey;type:varchar(64);column:owner"`
	Authors        string    `gorm:"type:text;not null;column:authors"` // JSON array
	EventCreatedAt int64     `gorm:"not null;column:event_created_at"`
	CachedAt       time.Time `gorm:"not null;column:cached_at"`
}

// TableName specifies the table name for FollowListCache
func (FollowListCache) TableName() string {
	return "follow_list_cache"
}

// RelayListCache is the declared relay set per author
type RelayListCache struct {
	Author   string    `gorm:"primaryKey;type:varchar(64);column:author"`
	Entries  string    `gorm:"type:text;not null;column:entries"` // JSON array with read/write markers
	CachedAt time.Time `gorm:"not null;column:cached_at"`
}

// TableName specifies the table name for RelayListCache
func (RelayListCache) TableName() string {
	return "relay_list_cache"
}

// ProfileCache holds display fields per author
type ProfileCache struct {
	Author      string    `gorm:"primaryKey;type:varchar(64);column:author"`
	Name        string    `gorm:"type:varchar(255);column:name"`
	DisplayName string    `gorm:"type:varchar(255);column:display_name"`
	About       string    `gorm:"type:text;column:about"`
	Picture     string    `gorm:"type:varchar(1024);column:picture"`
	Nip05       string    `gorm:"type:varchar(255);column:nip05"`
	CachedAt    time.Time `gorm:"not null;column:cached_at"`
}

// TableName specifies the table name for ProfileCache
func (ProfileCache) TableName() string {
	return "profile_cache"
}

// ReactionCountCache holds the reaction tally per event, plus whether
// the local user is among the reactors
type ReactionCountCache struct {
	EventID  string    `gorm:"primaryKey;type:varchar(64);column:event_id"`
	Count    int64     `gorm:"not null;default:0;column:count"`
	Reacted  bool      `gorm:"not null;default:false;column:reacted"`
	CachedAt time.Time `gorm:"not null;column:cached_at"`
}

// TableName specifies the table name for ReactionCountCache
func (ReactionCountCache) TableName() string {
	return "reaction_count_cache"
}

// CommentCountCache holds the comment tally per event
type CommentCountCache struct {
	EventID  string    `gorm:"primaryKey;type:varchar(64);column:event_id"`
	Count    int64     `gorm:"not null;default:0;column:count"`
	CachedAt time.Time `gorm:"not null;column:cached_at"`
}

// TableName specifies the table name for CommentCountCache
func (CommentCountCache) TableName() string {
	return "comment_count_cache"
}
