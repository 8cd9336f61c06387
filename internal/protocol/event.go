package protocol

import (
	"encoding/json"

	"github.com/nbd-wtf/go-nostr"
)

// Class is the closed set of event shapes the feed understands.
type Class int

const (
	ClassUnknown Class = iota
	ClassPlainPost
	ClassSessionRecord
	ClassDrillTemplate
)

// String returns a readable class name
func (c Class) String() string {
	switch c {
	case ClassPlainPost:
		return "post"
	case ClassSessionRecord:
		return "session"
	case ClassDrillTemplate:
		return "template"
	default:
		return "unknown"
	}
}

// Decoded is an event decoded exactly once into its domain shape.
// Exactly one of Post, Session, Template is non-nil for the
// corresponding class; all are nil for ClassUnknown.
type Decoded struct {
	Event    *nostr.Event
	Class    Class
	Post     *PostContent
	Session  *SessionSummary
	Template *DrillTemplate
}

// PostContent is a plain text post, possibly quoting other events.
type PostContent struct {
	Text      string
	QuotedIDs []string
}

// SessionSummary is the itemized result of one practice sub-session,
// referencing the drill template it was graded against.
type SessionSummary struct {
	Club         string   `json:"club"`
	ShotCount    int      `json:"shot_count"`
	ACount       int      `json:"a_count"`
	BCount       int      `json:"b_count"`
	CCount       int      `json:"c_count"`
	Validity     string   `json:"validity_status"`
	APercentage  *float64 `json:"a_percentage,omitempty"`
	AvgCarry     float64  `json:"avg_carry"`
	AvgBallSpeed float64  `json:"avg_ball_speed"`
	AvgSpin      float64  `json:"avg_spin"`
	AvgDescent   float64  `json:"avg_descent"`
	SessionDate  string   `json:"session_date,omitempty"`
	DeviceType   string   `json:"device_type,omitempty"`

	// References carried in tags, not content
	TemplateEventID string `json:"-"`
	TemplateHash    string `json:"-"`
}

// Validity status values for a session, by shot count
const (
	ValidityValid        = "valid"
	ValidityLowSample    = "valid_low_sample_warning"
	ValidityInsufficient = "invalid_insufficient_data"
)

// DrillTemplate is a grading-rules snapshot. The integrity hash is
// computed by the publisher over the canonical content; this engine
// carries it opaquely and never recomputes it.
type DrillTemplate struct {
	Club              string          `json:"club"`
	Version           string          `json:"version,omitempty"`
	AggregationMethod string          `json:"aggregation_method,omitempty"`
	Metrics           json.RawMessage `json:"metrics,omitempty"`

	TemplateHash string `json:"-"` // from the d tag
}

// Decode classifies a verified event and parses its domain payload.
// Malformed payloads demote the event to ClassUnknown rather than
// erroring; the feed drops unknowns.
func Decode(ev *nostr.Event) Decoded {
	if ev == nil {
		return Decoded{Class: ClassUnknown}
	}
	switch ev.Kind {
	case KindPost:
		return Decoded{Event: ev, Class: ClassPlainPost, Post: decodePost(ev)}
	case KindSessionRecord, KindLiveSession:
		s := decodeSession(ev)
		if s == nil {
			return Decoded{Event: ev, Class: ClassUnknown}
		}
		return Decoded{Event: ev, Class: ClassSessionRecord, Session: s}
	case KindDrillTemplate:
		t := decodeTemplate(ev)
		if t == nil {
			return Decoded{Event: ev, Class: ClassUnknown}
		}
		return Decoded{Event: ev, Class: ClassDrillTemplate, Template: t}
	default:
		return Decoded{Event: ev, Class: ClassUnknown}
	}
}

func decodePost(ev *nostr.Event) *PostContent {
	post := &PostContent{Text: ev.Content}
	seen := make(map[string]bool)
	for _, tag := range ev.Tags {
		if len(tag) < 2 || tag[0] != "q" || tag[1] == "" {
			continue
		}
		if !seen[tag[1]] {
			seen[tag[1]] = true
			post.QuotedIDs = append(post.QuotedIDs, tag[1])
		}
	}
	return post
}

func decodeSession(ev *nostr.Event) *SessionSummary {
	var s SessionSummary
	if err := json.Unmarshal([]byte(ev.Content), &s); err != nil {
		return nil
	}
	if s.Club == "" {
		return nil
	}
	switch s.Validity {
	case ValidityValid, ValidityLowSample, ValidityInsufficient:
	default:
		// Absent or unrecognized status derives from the shot count
		s.Validity = ValidityForShots(s.ShotCount)
	}
	for _, tag := range ev.Tags {
		if len(tag) < 2 {
			continue
		}
		switch tag[0] {
		case "e":
			if s.TemplateEventID == "" {
				s.TemplateEventID = tag[1]
			}
		case "template":
			s.TemplateHash = tag[1]
		}
	}
	return &s
}

// ValidityForShots grades a session by sample size: fewer than 5 shots
// is statistically meaningless, fewer than 15 carries a warning.
func ValidityForShots(shots int) string {
	switch {
	case shots < 5:
		return ValidityInsufficient
	case shots < 15:
		return ValidityLowSample
	default:
		return ValidityValid
	}
}

func decodeTemplate(ev *nostr.Event) *DrillTemplate {
	var t DrillTemplate
	if err := json.Unmarshal([]byte(ev.Content), &t); err != nil {
		return nil
	}
	if t.Club == "" {
		return nil
	}
	if d := firstTagValue(ev, "d"); d != "" {
		t.TemplateHash = d
	}
	return &t
}

func firstTagValue(ev *nostr.Event, key string) string {
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == key {
			return tag[1]
		}
	}
	return ""
}

// Profile is the display subset of a kind-0 metadata event.
type Profile struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	About       string `json:"about"`
	Picture     string `json:"picture"`
	Nip05       string `json:"nip05"`
}

// ParseProfile decodes a kind-0 metadata event's content
func ParseProfile(ev *nostr.Event) (*Profile, error) {
	var p Profile
	if err := json.Unmarshal([]byte(ev.Content), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// ParseFollows extracts followed author keys from a kind-3 event,
// preserving declaration order and dropping duplicates.
func ParseFollows(ev *nostr.Event) []string {
	var follows []string
	seen := make(map[string]bool)
	for _, tag := range ev.Tags {
		if len(tag) < 2 || tag[0] != "p" || tag[1] == "" {
			continue
		}
		if !seen[tag[1]] {
			seen[tag[1]] = true
			follows = append(follows, tag[1])
		}
	}
	return follows
}

// RelayEntry is one declared relay with its read/write markers.
type RelayEntry struct {
	URL   string `json:"url"`
	Read  bool   `json:"read"`
	Write bool   `json:"write"`
}

// ParseRelayList extracts relay declarations from a kind-10002 event.
// An r tag without a marker means both read and write.
func ParseRelayList(ev *nostr.Event) []RelayEntry {
	var entries []RelayEntry
	seen := make(map[string]bool)
	for _, tag := range ev.Tags {
		if len(tag) < 2 || tag[0] != "r" || tag[1] == "" {
			continue
		}
		if seen[tag[1]] {
			continue
		}
		seen[tag[1]] = true
		entry := RelayEntry{URL: tag[1], Read: true, Write: true}
		if len(tag) >= 3 {
			switch tag[2] {
			case "read":
				entry.Write = false
			case "write":
				entry.Read = false
			}
		}
		entries = append(entries, entry)
	}
	return entries
}
