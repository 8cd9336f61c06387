// Package giftwrap implements the encrypted invite channel: a
// two-layer envelope that hides both the payload and the
// sender/recipient linkage from anyone observing only the transport.
package giftwrap

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip44"

	"github.com/fairwaylabs/teebox/internal/cache"
	"github.com/fairwaylabs/teebox/internal/outbox"
	"github.com/fairwaylabs/teebox/internal/protocol"
	"github.com/fairwaylabs/teebox/pkg/config"
	"github.com/fairwaylabs/teebox/pkg/logging"
	"github.com/fairwaylabs/teebox/pkg/telemetry"
)

// Invite is the plaintext payload: an invitation to share sessions
// within a coaching group, referencing the group's drill template.
type Invite struct {
	GroupID      string `json:"group_id"`
	TemplateHash string `json:"template_hash,omitempty"`
	Note         string `json:"note,omitempty"`
}

// Received is one successfully unwrapped invite
type Received struct {
	Invite
	Sender        string
	SenderProfile *protocol.Profile
	SentAt        int64
	WrapID        string
}

// Channel sends and receives gift-wrapped invites for one identity
type Channel struct {
	router    *outbox.Router
	resolver  *outbox.Resolver
	profiles  *cache.Layered[protocol.Profile]
	secretKey string
	publicKey string
	defaults  []string
	logger    *zap.Logger
}

// NewChannel creates an invite channel for the local identity
func NewChannel(router *outbox.Router, resolver *outbox.Resolver, profiles *cache.Layered[protocol.Profile], cfg *config.Config, secretKey, publicKey string) *Channel {
	return &Channel{
		router:    router,
		resolver:  resolver,
		profiles:  profiles,
		secretKey: secretKey,
		publicKey: publicKey,
		defaults:  cfg.Relay.DefaultRelays,
		logger:    logging.WithComponent("giftwrap"),
	}
}

// Send wraps an invite for the recipient and publishes it to their
// declared delivery relays plus the default set for redundancy.
func (c *Channel) Send(ctx context.Context, recipient string, inv Invite) error {
	ctx, span := telemetry.StartSpan(ctx, "giftwrap.send")
	defer span.End()

	wrap, err := Wrap(inv, c.secretKey, c.publicKey, recipient)
	if err != nil {
		return err
	}

	plan := c.resolver.Resolve(ctx, []string{recipient})
	relays := union(c.defaults, plan[recipient])

	if err := c.router.Publish(ctx, relays, *wrap); err != nil {
		return fmt.Errorf("failed to deliver invite: %w", err)
	}
	c.logger.Info("Invite delivered",
		zap.String("group", inv.GroupID),
		zap.Int("relays", len(relays)))
	return nil
}

// Read fetches envelopes addressed to the local identity, optionally
// since a timestamp, unwraps what it can, deduplicates against
// already-known group agreements and within the batch, resolves sender
// profiles in one batch, and returns the invites newest-first.
// Envelopes that fail to unwrap are skipped, never fatal.
func (c *Channel) Read(ctx context.Context, since *nostr.Timestamp, knownGroups map[string]bool) ([]Received, error) {
	ctx, span := telemetry.StartSpan(ctx, "giftwrap.read")
	defer span.End()

	envelopes := c.router.QueryAll(ctx, c.defaults, nostr.Filter{
		Kinds: []int{protocol.KindGiftWrap},
		Tags:  nostr.TagMap{"p": []string{c.publicKey}},
		Since: since,
	})

	var received []Received
	seenGroups := make(map[string]bool, len(knownGroups))
	for g := range knownGroups {
		seenGroups[g] = true
	}

	for _, env := range envelopes {
		inv, sender, sentAt, err := Unwrap(env, c.secretKey)
		if err != nil {
			// Not for us, or corrupted; skip and continue the batch
			c.logger.Debug("Skipping envelope", zap.String("id", env.ID), zap.Error(err))
			continue
		}
		if inv.GroupID == "" || seenGroups[inv.GroupID] {
			continue
		}
		seenGroups[inv.GroupID] = true
		received = append(received, Received{
			Invite: *inv,
			Sender: sender,
			SentAt: sentAt,
			WrapID: env.ID,
		})
	}

	if len(received) > 0 {
		senders := make([]string, 0, len(received))
		for _, r := range received {
			senders = append(senders, r.Sender)
		}
		profiles := c.profiles.GetBatch(ctx, senders)
		for i := range received {
			if p, ok := profiles[received[i].Sender]; ok {
				prof := p
				received[i].SenderProfile = &prof
			}
		}
	}

	sort.Slice(received, func(i, j int) bool {
		if received[i].SentAt != received[j].SentAt {
			return received[i].SentAt > received[j].SentAt
		}
		return received[i].WrapID < received[j].WrapID
	})
	return received, nil
}

// Wrap builds the two-layer envelope: the unsigned invite rumor is
// sealed with the sender's key, and the seal is wrapped with a
// per-message ephemeral key so the outer event reveals neither the
// sender nor the payload.
func Wrap(inv Invite, senderSecret, senderPub, recipient string) (*nostr.Event, error) {
	payload, err := json.Marshal(inv)
	if err != nil {
		return nil, fmt.Errorf("failed to encode invite: %w", err)
	}

	rumor := nostr.Event{
		PubKey:    senderPub,
		CreatedAt: nostr.Now(),
		Kind:      protocol.KindInvite,
		Tags:      nostr.Tags{{"p", recipient}},
		Content:   string(payload),
	}
	rumor.ID = rumor.GetID()
	rumorJSON, err := json.Marshal(rumor)
	if err != nil {
		return nil, err
	}

	// Inner layer: seal signed by the real sender
	sealKey, err := nip44.GenerateConversationKey(recipient, senderSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to derive seal key: %w", err)
	}
	sealed, err := nip44.Encrypt(string(rumorJSON), sealKey)
	if err != nil {
		return nil, fmt.Errorf("failed to seal invite: %w", err)
	}
	seal := nostr.Event{
		CreatedAt: jitteredNow(),
		Kind:      protocol.KindSeal,
		Tags:      nostr.Tags{},
		Content:   sealed,
	}
	if err := seal.Sign(senderSecret); err != nil {
		return nil, fmt.Errorf("failed to sign seal: %w", err)
	}
	sealJSON, err := json.Marshal(seal)
	if err != nil {
		return nil, err
	}

	// Outer layer: wrap signed by a throwaway key, so the transport
	// sees neither sender identity nor timing
	ephemeral := nostr.GeneratePrivateKey()
	wrapKey, err := nip44.GenerateConversationKey(recipient, ephemeral)
	if err != nil {
		return nil, fmt.Errorf("failed to derive wrap key: %w", err)
	}
	wrapped, err := nip44.Encrypt(string(sealJSON), wrapKey)
	if err != nil {
		return nil, fmt.Errorf("failed to wrap seal: %w", err)
	}
	wrap := nostr.Event{
		CreatedAt: jitteredNow(),
		Kind:      protocol.KindGiftWrap,
		Tags:      nostr.Tags{{"p", recipient}},
		Content:   wrapped,
	}
	if err := wrap.Sign(ephemeral); err != nil {
		return nil, fmt.Errorf("failed to sign wrap: %w", err)
	}
	return &wrap, nil
}

// Unwrap peels both layers with the recipient's key and returns the
// invite, the true sender, and the rumor timestamp. Fails when the
// envelope was not addressed to this key.
func Unwrap(wrap *nostr.Event, recipientSecret string) (*Invite, string, int64, error) {
	wrapKey, err := nip44.GenerateConversationKey(wrap.PubKey, recipientSecret)
	if err != nil {
		return nil, "", 0, fmt.Errorf("failed to derive wrap key: %w", err)
	}
	sealJSON, err := nip44.Decrypt(wrap.Content, wrapKey)
	if err != nil {
		return nil, "", 0, fmt.Errorf("failed to open wrap: %w", err)
	}

	var seal nostr.Event
	if err := json.Unmarshal([]byte(sealJSON), &seal); err != nil {
		return nil, "", 0, fmt.Errorf("malformed seal: %w", err)
	}
	if seal.Kind != protocol.KindSeal {
		return nil, "", 0, fmt.Errorf("unexpected inner kind %d", seal.Kind)
	}
	if ok, err := seal.CheckSignature(); err != nil || !ok {
		return nil, "", 0, fmt.Errorf("seal signature invalid")
	}

	sealKey, err := nip44.GenerateConversationKey(seal.PubKey, recipientSecret)
	if err != nil {
		return nil, "", 0, fmt.Errorf("failed to derive seal key: %w", err)
	}
	rumorJSON, err := nip44.Decrypt(seal.Content, sealKey)
	if err != nil {
		return nil, "", 0, fmt.Errorf("failed to open seal: %w", err)
	}

	var rumor nostr.Event
	if err := json.Unmarshal([]byte(rumorJSON), &rumor); err != nil {
		return nil, "", 0, fmt.Errorf("malformed rumor: %w", err)
	}
	// The rumor must claim the same author that signed the seal,
	// otherwise a relay could forge sender attribution
	if rumor.PubKey != seal.PubKey {
		return nil, "", 0, fmt.Errorf("rumor author does not match seal author")
	}

	var inv Invite
	if err := json.Unmarshal([]byte(rumor.Content), &inv); err != nil {
		return nil, "", 0, fmt.Errorf("malformed invite payload: %w", err)
	}
	return &inv, seal.PubKey, int64(rumor.CreatedAt), nil
}

// jitteredNow randomizes the timestamp up to two days into the past
// so envelope times cannot be correlated
func jitteredNow() nostr.Timestamp {
	jitter := rand.Int63n(int64(2 * 24 * time.Hour / time.Second))
	return nostr.Timestamp(time.Now().Unix() - jitter)
}

func union(groups ...[]string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, group := range groups {
		for _, url := range group {
			if url == "" || seen[url] {
				continue
			}
			seen[url] = true
			out = append(out, url)
		}
	}
	return out
}
