package giftwrap

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/fairwaylabs/teebox/internal/cache"
	"github.com/fairwaylabs/teebox/internal/outbox"
	"github.com/fairwaylabs/teebox/internal/protocol"
	"github.com/fairwaylabs/teebox/internal/relay"
	"github.com/fairwaylabs/teebox/internal/relay/relaytest"
	"github.com/fairwaylabs/teebox/pkg/config"
)

func newIdentity(t *testing.T) (string, string) {
	t.Helper()
	sk := nostr.GeneratePrivateKey()
	pk, err := nostr.GetPublicKey(sk)
	if err != nil {
		t.Fatalf("failed to derive public key: %v", err)
	}
	return sk, pk
}

func TestWrapUnwrapRoundTrip(t *testing.T) {
	senderSK, senderPK := newIdentity(t)
	recipientSK, recipientPK := newIdentity(t)

	inv := Invite{GroupID: "range-crew", TemplateHash: "a1b2c3", Note: "join our wedge ladder"}

	wrap, err := Wrap(inv, senderSK, senderPK, recipientPK)
	if err != nil {
		t.Fatalf("wrap failed: %v", err)
	}
	if wrap.Kind != protocol.KindGiftWrap {
		t.Fatalf("outer kind = %d, want %d", wrap.Kind, protocol.KindGiftWrap)
	}
	if wrap.PubKey == senderPK {
		t.Fatal("outer envelope signed by the real sender, expected an ephemeral key")
	}
	if ok, err := wrap.CheckSignature(); err != nil || !ok {
		t.Fatalf("outer signature invalid: %v", err)
	}

	got, sender, sentAt, err := Unwrap(wrap, recipientSK)
	if err != nil {
		t.Fatalf("unwrap failed: %v", err)
	}
	if *got != inv {
		t.Fatalf("invite = %+v, want %+v", *got, inv)
	}
	if sender != senderPK {
		t.Fatalf("sender = %s, want %s", sender, senderPK)
	}
	if sentAt == 0 {
		t.Fatal("sentAt not populated from the rumor")
	}
}

func TestUnwrapWrongRecipient(t *testing.T) {
	senderSK, senderPK := newIdentity(t)
	_, recipientPK := newIdentity(t)
	otherSK, _ := newIdentity(t)

	wrap, err := Wrap(Invite{GroupID: "range-crew"}, senderSK, senderPK, recipientPK)
	if err != nil {
		t.Fatalf("wrap failed: %v", err)
	}
	if _, _, _, err := Unwrap(wrap, otherSK); err == nil {
		t.Fatal("expected unwrap with the wrong key to fail")
	}
}

func TestWrapTwoEnvelopesDiffer(t *testing.T) {
	senderSK, senderPK := newIdentity(t)
	_, recipientPK := newIdentity(t)

	inv := Invite{GroupID: "range-crew"}
	a, err := Wrap(inv, senderSK, senderPK, recipientPK)
	if err != nil {
		t.Fatalf("wrap failed: %v", err)
	}
	b, err := Wrap(inv, senderSK, senderPK, recipientPK)
	if err != nil {
		t.Fatalf("wrap failed: %v", err)
	}
	if a.PubKey == b.PubKey {
		t.Fatal("two envelopes reused the same ephemeral key")
	}
	if a.Content == b.Content {
		t.Fatal("two envelopes produced identical ciphertext")
	}
}

func testConfig(t *testing.T) *config.Config {
	return &config.Config{
		Cache: config.CacheConfig{
			Path:         filepath.Join(t.TempDir(), "cache.db"),
			RelayListTTL: 24 * time.Hour,
		},
		Relay: config.RelayConfig{
			DefaultRelays: []string{"wss://relay.test"},
			QueryTimeout:  time.Second,
			QueryLimit:    100,
		},
	}
}

func stubProfiles() *cache.Layered[protocol.Profile] {
	load := func(ctx context.Context, keys []string) (map[string]cache.Entry[protocol.Profile], error) {
		return nil, nil
	}
	store := func(ctx context.Context, values map[string]protocol.Profile) error { return nil }
	fetch := func(ctx context.Context, keys []string) (map[string]protocol.Profile, error) {
		out := make(map[string]protocol.Profile, len(keys))
		for _, k := range keys {
			out[k] = protocol.Profile{Name: "player-" + k[:6]}
		}
		return out, nil
	}
	return cache.NewLayered[protocol.Profile]("profiles", time.Hour, nil, load, store, fetch)
}

func newTestChannel(t *testing.T, conn *relaytest.Conn, sk, pk string) *Channel {
	t.Helper()
	cfg := testConfig(t)

	db, err := cache.Open(&cfg.Cache, "ERROR")
	if err != nil {
		t.Fatalf("failed to open cache: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	mem, err := cache.NewLRUTier(64)
	if err != nil {
		t.Fatalf("failed to create memory tier: %v", err)
	}

	dialer := relaytest.NewDialer(map[string]*relaytest.Conn{"wss://relay.test": conn})
	pool := relay.NewPool(dialer)
	router := outbox.NewRouter(pool, protocol.NewVerifier(), &cfg.Relay)
	resolver := outbox.NewResolver(cache.NewStore(db), mem, router, cfg)
	return NewChannel(router, resolver, stubProfiles(), cfg, sk, pk)
}

func TestReadUnwrapsAndDedupes(t *testing.T) {
	aliceSK, alicePK := newIdentity(t)
	bobSK, bobPK := newIdentity(t)
	meSK, mePK := newIdentity(t)

	fromAlice, err := Wrap(Invite{GroupID: "range-crew", Note: "first"}, aliceSK, alicePK, mePK)
	if err != nil {
		t.Fatalf("wrap failed: %v", err)
	}
	dupFromBob, err := Wrap(Invite{GroupID: "range-crew", Note: "second"}, bobSK, bobPK, mePK)
	if err != nil {
		t.Fatalf("wrap failed: %v", err)
	}
	knownGroup, err := Wrap(Invite{GroupID: "old-group"}, bobSK, bobPK, mePK)
	if err != nil {
		t.Fatalf("wrap failed: %v", err)
	}
	// Validly signed envelope whose ciphertext was not produced for
	// this key; must be skipped, not fail the whole read
	junkSK := nostr.GeneratePrivateKey()
	garbled := nostr.Event{
		CreatedAt: nostr.Now(),
		Kind:      protocol.KindGiftWrap,
		Tags:      nostr.Tags{{"p", mePK}},
		Content:   "not a ciphertext",
	}
	if err := garbled.Sign(junkSK); err != nil {
		t.Fatalf("sign failed: %v", err)
	}

	conn := &relaytest.Conn{
		Addr:   "wss://relay.test",
		Events: []*nostr.Event{fromAlice, dupFromBob, knownGroup, &garbled},
	}
	ch := newTestChannel(t, conn, meSK, mePK)

	got, err := ch.Read(context.Background(), nil, map[string]bool{"old-group": true})
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d invites, want 1", len(got))
	}
	if got[0].GroupID != "range-crew" {
		t.Fatalf("group = %s, want range-crew", got[0].GroupID)
	}
	if got[0].SenderProfile == nil {
		t.Fatal("sender profile not resolved")
	}
}

func TestSendPublishesToRecipientRelays(t *testing.T) {
	senderSK, senderPK := newIdentity(t)
	_, recipientPK := newIdentity(t)

	conn := &relaytest.Conn{Addr: "wss://relay.test"}
	ch := newTestChannel(t, conn, senderSK, senderPK)

	if err := ch.Send(context.Background(), recipientPK, Invite{GroupID: "range-crew"}); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	published := conn.Published()
	if len(published) != 1 {
		t.Fatalf("published %d events, want 1", len(published))
	}
	if published[0].Kind != protocol.KindGiftWrap {
		t.Fatalf("published kind = %d, want %d", published[0].Kind, protocol.KindGiftWrap)
	}
}
