package relay

import (
	"context"
	"fmt"

	"github.com/nbd-wtf/go-nostr"
)

// Conn is one persistent connection to a relay. A query carries a set
// of filters and returns the relay's stored matches; a publish carries
// one signed event and returns the relay's accept/reject outcome.
type Conn interface {
	URL() string
	Query(ctx context.Context, filters []nostr.Filter) ([]*nostr.Event, error)
	Publish(ctx context.Context, ev nostr.Event) error
	Close() error
}

// Dialer opens connections to relays by URL.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebsocketDialer dials real relays
type WebsocketDialer struct{}

// NewDialer creates the default websocket dialer
func NewDialer() *WebsocketDialer {
	return &WebsocketDialer{}
}

// Dial opens a websocket connection to the relay
func (d *WebsocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	r, err := nostr.RelayConnect(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to relay %s: %w", url, err)
	}
	return &wsConn{relay: r, url: url}, nil
}

type wsConn struct {
	relay *nostr.Relay
	url   string
}

func (c *wsConn) URL() string {
	return c.url
}

func (c *wsConn) Query(ctx context.Context, filters []nostr.Filter) ([]*nostr.Event, error) {
	var events []*nostr.Event
	for _, f := range filters {
		evs, err := c.relay.QuerySync(ctx, f)
		if err != nil {
			return events, fmt.Errorf("query against %s failed: %w", c.url, err)
		}
		events = append(events, evs...)
	}
	return events, nil
}

func (c *wsConn) Publish(ctx context.Context, ev nostr.Event) error {
	if err := c.relay.Publish(ctx, ev); err != nil {
		return fmt.Errorf("publish to %s failed: %w", c.url, err)
	}
	return nil
}

func (c *wsConn) Close() error {
	return c.relay.Close()
}
