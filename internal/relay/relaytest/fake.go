// Package relaytest provides in-memory relay fakes for tests.
package relaytest

import (
	"context"
	"errors"
	"sync"

	"github.com/nbd-wtf/go-nostr"

	"github.com/fairwaylabs/teebox/internal/relay"
)

// Conn is an in-memory relay connection serving a fixed event set.
type Conn struct {
	Addr   string
	Events []*nostr.Event

	// FailQuery makes every query return an error
	FailQuery bool
	// Hang makes queries block until the context is done
	Hang bool

	mu        sync.Mutex
	queries   [][]nostr.Filter
	published []nostr.Event
	// FailPublish makes every publish return an error
	FailPublish bool
}

var _ relay.Conn = (*Conn)(nil)

func (c *Conn) URL() string {
	return c.Addr
}

// Query matches the stored events against the filters
func (c *Conn) Query(ctx context.Context, filters []nostr.Filter) ([]*nostr.Event, error) {
	c.mu.Lock()
	c.queries = append(c.queries, filters)
	c.mu.Unlock()

	if c.Hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if c.FailQuery {
		return nil, errors.New("relay unavailable")
	}

	var out []*nostr.Event
	for _, ev := range c.Events {
		for _, f := range filters {
			if f.Matches(ev) {
				out = append(out, ev)
				break
			}
		}
	}
	return out, nil
}

// Publish records the event
func (c *Conn) Publish(ctx context.Context, ev nostr.Event) error {
	if c.FailPublish {
		return errors.New("relay rejected event")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, ev)
	return nil
}

func (c *Conn) Close() error { return nil }

// Queries returns a copy of every filter set queried so far
func (c *Conn) Queries() [][]nostr.Filter {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]nostr.Filter, len(c.queries))
	copy(out, c.queries)
	return out
}

// Published returns a copy of every event published so far
func (c *Conn) Published() []nostr.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]nostr.Event, len(c.published))
	copy(out, c.published)
	return out
}

// Dialer hands out fake connections by URL.
type Dialer struct {
	mu    sync.Mutex
	Conns map[string]*Conn
	dials []string
}

var _ relay.Dialer = (*Dialer)(nil)

// NewDialer creates a dialer over the given fake relays
func NewDialer(conns map[string]*Conn) *Dialer {
	return &Dialer{Conns: conns}
}

// Dial returns the fake connection registered for the URL
func (d *Dialer) Dial(ctx context.Context, url string) (relay.Conn, error) {
	d.mu.Lock()
	d.dials = append(d.dials, url)
	d.mu.Unlock()

	conn, ok := d.Conns[url]
	if !ok {
		return nil, errors.New("no such relay: " + url)
	}
	return conn, nil
}

// Dials returns every URL dialed so far
func (d *Dialer) Dials() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.dials))
	copy(out, d.dials)
	return out
}
