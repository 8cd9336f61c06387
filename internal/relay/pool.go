package relay

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/fairwaylabs/teebox/pkg/logging"
)

// Pool caches live relay connections per URL. Connections are dialed
// on demand and reused across fan-outs; a failed connection is evicted
// so the next request re-dials.
type Pool struct {
	dialer Dialer
	logger *zap.Logger

	mu    sync.Mutex
	conns map[string]Conn
}

// NewPool creates a connection pool over the given dialer
func NewPool(dialer Dialer) *Pool {
	return &Pool{
		dialer: dialer,
		logger: logging.WithComponent("relay-pool"),
		conns:  make(map[string]Conn),
	}
}

// Get returns a live connection for the URL, dialing if needed
func (p *Pool) Get(ctx context.Context, url string) (Conn, error) {
	p.mu.Lock()
	if conn, ok := p.conns[url]; ok {
		p.mu.Unlock()
		return conn, nil
	}
	p.mu.Unlock()

	// Dial outside the lock; slow relays must not serialize the pool
	conn, err := p.dialer.Dial(ctx, url)
	if err != nil {
		p.logger.Warn("Failed to dial relay", zap.String("url", url), zap.Error(err))
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.conns[url]; ok {
		// Lost the race with another dial
		conn.Close()
		return existing, nil
	}
	p.conns[url] = conn
	return conn, nil
}

// Evict drops a connection from the pool and closes it
func (p *Pool) Evict(url string) {
	p.mu.Lock()
	conn, ok := p.conns[url]
	delete(p.conns, url)
	p.mu.Unlock()
	if ok {
		conn.Close()
	}
}

// CloseAll closes every pooled connection
func (p *Pool) CloseAll() {
	p.mu.Lock()
	conns := p.conns
	p.conns = make(map[string]Conn)
	p.mu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}
}
