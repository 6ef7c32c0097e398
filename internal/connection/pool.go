package connection

import (
	"sync"

	"github.com/openvine/feedcore/internal/domain"
	"github.com/openvine/feedcore/internal/identity"
	"github.com/openvine/feedcore/internal/logger"
	"go.uber.org/zap"
)

// Pool holds one Manager per relay URL. Creation is idempotent and lookups
// are cheap; the pool never dials on its own.
type Pool struct {
	factory  domain.TransportFactory
	identity *identity.ClientIdentity
	opts     Options
	log      *zap.Logger

	mu       sync.Mutex
	managers map[string]*Manager
	onReady  []func(relayURL string)
	stream   StreamHandler
	disposed bool
}

// NewPool builds an empty pool sharing one transport factory, identity, and
// option set across all relays.
func NewPool(factory domain.TransportFactory, id *identity.ClientIdentity, opts Options) *Pool {
	return &Pool{
		factory:  factory,
		identity: id,
		opts:     opts,
		log:      logger.New("pool"),
		managers: make(map[string]*Manager),
	}
}

// CreateConnection returns the manager for url, creating it on first use.
// Repeated calls for the same URL return the same manager.
func (p *Pool) CreateConnection(url string) *Manager {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disposed {
		return nil
	}
	if m, ok := p.managers[url]; ok {
		return m
	}

	m := NewManager(url, p.factory, p.identity, p.opts)
	if p.stream != nil {
		m.SetStreamHandler(p.stream)
	}
	for _, fn := range p.onReady {
		fn := fn
		m.OnReady(func() { fn(url) })
	}
	p.managers[url] = m
	p.log.Debug("Connection created", zap.String("relay", url))
	return m
}

// GetConnection returns the manager for url, or nil when none exists.
func (p *Pool) GetConnection(url string) *Manager {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.managers[url]
}

// RemoveConnection disposes and drops the manager for url.
func (p *Pool) RemoveConnection(url string) {
	p.mu.Lock()
	m, ok := p.managers[url]
	delete(p.managers, url)
	p.mu.Unlock()

	if ok {
		m.Dispose()
		p.log.Debug("Connection removed", zap.String("relay", url))
	}
}

// SetStreamHandler installs h on all current and future managers.
func (p *Pool) SetStreamHandler(h StreamHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stream = h
	for _, m := range p.managers {
		m.SetStreamHandler(h)
	}
}

// OnReady registers fn to run whenever any relay in the pool becomes
// connected, including reconnects. Applies to managers created later too.
func (p *Pool) OnReady(fn func(relayURL string)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onReady = append(p.onReady, fn)
	for url, m := range p.managers {
		url := url
		m.OnReady(func() { fn(url) })
	}
}

// ConnectAll starts connecting every managed relay.
func (p *Pool) ConnectAll() {
	for _, m := range p.snapshot() {
		m.Connect()
	}
}

// Connected returns the managers currently in the connected state.
func (p *Pool) Connected() []*Manager {
	var out []*Manager
	for _, m := range p.snapshot() {
		if m.State() == StateConnected {
			out = append(out, m)
		}
	}
	return out
}

// ConnectionCount reports how many relays the pool manages.
func (p *Pool) ConnectionCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.managers)
}

// ConnectedCount reports how many relays are currently connected.
func (p *Pool) ConnectedCount() int {
	return len(p.Connected())
}

// AllConnected reports whether every managed relay is connected. An empty
// pool is not considered connected.
func (p *Pool) AllConnected() bool {
	ms := p.snapshot()
	if len(ms) == 0 {
		return false
	}
	for _, m := range ms {
		if m.State() != StateConnected {
			return false
		}
	}
	return true
}

// URLs returns the managed relay URLs.
func (p *Pool) URLs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	urls := make([]string, 0, len(p.managers))
	for url := range p.managers {
		urls = append(urls, url)
	}
	return urls
}

// DisposeAll tears down every manager and empties the pool.
func (p *Pool) DisposeAll() {
	p.mu.Lock()
	p.disposed = true
	ms := make([]*Manager, 0, len(p.managers))
	for _, m := range p.managers {
		ms = append(ms, m)
	}
	p.managers = make(map[string]*Manager)
	p.mu.Unlock()

	for _, m := range ms {
		m.Dispose()
	}
	p.log.Info("Connection pool disposed", zap.Int("connections", len(ms)))
}

func (p *Pool) snapshot() []*Manager {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Manager, 0, len(p.managers))
	for _, m := range p.managers {
		out = append(out, m)
	}
	return out
}
