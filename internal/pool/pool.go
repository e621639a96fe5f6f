package pool

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"depthflow/config"
	"depthflow/internal/clock"
	"depthflow/internal/venue"
	"depthflow/logger"
	"depthflow/models"
)

// connKey identifies one shared transport: all subscriptions for the same
// venue and logical channel ride the same socket.
type connKey struct {
	venue   string
	channel models.Channel
}

// Pool multiplexes instrument subscriptions over shared websocket transports
// and owns their reconnection lifecycle.
type Pool struct {
	cfg       *config.Config
	dialer    Dialer
	clk       clock.Clock
	normalize venue.Normalizer
	log       *logger.Entry

	mu       sync.Mutex
	conns    map[connKey]*conn
	adapters map[string]venue.Adapter
	closed   bool

	statusMu       sync.RWMutex
	statusHandlers map[string]StatusHandler

	stats poolStats
}

type poolStats struct {
	messagesRead  atomic.Int64
	bytesRead     atomic.Int64
	eventsRouted  atomic.Int64
	protocolDrops atomic.Int64
	reconnects    atomic.Int64
}

// PoolStats is a point-in-time copy of the pool counters.
type PoolStats struct {
	MessagesRead  int64
	BytesRead     int64
	EventsRouted  int64
	ProtocolDrops int64
	Reconnects    int64
}

// Option overrides a pool collaborator, mainly for tests.
type Option func(*Pool)

func WithDialer(d Dialer) Option {
	return func(p *Pool) { p.dialer = d }
}

func WithClock(c clock.Clock) Option {
	return func(p *Pool) { p.clk = c }
}

func WithNormalizer(n venue.Normalizer) Option {
	return func(p *Pool) { p.normalize = n }
}

func New(cfg *config.Config, adapters []venue.Adapter, opts ...Option) *Pool {
	p := &Pool{
		cfg:            cfg,
		dialer:         &WebsocketDialer{},
		clk:            clock.New(),
		normalize:      func(_, native string) string { return native },
		log:            logger.Logger().WithComponent("pool"),
		conns:          make(map[connKey]*conn),
		adapters:       make(map[string]venue.Adapter),
		statusHandlers: make(map[string]StatusHandler),
	}
	for _, a := range adapters {
		p.adapters[a.Name()] = a
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Subscribe attaches a handler to one (instrument, channel) stream and
// returns an idempotent release function. The first subscriber for a
// (venue, channel) pair opens the shared transport; the last release closes
// it.
func (p *Pool) Subscribe(key models.InstrumentKey, ch models.Channel, h Handler) (func(), error) {
	if h == nil {
		return nil, fmt.Errorf("pool: nil handler for %s", key)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, fmt.Errorf("pool: shut down")
	}
	adapter, ok := p.adapters[key.Venue]
	if !ok {
		p.mu.Unlock()
		return nil, fmt.Errorf("pool: unknown venue %q", key.Venue)
	}
	ck := connKey{venue: key.Venue, channel: ch}
	c, ok := p.conns[ck]
	if !ok {
		c = newConn(p, adapter, ch)
		p.conns[ck] = c
	}
	p.mu.Unlock()

	// Inbound events are dispatched under the normalized symbol; fold the
	// caller's spelling to the same form so registry lookups match, then
	// derive the wire identifier from the canonical one.
	key.Symbol = p.normalize(key.Venue, key.Symbol)
	native := adapter.NativeSymbol(key.Symbol)
	id := c.subscribe(key, native, h)

	var once sync.Once
	return func() {
		once.Do(func() {
			if empty := c.unsubscribe(key, native, id); empty {
				p.mu.Lock()
				if p.conns[ck] == c && c.registry.size() == 0 {
					delete(p.conns, ck)
				}
				p.mu.Unlock()
			}
		})
	}, nil
}

// OnStatus registers a callback for connection state transitions and returns
// a removal function. Callbacks run on their own goroutine and must not rely
// on cross-record ordering.
func (p *Pool) OnStatus(h StatusHandler) func() {
	id := uuid.NewString()
	p.statusMu.Lock()
	p.statusHandlers[id] = h
	p.statusMu.Unlock()
	return func() {
		p.statusMu.Lock()
		delete(p.statusHandlers, id)
		p.statusMu.Unlock()
	}
}

func (p *Pool) notifyStatus(st models.ConnStatus) {
	p.statusMu.RLock()
	handlers := make([]StatusHandler, 0, len(p.statusHandlers))
	for _, h := range p.statusHandlers {
		handlers = append(handlers, h)
	}
	p.statusMu.RUnlock()
	for _, h := range handlers {
		h(st)
	}
}

// Shutdown closes every transport and rejects further subscriptions.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	conns := make([]*conn, 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	p.conns = make(map[connKey]*conn)
	p.mu.Unlock()

	for _, c := range conns {
		c.shutdown()
	}
	p.log.Info("pool shut down")
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		MessagesRead:  p.stats.messagesRead.Load(),
		BytesRead:     p.stats.bytesRead.Load(),
		EventsRouted:  p.stats.eventsRouted.Load(),
		ProtocolDrops: p.stats.protocolDrops.Load(),
		Reconnects:    p.stats.reconnects.Load(),
	}
}

func (p *Pool) countRead(size int) {
	p.stats.messagesRead.Add(1)
	p.stats.bytesRead.Add(int64(size))
	logger.IncrementStreamRead(size)
}

func (p *Pool) countRouted(n int) {
	if n > 0 {
		p.stats.eventsRouted.Add(int64(n))
		logger.IncrementEventsRouted(n)
	}
}

func (p *Pool) countProtocolDrop() {
	p.stats.protocolDrops.Add(1)
	logger.IncrementProtocolDrop()
}

func (p *Pool) countReconnect() {
	p.stats.reconnects.Add(1)
	logger.IncrementReconnect()
}
