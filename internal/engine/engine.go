// Package engine is the downstream-facing facade: it owns the connection
// pool, the order book store and the ticker metrics engine, and exposes
// subscription APIs that hide wire-level concerns entirely.
package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"depthflow/config"
	"depthflow/internal/book"
	"depthflow/internal/clock"
	"depthflow/internal/group"
	"depthflow/internal/pool"
	"depthflow/internal/symbols"
	"depthflow/internal/ticker"
	"depthflow/internal/venue"
	"depthflow/internal/venue/binance"
	"depthflow/internal/venue/bybit"
	"depthflow/internal/venue/okx"
	"depthflow/logger"
	"depthflow/models"
)

// BookHandler receives coalesced materialized book updates.
type BookHandler func(models.MaterializedBook)

// TickerHandler receives recomputed metrics after every accepted sample.
type TickerHandler func(models.InstrumentKey, models.TickerMetrics)

// Engine wires the pool, book store and ticker metrics together. No
// module-level registries: every Engine is an isolated object and tests run
// several per process.
type Engine struct {
	cfg     *config.Config
	clk     clock.Clock
	log     *logger.Entry
	pool    *pool.Pool
	books   *book.Store
	tickers *ticker.Engine
	// limiter throttles REST snapshot fallback fetches across all instruments
	limiter  *rate.Limiter
	adapters map[string]venue.Adapter

	mu       sync.Mutex
	feeds    map[models.InstrumentKey]*bookFeed
	hub      *tickerHub
	closed   bool
	shutdown context.CancelFunc
	ctx      context.Context
}

// Option overrides an engine collaborator, mainly for tests.
type Option func(*options)

type options struct {
	clk      clock.Clock
	adapters []venue.Adapter
	poolOpts []pool.Option
}

func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.clk = c
		o.poolOpts = append(o.poolOpts, pool.WithClock(c))
	}
}

func WithDialer(d pool.Dialer) Option {
	return func(o *options) { o.poolOpts = append(o.poolOpts, pool.WithDialer(d)) }
}

// WithAdapters replaces the venue adapters built from configuration.
func WithAdapters(adapters ...venue.Adapter) Option {
	return func(o *options) { o.adapters = adapters }
}

func New(cfg *config.Config, opts ...Option) (*Engine, error) {
	o := &options{clk: clock.New()}
	for _, opt := range opts {
		opt(o)
	}

	adapters := o.adapters
	if adapters == nil {
		adapters = buildAdapters(cfg)
	}
	if len(adapters) == 0 {
		return nil, fmt.Errorf("engine: no venues enabled")
	}

	o.poolOpts = append(o.poolOpts, pool.WithNormalizer(symbols.ToCanonical))

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:      cfg,
		clk:      o.clk,
		log:      logger.Logger().WithComponent("engine"),
		books:    book.NewStore(cfg.Engine.BookDepth),
		tickers:  ticker.NewEngine(o.clk),
		limiter:  rate.NewLimiter(rate.Limit(cfg.Engine.SnapshotRate), cfg.Engine.SnapshotBurst),
		adapters: make(map[string]venue.Adapter),
		feeds:    make(map[models.InstrumentKey]*bookFeed),
		ctx:      ctx,
		shutdown: cancel,
	}
	for _, a := range adapters {
		e.adapters[a.Name()] = a
	}
	e.pool = pool.New(cfg, adapters, o.poolOpts...)
	return e, nil
}

func buildAdapters(cfg *config.Config) []venue.Adapter {
	var out []venue.Adapter
	if cfg.Venues.Binance.Enabled {
		out = append(out, binance.New(cfg.Venues.Binance))
	}
	if cfg.Venues.Bybit.Enabled {
		out = append(out, bybit.New(cfg.Venues.Bybit))
	}
	if cfg.Venues.Okx.Enabled {
		out = append(out, okx.New(cfg.Venues.Okx))
	}
	return out
}

// SubscribeOrderBook routes streaming snapshots and deltas for one instrument
// through the book store and delivers coalesced materialized views. The
// release function is idempotent; one already-scheduled flush may still
// deliver shortly after release.
func (e *Engine) SubscribeOrderBook(key models.InstrumentKey, onBook BookHandler) (func(), error) {
	if onBook == nil {
		return nil, fmt.Errorf("engine: nil book handler for %s", key)
	}
	key = canonical(key)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, fmt.Errorf("engine: shut down")
	}
	feed, ok := e.feeds[key]
	if !ok {
		feed = newBookFeed(e, key)
		release, err := e.pool.Subscribe(key, models.ChannelOrderBook, feed.onEvent)
		if err != nil {
			e.mu.Unlock()
			return nil, err
		}
		feed.release = release
		e.feeds[key] = feed
		go feed.seedFromRest(e.ctx)
	}
	id := feed.attach(onBook)
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			last := feed.detach(id)
			if last && e.feeds[key] == feed {
				delete(e.feeds, key)
			}
			e.mu.Unlock()
			if last {
				feed.close()
				e.books.Drop(key)
			}
		})
	}, nil
}

// SubscribeTicker attaches to the shared ticker universe. The first caller
// subscribes every configured instrument's ticker stream once; later callers
// share the same upstream subscriptions. onStatus may be nil.
func (e *Engine) SubscribeTicker(onTicker TickerHandler, onStatus pool.StatusHandler) (func(), error) {
	if onTicker == nil {
		return nil, fmt.Errorf("engine: nil ticker handler")
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, fmt.Errorf("engine: shut down")
	}
	if e.hub == nil {
		hub, err := newTickerHub(e)
		if err != nil {
			e.mu.Unlock()
			return nil, err
		}
		e.hub = hub
	}
	hub := e.hub
	id := hub.attach(onTicker, onStatus)
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			last := hub.detach(id)
			if last && e.hub == hub {
				e.hub = nil
			}
			e.mu.Unlock()
			if last {
				hub.close()
			}
		})
	}, nil
}

// GetGroupedOrderbook is a pure read over current book state: levels bucketed
// by step, bids descending and asks ascending. A non-positive step falls back
// to the finest candidate for the reference price. Returns nil when no book
// state exists for the instrument.
func (e *Engine) GetGroupedOrderbook(key models.InstrumentKey, step, referencePrice float64, precision int) *models.GroupedBook {
	key = canonical(key)
	mb, ok := e.books.Materialized(key)
	if !ok {
		return nil
	}
	if step <= 0 {
		candidates := group.StepCandidates(referencePrice, precision)
		if len(candidates) == 0 {
			return nil
		}
		step = candidates[0]
	}

	asks := group.GroupLevels(mb.Asks, step)
	// grouped levels come back price-descending; asks read best-first
	for i, j := 0, len(asks)-1; i < j; i, j = i+1, j-1 {
		asks[i], asks[j] = asks[j], asks[i]
	}
	return &models.GroupedBook{
		Instrument: key,
		Step:       step,
		Bids:       group.GroupLevels(mb.Bids, step),
		Asks:       asks,
		Timestamp:  mb.Timestamp,
	}
}

// TickerMetrics returns current metrics for one instrument, degrading to
// zero values on cold start.
func (e *Engine) TickerMetrics(key models.InstrumentKey) (models.TickerMetrics, bool) {
	return e.tickers.Metrics(canonical(key))
}

// canonical folds a caller-supplied instrument to the symbol form used for
// all internal state; venue-native spellings are accepted at every API edge.
func canonical(key models.InstrumentKey) models.InstrumentKey {
	key.Symbol = symbols.ToCanonical(key.Venue, key.Symbol)
	return key
}

// Stats exposes pool counters for the periodic runtime report.
func (e *Engine) Stats() pool.PoolStats {
	return e.pool.Stats()
}

// Shutdown closes every transport and cancels every timer. Subscriptions
// created afterwards fail.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	feeds := make([]*bookFeed, 0, len(e.feeds))
	for _, f := range e.feeds {
		feeds = append(feeds, f)
	}
	e.feeds = make(map[models.InstrumentKey]*bookFeed)
	hub := e.hub
	e.hub = nil
	e.mu.Unlock()

	e.shutdown()
	for _, f := range feeds {
		f.close()
	}
	if hub != nil {
		hub.close()
	}
	e.pool.Shutdown()
	e.log.Info("engine shut down")
}

func newHandlerID() string { return uuid.NewString() }
