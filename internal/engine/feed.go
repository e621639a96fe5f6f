package engine

import (
	"context"
	"sync"

	"depthflow/internal/clock"
	"depthflow/logger"
	"depthflow/models"
)

// bookFeed is the per-instrument fan-out point for materialized book views.
// Inbound snapshots and deltas are applied to the store synchronously; the
// resulting views are coalesced latest-wins on the flush interval so a burst
// of deltas costs downstream handlers a single delivery.
type bookFeed struct {
	eng     *Engine
	key     models.InstrumentKey
	release func()

	mu         sync.Mutex
	handlers   map[string]BookHandler
	seeded     bool
	pending    *models.MaterializedBook
	flushTimer clock.Timer
	closed     bool
}

func newBookFeed(e *Engine, key models.InstrumentKey) *bookFeed {
	return &bookFeed{
		eng:      e,
		key:      key,
		handlers: make(map[string]BookHandler),
	}
}

func (f *bookFeed) attach(h BookHandler) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := newHandlerID()
	f.handlers[id] = h
	return id
}

func (f *bookFeed) detach(id string) (last bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handlers, id)
	return len(f.handlers) == 0
}

func (f *bookFeed) onEvent(evt models.Event) {
	switch evt.Type {
	case models.EventBookSnapshot:
		f.mu.Lock()
		f.seeded = true
		f.mu.Unlock()
		if mb, ok := f.eng.books.ApplySnapshot(evt.Snapshot); ok {
			f.offer(mb)
		}
	case models.EventBookDelta:
		if mb, ok := f.eng.books.ApplyDelta(evt.Delta); ok {
			f.offer(mb)
		}
	}
}

// offer stores the latest view and arms the flush timer when none is pending.
// Every delta is applied to the store; only deliveries are coalesced.
func (f *bookFeed) offer(mb models.MaterializedBook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.pending = &mb
	if f.flushTimer == nil {
		f.flushTimer = f.eng.clk.AfterFunc(f.eng.cfg.Engine.CoalesceInterval, f.flush)
	}
}

func (f *bookFeed) flush() {
	f.mu.Lock()
	f.flushTimer = nil
	mb := f.pending
	f.pending = nil
	handlers := make([]BookHandler, 0, len(f.handlers))
	for _, h := range f.handlers {
		handlers = append(handlers, h)
	}
	f.mu.Unlock()

	if mb == nil {
		return
	}
	for _, h := range handlers {
		h(*mb)
	}
}

// seedFromRest fetches an initial snapshot over REST when the stream has not
// delivered one yet, throttled by the engine-wide limiter. A streaming
// snapshot that lands first wins.
func (f *bookFeed) seedFromRest(ctx context.Context) {
	adapter, ok := f.eng.adapters[f.key.Venue]
	if !ok {
		return
	}
	if err := f.eng.limiter.Wait(ctx); err != nil {
		return
	}

	f.mu.Lock()
	skip := f.seeded || f.closed
	f.mu.Unlock()
	if skip {
		return
	}

	snap, err := adapter.FetchSnapshot(ctx, adapter.NativeSymbol(f.key.Symbol))
	if err != nil {
		f.eng.log.WithError(err).WithFields(logger.Fields{"instrument": f.key.String()}).Warn("snapshot fallback failed")
		return
	}
	snap.Instrument = f.key

	f.mu.Lock()
	if f.seeded || f.closed {
		f.mu.Unlock()
		return
	}
	f.seeded = true
	f.mu.Unlock()

	logger.IncrementRestFallback("snapshot_rest", len(snap.Bids)+len(snap.Asks))
	if mb, ok := f.eng.books.ApplySnapshot(snap); ok {
		f.offer(mb)
	}
}

func (f *bookFeed) close() {
	f.mu.Lock()
	f.closed = true
	if f.flushTimer != nil {
		f.flushTimer.Stop()
		f.flushTimer = nil
	}
	f.pending = nil
	release := f.release
	f.mu.Unlock()
	if release != nil {
		release()
	}
}
