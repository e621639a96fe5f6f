package engine

import (
	"sync"

	"depthflow/config"
	"depthflow/internal/pool"
	"depthflow/internal/symbols"
	"depthflow/logger"
	"depthflow/models"
)

// tickerHub is the shared-manager side of SubscribeTicker: the configured
// ticker universe is subscribed upstream exactly once and every attached
// consumer shares the sample flow and the recomputed metrics. While a venue's
// ticker stream is down the hub recovers samples over REST so metrics keep
// moving through the outage.
type tickerHub struct {
	eng      *Engine
	universe []models.InstrumentKey

	mu         sync.Mutex
	tickerSubs map[string]TickerHandler
	statusSubs map[string]pool.StatusHandler
	recovering map[string]bool
	closed     bool

	releases     []func()
	removeStatus func()
}

func newTickerHub(e *Engine) (*tickerHub, error) {
	h := &tickerHub{
		eng:        e,
		tickerSubs: make(map[string]TickerHandler),
		statusSubs: make(map[string]pool.StatusHandler),
		recovering: make(map[string]bool),
	}

	for name := range e.adapters {
		for _, sym := range venueSymbols(e.cfg, name) {
			h.universe = append(h.universe, models.InstrumentKey{
				Venue:  name,
				Symbol: symbols.ToCanonical(name, sym),
			})
		}
	}

	// registered before the subscriptions so a dial that fails immediately
	// still reaches the recovery path
	h.removeStatus = e.pool.OnStatus(h.onStatus)
	for _, key := range h.universe {
		release, err := e.pool.Subscribe(key, models.ChannelTicker, h.onEvent)
		if err != nil {
			h.removeStatus()
			for _, r := range h.releases {
				r()
			}
			return nil, err
		}
		h.releases = append(h.releases, release)
	}
	return h, nil
}

func venueSymbols(cfg *config.Config, name string) []string {
	switch name {
	case "binance":
		return cfg.Venues.Binance.Symbols
	case "bybit":
		return cfg.Venues.Bybit.Symbols
	case "okx":
		return cfg.Venues.Okx.Symbols
	}
	return nil
}

func (h *tickerHub) attach(onTicker TickerHandler, onStatus pool.StatusHandler) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := newHandlerID()
	h.tickerSubs[id] = onTicker
	if onStatus != nil {
		h.statusSubs[id] = onStatus
	}
	return id
}

func (h *tickerHub) detach(id string) (last bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.tickerSubs, id)
	delete(h.statusSubs, id)
	return len(h.tickerSubs) == 0
}

func (h *tickerHub) onEvent(evt models.Event) {
	if evt.Ticker == nil {
		return
	}
	h.record(evt.Instrument, evt.Ticker)
}

// record feeds one sample into the metrics engine and fans the recomputed
// view out to every attached consumer. Shared by the streaming and REST
// recovery paths.
func (h *tickerHub) record(key models.InstrumentKey, sample *models.TickerSample) {
	h.eng.tickers.Record(sample)
	metrics, ok := h.eng.tickers.Metrics(key)
	if !ok {
		return
	}

	h.mu.Lock()
	handlers := make([]TickerHandler, 0, len(h.tickerSubs))
	for _, fn := range h.tickerSubs {
		handlers = append(handlers, fn)
	}
	h.mu.Unlock()

	for _, fn := range handlers {
		fn(key, metrics)
	}
}

func (h *tickerHub) onStatus(st models.ConnStatus) {
	if st.Channel == models.ChannelTicker &&
		(st.State == models.StateReconnectWait || st.State == models.StateFailed) {
		h.recoverVenue(st.Venue)
	}

	h.mu.Lock()
	handlers := make([]pool.StatusHandler, 0, len(h.statusSubs))
	for _, fn := range h.statusSubs {
		handlers = append(handlers, fn)
	}
	h.mu.Unlock()

	for _, fn := range handlers {
		fn(st)
	}
}

// recoverVenue starts one REST poll round for a venue whose ticker stream is
// down. At most one round runs per venue; repeated backoff transitions while
// a round is in flight are absorbed.
func (h *tickerHub) recoverVenue(name string) {
	h.mu.Lock()
	if h.closed || h.recovering[name] {
		h.mu.Unlock()
		return
	}
	h.recovering[name] = true
	h.mu.Unlock()
	go h.restRecover(name)
}

func (h *tickerHub) restRecover(name string) {
	defer func() {
		h.mu.Lock()
		delete(h.recovering, name)
		h.mu.Unlock()
	}()

	adapter, ok := h.eng.adapters[name]
	if !ok {
		return
	}
	for _, key := range h.universe {
		if key.Venue != name {
			continue
		}
		if err := h.eng.limiter.Wait(h.eng.ctx); err != nil {
			return
		}
		sample, err := adapter.FetchTicker(h.eng.ctx, adapter.NativeSymbol(key.Symbol))
		if err != nil {
			h.eng.log.WithError(err).WithFields(logger.Fields{"instrument": key.String()}).Warn("ticker fallback failed")
			continue
		}
		sample.Instrument = key
		logger.IncrementRestFallback("ticker_rest", 0)
		h.record(key, sample)
	}
}

func (h *tickerHub) close() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()

	if h.removeStatus != nil {
		h.removeStatus()
	}
	for _, r := range h.releases {
		r()
	}
	for _, key := range h.universe {
		h.eng.tickers.Drop(key)
	}
}
