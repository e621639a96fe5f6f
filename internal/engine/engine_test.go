package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"depthflow/config"
	"depthflow/internal/clock"
	"depthflow/internal/pool"
	"depthflow/models"
)

type fakeTransport struct {
	mu      sync.Mutex
	writes  [][]byte
	closed  int
	inbox   chan []byte
	errc    chan error
	onceErr sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbox: make(chan []byte, 64),
		errc:  make(chan error, 1),
	}
}

func (t *fakeTransport) ReadMessage() ([]byte, error) {
	select {
	case msg := <-t.inbox:
		return msg, nil
	case err := <-t.errc:
		return nil, err
	}
}

func (t *fakeTransport) WriteMessage(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.writes = append(t.writes, data)
	return nil
}

func (t *fakeTransport) Ping() error { return nil }

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	t.closed++
	t.mu.Unlock()
	t.onceErr.Do(func() { t.errc <- io.ErrClosedPipe })
	return nil
}

func (t *fakeTransport) fail(err error) {
	t.onceErr.Do(func() { t.errc <- err })
}

func (t *fakeTransport) closedCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *fakeTransport) writeCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.writes)
}

type fakeDialer struct {
	mu         sync.Mutex
	attempts   int
	transports []*fakeTransport
}

func (d *fakeDialer) Dial(context.Context, string) (pool.Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.attempts++
	t := newFakeTransport()
	d.transports = append(d.transports, t)
	return t, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts
}

func (d *fakeDialer) transport(i int) *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.transports[i]
}

// stubAdapter speaks a trivial line protocol:
//
//	snap:<native>:<bid>:<ask>         full book snapshot, unit sizes
//	delta:<native>:<side>:<px>:<sz>   one-level delta
//	tick:<native>:<price>:<vol24h>    ticker sample
type stubAdapter struct {
	restSnapshot *models.BookSnapshot
	restTicker   *models.TickerSample
}

func (a *stubAdapter) Name() string { return "binance" }

func (a *stubAdapter) StreamURL(models.Channel) string { return "ws://example.test/stream" }

func (a *stubAdapter) NativeSymbol(canonical string) string { return strings.ToLower(canonical) }

func (a *stubAdapter) SubscribeFrames(_ models.Channel, natives []string) ([][]byte, error) {
	return [][]byte{[]byte("sub:" + strings.Join(natives, ","))}, nil
}

func (a *stubAdapter) UnsubscribeFrames(_ models.Channel, natives []string) ([][]byte, error) {
	return [][]byte{[]byte("unsub:" + strings.Join(natives, ","))}, nil
}

func (a *stubAdapter) Heartbeat() (time.Duration, []byte) { return 0, nil }

func (a *stubAdapter) Parse(raw []byte) ([]models.Event, error) {
	parts := strings.Split(string(raw), ":")
	key := func() models.InstrumentKey {
		return models.InstrumentKey{Venue: a.Name(), Symbol: parts[1]}
	}
	switch parts[0] {
	case "snap":
		bid, _ := strconv.ParseFloat(parts[2], 64)
		ask, _ := strconv.ParseFloat(parts[3], 64)
		return []models.Event{{
			Type:       models.EventBookSnapshot,
			Instrument: key(),
			Snapshot: &models.BookSnapshot{
				Instrument: key(),
				Bids:       []models.BookLevel{{Price: bid, Size: 1}},
				Asks:       []models.BookLevel{{Price: ask, Size: 1}},
			},
		}}, nil
	case "delta":
		px, _ := strconv.ParseFloat(parts[3], 64)
		sz, _ := strconv.ParseFloat(parts[4], 64)
		level := []models.BookLevel{{Price: px, Size: sz}}
		delta := &models.BookDelta{Instrument: key()}
		if parts[2] == "bid" {
			delta.Bids = level
		} else {
			delta.Asks = level
		}
		return []models.Event{{Type: models.EventBookDelta, Instrument: key(), Delta: delta}}, nil
	case "tick":
		price, _ := strconv.ParseFloat(parts[2], 64)
		vol, _ := strconv.ParseFloat(parts[3], 64)
		return []models.Event{{
			Type:       models.EventTicker,
			Instrument: key(),
			Ticker: &models.TickerSample{
				Price: price, HasPrice: true,
				Volume24h: vol, HasVolume: true,
			},
		}}, nil
	}
	return nil, fmt.Errorf("stub: unknown frame %q", raw)
}

func (a *stubAdapter) FetchSnapshot(_ context.Context, native string) (*models.BookSnapshot, error) {
	if a.restSnapshot == nil {
		return nil, errors.New("no rest snapshot configured")
	}
	snap := *a.restSnapshot
	return &snap, nil
}

func (a *stubAdapter) FetchTicker(context.Context, string) (*models.TickerSample, error) {
	if a.restTicker == nil {
		return nil, errors.New("no rest ticker configured")
	}
	s := *a.restTicker
	return &s, nil
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Engine.BookDepth = 200
	cfg.Engine.CoalesceInterval = 16 * time.Millisecond
	cfg.Engine.SnapshotRate = 1000
	cfg.Engine.SnapshotBurst = 10
	cfg.Pool.Backoff = config.BackoffConfig{
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		Factor:      2,
		AttemptCap:  6,
		MaxAttempts: 10,
	}
	cfg.Pool.StaleTimeout = time.Hour
	cfg.Venues.Binance.Enabled = true
	cfg.Venues.Binance.Symbols = []string{"BTCUSDT"}
	return cfg
}

func newTestEngine(t *testing.T, adapter *stubAdapter) (*Engine, *fakeDialer, *clock.Fake) {
	t.Helper()
	d := &fakeDialer{}
	clk := clock.NewFake()
	eng, err := New(testConfig(), WithClock(clk), WithDialer(d), WithAdapters(adapter))
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	t.Cleanup(eng.Shutdown)
	return eng, d, clk
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out: %s", msg)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitBook(t *testing.T, ch <-chan models.MaterializedBook) models.MaterializedBook {
	t.Helper()
	select {
	case mb := <-ch:
		return mb
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for book update")
		return models.MaterializedBook{}
	}
}

func TestOrderBookSharedFanOut(t *testing.T) {
	adapter := &stubAdapter{}
	eng, d, clk := newTestEngine(t, adapter)
	key := models.InstrumentKey{Venue: "binance", Symbol: "BTCUSDT"}

	h1 := make(chan models.MaterializedBook, 16)
	h2 := make(chan models.MaterializedBook, 16)
	unsub1, err := eng.SubscribeOrderBook(key, func(mb models.MaterializedBook) { h1 <- mb })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	unsub2, err := eng.SubscribeOrderBook(key, func(mb models.MaterializedBook) { h2 <- mb })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if got := d.dials(); got != 1 {
		t.Fatalf("both handlers must share one transport, dials=%d", got)
	}
	waitFor(t, func() bool { return d.transport(0).writeCount() > 0 }, "subscribe frame")

	d.transport(0).inbox <- []byte("snap:btcusdt:100:101")
	waitFor(t, func() bool {
		_, ok := eng.books.Materialized(key)
		return ok
	}, "snapshot applied")
	time.Sleep(20 * time.Millisecond) // let the coalescer arm its flush timer
	clk.Advance(16 * time.Millisecond)

	mb1 := waitBook(t, h1)
	mb2 := waitBook(t, h2)
	if mb1.BestBid != 100 || mb1.BestAsk != 101 || mb1.MidPrice != 100.5 {
		t.Fatalf("unexpected materialized view: %+v", mb1)
	}
	if mb2.BestBid != mb1.BestBid || mb2.BestAsk != mb1.BestAsk {
		t.Fatalf("handlers diverged: %+v vs %+v", mb1, mb2)
	}

	// a burst of deltas coalesces to a single latest-wins delivery
	d.transport(0).inbox <- []byte("delta:btcusdt:ask:101:0")
	d.transport(0).inbox <- []byte("delta:btcusdt:ask:102:3")
	waitFor(t, func() bool {
		mb, ok := eng.books.Materialized(key)
		return ok && mb.BestAsk == 102
	}, "deltas applied")
	time.Sleep(20 * time.Millisecond) // let the coalescer arm its flush timer
	clk.Advance(16 * time.Millisecond)

	mb1 = waitBook(t, h1)
	if mb1.BestAsk != 102 {
		t.Fatalf("expected latest ask 102, got %v", mb1.BestAsk)
	}
	waitBook(t, h2)
	select {
	case mb := <-h1:
		t.Fatalf("burst delivered more than once: %+v", mb)
	case <-time.After(50 * time.Millisecond):
	}

	// releasing one handler leaves the other attached
	unsub1()
	d.transport(0).inbox <- []byte("delta:btcusdt:bid:99:2")
	waitFor(t, func() bool {
		mb, ok := eng.books.Materialized(key)
		return ok && mb.BestBid == 100 && len(mb.Bids) == 2
	}, "post-release delta applied")
	time.Sleep(20 * time.Millisecond) // let the coalescer arm its flush timer
	clk.Advance(16 * time.Millisecond)
	waitBook(t, h2)
	select {
	case mb := <-h1:
		t.Fatalf("released handler still invoked: %+v", mb)
	case <-time.After(50 * time.Millisecond):
	}

	// releasing the last handler closes the shared transport
	unsub2()
	waitFor(t, func() bool { return d.transport(0).closedCount() == 1 }, "transport closed")
	if _, ok := eng.books.Materialized(key); ok {
		t.Fatalf("book state not dropped after last release")
	}
}

func TestTickerSharedUniverse(t *testing.T) {
	adapter := &stubAdapter{}
	eng, d, _ := newTestEngine(t, adapter)
	key := models.InstrumentKey{Venue: "binance", Symbol: "BTCUSDT"}

	type metricsUpdate struct {
		key     models.InstrumentKey
		metrics models.TickerMetrics
	}
	c1 := make(chan metricsUpdate, 16)
	c2 := make(chan metricsUpdate, 16)

	release1, err := eng.SubscribeTicker(func(k models.InstrumentKey, m models.TickerMetrics) {
		c1 <- metricsUpdate{k, m}
	}, nil)
	if err != nil {
		t.Fatalf("subscribe ticker: %v", err)
	}
	release2, err := eng.SubscribeTicker(func(k models.InstrumentKey, m models.TickerMetrics) {
		c2 <- metricsUpdate{k, m}
	}, nil)
	if err != nil {
		t.Fatalf("subscribe ticker: %v", err)
	}

	// the universe is acquired once, shared by both consumers
	if got := d.dials(); got != 1 {
		t.Fatalf("expected one shared ticker transport, dials=%d", got)
	}
	waitFor(t, func() bool { return d.transport(0).writeCount() > 0 }, "subscribe frame")

	d.transport(0).inbox <- []byte("tick:btcusdt:42000:1000000")
	for _, ch := range []chan metricsUpdate{c1, c2} {
		select {
		case u := <-ch:
			if u.key != key || u.metrics.Price != 42000 {
				t.Fatalf("unexpected metrics update: %+v", u)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("consumer missed metrics update")
		}
	}

	release1()
	d.transport(0).inbox <- []byte("tick:btcusdt:42100:1000100")
	select {
	case u := <-c2:
		if u.metrics.Price != 42100 {
			t.Fatalf("unexpected price: %v", u.metrics.Price)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("remaining consumer missed update")
	}
	select {
	case u := <-c1:
		t.Fatalf("released consumer still invoked: %+v", u)
	case <-time.After(50 * time.Millisecond):
	}

	release2()
	waitFor(t, func() bool { return d.transport(0).closedCount() == 1 }, "ticker transport closed")
}

func TestRestTickerRecoversDuringReconnect(t *testing.T) {
	adapter := &stubAdapter{
		restTicker: &models.TickerSample{
			Price: 43000, HasPrice: true,
			Volume24h: 5, HasVolume: true,
		},
	}
	eng, d, _ := newTestEngine(t, adapter)
	key := models.InstrumentKey{Venue: "binance", Symbol: "BTCUSDT"}

	metrics := make(chan models.TickerMetrics, 16)
	release, err := eng.SubscribeTicker(func(k models.InstrumentKey, m models.TickerMetrics) {
		if k == key {
			metrics <- m
		}
	}, nil)
	if err != nil {
		t.Fatalf("subscribe ticker: %v", err)
	}
	defer release()
	waitFor(t, func() bool { return d.transport(0).writeCount() > 0 }, "subscribe frame")

	// the stream dies; while the record waits out its backoff the hub keeps
	// metrics moving over REST
	d.transport(0).fail(errors.New("unexpected EOF"))
	select {
	case m := <-metrics:
		if m.Price != 43000 {
			t.Fatalf("unexpected recovered price: %v", m.Price)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no metrics recovered over REST during reconnect")
	}
}

func TestGroupedOrderbookReadsCurrentState(t *testing.T) {
	adapter := &stubAdapter{}
	eng, d, _ := newTestEngine(t, adapter)
	key := models.InstrumentKey{Venue: "binance", Symbol: "BTCUSDT"}

	if gb := eng.GetGroupedOrderbook(key, 0.5, 100, 2); gb != nil {
		t.Fatalf("expected nil for unknown instrument, got %+v", gb)
	}

	unsub, err := eng.SubscribeOrderBook(key, func(models.MaterializedBook) {})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer unsub()
	waitFor(t, func() bool { return d.dials() == 1 }, "dial")

	d.transport(0).inbox <- []byte("snap:btcusdt:100.03:100.21")
	d.transport(0).inbox <- []byte("delta:btcusdt:bid:100.01:2")
	waitFor(t, func() bool {
		mb, ok := eng.books.Materialized(key)
		return ok && len(mb.Bids) == 2
	}, "book state")

	gb := eng.GetGroupedOrderbook(key, 0.05, 100, 2)
	if gb == nil {
		t.Fatalf("expected grouped book")
	}
	if gb.Step != 0.05 {
		t.Fatalf("step = %v", gb.Step)
	}
	// 100.03 (size 1) and 100.01 (size 2) share the 100.00 bucket
	if len(gb.Bids) != 1 || gb.Bids[0].Price != 100 || gb.Bids[0].Size != 3 || gb.Bids[0].Count != 2 {
		t.Fatalf("unexpected bid buckets: %+v", gb.Bids)
	}
	if len(gb.Asks) != 1 || gb.Asks[0].Price != 100.2 {
		t.Fatalf("unexpected ask buckets: %+v", gb.Asks)
	}

	// a venue-native spelling folds to the same book state
	if gb2 := eng.GetGroupedOrderbook(models.InstrumentKey{Venue: "binance", Symbol: "btcusdt"}, 0.05, 100, 2); gb2 == nil {
		t.Fatalf("native spelling did not resolve to canonical book state")
	}
}

func TestRestSnapshotSeedsBook(t *testing.T) {
	adapter := &stubAdapter{
		restSnapshot: &models.BookSnapshot{
			Bids: []models.BookLevel{{Price: 99, Size: 4}},
			Asks: []models.BookLevel{{Price: 100, Size: 4}},
		},
	}
	eng, _, clk := newTestEngine(t, adapter)
	key := models.InstrumentKey{Venue: "binance", Symbol: "BTCUSDT"}

	books := make(chan models.MaterializedBook, 16)
	unsub, err := eng.SubscribeOrderBook(key, func(mb models.MaterializedBook) { books <- mb })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer unsub()

	// no streaming snapshot arrives; the REST fallback seeds the store
	waitFor(t, func() bool {
		_, ok := eng.books.Materialized(key)
		return ok
	}, "rest snapshot applied")
	time.Sleep(20 * time.Millisecond) // let the coalescer arm its flush timer
	clk.Advance(16 * time.Millisecond)

	mb := waitBook(t, books)
	if mb.BestBid != 99 || mb.BestAsk != 100 {
		t.Fatalf("unexpected seeded book: %+v", mb)
	}
}
