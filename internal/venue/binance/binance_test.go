package binance

import (
	"encoding/json"
	"errors"
	"testing"

	"depthflow/config"
	"depthflow/internal/venue"
	"depthflow/models"
)

func newTestAdapter() *Adapter {
	return New(config.VenueConfig{
		StreamURL:      "wss://fstream.binance.com/ws",
		RestURL:        "https://fapi.binance.com",
		MaxBatchTopics: 2,
	})
}

func TestNativeSymbolRestoresMultiplier(t *testing.T) {
	a := newTestAdapter()
	cases := map[string]string{
		"BTCUSDT":  "BTCUSDT",
		"PEPEUSDT": "1000PEPEUSDT",
		"BONKUSDT": "1000BONKUSDT",
		"SHIBUSDT": "1000SHIBUSDT",
	}
	for canonical, want := range cases {
		if got := a.NativeSymbol(canonical); got != want {
			t.Fatalf("NativeSymbol(%s) = %s, want %s", canonical, got, want)
		}
	}
}

func TestParseDepthUpdate(t *testing.T) {
	a := newTestAdapter()
	raw := []byte(`{"e":"depthUpdate","E":1700000000000,"s":"BTCUSDT","b":[["100.5","2"]],"a":[["101","0"]],"u":42}`)

	events, err := a.Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(events) != 1 || events[0].Type != models.EventBookDelta {
		t.Fatalf("expected one delta event, got %+v", events)
	}
	delta := events[0].Delta
	if delta.Instrument.Symbol != "BTCUSDT" || delta.UpdateID != 42 {
		t.Fatalf("unexpected delta header: %+v", delta)
	}
	if len(delta.Bids) != 1 || delta.Bids[0].Price != 100.5 || delta.Bids[0].Size != 2 {
		t.Fatalf("unexpected bids: %+v", delta.Bids)
	}
	// zero quantity means removal and must survive parsing
	if len(delta.Asks) != 1 || delta.Asks[0].Price != 101 || delta.Asks[0].Size != 0 {
		t.Fatalf("unexpected asks: %+v", delta.Asks)
	}
}

func TestParseTicker(t *testing.T) {
	a := newTestAdapter()
	raw := []byte(`{"e":"24hrTicker","E":1700000000000,"s":"ETHUSDT","c":"2210.45","q":"987654.3"}`)

	events, err := a.Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(events) != 1 || events[0].Type != models.EventTicker {
		t.Fatalf("expected one ticker event, got %+v", events)
	}
	sample := events[0].Ticker
	if !sample.HasPrice || sample.Price != 2210.45 {
		t.Fatalf("unexpected price: %+v", sample)
	}
	if !sample.HasVolume || sample.Volume24h != 987654.3 {
		t.Fatalf("unexpected volume: %+v", sample)
	}
	// the futures ws ticker carries no open interest
	if sample.HasOpenInterest {
		t.Fatalf("open interest should not be set: %+v", sample)
	}
}

func TestParseControlFramesIgnored(t *testing.T) {
	a := newTestAdapter()
	for _, raw := range []string{
		`{"result":null,"id":1}`,
		`{"e":"aggTrade","s":"BTCUSDT"}`,
	} {
		events, err := a.Parse([]byte(raw))
		if err != nil {
			t.Fatalf("parse %q: %v", raw, err)
		}
		if events != nil {
			t.Fatalf("expected no events for %q, got %+v", raw, events)
		}
	}
}

func TestParseMalformed(t *testing.T) {
	a := newTestAdapter()
	if _, err := a.Parse([]byte(`{not json`)); !errors.Is(err, venue.ErrProtocol) {
		t.Fatalf("expected ErrProtocol, got %v", err)
	}
	if _, err := a.Parse([]byte(`{"e":"depthUpdate"}`)); !errors.Is(err, venue.ErrProtocol) {
		t.Fatalf("expected ErrProtocol for missing symbol, got %v", err)
	}
}

func TestSubscribeFramesSharded(t *testing.T) {
	a := newTestAdapter()
	frames, err := a.SubscribeFrames(models.ChannelOrderBook, []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"})
	if err != nil {
		t.Fatalf("frames: %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("expected 2 shards for 3 natives at batch size 2, got %d", len(frames))
	}

	var first struct {
		Method string   `json:"method"`
		Params []string `json:"params"`
		ID     int64    `json:"id"`
	}
	if err := json.Unmarshal(frames[0], &first); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	if first.Method != "SUBSCRIBE" || first.ID == 0 {
		t.Fatalf("unexpected control frame: %+v", first)
	}
	if len(first.Params) != 2 || first.Params[0] != "btcusdt@depth@100ms" {
		t.Fatalf("unexpected topics: %v", first.Params)
	}

	frames, err = a.UnsubscribeFrames(models.ChannelTicker, []string{"BTCUSDT"})
	if err != nil {
		t.Fatalf("frames: %v", err)
	}
	var second struct {
		Method string   `json:"method"`
		Params []string `json:"params"`
	}
	if err := json.Unmarshal(frames[0], &second); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	if second.Method != "UNSUBSCRIBE" || second.Params[0] != "btcusdt@ticker" {
		t.Fatalf("unexpected unsubscribe frame: %+v", second)
	}
}
