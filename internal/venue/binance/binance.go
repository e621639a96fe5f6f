// Package binance adapts the Binance USDⓈ-M futures streams to the canonical
// event model. Diff-depth and 24h ticker streams are multiplexed over the
// /ws endpoint with SUBSCRIBE control frames; snapshots come from the REST
// depth endpoint via the official client since the stream carries deltas only.
package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/adshao/go-binance/v2/futures"

	"depthflow/config"
	"depthflow/internal/venue"
	"depthflow/models"
)

const Name = "binance"

type Adapter struct {
	cfg    config.VenueConfig
	client *futures.Client
	nextID int64
}

// New creates the adapter. The REST client is pointed at cfg.RestURL when
// set, matching the configured environment.
func New(cfg config.VenueConfig) *Adapter {
	client := futures.NewClient("", "")
	if cfg.RestURL != "" {
		client.SetApiEndpoint(cfg.RestURL)
	}
	return &Adapter{cfg: cfg, client: client}
}

func (a *Adapter) Name() string { return Name }

func (a *Adapter) StreamURL(models.Channel) string { return a.cfg.StreamURL }

// NativeSymbol restores the 1000-multiplied contract names the canonical
// form drops.
func (a *Adapter) NativeSymbol(canonical string) string {
	switch canonical {
	case "BONKUSDT":
		return "1000BONKUSDT"
	case "PEPEUSDT":
		return "1000PEPEUSDT"
	case "SHIBUSDT":
		return "1000SHIBUSDT"
	}
	return canonical
}

func (a *Adapter) topics(ch models.Channel, natives []string) []string {
	topics := make([]string, 0, len(natives))
	for _, s := range natives {
		switch ch {
		case models.ChannelOrderBook:
			topics = append(topics, fmt.Sprintf("%s@depth@100ms", strings.ToLower(s)))
		case models.ChannelTicker:
			topics = append(topics, fmt.Sprintf("%s@ticker", strings.ToLower(s)))
		}
	}
	return topics
}

type controlFrame struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

func (a *Adapter) frames(method string, ch models.Channel, natives []string) ([][]byte, error) {
	var out [][]byte
	for _, shard := range venue.Shard(natives, a.cfg.MaxBatchTopics) {
		frame, err := json.Marshal(controlFrame{
			Method: method,
			Params: a.topics(ch, shard),
			ID:     atomic.AddInt64(&a.nextID, 1),
		})
		if err != nil {
			return nil, err
		}
		out = append(out, frame)
	}
	return out, nil
}

func (a *Adapter) SubscribeFrames(ch models.Channel, natives []string) ([][]byte, error) {
	return a.frames("SUBSCRIBE", ch, natives)
}

func (a *Adapter) UnsubscribeFrames(ch models.Channel, natives []string) ([][]byte, error) {
	return a.frames("UNSUBSCRIBE", ch, natives)
}

// Heartbeat: Binance sends websocket pings itself; the client only needs to
// answer, which gorilla does through its default pong handler. A periodic
// unsolicited pong keeps intermediaries from idling the session out.
func (a *Adapter) Heartbeat() (time.Duration, []byte) {
	return a.cfg.HeartbeatInterval, nil
}

type depthEvent struct {
	EventType string     `json:"e"`
	EventTime int64      `json:"E"`
	Symbol    string     `json:"s"`
	Bids      [][]string `json:"b"`
	Asks      [][]string `json:"a"`
	UpdateID  int64      `json:"u"`
}

type tickerEvent struct {
	EventType   string `json:"e"`
	EventTime   int64  `json:"E"`
	Symbol      string `json:"s"`
	LastPrice   string `json:"c"`
	QuoteVolume string `json:"q"`
}

func (a *Adapter) Parse(raw []byte) ([]models.Event, error) {
	var head struct {
		EventType string          `json:"e"`
		ID        json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", venue.ErrProtocol, err)
	}
	if head.ID != nil {
		// SUBSCRIBE/UNSUBSCRIBE ack
		return nil, nil
	}

	switch head.EventType {
	case "depthUpdate":
		var evt depthEvent
		if err := json.Unmarshal(raw, &evt); err != nil {
			return nil, fmt.Errorf("%w: %v", venue.ErrProtocol, err)
		}
		if evt.Symbol == "" {
			return nil, fmt.Errorf("%w: depth update without symbol", venue.ErrProtocol)
		}
		delta := &models.BookDelta{
			Instrument: models.InstrumentKey{Venue: Name, Symbol: evt.Symbol},
			Bids:       parseLevels(evt.Bids),
			Asks:       parseLevels(evt.Asks),
			UpdateID:   evt.UpdateID,
			Timestamp:  time.UnixMilli(evt.EventTime),
		}
		return []models.Event{{
			Type:       models.EventBookDelta,
			Instrument: delta.Instrument,
			Delta:      delta,
		}}, nil

	case "24hrTicker":
		var evt tickerEvent
		if err := json.Unmarshal(raw, &evt); err != nil {
			return nil, fmt.Errorf("%w: %v", venue.ErrProtocol, err)
		}
		price, err1 := strconv.ParseFloat(evt.LastPrice, 64)
		vol, err2 := strconv.ParseFloat(evt.QuoteVolume, 64)
		if err1 != nil || err2 != nil {
			return nil, fmt.Errorf("%w: unparseable ticker numbers", venue.ErrProtocol)
		}
		sample := &models.TickerSample{
			Instrument: models.InstrumentKey{Venue: Name, Symbol: evt.Symbol},
			Price:      price,
			HasPrice:   true,
			Volume24h:  vol,
			HasVolume:  true,
			Timestamp:  time.UnixMilli(evt.EventTime),
		}
		return []models.Event{{
			Type:       models.EventTicker,
			Instrument: sample.Instrument,
			Ticker:     sample,
		}}, nil
	}

	// Other stream types on a shared socket are not errors, just ignored.
	return nil, nil
}

// parseLevels converts [price, qty] string pairs, skipping unparseable rows.
// Zero quantities are kept: in a delta they mean removal.
func parseLevels(rows [][]string) []models.BookLevel {
	levels := make([]models.BookLevel, 0, len(rows))
	for _, row := range rows {
		if len(row) < 2 {
			continue
		}
		price, err1 := strconv.ParseFloat(row[0], 64)
		qty, err2 := strconv.ParseFloat(row[1], 64)
		if err1 != nil || err2 != nil || price == 0 {
			continue
		}
		levels = append(levels, models.BookLevel{
			Price:     price,
			Size:      qty,
			SizeQuote: price * qty,
		})
	}
	return levels
}

func (a *Adapter) FetchSnapshot(ctx context.Context, native string) (*models.BookSnapshot, error) {
	res, err := a.client.NewDepthService().Symbol(native).Limit(a.cfg.DepthLimit).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance depth snapshot %s: %w", native, err)
	}

	snap := &models.BookSnapshot{
		Instrument: models.InstrumentKey{Venue: Name, Symbol: native},
		UpdateID:   res.LastUpdateID,
		Timestamp:  time.Now().UTC(),
	}
	for _, b := range res.Bids {
		if lvl, ok := restLevel(b.Price, b.Quantity); ok {
			snap.Bids = append(snap.Bids, lvl)
		}
	}
	for _, ask := range res.Asks {
		if lvl, ok := restLevel(ask.Price, ask.Quantity); ok {
			snap.Asks = append(snap.Asks, lvl)
		}
	}
	return snap, nil
}

func (a *Adapter) FetchTicker(ctx context.Context, native string) (*models.TickerSample, error) {
	stats, err := a.client.NewListPriceChangeStatsService().Symbol(native).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance ticker stats %s: %w", native, err)
	}
	if len(stats) == 0 {
		return nil, fmt.Errorf("binance ticker stats %s: empty response", native)
	}
	price, err1 := strconv.ParseFloat(stats[0].LastPrice, 64)
	vol, err2 := strconv.ParseFloat(stats[0].QuoteVolume, 64)
	if err1 != nil || err2 != nil {
		return nil, fmt.Errorf("binance ticker stats %s: unparseable numbers", native)
	}
	return &models.TickerSample{
		Instrument: models.InstrumentKey{Venue: Name, Symbol: native},
		Price:      price,
		HasPrice:   true,
		Volume24h:  vol,
		HasVolume:  true,
		Timestamp:  time.Now().UTC(),
	}, nil
}

func restLevel(priceStr, qtyStr string) (models.BookLevel, bool) {
	price, err1 := strconv.ParseFloat(priceStr, 64)
	qty, err2 := strconv.ParseFloat(qtyStr, 64)
	if err1 != nil || err2 != nil || price == 0 || qty == 0 {
		return models.BookLevel{}, false
	}
	return models.BookLevel{Price: price, Size: qty, SizeQuote: price * qty}, true
}
