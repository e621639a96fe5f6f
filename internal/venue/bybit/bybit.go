// Package bybit adapts the Bybit v5 public linear streams. Orderbook topics
// carry an explicit snapshot/delta type so no REST seed is required, but the
// REST endpoints back the fallback path anyway. The v5 session drops unless
// the client sends {"op":"ping"} on an interval.
package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"depthflow/config"
	"depthflow/internal/venue"
	"depthflow/models"
)

const Name = "bybit"

type Adapter struct {
	cfg        config.VenueConfig
	httpClient *http.Client
}

func New(cfg config.VenueConfig) *Adapter {
	return &Adapter{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (a *Adapter) Name() string { return Name }

func (a *Adapter) StreamURL(models.Channel) string { return a.cfg.StreamURL }

// NativeSymbol restores the 1000-multiplied contract names the canonical
// form drops. Bybit names its SHIB contract with the multiplier after the
// base asset.
func (a *Adapter) NativeSymbol(canonical string) string {
	switch canonical {
	case "BONKUSDT":
		return "1000BONKUSDT"
	case "PEPEUSDT":
		return "1000PEPEUSDT"
	case "SHIBUSDT":
		return "SHIB1000USDT"
	}
	return canonical
}

func (a *Adapter) topics(ch models.Channel, natives []string) []string {
	topics := make([]string, 0, len(natives))
	for _, s := range natives {
		switch ch {
		case models.ChannelOrderBook:
			topics = append(topics, fmt.Sprintf("orderbook.%d.%s", a.cfg.DepthLimit, s))
		case models.ChannelTicker:
			topics = append(topics, fmt.Sprintf("tickers.%s", s))
		}
	}
	return topics
}

type opFrame struct {
	Op   string   `json:"op"`
	Args []string `json:"args,omitempty"`
}

func (a *Adapter) frames(op string, ch models.Channel, natives []string) ([][]byte, error) {
	var out [][]byte
	for _, shard := range venue.Shard(natives, a.cfg.MaxBatchTopics) {
		frame, err := json.Marshal(opFrame{Op: op, Args: a.topics(ch, shard)})
		if err != nil {
			return nil, err
		}
		out = append(out, frame)
	}
	return out, nil
}

func (a *Adapter) SubscribeFrames(ch models.Channel, natives []string) ([][]byte, error) {
	return a.frames("subscribe", ch, natives)
}

func (a *Adapter) UnsubscribeFrames(ch models.Channel, natives []string) ([][]byte, error) {
	return a.frames("unsubscribe", ch, natives)
}

func (a *Adapter) Heartbeat() (time.Duration, []byte) {
	return a.cfg.HeartbeatInterval, []byte(`{"op":"ping"}`)
}

type bookData struct {
	Symbol   string     `json:"s"`
	Bids     [][]string `json:"b"`
	Asks     [][]string `json:"a"`
	UpdateID int64      `json:"u"`
}

type tickerData struct {
	Symbol            string `json:"symbol"`
	LastPrice         string `json:"lastPrice"`
	Turnover24h       string `json:"turnover24h"`
	OpenInterestValue string `json:"openInterestValue"`
}

func (a *Adapter) Parse(raw []byte) ([]models.Event, error) {
	var frame struct {
		Topic   string          `json:"topic"`
		Type    string          `json:"type"`
		Ts      int64           `json:"ts"`
		Data    json.RawMessage `json:"data"`
		Op      string          `json:"op"`
		RetMsg  string          `json:"ret_msg"`
		Success *bool           `json:"success"`
	}
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, fmt.Errorf("%w: %v", venue.ErrProtocol, err)
	}

	// op responses: pong, subscribe/unsubscribe acks
	if frame.Topic == "" {
		if frame.Success != nil && !*frame.Success &&
			(frame.Op == "subscribe" || strings.Contains(strings.ToLower(frame.RetMsg), "args")) {
			return nil, fmt.Errorf("%w: %s", venue.ErrSubscriptionLimit, frame.RetMsg)
		}
		return nil, nil
	}

	ts := time.UnixMilli(frame.Ts)
	switch {
	case strings.HasPrefix(frame.Topic, "orderbook."):
		var data bookData
		if err := json.Unmarshal(frame.Data, &data); err != nil {
			return nil, fmt.Errorf("%w: %v", venue.ErrProtocol, err)
		}
		sym := data.Symbol
		if sym == "" {
			parts := strings.Split(frame.Topic, ".")
			if len(parts) < 3 {
				return nil, fmt.Errorf("%w: topic %q", venue.ErrProtocol, frame.Topic)
			}
			sym = parts[2]
		}
		key := models.InstrumentKey{Venue: Name, Symbol: sym}

		if frame.Type == "snapshot" {
			snap := &models.BookSnapshot{
				Instrument: key,
				Bids:       parseLevels(data.Bids, false),
				Asks:       parseLevels(data.Asks, false),
				UpdateID:   data.UpdateID,
				Timestamp:  ts,
			}
			return []models.Event{{Type: models.EventBookSnapshot, Instrument: key, Snapshot: snap}}, nil
		}
		delta := &models.BookDelta{
			Instrument: key,
			Bids:       parseLevels(data.Bids, true),
			Asks:       parseLevels(data.Asks, true),
			UpdateID:   data.UpdateID,
			Timestamp:  ts,
		}
		return []models.Event{{Type: models.EventBookDelta, Instrument: key, Delta: delta}}, nil

	case strings.HasPrefix(frame.Topic, "tickers."):
		var data tickerData
		if err := json.Unmarshal(frame.Data, &data); err != nil {
			return nil, fmt.Errorf("%w: %v", venue.ErrProtocol, err)
		}
		sym := data.Symbol
		if sym == "" {
			sym = strings.TrimPrefix(frame.Topic, "tickers.")
		}
		sample := &models.TickerSample{
			Instrument: models.InstrumentKey{Venue: Name, Symbol: sym},
			Timestamp:  ts,
		}
		// Ticker deltas carry only changed fields; blanks are skipped so a
		// partial frame never zeroes a metric.
		if v, err := strconv.ParseFloat(data.LastPrice, 64); err == nil {
			sample.Price = v
			sample.HasPrice = true
		}
		if v, err := strconv.ParseFloat(data.Turnover24h, 64); err == nil {
			sample.Volume24h = v
			sample.HasVolume = true
		}
		if v, err := strconv.ParseFloat(data.OpenInterestValue, 64); err == nil {
			sample.OpenInterestValue = v
			sample.HasOpenInterest = true
		}
		if !sample.HasPrice && !sample.HasVolume && !sample.HasOpenInterest {
			return nil, nil
		}
		return []models.Event{{Type: models.EventTicker, Instrument: sample.Instrument, Ticker: sample}}, nil
	}

	return nil, nil
}

// parseLevels keeps zero sizes only in deltas, where they mark removals.
func parseLevels(rows [][]string, keepZero bool) []models.BookLevel {
	levels := make([]models.BookLevel, 0, len(rows))
	for _, row := range rows {
		if len(row) < 2 {
			continue
		}
		price, err1 := strconv.ParseFloat(row[0], 64)
		size, err2 := strconv.ParseFloat(row[1], 64)
		if err1 != nil || err2 != nil || price == 0 {
			continue
		}
		if size == 0 && !keepZero {
			continue
		}
		levels = append(levels, models.BookLevel{Price: price, Size: size, SizeQuote: price * size})
	}
	return levels
}

type restResponse struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

func (a *Adapter) rest(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.RestURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var wrapper restResponse
	if err := json.NewDecoder(resp.Body).Decode(&wrapper); err != nil {
		return err
	}
	if wrapper.RetCode != 0 {
		return fmt.Errorf("bybit rest: %s (code %d)", wrapper.RetMsg, wrapper.RetCode)
	}
	return json.Unmarshal(wrapper.Result, out)
}

func (a *Adapter) FetchSnapshot(ctx context.Context, native string) (*models.BookSnapshot, error) {
	var result struct {
		Symbol string     `json:"s"`
		Bids   [][]string `json:"b"`
		Asks   [][]string `json:"a"`
		Ts     int64      `json:"ts"`
		Seq    int64      `json:"seq"`
	}
	path := fmt.Sprintf("/v5/market/orderbook?category=linear&symbol=%s&limit=%d", native, a.cfg.DepthLimit)
	if err := a.rest(ctx, path, &result); err != nil {
		return nil, fmt.Errorf("bybit orderbook snapshot %s: %w", native, err)
	}
	return &models.BookSnapshot{
		Instrument: models.InstrumentKey{Venue: Name, Symbol: native},
		Bids:       parseLevels(result.Bids, false),
		Asks:       parseLevels(result.Asks, false),
		UpdateID:   result.Seq,
		Timestamp:  time.UnixMilli(result.Ts),
	}, nil
}

func (a *Adapter) FetchTicker(ctx context.Context, native string) (*models.TickerSample, error) {
	var result struct {
		List []tickerData `json:"list"`
	}
	path := fmt.Sprintf("/v5/market/tickers?category=linear&symbol=%s", native)
	if err := a.rest(ctx, path, &result); err != nil {
		return nil, fmt.Errorf("bybit ticker %s: %w", native, err)
	}
	if len(result.List) == 0 {
		return nil, fmt.Errorf("bybit ticker %s: empty response", native)
	}
	data := result.List[0]
	price, err1 := strconv.ParseFloat(data.LastPrice, 64)
	vol, err2 := strconv.ParseFloat(data.Turnover24h, 64)
	if err1 != nil || err2 != nil {
		return nil, fmt.Errorf("bybit ticker %s: unparseable numbers", native)
	}
	sample := &models.TickerSample{
		Instrument: models.InstrumentKey{Venue: Name, Symbol: native},
		Price:      price,
		HasPrice:   true,
		Volume24h:  vol,
		HasVolume:  true,
		Timestamp:  time.Now().UTC(),
	}
	if v, err := strconv.ParseFloat(data.OpenInterestValue, 64); err == nil {
		sample.OpenInterestValue = v
		sample.HasOpenInterest = true
	}
	return sample, nil
}
