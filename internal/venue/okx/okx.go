// Package okx adapts the OKX v5 public websocket. Books frames carry an
// explicit snapshot/update action; ticker samples are assembled from the
// tickers and open-interest channels, which is why the ticker logical channel
// subscribes two topics per instrument.
package okx

import (
	"bytes"
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

const Name = "okx"

var quotes = []string{"USDT", "USDC", "USD"}

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

// NativeSymbol maps BTCUSDT to BTC-USDT-SWAP. Symbols already carrying dashes
// pass through untouched.
func (a *Adapter) NativeSymbol(canonical string) string {
	if strings.Contains(canonical, "-") {
		return canonical
	}
	for _, quote := range quotes {
		if strings.HasSuffix(canonical, quote) && len(canonical) > len(quote) {
			return fmt.Sprintf("%s-%s-SWAP", strings.TrimSuffix(canonical, quote), quote)
		}
	}
	return canonical
}

type subArg struct {
	Channel string `json:"channel"`
	InstID  string `json:"instId"`
}

type opFrame struct {
	Op   string   `json:"op"`
	Args []subArg `json:"args"`
}

func (a *Adapter) frames(op string, ch models.Channel, natives []string) ([][]byte, error) {
	max := a.cfg.MaxBatchTopics
	if ch == models.ChannelTicker {
		// two topics per instrument
		max /= 2
		if max < 1 {
			max = 1
		}
	}

	var out [][]byte
	for _, shard := range venue.Shard(natives, max) {
		var args []subArg
		for _, sym := range shard {
			switch ch {
			case models.ChannelOrderBook:
				args = append(args, subArg{Channel: "books", InstID: sym})
			case models.ChannelTicker:
				args = append(args,
					subArg{Channel: "tickers", InstID: sym},
					subArg{Channel: "open-interest", InstID: sym},
				)
			}
		}
		frame, err := json.Marshal(opFrame{Op: op, Args: args})
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

type bookRow [4]string

type bookData struct {
	Bids []bookRow `json:"bids"`
	Asks []bookRow `json:"asks"`
	Ts   string    `json:"ts"`
	Seq  int64     `json:"seqId"`
}

func (a *Adapter) Parse(raw []byte) ([]models.Event, error) {
	if bytes.Equal(bytes.TrimSpace(raw), []byte("pong")) {
		return nil, nil
	}

	var frame struct {
		Event  string          `json:"event"`
		Code   string          `json:"code"`
		Msg    string          `json:"msg"`
		Arg    subArg          `json:"arg"`
		Action string          `json:"action"`
		Data   json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, fmt.Errorf("%w: %v", venue.ErrProtocol, err)
	}

	if frame.Event != "" {
		if frame.Event == "error" && strings.Contains(strings.ToLower(frame.Msg), "exceed") {
			return nil, fmt.Errorf("%w: %s", venue.ErrSubscriptionLimit, frame.Msg)
		}
		// subscribe/unsubscribe acks and pings
		return nil, nil
	}
	if frame.Data == nil {
		return nil, nil
	}

	key := models.InstrumentKey{Venue: Name, Symbol: frame.Arg.InstID}

	switch frame.Arg.Channel {
	case "books":
		var rows []bookData
		if err := json.Unmarshal(frame.Data, &rows); err != nil {
			return nil, fmt.Errorf("%w: %v", venue.ErrProtocol, err)
		}
		events := make([]models.Event, 0, len(rows))
		for _, row := range rows {
			ts := parseMillis(row.Ts)
			if frame.Action == "snapshot" {
				snap := &models.BookSnapshot{
					Instrument: key,
					Bids:       parseRows(row.Bids, false),
					Asks:       parseRows(row.Asks, false),
					UpdateID:   row.Seq,
					Timestamp:  ts,
				}
				events = append(events, models.Event{Type: models.EventBookSnapshot, Instrument: key, Snapshot: snap})
				continue
			}
			delta := &models.BookDelta{
				Instrument: key,
				Bids:       parseRows(row.Bids, true),
				Asks:       parseRows(row.Asks, true),
				UpdateID:   row.Seq,
				Timestamp:  ts,
			}
			events = append(events, models.Event{Type: models.EventBookDelta, Instrument: key, Delta: delta})
		}
		return events, nil

	case "tickers":
		var rows []struct {
			InstID    string `json:"instId"`
			Last      string `json:"last"`
			VolCcy24h string `json:"volCcy24h"`
			Ts        string `json:"ts"`
		}
		if err := json.Unmarshal(frame.Data, &rows); err != nil {
			return nil, fmt.Errorf("%w: %v", venue.ErrProtocol, err)
		}
		events := make([]models.Event, 0, len(rows))
		for _, row := range rows {
			price, err1 := strconv.ParseFloat(row.Last, 64)
			vol, err2 := strconv.ParseFloat(row.VolCcy24h, 64)
			if err1 != nil || err2 != nil {
				return nil, fmt.Errorf("%w: unparseable ticker numbers", venue.ErrProtocol)
			}
			sample := &models.TickerSample{
				Instrument: key,
				Price:      price,
				HasPrice:   true,
				Volume24h:  vol,
				HasVolume:  true,
				Timestamp:  parseMillis(row.Ts),
			}
			events = append(events, models.Event{Type: models.EventTicker, Instrument: key, Ticker: sample})
		}
		return events, nil

	case "open-interest":
		var rows []struct {
			InstID string `json:"instId"`
			OiUsd  string `json:"oiUsd"`
			OiCcy  string `json:"oiCcy"`
			Ts     string `json:"ts"`
		}
		if err := json.Unmarshal(frame.Data, &rows); err != nil {
			return nil, fmt.Errorf("%w: %v", venue.ErrProtocol, err)
		}
		events := make([]models.Event, 0, len(rows))
		for _, row := range rows {
			notional := row.OiUsd
			if notional == "" {
				notional = row.OiCcy
			}
			oi, err := strconv.ParseFloat(notional, 64)
			if err != nil {
				continue
			}
			sample := &models.TickerSample{
				Instrument:        key,
				OpenInterestValue: oi,
				HasOpenInterest:   true,
				Timestamp:         parseMillis(row.Ts),
			}
			events = append(events, models.Event{Type: models.EventTicker, Instrument: key, Ticker: sample})
		}
		return events, nil
	}

	return nil, nil
}

func parseRows(rows []bookRow, keepZero bool) []models.BookLevel {
	levels := make([]models.BookLevel, 0, len(rows))
	for _, row := range rows {
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

func parseMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Now().UTC()
	}
	return time.UnixMilli(ms)
}

type restEnvelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
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

	var wrapper restEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&wrapper); err != nil {
		return err
	}
	if wrapper.Code != "0" {
		return fmt.Errorf("okx rest: %s (code %s)", wrapper.Msg, wrapper.Code)
	}
	return json.Unmarshal(wrapper.Data, out)
}

func (a *Adapter) FetchSnapshot(ctx context.Context, native string) (*models.BookSnapshot, error) {
	var rows []bookData
	path := fmt.Sprintf("/api/v5/market/books?instId=%s&sz=%d", native, a.cfg.DepthLimit)
	if err := a.rest(ctx, path, &rows); err != nil {
		return nil, fmt.Errorf("okx book snapshot %s: %w", native, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("okx book snapshot %s: empty response", native)
	}
	row := rows[0]
	return &models.BookSnapshot{
		Instrument: models.InstrumentKey{Venue: Name, Symbol: native},
		Bids:       parseRows(row.Bids, false),
		Asks:       parseRows(row.Asks, false),
		UpdateID:   row.Seq,
		Timestamp:  parseMillis(row.Ts),
	}, nil
}

func (a *Adapter) FetchTicker(ctx context.Context, native string) (*models.TickerSample, error) {
	var rows []struct {
		InstID    string `json:"instId"`
		Last      string `json:"last"`
		VolCcy24h string `json:"volCcy24h"`
		Ts        string `json:"ts"`
	}
	path := fmt.Sprintf("/api/v5/market/ticker?instId=%s", native)
	if err := a.rest(ctx, path, &rows); err != nil {
		return nil, fmt.Errorf("okx ticker %s: %w", native, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("okx ticker %s: empty response", native)
	}
	price, err1 := strconv.ParseFloat(rows[0].Last, 64)
	vol, err2 := strconv.ParseFloat(rows[0].VolCcy24h, 64)
	if err1 != nil || err2 != nil {
		return nil, fmt.Errorf("okx ticker %s: unparseable numbers", native)
	}
	return &models.TickerSample{
		Instrument: models.InstrumentKey{Venue: Name, Symbol: native},
		Price:      price,
		HasPrice:   true,
		Volume24h:  vol,
		HasVolume:  true,
		Timestamp:  parseMillis(rows[0].Ts),
	}, nil
}
