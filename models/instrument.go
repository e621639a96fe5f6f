package models

import "fmt"

// InstrumentKey identifies a tradable symbol scoped to a venue. It is the
// identity for all per-symbol state held by the engine.
type InstrumentKey struct {
	Venue  string `json:"venue"`
	Symbol string `json:"symbol"`
}

func (k InstrumentKey) String() string {
	return fmt.Sprintf("%s:%s", k.Venue, k.Symbol)
}

// Channel is a logical subscription class multiplexed over one physical
// connection per (venue, channel).
type Channel string

const (
	ChannelOrderBook Channel = "orderbook"
	ChannelTicker    Channel = "ticker"
)
