package models

import (
	"time"
)

// BookLevel represents a single price level in the orderbook. Size is zero
// only inside a delta, where it marks the level for removal.
type BookLevel struct {
	Price     float64 `json:"price"`
	Size      float64 `json:"size"`
	SizeQuote float64 `json:"size_quote"`
}

// BookSnapshot is the complete orderbook state for one instrument. A snapshot
// unconditionally replaces all prior state regardless of arrival order.
type BookSnapshot struct {
	Instrument InstrumentKey `json:"instrument"`
	Bids       []BookLevel   `json:"bids"` // price descending
	Asks       []BookLevel   `json:"asks"` // price ascending
	UpdateID   int64         `json:"last_update_id"`
	Timestamp  time.Time     `json:"timestamp"`
}

// BookDelta is an incremental set of price-level changes for one instrument.
type BookDelta struct {
	Instrument InstrumentKey `json:"instrument"`
	Bids       []BookLevel   `json:"bids"`
	Asks       []BookLevel   `json:"asks"`
	UpdateID   int64         `json:"update_id"`
	Timestamp  time.Time     `json:"timestamp"`
}

// MaterializedBook is the derived top-of-book view handed to subscribers.
// It is rebuilt after every merge and never mutated in place.
type MaterializedBook struct {
	Instrument    InstrumentKey `json:"instrument"`
	BestBid       float64       `json:"best_bid"`
	BestAsk       float64       `json:"best_ask"`
	MidPrice      float64       `json:"mid_price"`
	Spread        float64       `json:"spread"`
	SpreadPercent float64       `json:"spread_percent"`
	Bids          []BookLevel   `json:"bids"`
	Asks          []BookLevel   `json:"asks"`
	Timestamp     time.Time     `json:"timestamp"`
}

// GroupedLevel is one display bucket produced by price-step grouping.
type GroupedLevel struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
	Count int     `json:"count"`
}

// GroupedBook is the bucketed view returned by GetGroupedOrderbook.
type GroupedBook struct {
	Instrument InstrumentKey  `json:"instrument"`
	Step       float64        `json:"step"`
	Bids       []GroupedLevel `json:"bids"` // price descending
	Asks       []GroupedLevel `json:"asks"` // price ascending
	Timestamp  time.Time      `json:"timestamp"`
}
