package models

import "time"

// EventType discriminates the canonical events produced by venue adapters.
type EventType string

const (
	EventBookSnapshot EventType = "book_snapshot"
	EventBookDelta    EventType = "book_delta"
	EventTicker       EventType = "ticker"
)

// Event is the canonical parsed form of one wire message. Exactly one of
// Snapshot, Delta or Ticker is set, matching Type.
type Event struct {
	Type       EventType     `json:"type"`
	Instrument InstrumentKey `json:"instrument"`
	Snapshot   *BookSnapshot `json:"snapshot,omitempty"`
	Delta      *BookDelta    `json:"delta,omitempty"`
	Ticker     *TickerSample `json:"ticker,omitempty"`
	Received   time.Time     `json:"received"`
}
