package models

import "time"

// TickerSample is one canonical ticker observation. Volume24h is the venue's
// cumulative 24h figure, not an incremental delta. OpenInterestValue is the
// outstanding notional. Venues deliver partial frames (delta tickers with
// only changed fields, separate open-interest channels), so each field
// carries a presence flag; absent fields must not touch the rolling series.
type TickerSample struct {
	Instrument        InstrumentKey `json:"instrument"`
	Price             float64       `json:"price"`
	HasPrice          bool          `json:"has_price"`
	Volume24h         float64       `json:"volume_24h"`
	HasVolume         bool          `json:"has_volume"`
	OpenInterestValue float64       `json:"open_interest_value"`
	HasOpenInterest   bool          `json:"has_open_interest"`
	Timestamp         time.Time     `json:"timestamp"`
}

// TickerMetrics is the derived short-horizon view for one instrument. Change
// fields are percentages. OIChange1h is nil while no open-interest sample old
// enough for the horizon exists.
type TickerMetrics struct {
	Instrument    InstrumentKey `json:"instrument"`
	Price         float64       `json:"price"`
	Volume24h     float64       `json:"volume_24h"`
	Change5m      float64       `json:"change_5m"`
	Change15m     float64       `json:"change_15m"`
	Change1h      float64       `json:"change_1h"`
	Volatility15m float64       `json:"volatility_15m"`
	Volume5m      float64       `json:"volume_5m"`
	Volume1h      float64       `json:"volume_1h"`
	RVOL          float64       `json:"rvol"`
	OIChange1h    *float64      `json:"oi_change_1h,omitempty"`
	Timestamp     time.Time     `json:"timestamp"`
}
