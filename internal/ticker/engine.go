// Package ticker derives short-horizon metrics from rolling ticker series:
// change percentages, volatility, estimated traded volume and relative
// volume, and open interest change.
package ticker

import (
	"math"
	"sync"
	"time"

	"depthflow/internal/clock"
	"depthflow/internal/series"
	"depthflow/models"
)

const (
	horizonShort = 5 * time.Minute
	horizonMid   = 15 * time.Minute
	horizonLong  = time.Hour

	// 24h split into 5m slices, the baseline for relative volume.
	rvolSlices = 288
	rvolMax    = 99.99
)

type instrumentSeries struct {
	price  *series.Rolling
	volume *series.Rolling
	oi     *series.Rolling
}

// Engine maintains the per-instrument rolling series and computes derived
// metrics on demand. All metrics degrade to zero (or nil for OI change) on
// insufficient history; a cold start never errors.
type Engine struct {
	mu    sync.RWMutex
	clk   clock.Clock
	bySym map[models.InstrumentKey]*instrumentSeries
}

// NewEngine creates an engine reading time from clk.
func NewEngine(clk clock.Clock) *Engine {
	return &Engine{
		clk:   clk,
		bySym: make(map[models.InstrumentKey]*instrumentSeries),
	}
}

// Record feeds one canonical ticker sample into the instrument's series.
// Series are created lazily on the first sample.
func (e *Engine) Record(sample *models.TickerSample) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.bySym[sample.Instrument]
	if !ok {
		s = &instrumentSeries{
			price:  series.NewRolling(series.Window, series.CoalescePrice),
			volume: series.NewRolling(series.Window, series.CoalescePrice),
			oi:     series.NewRolling(series.Window, series.CoalesceInterest),
		}
		e.bySym[sample.Instrument] = s
	}

	t := sample.Timestamp
	if t.IsZero() {
		t = e.clk.Now()
	}
	if sample.HasPrice {
		s.price.Add(t, sample.Price)
	}
	if sample.HasVolume {
		s.volume.Add(t, sample.Volume24h)
	}
	if sample.HasOpenInterest {
		s.oi.Add(t, sample.OpenInterestValue)
	}
}

// Drop discards all series for the instrument.
func (e *Engine) Drop(key models.InstrumentKey) {
	e.mu.Lock()
	delete(e.bySym, key)
	e.mu.Unlock()
}

// Metrics computes the derived view for one instrument. The second return is
// false when no sample has been recorded yet.
func (e *Engine) Metrics(key models.InstrumentKey) (models.TickerMetrics, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	s, ok := e.bySym[key]
	if !ok {
		return models.TickerMetrics{}, false
	}
	latest, ok := s.price.Latest()
	if !ok {
		return models.TickerMetrics{}, false
	}

	now := e.clk.Now()
	m := models.TickerMetrics{
		Instrument:    key,
		Price:         latest.V,
		Change5m:      change(s.price, latest.V, now, horizonShort),
		Change15m:     change(s.price, latest.V, now, horizonMid),
		Change1h:      change(s.price, latest.V, now, horizonLong),
		Volatility15m: volatility(s.price, now, horizonMid),
		Volume5m:      windowVolume(s.volume, now, horizonShort),
		Volume1h:      windowVolume(s.volume, now, horizonLong),
		OIChange1h:    oiChange(s.oi, now, horizonLong),
		Timestamp:     now,
	}
	if v, ok := s.volume.Latest(); ok {
		m.Volume24h = v.V
	}
	m.RVOL = rvol(m.Volume5m, m.Volume24h)
	return m, true
}

// change returns the percent move from the horizon reference price. The
// reference is the most recent sample at or before now-horizon, falling back
// to the oldest retained sample; metrics under-report during warm-up rather
// than being undefined.
func change(price *series.Rolling, current float64, now time.Time, horizon time.Duration) float64 {
	ref, ok, _ := price.At(now.Add(-horizon))
	if !ok || ref.V == 0 {
		return 0
	}
	return (current - ref.V) / ref.V * 100
}

// volatility is the population stddev of the windowed prices relative to
// their mean, in percent.
func volatility(price *series.Rolling, now time.Time, horizon time.Duration) float64 {
	win := price.Since(now.Add(-horizon))
	if len(win) < 2 {
		return 0
	}
	var sum float64
	for _, s := range win {
		sum += s.V
	}
	mean := sum / float64(len(win))
	if mean == 0 {
		return 0
	}
	var sq float64
	for _, s := range win {
		d := s.V - mean
		sq += d * d
	}
	return math.Sqrt(sq/float64(len(win))) / mean * 100
}

// windowVolume estimates traded volume inside the window by summing positive
// deltas between consecutive cumulative readings. A same-or-decreasing
// reading counts the new value entirely as fresh volume; that absorbs
// day-boundary counter resets. Heuristic only, venues differ in their reset
// semantics.
func windowVolume(volume *series.Rolling, now time.Time, horizon time.Duration) float64 {
	cutoff := now.Add(-horizon)
	win := volume.Since(cutoff)
	if len(win) == 0 {
		return 0
	}

	prev, ok := volume.Before(cutoff)
	start := 0
	if !ok {
		prev = win[0]
		start = 1
	} else if prev.T.Equal(win[0].T) {
		// a sample sitting exactly on the cutoff is both the reference and
		// the first window entry; consume it only as the reference
		start = 1
	}

	var sum float64
	for _, s := range win[start:] {
		if s.V > prev.V {
			sum += s.V - prev.V
		} else {
			sum += s.V
		}
		prev = s
	}
	return sum
}

// rvol relates 5m volume to the trailing 24h-derived 5m baseline, clamped to
// [0, rvolMax]. Exactly zero whenever the 24h figure is non-positive.
func rvol(volume5m, volume24h float64) float64 {
	if volume24h <= 0 {
		return 0
	}
	base := volume24h / rvolSlices
	if base < 1 {
		base = 1
	}
	r := volume5m / base
	if r < 0 {
		return 0
	}
	if r > rvolMax {
		return rvolMax
	}
	return r
}

// oiChange is nil when no open interest sample exists at or before the
// horizon; unlike price change there is no oldest-sample fallback.
func oiChange(oi *series.Rolling, now time.Time, horizon time.Duration) *float64 {
	ref, ok := oi.Before(now.Add(-horizon))
	if !ok || ref.V == 0 {
		return nil
	}
	cur, ok := oi.Latest()
	if !ok {
		return nil
	}
	v := (cur.V - ref.V) / ref.V * 100
	return &v
}
