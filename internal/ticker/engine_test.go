package ticker

import (
	"math"
	"testing"
	"time"

	"depthflow/internal/clock"
	"depthflow/models"
)

var eth = models.InstrumentKey{Venue: "bybit", Symbol: "ETHUSDT"}

func sample(t time.Time, price, vol24, oi float64) *models.TickerSample {
	return &models.TickerSample{
		Instrument:        eth,
		Price:             price,
		HasPrice:          true,
		Volume24h:         vol24,
		HasVolume:         true,
		OpenInterestValue: oi,
		HasOpenInterest:   oi > 0,
		Timestamp:         t,
	}
}

func TestMetricsColdStart(t *testing.T) {
	e := NewEngine(clock.NewFake())
	if _, ok := e.Metrics(eth); ok {
		t.Fatal("expected no metrics before first sample")
	}

	clk := clock.NewFake()
	e = NewEngine(clk)
	e.Record(sample(clk.Now(), 100, 0, 0))
	m, ok := e.Metrics(eth)
	if !ok {
		t.Fatal("expected metrics after one sample")
	}
	if m.Change1h != 0 || m.Volatility15m != 0 || m.RVOL != 0 || m.OIChange1h != nil {
		t.Fatalf("cold start must degrade to zero/nil: %+v", m)
	}
}

func TestChange15mOldestFallback(t *testing.T) {
	clk := clock.NewFake()
	e := NewEngine(clk)
	start := clk.Now()

	e.Record(sample(start, 100, 0, 0))
	clk.Advance(20 * time.Minute)
	e.Record(sample(clk.Now(), 120, 0, 0))

	m, _ := e.Metrics(eth)
	// No sample is >=15m old other than the first, so change15m falls back
	// to it: (120-100)/100*100.
	if math.Abs(m.Change15m-20) > 1e-9 {
		t.Fatalf("expected change15m 20, got %v", m.Change15m)
	}
	if math.Abs(m.Change1h-20) > 1e-9 {
		t.Fatalf("expected change1h fallback 20, got %v", m.Change1h)
	}
}

func TestRVOLZeroAndClamp(t *testing.T) {
	clk := clock.NewFake()
	e := NewEngine(clk)

	e.Record(sample(clk.Now(), 100, 0, 0))
	m, _ := e.Metrics(eth)
	if m.RVOL != 0 {
		t.Fatalf("rvol must be exactly 0 at zero 24h volume, got %v", m.RVOL)
	}

	// A 5m burst far above the 24h-derived baseline exceeds the clamp.
	e.Record(sample(clk.Now().Add(10*time.Second), 100, 10, 0))
	clk.Advance(time.Minute)
	e.Record(sample(clk.Now(), 100, 10+10000, 0))
	m, _ = e.Metrics(eth)
	if m.RVOL != rvolMax {
		t.Fatalf("expected rvol clamped to %v, got %v", rvolMax, m.RVOL)
	}
}

func TestWindowVolumePositiveDeltas(t *testing.T) {
	clk := clock.NewFake()
	e := NewEngine(clk)
	start := clk.Now()

	e.Record(sample(start, 100, 1000, 0))
	clk.Advance(time.Minute)
	e.Record(sample(clk.Now(), 100, 1300, 0))
	clk.Advance(time.Minute)
	e.Record(sample(clk.Now(), 100, 1450, 0))

	m, _ := e.Metrics(eth)
	if math.Abs(m.Volume1h-450) > 1e-9 {
		t.Fatalf("expected 1h volume 450, got %v", m.Volume1h)
	}
}

func TestWindowVolumeCutoffSampleCountedOnce(t *testing.T) {
	clk := clock.NewFake()
	e := NewEngine(clk)

	// the first sample lands exactly on the 5m window boundary; it must act
	// as the reference only, not re-enter the window as fresh volume
	e.Record(sample(clk.Now(), 100, 1000, 0))
	clk.Advance(5 * time.Minute)
	e.Record(sample(clk.Now(), 100, 1010, 0))

	m, _ := e.Metrics(eth)
	if math.Abs(m.Volume5m-10) > 1e-9 {
		t.Fatalf("expected 5m volume 10, got %v", m.Volume5m)
	}
}

func TestWindowVolumeCounterReset(t *testing.T) {
	clk := clock.NewFake()
	e := NewEngine(clk)

	e.Record(sample(clk.Now(), 100, 5000, 0))
	clk.Advance(time.Minute)
	// Day-boundary reset: the counter restarts near zero and the fresh
	// reading counts entirely as new volume.
	e.Record(sample(clk.Now(), 100, 40, 0))

	m, _ := e.Metrics(eth)
	if math.Abs(m.Volume1h-40) > 1e-9 {
		t.Fatalf("expected reset reading counted whole (40), got %v", m.Volume1h)
	}
}

func TestVolatility(t *testing.T) {
	clk := clock.NewFake()
	e := NewEngine(clk)

	e.Record(sample(clk.Now(), 90, 0, 0))
	clk.Advance(time.Minute)
	e.Record(sample(clk.Now(), 110, 0, 0))

	m, _ := e.Metrics(eth)
	// Population stddev of {90,110} is 10, mean 100.
	if math.Abs(m.Volatility15m-10) > 1e-9 {
		t.Fatalf("expected volatility 10%%, got %v", m.Volatility15m)
	}
}

func TestOIChangeOmittedWithoutHorizonSample(t *testing.T) {
	clk := clock.NewFake()
	e := NewEngine(clk)

	e.Record(sample(clk.Now(), 100, 0, 1e6))
	m, _ := e.Metrics(eth)
	if m.OIChange1h != nil {
		t.Fatalf("expected nil OI change without a 1h-old sample, got %v", *m.OIChange1h)
	}

	clk.Advance(61 * time.Minute)
	e.Record(sample(clk.Now(), 100, 0, 1.1e6))
	m, _ = e.Metrics(eth)
	if m.OIChange1h == nil {
		t.Fatal("expected OI change once a horizon-old sample exists")
	}
	if math.Abs(*m.OIChange1h-10) > 1e-9 {
		t.Fatalf("expected OI change 10%%, got %v", *m.OIChange1h)
	}
}

func TestDrop(t *testing.T) {
	clk := clock.NewFake()
	e := NewEngine(clk)
	e.Record(sample(clk.Now(), 100, 0, 0))
	e.Drop(eth)
	if _, ok := e.Metrics(eth); ok {
		t.Fatal("expected no metrics after Drop")
	}
}
