// Package group implements display-step computation and price-level bucketing
// for orderbook views. Everything here is pure; callers pass levels in and get
// buckets out.
package group

import (
	"math"
	"sort"
	"strconv"

	"depthflow/models"
)

// multiplier ladders applied to the base step. Which ladder is used depends on
// where the base landed relative to the minimal tick and 1.0.
var (
	multsBelowTick = []float64{1, 2, 5, 10, 25, 50, 100}
	multsWhole     = []float64{1, 2, 5, 10, 20, 50, 100}
	multsGeneral   = []float64{1, 2.5, 5, 10, 25, 50, 100}
)

// StepCandidates computes the ordered list of usable display step sizes for a
// given reference price. sizePrecisionDecimals is the instrument's size
// precision; the minimal tick is 10^-(6-precision). The base candidate is the
// power of ten nearest to price/divisor, floored at the minimal tick.
func StepCandidates(price float64, sizePrecisionDecimals int) []float64 {
	if price <= 0 {
		return nil
	}

	minTick := math.Pow(10, -(6 - float64(sizePrecisionDecimals)))

	divisor := 30000.0
	if price >= 10000 {
		divisor = 50000.0
	}

	base := math.Pow(10, math.Round(math.Log10(price/divisor)))

	var mults []float64
	switch {
	case base < minTick:
		base = minTick
		mults = multsBelowTick
	case base >= 1:
		mults = multsWhole
	default:
		mults = multsGeneral
	}

	steps := make([]float64, 0, len(mults))
	for _, m := range mults {
		steps = append(steps, clean(base*m))
	}
	return steps
}

// GroupLevels buckets levels by floor(price/step)*step, accumulating size and
// level count per bucket. Buckets come back sorted descending by price;
// callers invert the result for ascending ask order.
func GroupLevels(levels []models.BookLevel, step float64) []models.GroupedLevel {
	if step <= 0 || len(levels) == 0 {
		return nil
	}

	buckets := make(map[float64]*models.GroupedLevel, len(levels))
	for _, lvl := range levels {
		price := clean(math.Floor(lvl.Price/step) * step)
		b, ok := buckets[price]
		if !ok {
			b = &models.GroupedLevel{Price: price}
			buckets[price] = b
		}
		b.Size += lvl.Size
		b.Count++
	}

	out := make([]models.GroupedLevel, 0, len(buckets))
	for _, b := range buckets {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Price > out[j].Price })
	return out
}

// nativeRatios are the canonical price-relative step ratios venues expose as
// aggregation precision parameters. When a requested step lands inside a
// ratio's tolerance band, delegating to the venue's own aggregation saves
// bandwidth and client CPU over bucketing here.
var nativeRatios = []struct {
	ratio     float64
	precision int
}{
	{1e-6, 6},
	{1e-5, 5},
	{1e-4, 4},
	{1e-3, 3},
	{1e-2, 2},
}

const ratioTolerance = 0.25

// NativePrecision reports the venue aggregation precision matching the
// requested step relative to the reference price, if any.
func NativePrecision(step, price float64) (int, bool) {
	if step <= 0 || price <= 0 {
		return 0, false
	}
	r := step / price
	for _, nr := range nativeRatios {
		if math.Abs(r-nr.ratio) <= nr.ratio*ratioTolerance {
			return nr.precision, true
		}
	}
	return 0, false
}

// clean strips floating point artifacts like 0.30000000000000004 that the
// multiplier and floor arithmetic otherwise leak into display values.
func clean(v float64) float64 {
	f, err := strconv.ParseFloat(strconv.FormatFloat(v, 'g', 12, 64), 64)
	if err != nil {
		return v
	}
	return f
}
