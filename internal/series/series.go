package series

import "time"

// Default windows used by the ticker metrics engine. Price and volume samples
// coalesce on a short interval, open interest on a longer one, and everything
// is trimmed to a 65 minute trailing window so the 1h horizons always have a
// sample to fall back to.
const (
	Window           = 65 * time.Minute
	CoalescePrice    = 5 * time.Second
	CoalesceInterest = 60 * time.Second
)

// Sample is one (timestamp, value) observation.
type Sample struct {
	T time.Time
	V float64
}

// Rolling is a bounded time-windowed sample buffer. Samples arriving within
// the coalescing interval of the latest entry overwrite its value instead of
// appending, which caps memory for high-frequency feeds. Not safe for
// concurrent use; callers serialize through the owning engine.
type Rolling struct {
	window   time.Duration
	coalesce time.Duration
	samples  []Sample
}

// NewRolling creates an empty series with the given trailing window and
// coalescing interval.
func NewRolling(window, coalesce time.Duration) *Rolling {
	return &Rolling{window: window, coalesce: coalesce}
}

// Add records a sample and trims entries that fell out of the window. A
// sample inside the coalescing interval of the latest entry overwrites that
// entry's value but keeps its timestamp, so the interval is anchored at the
// bucket start and a steady fast feed still retains one sample per interval.
func (r *Rolling) Add(t time.Time, v float64) {
	n := len(r.samples)
	if n > 0 && t.Sub(r.samples[n-1].T) < r.coalesce {
		r.samples[n-1].V = v
	} else {
		r.samples = append(r.samples, Sample{T: t, V: v})
	}
	r.trim(t)
}

func (r *Rolling) trim(now time.Time) {
	cutoff := now.Add(-r.window)
	i := 0
	for i < len(r.samples) && r.samples[i].T.Before(cutoff) {
		i++
	}
	if i > 0 {
		r.samples = append(r.samples[:0], r.samples[i:]...)
	}
}

// Len reports the number of retained samples.
func (r *Rolling) Len() int { return len(r.samples) }

// Latest returns the newest sample.
func (r *Rolling) Latest() (Sample, bool) {
	if len(r.samples) == 0 {
		return Sample{}, false
	}
	return r.samples[len(r.samples)-1], true
}

// Oldest returns the oldest retained sample.
func (r *Rolling) Oldest() (Sample, bool) {
	if len(r.samples) == 0 {
		return Sample{}, false
	}
	return r.samples[0], true
}

// Before scans backward for the most recent sample at or before cutoff.
func (r *Rolling) Before(cutoff time.Time) (Sample, bool) {
	for i := len(r.samples) - 1; i >= 0; i-- {
		if !r.samples[i].T.After(cutoff) {
			return r.samples[i], true
		}
	}
	return Sample{}, false
}

// At returns the horizon reference sample: the most recent sample at or
// before cutoff, falling back to the oldest available one. The second return
// reports whether any sample existed; the third whether the fallback was
// taken (warm-up under-reports magnitude instead of being undefined).
func (r *Rolling) At(cutoff time.Time) (Sample, bool, bool) {
	if s, ok := r.Before(cutoff); ok {
		return s, true, false
	}
	if s, ok := r.Oldest(); ok {
		return s, true, true
	}
	return Sample{}, false, false
}

// Since returns the samples with timestamps at or after cutoff, oldest first.
// The returned slice aliases internal storage; callers must not mutate it.
func (r *Rolling) Since(cutoff time.Time) []Sample {
	for i, s := range r.samples {
		if !s.T.Before(cutoff) {
			return r.samples[i:]
		}
	}
	return nil
}
