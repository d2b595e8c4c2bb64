package stats

import "time"

// decimateAfter bounds how many points a TimeSeries keeps before thinning
// them — mirrors original_source's may_decimate behavior.
const decimateAfter = 256

// debounce matches the Rust source's same_as_last 5ms debounce: repeated
// identical values arriving faster than this are coalesced into one point.
const debounce = 5 * time.Millisecond

type point struct {
	at  time.Time
	val float32
}

// TimeSeries is a bounded, decimating series of (time, value) samples for
// one named metric.
type TimeSeries struct {
	maxLength int
	items     []point
}

// NewTimeSeries constructs a series capped at maxLength points.
func NewTimeSeries(maxLength int) *TimeSeries {
	if maxLength <= 0 {
		maxLength = decimateAfter
	}
	return &TimeSeries{maxLength: maxLength}
}

// Insert appends a sample at "now", debouncing an identical value arriving
// within 5ms of the previous one, then decimates if over capacity.
func (t *TimeSeries) Insert(now time.Time, val float32) {
	if n := len(t.items); n > 0 {
		last := t.items[n-1]
		if last.val == val && now.Sub(last.at) < debounce {
			return
		}
	}
	t.items = append(t.items, point{at: now, val: val})
	t.mayDecimate()
}

// mayDecimate halves the series by keeping only its even-indexed points
// once it exceeds maxLength, thinning recent and older samples alike — a
// bound on memory for long-lived sessions.
func (t *TimeSeries) mayDecimate() {
	if len(t.items) <= t.maxLength {
		return
	}
	kept := t.items[:0:0]
	for i, p := range t.items {
		if i%2 == 0 {
			kept = append(kept, p)
		}
	}
	t.items = kept
}

// Last returns the most recent sample, if any.
func (t *TimeSeries) Last() (float32, bool) {
	if len(t.items) == 0 {
		return 0, false
	}
	return t.items[len(t.items)-1].val, true
}

// After returns every sample strictly after the given time.
func (t *TimeSeries) After(at time.Time) []float32 {
	var out []float32
	for _, p := range t.items {
		if p.at.After(at) {
			out = append(out, p.val)
		}
	}
	return out
}

// Earliest returns the timestamp of the oldest retained sample.
func (t *TimeSeries) Earliest() (time.Time, bool) {
	if len(t.items) == 0 {
		return time.Time{}, false
	}
	return t.items[0].at, true
}
