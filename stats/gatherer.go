package stats

import (
	"sync"
	"time"
)

// Gatherer is a lock-protected map of named time series (each Session
// owns its own) —
// the direct analog of original_source's StatsGatherer (there backed by a
// DashMap; here a plain map guarded by a mutex, the idiom the rest of this
// corpus uses for shared maps, e.g. listener/table.go's SessionTable).
type Gatherer struct {
	mu    sync.Mutex
	byKey map[string]*TimeSeries
}

// NewGatherer constructs an empty Gatherer.
func NewGatherer() *Gatherer {
	return &Gatherer{byKey: make(map[string]*TimeSeries)}
}

func (g *Gatherer) series(key string) *TimeSeries {
	ts, ok := g.byKey[key]
	if !ok {
		ts = NewTimeSeries(decimateAfter)
		g.byKey[key] = ts
	}
	return ts
}

// Update records an absolute value for key at the current time.
func (g *Gatherer) Update(key string, val float32) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.series(key).Insert(time.Now(), val)
}

// Increment adds delta to the last recorded value for key (0 if unset) and
// records the result.
func (g *Gatherer) Increment(key string, delta float32) {
	g.mu.Lock()
	defer g.mu.Unlock()
	ts := g.series(key)
	last, _ := ts.Last()
	ts.Insert(time.Now(), last+delta)
}

// GetLast returns the most recently recorded value for key.
func (g *Gatherer) GetLast(key string) (float32, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	ts, ok := g.byKey[key]
	if !ok {
		return 0, false
	}
	return ts.Last()
}

// GetTimeSeries returns the raw TimeSeries for key, if present.
func (g *Gatherer) GetTimeSeries(key string) (*TimeSeries, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	ts, ok := g.byKey[key]
	return ts, ok
}

// Iter calls fn for every (key, series) pair currently gathered.
func (g *Gatherer) Iter(fn func(key string, ts *TimeSeries)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for k, v := range g.byKey {
		fn(k, v)
	}
}
