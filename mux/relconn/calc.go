// Package relconn implements the per-stream reliable-connection actor:
// its state machine, inflight tracker, and RTT/bandwidth calculators.
// Grounded on original_source/src/mux/relconn/{mod,connvars,inflight,
// inflight/calc}.rs.
package relconn

import (
	"time"

	"github.com/geph-official/sosistab-go/stats"
)

// defaultMinRtt seeds the RTT calculator before any sample has arrived.
const defaultMinRtt = 500 * time.Millisecond

// minRttRefreshAfter forces a minRtt refresh if no smaller sample has
// arrived in this long, per spec.md's "min_rtt = smallest sample in the
// last 3s (refreshed on timeout)".
const minRttRefreshAfter = 3 * time.Second

// bwWindow is the bandwidth estimator's sliding-max window.
const bwWindow = 2 * time.Second

// RttCalculator maintains the EWMA RTT mean/variance and derives RTO and
// min-RTT, grounded on original_source/src/mux/relconn/inflight/calc.rs's
// RttCalculator.
type RttCalculator struct {
	inner         *stats.EmaCalculator
	minRtt        time.Duration
	rttUpdateTime time.Time
}

// NewRttCalculator constructs a calculator seeded with defaultMinRtt.
func NewRttCalculator() *RttCalculator {
	return &RttCalculator{
		inner:         stats.NewEmaCalculator(0.01),
		minRtt:        defaultMinRtt,
		rttUpdateTime: time.Now(),
	}
}

// RecordSample folds in one observed RTT, refreshing minRtt when the
// sample is smaller or the previous minRtt is stale.
func (r *RttCalculator) RecordSample(sample time.Duration) {
	r.inner.Update(float64(sample))
	now := time.Now()
	if sample < r.minRtt || now.Sub(r.rttUpdateTime) > minRttRefreshAfter {
		r.minRtt = sample
		r.rttUpdateTime = now
	}
}

// Rto returns the current retransmission timeout.
func (r *RttCalculator) Rto() time.Duration {
	v := r.inner.InverseCDF(0.99) + float64(250*time.Millisecond)
	if v < 0 {
		v = float64(defaultMinRtt)
	}
	return time.Duration(v)
}

// RttVar returns the estimated RTT variance, used by fast retransmit.
func (r *RttCalculator) RttVar() time.Duration {
	v := r.inner.InverseCDF(0.99) - r.inner.InverseCDF(0.01)
	if v < 0 {
		v = 0
	}
	return time.Duration(v)
}

// MinRtt returns the current floor RTT estimate.
func (r *RttCalculator) MinRtt() time.Duration { return r.minRtt }

// bwSample is one delivery-rate observation, in packets/sec.
type bwSample struct {
	rate float64
	at   time.Time
}

// BwCalculator tracks the delivered-packets counter at ACK time and
// maintains a 2-second sliding maximum of instantaneous delivery rate —
// the bandwidth-delay-product multiplier. Grounded on
// original_source/src/mux/relconn/inflight/calc.rs's BwCalculator.
type BwCalculator struct {
	delivered     int64
	deliveredTime time.Time
	maxFilter     *stats.MinQueue[bwSample]
}

// NewBwCalculator constructs an empty calculator.
func NewBwCalculator() *BwCalculator {
	now := time.Now()
	return &BwCalculator{
		deliveredTime: now,
		maxFilter: stats.NewMinQueue[bwSample](func(a, b bwSample) bool {
			return a.rate > b.rate // "min" surfaces the max rate
		}),
	}
}

// OnSend stamps a newly-sent segment with the counters it should be
// credited against once acked.
func (b *BwCalculator) OnSend() (deliveredAtSend int64, deliveredTimeAtSend time.Time) {
	return b.delivered, b.deliveredTime
}

// OnAck credits one packet as delivered "now" and, if this segment was
// never retransmitted, records a delivery-rate sample derived against the
// counters captured at send time. Grounded on calc.rs's on_ack, which
// increments delivered by exactly one packet — cwnd, InflightCount, and
// Unacked are all packet-denominated (spec.md's Glossary: "Cwnd / BDP —
// in packets"), so delivered must stay in the same unit or DeliveryRate/
// Bdp come out ~MSS times too large.
func (b *BwCalculator) OnAck(wasRetransmitted bool, deliveredAtSend int64, deliveredTimeAtSend time.Time) {
	now := time.Now()
	b.delivered++
	b.deliveredTime = now

	if wasRetransmitted {
		return
	}
	elapsed := now.Sub(deliveredTimeAtSend).Seconds()
	if elapsed <= 0 {
		return
	}
	rate := float64(b.delivered-deliveredAtSend) / elapsed
	b.maxFilter.Push(bwSample{rate: rate, at: now})
	b.evictStale(now)
}

// evictStale drops samples older than bwWindow from the front (oldest
// arrival) of the max-filter queue.
func (b *BwCalculator) evictStale(now time.Time) {
	for {
		oldest, ok := b.maxFilter.PeekFront()
		if !ok || now.Sub(oldest.at) <= bwWindow {
			return
		}
		b.maxFilter.PopFront()
	}
}

// DeliveryRate returns the current delivery-rate estimate: the maximum
// observed sample within the last 2 seconds.
func (b *BwCalculator) DeliveryRate() float64 {
	v, ok := b.maxFilter.Min()
	if !ok {
		return 0
	}
	return v.rate
}
