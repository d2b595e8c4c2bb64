package relconn

import (
	"sort"
	"sync"
	"time"
)

// InflightEntry tracks one unacknowledged segment. Grounded on
// original_source/src/mux/relconn/inflight.rs's InflightEntry.
type InflightEntry struct {
	Seqno         uint64
	SendTime      time.Time
	Retrans       int
	Payload       []byte
	RetransTime   time.Time
	Delivered     int64
	DeliveredTime time.Time
	KnownLost     bool
}

// Inflight is the per-stream unacked-segment tracker with an RTO index
// and lost-flag bookkeeping. Grounded on
// original_source/src/mux/relconn/inflight.rs.
type Inflight struct {
	mu sync.Mutex

	segments map[uint64]*InflightEntry
	rtos     map[int64][]uint64 // keyed by RTO deadline UnixNano
	lostCount int

	Rtt *RttCalculator
	Bw  *BwCalculator
}

// NewInflight constructs an empty tracker.
func NewInflight() *Inflight {
	return &Inflight{
		segments: make(map[uint64]*InflightEntry),
		rtos:     make(map[int64][]uint64),
		Rtt:      NewRttCalculator(),
		Bw:       NewBwCalculator(),
	}
}

// Unacked reports the number of segments not yet acknowledged (including
// known-lost ones awaiting retransmission).
func (in *Inflight) Unacked() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.segments)
}

// InflightCount reports segments in flight, excluding known-lost ones
// (they're no longer "in flight", just pending retransmit).
func (in *Inflight) InflightCount() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.segments) - in.lostCount
}

// LastMinusFirst reports the span between the lowest and highest
// outstanding sequence numbers, used to cap the retransmit lookahead.
func (in *Inflight) LastMinusFirst() uint64 {
	in.mu.Lock()
	defer in.mu.Unlock()
	if len(in.segments) == 0 {
		return 0
	}
	var lo, hi uint64
	first := true
	for s := range in.segments {
		if first {
			lo, hi = s, s
			first = false
			continue
		}
		if s < lo {
			lo = s
		}
		if s > hi {
			hi = s
		}
	}
	return hi - lo
}

// LostCount reports how many outstanding segments are flagged lost.
func (in *Inflight) LostCount() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.lostCount
}

// MinRtt exposes the RTT calculator's floor estimate.
func (in *Inflight) MinRtt() time.Duration { return in.Rtt.MinRtt() }

// Bdp returns the bandwidth-delay product: delivery_rate * min_rtt.
func (in *Inflight) Bdp() float64 {
	return in.Bw.DeliveryRate() * in.MinRtt().Seconds()
}

// Rto returns the current retransmission timeout.
func (in *Inflight) Rto() time.Duration { return in.Rtt.Rto() }

// Insert records a newly-sent segment, scheduling its RTO.
func (in *Inflight) Insert(seqno uint64, payload []byte) {
	in.mu.Lock()
	defer in.mu.Unlock()
	now := time.Now()
	delivered, deliveredTime := in.Bw.OnSend()
	entry := &InflightEntry{
		Seqno: seqno, SendTime: now, Payload: payload,
		RetransTime: now.Add(in.Rtt.Rto()), Delivered: delivered, DeliveredTime: deliveredTime,
	}
	in.segments[seqno] = entry
	in.scheduleRto(seqno, entry.RetransTime)
}

func (in *Inflight) scheduleRto(seqno uint64, at time.Time) {
	key := at.UnixNano()
	in.rtos[key] = append(in.rtos[key], seqno)
}

func (in *Inflight) removeRto(seqno uint64, at time.Time) {
	key := at.UnixNano()
	list := in.rtos[key]
	for i, s := range list {
		if s == seqno {
			in.rtos[key] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(in.rtos[key]) == 0 {
		delete(in.rtos, key)
	}
}

// MarkLost flags seqno as lost without removing it — actual
// retransmission happens later, gated by cwnd.
func (in *Inflight) MarkLost(seqno uint64) {
	in.mu.Lock()
	defer in.mu.Unlock()
	e, ok := in.segments[seqno]
	if !ok || e.KnownLost {
		return
	}
	e.KnownLost = true
	in.lostCount++
	in.removeRto(seqno, e.RetransTime)
}

// MarkAckedLt cumulatively acknowledges every segment with seqno strictly
// less than the given cumulative ack, recording RTT samples and bandwidth
// credit for each.
func (in *Inflight) MarkAckedLt(cumAck uint64) {
	in.mu.Lock()
	var toAck []uint64
	for s := range in.segments {
		if s < cumAck {
			toAck = append(toAck, s)
		}
	}
	in.mu.Unlock()
	for _, s := range toAck {
		in.MarkAcked(s)
	}
}

// MarkAcked acknowledges a single segment by seqno: records an RTT sample
// (only if it was never retransmitted), credits bandwidth, performs fast
// retransmit on any lower still-inflight segment whose backoff schedule
// indicates it's also lost, and removes the segment.
func (in *Inflight) MarkAcked(seqno uint64) {
	in.mu.Lock()
	defer in.mu.Unlock()

	e, ok := in.segments[seqno]
	if !ok {
		return
	}

	now := time.Now()
	if e.Retrans == 0 {
		in.Rtt.RecordSample(now.Sub(e.SendTime))
	}
	in.Bw.OnAck(e.Retrans != 0, e.Delivered, e.DeliveredTime)

	if e.KnownLost {
		in.lostCount--
	} else {
		in.removeRto(seqno, e.RetransTime)
	}
	delete(in.segments, seqno)

	// Fast retransmit: any lower still-inflight segment whose scheduled
	// retransmit time trails this ack's by more than 4*rtt_var is almost
	// certainly also lost — reschedule it to fire immediately.
	rttVar := in.Rtt.RttVar()
	for s, other := range in.segments {
		if s >= seqno || other.Retrans != 0 || other.KnownLost {
			continue
		}
		if other.RetransTime.Add(4*rttVar).Before(e.RetransTime) && other.RetransTime.After(now) {
			in.removeRto(s, other.RetransTime)
			other.RetransTime = now
			in.scheduleRto(s, now)
		}
	}
}

// Retransmit reissues the payload for a known-lost segment, doubling its
// backoff and clearing its lost flag. The caller contract (enforced here,
// resolving spec.md §9's Open Question about a possible lost_count
// underflow) is that Retransmit is only ever invoked on a segment already
// flagged lost by MarkLost — calling it on a segment that isn't lost is a
// programming error in the caller (ConnVars's RTO path always calls
// MarkLost first), not a wire-triggerable condition, so it's asserted
// rather than silently decrementing lostCount into an inconsistent state.
func (in *Inflight) Retransmit(seqno uint64) ([]byte, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	e, ok := in.segments[seqno]
	if !ok {
		return nil, false
	}
	if !e.KnownLost {
		panic("relconn: Retransmit called on a segment that was never marked lost")
	}
	e.KnownLost = false
	in.lostCount--
	e.Retrans++
	backoff := in.Rtt.Rto()
	for i := 0; i < e.Retrans; i++ {
		backoff *= 2
	}
	e.RetransTime = time.Now().Add(backoff)
	in.scheduleRto(seqno, e.RetransTime)
	return e.Payload, true
}

// FirstRto returns the earliest scheduled RTO deadline among non-lost
// entries, and true if one exists.
func (in *Inflight) FirstRto() (time.Time, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if len(in.rtos) == 0 {
		return time.Time{}, false
	}
	keys := make([]int64, 0, len(in.rtos))
	for k := range in.rtos {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return time.Unix(0, keys[0]), true
}

// PopDueRto removes and returns every seqno whose RTO deadline has
// already passed, marking each lost.
func (in *Inflight) PopDueRto(now time.Time) []uint64 {
	in.mu.Lock()
	var due []int64
	for k := range in.rtos {
		if k <= now.UnixNano() {
			due = append(due, k)
		}
	}
	var seqnos []uint64
	for _, k := range due {
		seqnos = append(seqnos, in.rtos[k]...)
		delete(in.rtos, k)
	}
	in.mu.Unlock()

	for _, s := range seqnos {
		in.MarkLost(s)
	}
	return seqnos
}
