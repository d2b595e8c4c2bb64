package session

import (
	"time"

	"github.com/geph-official/sosistab-go/stats"
)

// lossAlpha is the receive-loss EMA's smoothing factor, grounded on
// rloss.rs's EmaCalculator::new_unset(0.1).
const lossAlpha = 0.1

// gapExpiry is how long a seen-or-missing seqno is tracked before being
// folded into the running loss count, matching rloss.rs's 1-second
// Duration literal.
const gapExpiry = time.Second

// RecvLossCalc estimates the fraction of frames lost on the receive side
// by tracking gaps in the frame_no sequence and timing out unfilled gaps.
// Grounded nearly line-for-line on original_source/src/session/rloss.rs.
type RecvLossCalc struct {
	lastSeenSeqno uint64
	goodSeqnos    map[uint64]time.Time
	gapSeqnos     map[uint64]time.Time
	lostCount     float64
	goodCount     float64
	lossSamples   *stats.EmaCalculator

	window         float64
	lastLossUpdate time.Time
}

// NewRecvLossCalc constructs a calculator with the given EMA window, in
// seconds, between loss-rate updates.
func NewRecvLossCalc(window float64) *RecvLossCalc {
	return &RecvLossCalc{
		goodSeqnos:     make(map[uint64]time.Time),
		gapSeqnos:      make(map[uint64]time.Time),
		goodCount:      1.0,
		lossSamples:    stats.NewEmaCalculator(lossAlpha),
		window:         window,
		lastLossUpdate: time.Now(),
	}
}

// Record notes a successfully-received seqno, filling in any gap it
// completes, and recording every seqno between the previous high-water
// mark and this one as a pending gap.
func (r *RecvLossCalc) Record(seqno uint64) {
	if t, wasGap := r.gapSeqnos[seqno]; wasGap {
		delete(r.gapSeqnos, seqno)
		r.goodSeqnos[seqno] = t
	} else if seqno > r.lastSeenSeqno {
		for missing := r.lastSeenSeqno + 1; missing < seqno; missing++ {
			r.gapSeqnos[missing] = time.Now()
		}
		r.lastSeenSeqno = seqno
		r.goodSeqnos[seqno] = time.Now()
	}

	now := time.Now()
	for key, val := range r.goodSeqnos {
		if now.Sub(val) > gapExpiry {
			delete(r.goodSeqnos, key)
			r.goodCount++
		}
	}
	for key, val := range r.gapSeqnos {
		if now.Sub(val) > gapExpiry {
			delete(r.gapSeqnos, key)
			r.lostCount++
		}
	}

	loss := r.lostCount / maxF(r.goodCount+r.lostCount, 1.0)
	if now.Sub(r.lastLossUpdate).Seconds() > r.window && r.goodCount > 10.0 {
		r.lossSamples.Update(loss)
		r.lastLossUpdate = now
		r.lostCount = 0
		r.goodCount = 0
	}
}

// CalculateLoss returns the current estimated loss rate: the 10th
// percentile of the EMA's normal approximation (about 1.28 standard
// deviations below the mean, so the low end of the estimate), floored at
// zero.
func (r *RecvLossCalc) CalculateLoss() float64 {
	return maxF(r.lossSamples.InverseCDF(0.1), 0.0)
}

func maxF(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
