package relconn

import (
	"bytes"
	"sort"
	"time"

	"github.com/geph-official/sosistab-go/mux/congestion"
	"github.com/geph-official/sosistab-go/pacer"
	"github.com/geph-official/sosistab-go/wire"
)

// minPacingRate is the pkt/s floor PacingInterval clamps the pacing rate
// to, so the interval between paced sends never exceeds 10ms, matching
// connvars.rs's pacing_rate()'s .max(100.0).
const minPacingRate = 100.0

// Mss is spec.md's wire constant: maximum per-stream payload per frame
// (1100 bytes).
const Mss = 1100

// AckBatch is spec.md's wire constant: forcing an immediate ACK once this
// many seqnos are queued for a selective ack.
const AckBatch = 32

// DelayedAckInterval matches spec.md's "Delayed ACK: 1 ms".
const DelayedAckInterval = time.Millisecond

// FinalTimeout is the absolute bail-out for a stuck stream, matching
// original_source/src/mux/relconn/connvars.rs.
const FinalTimeout = 600 * time.Second

// ConnVars is the pure per-stream state machine: write fragmentation,
// inflight/retransmit bookkeeping, inbound reassembly, and selective-ack
// generation. Grounded nearly line-for-line on
// original_source/src/mux/relconn/connvars.rs's ConnVars and
// process_one, reworked into discrete methods an actor loop drives
// (relconn.go) instead of a single async state machine.
type ConnVars struct {
	streamID uint16
	cc       congestion.Control
	inflight *Inflight

	writePending  bytes.Buffer
	nextSeqno     uint64
	closing       bool
	closeAcked    bool

	reorderer    map[uint64][]byte
	lowestUnseen uint64
	ackSeqnos    []uint64
	ackTimerSet  bool
	ackDeadline  time.Time

	pace *pacer.Pacer

	createdAt time.Time
}

// NewConnVars constructs a ConnVars for one stream starting with a fresh
// congestion controller.
func NewConnVars(streamID uint16, cc congestion.Control) *ConnVars {
	return &ConnVars{
		streamID:  streamID,
		cc:        cc,
		inflight:  NewInflight(),
		reorderer: make(map[uint64][]byte),
		pace:      pacer.New(time.Millisecond),
		createdAt: time.Now(),
	}
}

// PacingInterval derives the target inter-send spacing from cwnd/min_rtt,
// floored at minPacingRate packets/sec, matching connvars.rs's
// pacing_rate().
func (c *ConnVars) PacingInterval() time.Duration {
	rate := c.cc.Cwnd() / c.inflight.MinRtt().Seconds()
	if rate < minPacingRate {
		rate = minPacingRate
	}
	return time.Duration(float64(time.Second) / rate)
}

// PaceNext retunes the pacer to the current rate and returns its wait
// channel, the Go analog of connvars.rs's pacer.set_interval +
// pacer.wait_next().await gating new_write.
func (c *ConnVars) PaceNext() <-chan time.Time {
	c.pace.SetRate(c.PacingInterval())
	return c.pace.WaitNext()
}

// QueueWrite appends application bytes to the pending-write buffer,
// fragmented into Mss-sized frames as PopDataMessage drains it.
func (c *ConnVars) QueueWrite(p []byte) {
	c.writePending.Write(p)
}

// CanWrite reports whether a new (non-retransmit) segment may be sent:
// there must be pending bytes, and it is gated jointly by cwnd over both
// inflight and unacked segments and by no segment awaiting retransmission.
// Closing does not stop bytes queued before Close from draining. Grounded
// on connvars.rs's can_write_new = can_retransmit && unacked<=cwnd &&
// lost_seqnos.is_empty().
func (c *ConnVars) CanWrite() bool {
	if c.writePending.Len() == 0 {
		return false
	}
	cwnd := c.cc.Cwnd()
	if float64(c.inflight.InflightCount()) > cwnd {
		return false
	}
	if float64(c.inflight.Unacked()) > cwnd {
		return false
	}
	if c.inflight.LostCount() > 0 {
		return false
	}
	return true
}

// PopDataMessage fragments up to Mss bytes off the pending-write buffer
// into one RelData message, enters it into the inflight tracker, and
// returns it. Returns ok=false if there's nothing eligible to send.
func (c *ConnVars) PopDataMessage() (wire.Message, bool) {
	if !c.CanWrite() {
		return wire.Message{}, false
	}
	n := c.writePending.Len()
	if n > Mss {
		n = Mss
	}
	payload := make([]byte, n)
	c.writePending.Read(payload)

	seqno := c.nextSeqno
	c.nextSeqno++
	c.inflight.Insert(seqno, payload)

	return wire.Message{
		Kind:     wire.KindRelData,
		StreamID: c.streamID,
		Seqno:    seqno,
		Data:     payload,
	}, true
}

// CanRetransmit bounds retransmission to avoid runaway retransmit storms:
// inflight must not already exceed cwnd, and the outstanding sequence
// span must stay under 10,000 (connvars.rs's can_retransmit).
func (c *ConnVars) CanRetransmit() bool {
	cwnd := c.cc.Cwnd()
	if float64(c.inflight.InflightCount()) > cwnd {
		return false
	}
	return c.inflight.LastMinusFirst() <= 10000
}

// PopRetransmit reissues one known-lost segment as a fresh RelData
// message, if any is pending and CanRetransmit allows it.
func (c *ConnVars) PopRetransmit(seqno uint64) (wire.Message, bool) {
	if !c.CanRetransmit() {
		return wire.Message{}, false
	}
	payload, ok := c.inflight.Retransmit(seqno)
	if !ok {
		return wire.Message{}, false
	}
	return wire.Message{
		Kind:     wire.KindRelData,
		StreamID: c.streamID,
		Seqno:    seqno,
		Data:     payload,
	}, true
}

// HandleData processes an inbound RelData message: inserts it into the
// reorderer, arms the 1ms delayed-ack timer if not already armed, and
// returns any newly-available contiguous prefix ready for the
// application to read.
func (c *ConnVars) HandleData(msg wire.Message) []byte {
	if msg.Seqno >= c.lowestUnseen {
		if _, dup := c.reorderer[msg.Seqno]; !dup {
			c.reorderer[msg.Seqno] = msg.Data
			if msg.Seqno > c.lowestUnseen {
				c.ackSeqnos = append(c.ackSeqnos, msg.Seqno)
			}
		}
	}
	if !c.ackTimerSet {
		c.ackTimerSet = true
		c.ackDeadline = time.Now().Add(DelayedAckInterval)
	}

	var out []byte
	for {
		chunk, ok := c.reorderer[c.lowestUnseen]
		if !ok {
			break
		}
		out = append(out, chunk...)
		delete(c.reorderer, c.lowestUnseen)
		c.lowestUnseen++
	}
	return out
}

// HandleDataAck processes an inbound selective ack: cumulative
// acknowledgement below LowestUnseen plus the individually-sacked
// seqnos, marking each acked segment in the inflight tracker and
// crediting the congestion controller once per acked segment.
func (c *ConnVars) HandleDataAck(msg wire.Message) {
	beforeUnacked := c.inflight.Unacked()
	c.inflight.MarkAckedLt(msg.LowestUnseen)
	for _, s := range msg.SackSeqnos {
		c.inflight.MarkAcked(s)
	}
	afterUnacked := c.inflight.Unacked()
	for i := 0; i < beforeUnacked-afterUnacked; i++ {
		c.cc.MarkAck()
	}
}

// AckTimerDue reports whether the delayed-ack timer has fired, or
// AckBatch worth of sacks have queued up forcing an immediate ack.
func (c *ConnVars) AckTimerDue(now time.Time) bool {
	if len(c.ackSeqnos) >= AckBatch {
		return true
	}
	return c.ackTimerSet && !now.Before(c.ackDeadline)
}

// BuildAck constructs a RelDataAck message for the current cumulative +
// selective ack state, then clears the pending sack list and disarms the
// timer.
func (c *ConnVars) BuildAck() wire.Message {
	sacks := append([]uint64(nil), c.ackSeqnos...)
	sort.Slice(sacks, func(i, j int) bool { return sacks[i] < sacks[j] })
	c.ackSeqnos = c.ackSeqnos[:0]
	c.ackTimerSet = false
	return wire.Message{
		Kind:         wire.KindRelDataAck,
		StreamID:     c.streamID,
		LowestUnseen: c.lowestUnseen,
		SackSeqnos:   sacks,
	}
}

// BeginClose marks the stream as closing; bytes already queued and
// retransmits of already-sent data still go out, and CheckClosed reports
// true once all of it has been acked.
func (c *ConnVars) BeginClose() {
	c.closing = true
}

// CheckClosed reports whether it's safe to tear the stream down: closing
// was requested and every previously-sent segment has been acked.
func (c *ConnVars) CheckClosed() bool {
	return c.closing && c.inflight.Unacked() == 0 && c.writePending.Len() == 0
}

// RtoLoss pulls due RTO entries and marks them lost, returning the
// affected seqnos. Grounded on connvars.rs's Rto event. Every RTO firing
// that finds due segments reports one loss to the congestion controller
// along with the current bdp; any squelch is up to the controller itself
// (Cubic ignores a loss while cwnd <= bdp, Highspeed and Reno always
// halve).
func (c *ConnVars) RtoLoss(now time.Time) []uint64 {
	due := c.inflight.PopDueRto(now)
	if len(due) == 0 {
		return nil
	}
	bdp := c.inflight.Bdp()
	c.cc.MarkLoss(bdp)
	return due
}

// Expired reports whether the stream has been alive past FinalTimeout
// with no forward progress — an absolute bail-out independent of RTO
// bookkeeping.
func (c *ConnVars) Expired() bool {
	return time.Since(c.createdAt) > FinalTimeout
}
