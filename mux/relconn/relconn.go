package relconn

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/geph-official/sosistab-go/mux/congestion"
	"github.com/geph-official/sosistab-go/worker"
	"github.com/geph-official/sosistab-go/wire"
)

// ResetLinger matches spec.md's "Reset linger: 60 s". Nothing in this
// package reads it: a stream in stateReset does not answer later frames
// with Rst, and it stays in the multiplex table until its worker is halted.
const ResetLinger = 60 * time.Second

// MaxSynTries bounds SynSent retries before giving up, grounded on
// original_source/src/mux/relconn/mod.rs's "tries>5 -> bail timeout".
const MaxSynTries = 5

// ErrStreamReset is returned from Read/Write once the peer has reset the
// stream.
var ErrStreamReset = errors.New("relconn: stream reset")

// ErrSynTimeout is returned from Read/Write of a dialed stream whose peer
// never answered its Syn.
var ErrSynTimeout = errors.New("relconn: syn handshake timed out")

type connState int

const (
	stateSynSent connState = iota
	stateSynReceived
	stateSteady
	stateReset
)

// RelConn is one reliable byte stream multiplexed over a Session,
// implementing a minimal io.ReadWriteCloser. Grounded on
// original_source/src/mux/relconn/mod.rs's RelConn/relconn_actor,
// reworked into the Go actor idiom the teacher's stream/stream.go
// exercises (an embedded worker.Worker running one actor goroutine, run,
// with a single select loop).
type RelConn struct {
	worker.Worker

	mu           sync.Mutex
	state        connState
	streamID     uint16
	vars         *ConnVars
	log          *log.Logger
	resetAt      time.Time
	synTries     int
	handshakeErr error

	transmit func(wire.Message) error

	readBuf    bytes.Buffer
	inbound    chan wire.Message
	writeReady chan struct{}
	closeOnce  sync.Once
	closed     chan struct{}

	additionalInfo []byte
}

// newRelConn constructs a RelConn in the given initial state.
func newRelConn(streamID uint16, state connState, transmit func(wire.Message) error, logger *log.Logger) *RelConn {
	if logger == nil {
		logger = log.Default()
	}
	rc := &RelConn{
		state:      state,
		streamID:   streamID,
		vars:       NewConnVars(streamID, congestion.NewCubic()),
		log:        logger.With("stream_id", streamID),
		transmit:   transmit,
		inbound:    make(chan wire.Message, 64),
		writeReady: make(chan struct{}, 1),
		closed:     make(chan struct{}),
	}
	return rc
}

// Accept constructs a server-side RelConn answering an inbound Syn,
// immediately queuing a SynAck. Grounded on multiplex_actor.rs's ACCEPT
// path (new stream). The REACCEPT path (a resent Syn for an
// already-accepted stream) never reaches the RelConn: the multiplex actor
// answers it with a fresh SynAck itself.
func Accept(streamID uint16, additionalInfo []byte, transmit func(wire.Message) error, logger *log.Logger) *RelConn {
	rc := newRelConn(streamID, stateSynReceived, transmit, logger)
	rc.additionalInfo = additionalInfo
	rc.Go(rc.run)
	rc.sendSynAck()
	rc.mu.Lock()
	rc.state = stateSteady
	rc.mu.Unlock()
	return rc
}

// Dial constructs a client-side RelConn and immediately sends a Syn. The
// actor loop keeps resending with exponential backoff (synBackoff) while the
// stream sits in stateSynSent; once MaxSynTries is exceeded without a
// SynAck, the stream transitions to stateReset and Read/Write start
// returning ErrSynTimeout instead of blocking forever on a peer that never
// answers. Grounded on original_source/src/mux/relconn/mod.rs's SynSent
// match arm (tries>5 -> bail timeout).
func Dial(streamID uint16, additionalInfo []byte, transmit func(wire.Message) error, logger *log.Logger) *RelConn {
	rc := newRelConn(streamID, stateSynSent, transmit, logger)
	rc.additionalInfo = additionalInfo
	rc.sendSyn()
	rc.Go(rc.run)
	return rc
}

// sendSyn fires a Syn and counts the attempt. Called either before run()'s
// actor goroutine starts (Dial's initial send) or from within it
// (handleSynTimeout's resends), so it never needs to take rc.mu itself.
func (rc *RelConn) sendSyn() {
	rc.synTries++
	_ = rc.transmit(wire.Message{Kind: wire.KindRelSyn, StreamID: rc.streamID, AdditionalInfo: rc.additionalInfo})
}

// synBackoff returns the wait before the next Syn resend, grounded on
// mod.rs's wait_interval = 2^tries * 500ms.
func synBackoff(tries int) time.Duration {
	return (500 * time.Millisecond) << uint(tries)
}

func (rc *RelConn) sendSynAck() {
	_ = rc.transmit(wire.Message{Kind: wire.KindRelSynAck, StreamID: rc.streamID, AdditionalInfo: rc.additionalInfo})
}

// Deliver feeds one inbound Message addressed to this stream into the
// actor loop. Called by the multiplex dispatcher (mux/multiplex.go).
func (rc *RelConn) Deliver(msg wire.Message) {
	select {
	case rc.inbound <- msg:
	case <-rc.HaltCh():
	}
}

// Write queues application bytes for transmission. Non-blocking: bytes
// are buffered until the pacer/cwnd gate in the actor loop lets them out.
func (rc *RelConn) Write(p []byte) (int, error) {
	rc.mu.Lock()
	if rc.state == stateReset {
		err := rc.handshakeErr
		rc.mu.Unlock()
		if err != nil {
			return 0, err
		}
		return 0, ErrStreamReset
	}
	rc.vars.QueueWrite(p)
	rc.mu.Unlock()
	select {
	case rc.writeReady <- struct{}{}:
	default:
	}
	return len(p), nil
}

// Read drains reassembled, in-order application bytes.
func (rc *RelConn) Read(p []byte) (int, error) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.readBuf.Len() == 0 {
		if rc.state == stateReset {
			if rc.handshakeErr != nil {
				return 0, rc.handshakeErr
			}
			return 0, ErrStreamReset
		}
		return 0, nil
	}
	return rc.readBuf.Read(p)
}

// Close begins graceful teardown: already-queued data still drains, and the
// actor loop exits once everything sent has been acked. Write does not
// reject bytes written after Close, and no Fin is sent to the peer.
func (rc *RelConn) Close() error {
	rc.closeOnce.Do(func() {
		rc.mu.Lock()
		rc.vars.BeginClose()
		rc.mu.Unlock()
		select {
		case rc.writeReady <- struct{}{}:
		default:
		}
	})
	return nil
}

// run is the stream's actor loop: one goroutine racing RTO, retransmit
// eligibility, the ack timer, the Syn resend timer, inbound messages, and
// new writes — the Go analog of relconn_actor's single async select, with
// each deadline carried by a time.Timer that armTimers resets every
// iteration.
func (rc *RelConn) run() {
	ackTimer := time.NewTimer(time.Hour)
	rtoTimer := time.NewTimer(time.Hour)
	synTimer := time.NewTimer(time.Hour)
	defer ackTimer.Stop()
	defer rtoTimer.Stop()
	defer synTimer.Stop()

	for {
		rc.armTimers(ackTimer, rtoTimer, synTimer)

		select {
		case <-rc.HaltCh():
			return
		case msg := <-rc.inbound:
			rc.handleInbound(msg)
		case <-rc.writeReady:
			rc.drainWrites()
		case <-ackTimer.C:
			rc.flushAck()
		case <-rtoTimer.C:
			rc.handleRto()
		case <-synTimer.C:
			rc.handleSynTimeout()
		}

		rc.mu.Lock()
		expired := rc.vars.Expired()
		closed := rc.vars.CheckClosed() && rc.state != stateReset
		rc.mu.Unlock()
		if expired {
			rc.log.Warn("stream exceeded final timeout, resetting")
			rc.enterReset()
		} else if closed {
			return
		}
	}
}

func (rc *RelConn) armTimers(ackTimer, rtoTimer, synTimer *time.Timer) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	drainTimer(ackTimer)
	if rc.vars.ackTimerSet {
		ackTimer.Reset(time.Until(rc.vars.ackDeadline))
	} else {
		ackTimer.Reset(time.Hour)
	}

	drainTimer(rtoTimer)
	if at, ok := rc.vars.inflight.FirstRto(); ok {
		wait := time.Until(at)
		if wait < 0 {
			wait = 0
		}
		rtoTimer.Reset(wait)
	} else {
		rtoTimer.Reset(time.Hour)
	}

	drainTimer(synTimer)
	if rc.state == stateSynSent && rc.synTries <= MaxSynTries {
		synTimer.Reset(synBackoff(rc.synTries - 1))
	} else {
		synTimer.Reset(time.Hour)
	}
}

func drainTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

func (rc *RelConn) handleInbound(msg wire.Message) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	switch msg.Kind {
	case wire.KindRelSynAck:
		if rc.state == stateSynSent {
			rc.state = stateSteady
		}
	case wire.KindRelData:
		out := rc.vars.HandleData(msg)
		if len(out) > 0 {
			rc.readBuf.Write(out)
		}
	case wire.KindRelDataAck:
		rc.vars.HandleDataAck(msg)
	case wire.KindRelFin:
		rc.vars.BeginClose()
	case wire.KindRelRst:
		rc.state = stateReset
		rc.resetAt = time.Now()
	}
}

// drainWrites sends one eligible data segment, paced via ConnVars' Pacer
// (matching connvars.rs's new_write arm), then re-arms writeReady so
// run()'s select can still service inbound/ack/rto events between paced
// segments instead of drainWrites monopolizing the actor loop.
func (rc *RelConn) drainWrites() {
	rc.mu.Lock()
	if !rc.vars.CanWrite() {
		rc.mu.Unlock()
		return
	}
	wait := rc.vars.PaceNext()
	rc.mu.Unlock()

	select {
	case <-wait:
	case <-rc.HaltCh():
		return
	}

	rc.mu.Lock()
	msg, ok := rc.vars.PopDataMessage()
	rc.mu.Unlock()
	if !ok {
		return
	}
	if err := rc.transmit(msg); err != nil {
		rc.log.Debug("transmit failed", "err", err)
		return
	}

	select {
	case rc.writeReady <- struct{}{}:
	default:
	}
}

func (rc *RelConn) flushAck() {
	rc.mu.Lock()
	ack := rc.vars.BuildAck()
	rc.mu.Unlock()
	_ = rc.transmit(ack)
}

func (rc *RelConn) handleRto() {
	rc.mu.Lock()
	lost := rc.vars.RtoLoss(time.Now())
	var retransmits []wire.Message
	for _, seqno := range lost {
		if msg, ok := rc.vars.PopRetransmit(seqno); ok {
			retransmits = append(retransmits, msg)
		}
	}
	rc.mu.Unlock()
	for _, m := range retransmits {
		_ = rc.transmit(m)
	}
}

// handleSynTimeout fires when no SynAck arrived within the current backoff
// window. It either resends Syn (still under MaxSynTries) or gives up and
// surfaces ErrSynTimeout to the caller via Read/Write.
func (rc *RelConn) handleSynTimeout() {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if rc.state != stateSynSent {
		return
	}
	if rc.synTries >= MaxSynTries {
		rc.log.Warn("syn handshake timed out, giving up", "tries", rc.synTries)
		rc.state = stateReset
		rc.resetAt = time.Now()
		rc.handshakeErr = ErrSynTimeout
		return
	}
	rc.sendSyn()
}

func (rc *RelConn) enterReset() {
	rc.mu.Lock()
	rc.state = stateReset
	rc.resetAt = time.Now()
	rc.mu.Unlock()
	_ = rc.transmit(wire.Message{Kind: wire.KindRelRst, StreamID: rc.streamID})
}

// String implements fmt.Stringer for logging.
func (rc *RelConn) String() string {
	return fmt.Sprintf("relconn(stream=%d)", rc.streamID)
}
