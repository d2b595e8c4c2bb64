// Package mux implements the Multiplex actor: dispatching inbound
// Messages to the right RelConn (or the unreliable-datagram channel),
// accepting new inbound streams, and draining outbound traffic from every
// live stream into one Session. Grounded on original_source/src/mux/
// mod.rs and src/mux/multiplex_actor.rs.
package mux

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	channels "gopkg.in/eapache/channels.v1"

	"github.com/geph-official/sosistab-go/mux/relconn"
	"github.com/geph-official/sosistab-go/worker"
	"github.com/geph-official/sosistab-go/wire"
)

// SessionIO is the capability Multiplex needs from the underlying
// Session: sending one mux Message's worth of bytes per Data frame, and
// receiving the next decoded one. Kept as a narrow interface (rather than
// importing the session package concretely) so mux and session don't form
// an import cycle — session.Session satisfies this directly.
type SessionIO interface {
	SendDatagram(body []byte) error
	RecvDatagram() ([]byte, error)
}

// maxStreams bounds concurrently-open reliable streams per multiplex,
// matching original_source/src/mux/multiplex_actor.rs's ConnTable
// ("max 65535 streams" — a u16 id space).
const maxStreams = 1 << 16

// reapDelay matches spec.md's "Stream reaper: 30 s" — how long a
// terminated stream's id is kept reserved before reuse, to absorb
// straggling peer retransmits.
const reapDelay = 30 * time.Second

// Multiplex owns one Session and fans its Data frames out to reliable
// streams (RelConn) and an unreliable-datagram channel. Grounded on
// original_source/src/mux/mod.rs's Multiplex.
type Multiplex struct {
	worker.Worker

	session SessionIO
	log     *log.Logger

	mu      sync.Mutex
	streams map[uint16]*relconn.RelConn

	// accept is an unbounded backlog of newly-accepted inbound streams —
	// eapache/channels' InfiniteChannel (teacher dependency) mirrors the
	// original's unbounded conn_open/conn_accept queue.
	accept *channels.InfiniteChannel

	urelIn  chan []byte
	urelOut chan []byte
}

// New constructs a Multiplex driving the given SessionIO, and spawns its
// actor loop.
func New(session SessionIO, logger *log.Logger) *Multiplex {
	if logger == nil {
		logger = log.Default()
	}
	m := &Multiplex{
		session: session,
		log:     logger,
		streams: make(map[uint16]*relconn.RelConn),
		accept:  channels.NewInfiniteChannel(),
		urelIn:  make(chan []byte, 64),
		urelOut: make(chan []byte, 64),
	}
	m.Go(m.recvLoop)
	m.Go(m.sendLoop)
	return m
}

// OpenConn opens a new reliable stream (client-initiated), returning once
// the Syn has been sent. The returned RelConn is usable immediately:
// writes are queued, and Read does not block — it returns 0 bytes and no
// error until data from the peer has arrived.
func (m *Multiplex) OpenConn(additionalInfo []byte) (*relconn.RelConn, error) {
	id, err := m.findFreeID()
	if err != nil {
		return nil, err
	}
	rc := relconn.Dial(id, additionalInfo, m.transmitFor(id), m.log)
	m.mu.Lock()
	m.streams[id] = rc
	m.mu.Unlock()
	return rc, nil
}

// AcceptConn blocks until a peer opens a new stream, returning it.
func (m *Multiplex) AcceptConn() (*relconn.RelConn, error) {
	select {
	case v, ok := <-m.accept.Out():
		if !ok {
			return nil, fmt.Errorf("mux: multiplex closed")
		}
		return v.(*relconn.RelConn), nil
	case <-m.HaltCh():
		return nil, fmt.Errorf("mux: multiplex closed")
	}
}

// SendUrel sends one best-effort datagram, unordered and unreliable.
func (m *Multiplex) SendUrel(body []byte) error {
	select {
	case m.urelOut <- body:
		return nil
	case <-m.HaltCh():
		return fmt.Errorf("mux: multiplex closed")
	}
}

// RecvUrel receives the next best-effort datagram.
func (m *Multiplex) RecvUrel() ([]byte, error) {
	select {
	case b := <-m.urelIn:
		return b, nil
	case <-m.HaltCh():
		return nil, fmt.Errorf("mux: multiplex closed")
	}
}

func (m *Multiplex) findFreeID() (uint16, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.streams) >= maxStreams-1 {
		return 0, fmt.Errorf("mux: stream table full")
	}
	for {
		var b [2]byte
		if _, err := rand.Read(b[:]); err != nil {
			return 0, fmt.Errorf("mux: generating stream id: %w", err)
		}
		id := binary.BigEndian.Uint16(b[:])
		if _, taken := m.streams[id]; !taken {
			return id, nil
		}
	}
}

func (m *Multiplex) transmitFor(id uint16) func(wire.Message) error {
	return func(msg wire.Message) error {
		msg.StreamID = id
		enc, err := wire.Encode(msg)
		if err != nil {
			return err
		}
		return m.session.SendDatagram(enc)
	}
}

// recvLoop pulls decoded frames off the session and dispatches them by
// Kind, grounded on multiplex_actor.rs's Event::RecvMsg handling.
func (m *Multiplex) recvLoop() {
	for {
		raw, err := m.session.RecvDatagram()
		if err != nil {
			select {
			case <-m.HaltCh():
				return
			default:
			}
			m.log.Debug("recv error", "err", err)
			continue
		}
		msg, err := wire.Decode(raw)
		if err != nil {
			// Unparseable inbound -> answer with an Empty, per the
			// original's echo-and-ignore rule, and otherwise ignore it.
			if enc, err := wire.Encode(wire.Message{Kind: wire.KindEmpty}); err == nil {
				_ = m.session.SendDatagram(enc)
			}
			continue
		}
		m.dispatch(msg)
	}
}

func (m *Multiplex) dispatch(msg wire.Message) {
	switch msg.Kind {
	case wire.KindEmpty:
		return
	case wire.KindUrel:
		select {
		case m.urelIn <- msg.Data:
		default:
		}
		return
	case wire.KindRelSyn:
		m.handleSyn(msg)
		return
	}

	m.mu.Lock()
	rc, ok := m.streams[msg.StreamID]
	m.mu.Unlock()
	if !ok {
		// Unknown-stream Rel frame: courtesy Rst reply, unless it's
		// already an Rst (avoid an infinite Rst/Rst ping-pong).
		if msg.Kind != wire.KindRelRst {
			enc, err := wire.Encode(wire.Message{Kind: wire.KindRelRst, StreamID: msg.StreamID})
			if err == nil {
				_ = m.session.SendDatagram(enc)
			}
		}
		return
	}
	rc.Deliver(msg)
}

func (m *Multiplex) handleSyn(msg wire.Message) {
	m.mu.Lock()
	_, exists := m.streams[msg.StreamID]
	m.mu.Unlock()
	if exists {
		// REACCEPT: a resent Syn for a stream we already accepted means
		// the peer never saw our SynAck, so answer it again here (the
		// RelConn itself never sees the duplicate Syn).
		if enc, err := wire.Encode(wire.Message{Kind: wire.KindRelSynAck, StreamID: msg.StreamID}); err == nil {
			_ = m.session.SendDatagram(enc)
		}
		return
	}
	rc := relconn.Accept(msg.StreamID, msg.AdditionalInfo, m.transmitFor(msg.StreamID), m.log)
	m.mu.Lock()
	m.streams[msg.StreamID] = rc
	m.mu.Unlock()
	m.accept.In() <- rc
	m.reapWhenDone(msg.StreamID, rc)
}

// reapWhenDone removes a stream's id from the table reapDelay after its
// actor loop exits, absorbing straggling peer retransmits that might
// still reference the old id.
func (m *Multiplex) reapWhenDone(id uint16, rc *relconn.RelConn) {
	m.Go(func() {
		select {
		case <-rc.HaltCh():
		case <-m.HaltCh():
			return
		}
		rc.Wait()
		timer := time.NewTimer(reapDelay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-m.HaltCh():
		}
		m.mu.Lock()
		delete(m.streams, id)
		m.mu.Unlock()
	})
}

// sendLoop drains the best-effort outbound channel into the session.
func (m *Multiplex) sendLoop() {
	for {
		select {
		case <-m.HaltCh():
			return
		case body := <-m.urelOut:
			enc, err := wire.Encode(wire.Message{Kind: wire.KindUrel, Data: body})
			if err != nil {
				continue
			}
			_ = m.session.SendDatagram(enc)
		}
	}
}

// Close halts the multiplex actor and every stream it owns.
func (m *Multiplex) Close() {
	m.Halt()
	m.mu.Lock()
	streams := make([]*relconn.RelConn, 0, len(m.streams))
	for _, rc := range m.streams {
		streams = append(streams, rc)
	}
	m.mu.Unlock()
	for _, rc := range streams {
		rc.Halt()
	}
	m.accept.Close()
}
