package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/geph-official/sosistab-go/buffer"
	"github.com/geph-official/sosistab-go/crypt"
	"github.com/geph-official/sosistab-go/fec"
	"github.com/geph-official/sosistab-go/protocol"
	"github.com/geph-official/sosistab-go/stats"
	"github.com/geph-official/sosistab-go/worker"
)

// Session is the encrypted, FEC-protected, reorder-absorbing channel
// sitting beneath one Multiplex. It owns send-side framing/FEC grouping
// and a background goroutine draining decoded frames from the dejitter
// buffer into an outgoing queue the multiplex layer reads via
// RecvDatagram. Grounded on original_source/src/session/machine.rs plus
// the send-path sketched in client/inner.rs's init_session (there split
// across Session/SessionBack; unified here behind the one type the
// mux.SessionIO contract needs).
type Session struct {
	worker.Worker

	cfg Config

	sendCrypt *crypt.NgAead
	recvMach  *RecvMachine
	pingCalc  *PingCalculator
	rloss     *RecvLossCalc
	gather    *stats.Gatherer

	mu           sync.Mutex
	nextFrameNo  uint64
	highRecvSeen uint64
	totalRecv    uint64
	group        fecGroup

	dejitter *Dejitter[[]byte]
	wakeCh   chan struct{}
	outCh    chan []byte

	// onCiphertext is how encrypted frames leave the session — wired by
	// the listener/client layer to an actual backhaul send, or directly
	// to a peer Session in tests.
	onCiphertext func([]byte) error

	// back is the raw-ciphertext inbound path a backhaul/listener drives;
	// it feeds the dejitter buffer via the decrypt pipeline.
	back *Back
}

// fecGroup accumulates Data frames pending a Parity shard emission.
type fecGroup struct {
	firstFrameNo uint64
	shards       [][]byte
	padSize      int
}

// Back is the write-side handle a backhaul/listener uses to feed raw
// inbound ciphertext into a Session, separated out (as
// original_source/src/session/machine.rs's SessionBack is) so a listener
// can hold one per remote peer without holding the Session itself.
type Back struct {
	s *Session
}

// InjectIncoming decrypts, reassembles, and reorders one raw inbound
// ciphertext, making any resulting in-order payload available via the
// owning Session's RecvDatagram.
func (b *Back) InjectIncoming(packet []byte) error {
	decoded, err := b.s.recvMach.Process(packet)
	if err != nil {
		return err
	}
	b.s.mu.Lock()
	for _, d := range decoded {
		b.s.dejitter.Push(d.Body, d.FrameNo)
		if d.FrameNo > b.s.highRecvSeen {
			b.s.highRecvSeen = d.FrameNo
		}
		b.s.totalRecv++
	}
	b.s.mu.Unlock()
	if len(decoded) > 0 {
		select {
		case b.s.wakeCh <- struct{}{}:
		default:
		}
	}
	return nil
}

// New constructs a Session and its Back handle. onCiphertext is called
// for every outgoing encrypted frame (Data and Parity alike); the caller
// is responsible for actually putting bytes on the wire.
func New(cfg Config, onCiphertext func([]byte) error) (*Session, *Back, error) {
	up, dn, err := crypt.DeriveDirectionalKeys(cfg.SessionKey)
	if err != nil {
		return nil, nil, fmt.Errorf("session: deriving directional keys: %w", err)
	}
	var sendKey [32]byte
	switch cfg.Role {
	case RoleClient:
		sendKey = up
	case RoleServer:
		sendKey = dn
	}

	gather := stats.NewGatherer()
	rloss := NewRecvLossCalc(5.0)
	pingCalc := NewPingCalculator(gather)
	recvMach, err := NewRecvMachine(cfg.SessionKey, cfg.Role, rloss, pingCalc)
	if err != nil {
		return nil, nil, err
	}

	s := &Session{
		cfg:       cfg,
		sendCrypt: crypt.NewNgAead(sendKey),
		recvMach:  recvMach,
		pingCalc:  pingCalc,
		rloss:     rloss,
		gather:    gather,
		group: fecGroup{
			shards: make([][]byte, 0, cfg.dataShards()),
		},
		dejitter:     NewDejitter[[]byte](cfg.dejitterOffset()),
		wakeCh:       make(chan struct{}, 1),
		outCh:        make(chan []byte, 256),
		onCiphertext: onCiphertext,
	}
	back := &Back{s: s}
	s.back = back
	s.Go(s.dejitterLoop)
	return s, back, nil
}

// SendDatagram implements mux.SessionIO: frames, FEC-protects, pads, and
// encrypts one multiplex-layer payload, then hands it to onCiphertext.
func (s *Session) SendDatagram(body []byte) error {
	s.mu.Lock()
	frameNo := s.nextFrameNo
	s.nextFrameNo++
	highRecv := s.highRecvSeen
	totalRecv := s.totalRecv
	s.mu.Unlock()

	loss := s.recvMach.LossEstimate()
	hidden := protocol.HiddenDataUnknown
	if loss >= 0 && loss <= 1 {
		hidden = byte(loss * 255.0)
	}

	padded, err := protocol.PadData(protocol.DataFrame{
		FrameNo:         frameNo,
		HighRecvFrameNo: highRecv,
		TotalRecvFrames: totalRecv,
		Body:            body,
	}, hidden)
	if err != nil {
		return err
	}
	ciphertext, err := s.sendCrypt.Seal(padded)
	if err != nil {
		return err
	}
	if err := s.onCiphertext(ciphertext); err != nil {
		return err
	}

	return s.feedFecGroup(frameNo, body, hidden)
}

// feedFecGroup accumulates each Data frame's body (the same bytes the
// receiver's OobDecoder.InsertData sees) into the current FEC group,
// pre-encoding them at flush time and emitting parity shards once
// DataShards frames have accumulated. Grounded on the send-side
// counterpart implied by machine.rs's ParitySpaceKey/OobDecoder shape:
// every group of DataShards consecutive frames gets ParityShards parity
// shards covering exactly that span.
func (s *Session) feedFecGroup(frameNo uint64, body []byte, hidden byte) error {
	s.mu.Lock()
	if len(s.group.shards) == 0 {
		s.group.firstFrameNo = frameNo
	}
	if needed := len(body) + 2; needed > s.group.padSize {
		s.group.padSize = needed
	}
	s.group.shards = append(s.group.shards, body)
	full := len(s.group.shards) >= s.cfg.dataShards()
	var group fecGroup
	if full {
		group = s.group
		s.group = fecGroup{shards: make([][]byte, 0, s.cfg.dataShards())}
	}
	s.mu.Unlock()

	if !full {
		return nil
	}
	return s.flushParity(group, hidden)
}

func (s *Session) flushParity(group fecGroup, hidden byte) error {
	dataShards := len(group.shards)
	parityShards := s.cfg.parityShards()
	codec, err := fec.NewCodec(dataShards, parityShards)
	if err != nil {
		return fmt.Errorf("session: constructing fec codec: %w", err)
	}

	preEncoded := make([][]byte, dataShards+parityShards)
	for i, shard := range group.shards {
		pe, err := fec.PreEncode(shard, group.padSize)
		if err != nil {
			return fmt.Errorf("session: pre-encoding fec shard: %w", err)
		}
		preEncoded[i] = pe
	}

	// Parity placeholders are pure scratch space, freed back to the pool
	// once this group's ciphertexts have been sealed — the hot-path churn
	// buffer.BuffMut exists for.
	parityBufs := make([]*buffer.BuffMut, parityShards)
	for i := 0; i < parityShards; i++ {
		buf := buffer.NewMut()
		buf.Append(make([]byte, group.padSize))
		parityBufs[i] = buf
		preEncoded[dataShards+i] = buf.Bytes()
	}
	defer func() {
		for _, buf := range parityBufs {
			buf.Release()
		}
	}()
	if err := codec.Encode(preEncoded); err != nil {
		return fmt.Errorf("session: encoding fec parity: %w", err)
	}

	for i := 0; i < parityShards; i++ {
		padded, err := protocol.PadParity(protocol.ParityFrame{
			DataFrameFirst: group.firstFrameNo,
			DataCount:      uint8(dataShards),
			ParityCount:    uint8(parityShards),
			ParityIndex:    uint8(i),
			PadSize:        uint16(group.padSize),
			Body:           preEncoded[dataShards+i],
		}, hidden)
		if err != nil {
			return err
		}
		ciphertext, err := s.sendCrypt.Seal(padded)
		if err != nil {
			return err
		}
		if err := s.onCiphertext(ciphertext); err != nil {
			return err
		}
	}
	return nil
}

// RecvDatagram implements mux.SessionIO: blocks until the dejitter buffer
// has the next in-order (or timed-out-waiting) payload ready.
func (s *Session) RecvDatagram() ([]byte, error) {
	select {
	case b := <-s.outCh:
		return b, nil
	case <-s.HaltCh():
		return nil, fmt.Errorf("session: closed")
	}
}

// dejitterLoop drains the reorder buffer into outCh, waking on every new
// arrival and otherwise sleeping until the oldest pending packet's
// dejitter offset elapses.
func (s *Session) dejitterLoop() {
	for {
		s.mu.Lock()
		ready := s.dejitter.Ready()
		var deadline time.Time
		var hasDeadline bool
		if !ready {
			deadline, hasDeadline = s.dejitter.NextDeadline()
		}
		s.mu.Unlock()

		if ready {
			s.mu.Lock()
			body, _, ok := s.dejitter.Pop()
			s.mu.Unlock()
			if ok {
				select {
				case s.outCh <- body:
				case <-s.HaltCh():
					return
				}
			}
			continue
		}

		var t *time.Timer
		var timerCh <-chan time.Time
		if hasDeadline {
			d := time.Until(deadline)
			if d < 0 {
				d = 0
			}
			t = time.NewTimer(d)
			timerCh = t.C
		}

		select {
		case <-s.HaltCh():
			if t != nil {
				t.Stop()
			}
			return
		case <-s.wakeCh:
		case <-orNever(timerCh):
		}
		if t != nil {
			t.Stop()
		}
	}
}

func orNever(ch <-chan time.Time) <-chan time.Time {
	if ch == nil {
		return make(chan time.Time)
	}
	return ch
}

// Back returns the handle a backhaul/listener should use to feed inbound
// ciphertext into this session.
func (s *Session) Back() *Back { return s.back }

// Gather exposes the session's stats gatherer, e.g. for Metrics.Drain.
func (s *Session) Gather() *stats.Gatherer { return s.gather }

// Close halts the session's background goroutines.
func (s *Session) Close() { s.Halt() }
