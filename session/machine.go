package session

import (
	"fmt"

	"github.com/geph-official/sosistab-go/crypt"
	"github.com/geph-official/sosistab-go/fec"
	"github.com/geph-official/sosistab-go/protocol"
)

// Decoded is one frame recovered from an inbound ciphertext — either
// directly decrypted or reconstructed via FEC — tagged with its frame
// number so the caller's dejitter buffer can reorder it.
type Decoded struct {
	Body    []byte
	FrameNo uint64
}

// RecvMachine is the I/O-free receive pipeline: decrypt, depad, replay
// check, loss/ping bookkeeping, and out-of-band FEC reconstruction.
// Grounded on original_source/src/session/machine.rs's RecvMachine.
type RecvMachine struct {
	oobDecoder  *fec.OobDecoder
	rloss       *RecvLossCalc
	recvCrypt   *crypt.NgAead
	replay      *crypt.ReplayFilter
	pingCalc    *PingCalculator
}

// NewRecvMachine constructs a receive machine for one direction of a
// session: sessionKey is the raw ECDH shared secret, and role determines
// which directional key this side decrypts with (the server decrypts
// with the "up" — client-to-server — key; the client decrypts with
// "down").
func NewRecvMachine(sessionKey []byte, role Role, rloss *RecvLossCalc, pingCalc *PingCalculator) (*RecvMachine, error) {
	up, dn, err := crypt.DeriveDirectionalKeys(sessionKey)
	if err != nil {
		return nil, fmt.Errorf("session: deriving directional keys: %w", err)
	}
	var recvKey [32]byte
	switch role {
	case RoleServer:
		recvKey = up
	case RoleClient:
		recvKey = dn
	}
	return &RecvMachine{
		oobDecoder: fec.NewOobDecoder(),
		rloss:      rloss,
		recvCrypt:  crypt.NewNgAead(recvKey),
		replay:     crypt.NewReplayFilter(),
		pingCalc:   pingCalc,
	}, nil
}

// Process decrypts and depads one inbound ciphertext, feeding any
// successfully-decoded Data frame (and any frames an accompanying Parity
// frame manages to reconstruct) back as Decoded entries. Returns a nil
// slice (not an error) for a frame that decrypts fine but turns out to be
// a duplicate, a pure-parity frame with nothing new to reconstruct, or
// otherwise carries nothing new to deliver.
func (m *RecvMachine) Process(packet []byte) ([]Decoded, error) {
	plain, err := m.recvCrypt.Open(packet)
	if err != nil {
		return nil, err
	}
	kind, d, p, hidden, err := protocol.Depad(plain)
	if err != nil {
		return nil, nil
	}

	switch kind {
	case protocol.KindData:
		if !m.replay.Add(d.FrameNo) {
			return nil, nil
		}
		m.rloss.Record(d.FrameNo)
		var lossEstimate float64 = -1
		if hidden != protocol.HiddenDataUnknown {
			lossEstimate = float64(hidden) / 255.0
		}
		m.pingCalc.Incoming(d.FrameNo, d.HighRecvFrameNo, d.TotalRecvFrames, lossEstimate)
		m.oobDecoder.InsertData(d.FrameNo, d.Body)
		return []Decoded{{Body: d.Body, FrameNo: d.FrameNo}}, nil

	case protocol.KindParity:
		key := fec.ParitySpaceKey{
			FirstData: p.DataFrameFirst,
			DataLen:   p.DataCount,
			ParityLen: p.ParityCount,
			PadSize:   p.PadSize,
		}
		recovered, err := m.oobDecoder.InsertParity(key, p.ParityIndex, p.Body)
		if err != nil {
			return nil, nil
		}
		var out []Decoded
		for _, r := range recovered {
			if m.replay.Add(r.FrameNo) {
				out = append(out, Decoded{Body: r.Body, FrameNo: r.FrameNo})
			}
		}
		return out, nil

	default:
		return nil, nil
	}
}

// LossEstimate reports the current receive-side loss estimate, used to
// fill the hidden-data byte of outgoing frames so the peer can tune its
// own FEC redundancy.
func (m *RecvMachine) LossEstimate() float64 {
	return m.rloss.CalculateLoss()
}
