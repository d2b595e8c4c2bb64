// Package wire defines the Multiplex-layer Message wire format shared by
// the mux and relconn packages (split out to avoid an import cycle
// between them). Grounded on original_source/src/mux/relconn/mod.rs and
// spec.md §3's "Multiplex message" data model.
package wire

import (
	"bytes"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Kind tags which Message variant a decoded payload holds.
type Kind uint8

const (
	KindEmpty Kind = iota
	KindUrel
	KindRelSyn
	KindRelSynAck
	KindRelData
	KindRelDataAck
	KindRelFin
	KindRelRst
)

// Message is the single wire envelope carried over one Session's Data
// frames at the multiplex layer. Only the fields relevant to Kind are
// populated; CBOR (fxamacker/cbor/v2, already exercised by the teacher's
// stream package for an analogous framed type) omits zero-valued fields
// via omitempty so each variant stays compact on the wire.
type Message struct {
	Kind Kind `cbor:"1,keyasint"`

	// Rel* fields, all variants.
	StreamID uint16 `cbor:"2,keyasint,omitempty"`

	// Not set by the multiplex, which carries Urel datagrams in Data.
	Body []byte `cbor:"3,keyasint,omitempty"`

	// RelSyn / RelSynAck.
	AdditionalInfo []byte `cbor:"4,keyasint,omitempty"`

	// RelData (Seqno, Data); Urel (Data).
	Seqno uint64 `cbor:"5,keyasint,omitempty"`
	Data  []byte `cbor:"6,keyasint,omitempty"`

	// RelDataAck: cumulative ack plus a sorted list of seqnos above it
	// that have individually arrived (selective ack).
	LowestUnseen uint64   `cbor:"7,keyasint,omitempty"`
	SackSeqnos   []uint64 `cbor:"8,keyasint,omitempty"`
}

// Encode serializes a Message to CBOR.
func Encode(m Message) ([]byte, error) {
	var buf bytes.Buffer
	enc := cbor.NewEncoder(&buf)
	if err := enc.Encode(m); err != nil {
		return nil, fmt.Errorf("wire: encoding message: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode parses a CBOR-encoded Message. An unparseable inbound payload
// should be treated by the caller as KindEmpty (the multiplex actor's
// "unparseable inbound -> Message::Empty echo" rule).
func Decode(data []byte) (Message, error) {
	var m Message
	if err := cbor.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("wire: decoding message: %w", err)
	}
	return m, nil
}
