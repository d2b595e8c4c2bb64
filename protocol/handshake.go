package protocol

import (
	"bytes"
	"fmt"

	"github.com/carlmjohnson/versioninfo"
	"github.com/ugorji/go/codec"
)

// ProtocolVersion is spec.md's wire constant: Version = 3.
const ProtocolVersion = 3

var mh = &codec.MsgpackHandle{}

// HandshakeKind tags which HandshakeFrame variant a decoded payload holds.
type HandshakeKind int

const (
	KindClientHello HandshakeKind = iota
	KindServerHello
	KindClientResume
)

// wireHandshake is the on-the-wire shape all three variants share; unused
// fields for a given Kind are simply zero. ugorji/go/codec's msgpack
// handle (a teacher dependency, distinct from the mux layer's CBOR codec
// per SPEC_FULL.md §3) serializes this directly.
type wireHandshake struct {
	Kind        int
	LongPK      [32]byte
	EphPK       [32]byte
	Version     uint64
	ResumeToken []byte
	ShardID     uint8
	BuildStamp  string
}

// ClientHello is the first handshake message: long-term and ephemeral
// public keys plus the client's protocol version.
type ClientHello struct {
	LongPK  [32]byte
	EphPK   [32]byte
	Version uint64
}

// ServerHello answers a ClientHello with the server's own keys and an
// opaque resume token only the server can interpret.
type ServerHello struct {
	LongPK      [32]byte
	EphPK       [32]byte
	ResumeToken []byte
}

// ClientResume re-establishes a session from a prior resume token,
// announcing which client shard (0-255) originated it.
type ClientResume struct {
	ResumeToken []byte
	ShardID     uint8
}

// EncodeClientHello serializes a ClientHello.
func EncodeClientHello(h ClientHello) ([]byte, error) {
	w := wireHandshake{Kind: int(KindClientHello), LongPK: h.LongPK, EphPK: h.EphPK,
		Version: h.Version, BuildStamp: versioninfo.Short()}
	return encodeWire(w)
}

// EncodeServerHello serializes a ServerHello.
func EncodeServerHello(h ServerHello) ([]byte, error) {
	w := wireHandshake{Kind: int(KindServerHello), LongPK: h.LongPK, EphPK: h.EphPK,
		ResumeToken: h.ResumeToken, BuildStamp: versioninfo.Short()}
	return encodeWire(w)
}

// EncodeClientResume serializes a ClientResume.
func EncodeClientResume(h ClientResume) ([]byte, error) {
	w := wireHandshake{Kind: int(KindClientResume), ResumeToken: h.ResumeToken, ShardID: h.ShardID}
	return encodeWire(w)
}

func encodeWire(w wireHandshake) ([]byte, error) {
	var buf bytes.Buffer
	enc := codec.NewEncoder(&buf, mh)
	if err := enc.Encode(w); err != nil {
		return nil, fmt.Errorf("protocol: encoding handshake frame: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeHandshakeFrame decodes a HandshakeFrame of unknown variant and
// returns the variant-tagged value as one of ClientHello, ServerHello, or
// ClientResume.
func DecodeHandshakeFrame(data []byte) (interface{}, error) {
	var w wireHandshake
	dec := codec.NewDecoderBytes(data, mh)
	if err := dec.Decode(&w); err != nil {
		return nil, fmt.Errorf("protocol: decoding handshake frame: %w", err)
	}
	switch HandshakeKind(w.Kind) {
	case KindClientHello:
		return ClientHello{LongPK: w.LongPK, EphPK: w.EphPK, Version: w.Version}, nil
	case KindServerHello:
		return ServerHello{LongPK: w.LongPK, EphPK: w.EphPK, ResumeToken: w.ResumeToken}, nil
	case KindClientResume:
		return ClientResume{ResumeToken: w.ResumeToken, ShardID: w.ShardID}, nil
	default:
		return nil, fmt.Errorf("protocol: unknown handshake kind %d", w.Kind)
	}
}
