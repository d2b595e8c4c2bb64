package fec

import (
	"encoding/binary"
	"fmt"
)

// PreEncode prepends a u16-LE length prefix to pkt and zero-pads the
// result to length, so every shard handed to the Reed-Solomon codec is
// the same size. Grounded on original_source/src/fec/mod.rs's
// pre_encode/post_decode.
func PreEncode(pkt []byte, length int) ([]byte, error) {
	if len(pkt)+2 > length {
		return nil, fmt.Errorf("fec: packet of %d bytes does not fit in shard of %d", len(pkt), length)
	}
	out := make([]byte, length)
	binary.LittleEndian.PutUint16(out[:2], uint16(len(pkt)))
	copy(out[2:], pkt)
	return out, nil
}

// PostDecode strips the length prefix a reconstructed shard carries,
// returning nil if the shard is malformed (too short, or its declared
// length exceeds the shard's capacity).
func PostDecode(raw []byte) []byte {
	if len(raw) < 2 {
		return nil
	}
	n := binary.LittleEndian.Uint16(raw[:2])
	if int(n)+2 > len(raw) {
		return nil
	}
	return raw[2 : 2+int(n)]
}
