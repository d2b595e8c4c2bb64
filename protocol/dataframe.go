package protocol

import (
	"bytes"
	"crypto/rand"
	"fmt"
)

// alignment matches spec.md: frames are padded to a 32-byte boundary.
const alignment = 32

// HiddenDataUnknown is the sentinel loss-estimate byte meaning "no
// estimate available", per spec.md's "0xff = unknown".
const HiddenDataUnknown = 0xff

// DataFrameKind tags which DataFrameV2 variant a decoded frame holds.
type DataFrameKind int

const (
	KindData DataFrameKind = iota
	KindParity
)

// DataFrame is the Data variant: a plain FEC-source-shard payload carrying
// piggybacked receive-progress for the peer's own FEC bookkeeping.
type DataFrame struct {
	FrameNo         uint64
	HighRecvFrameNo uint64
	TotalRecvFrames uint64
	Body            []byte
}

// ParityFrame is the Parity variant: one Reed-Solomon parity shard for a
// run of data_count frames starting at DataFrameFirst.
type ParityFrame struct {
	DataFrameFirst uint64
	DataCount      uint8
	ParityCount    uint8
	ParityIndex    uint8
	PadSize        uint16
	Body           []byte
}

func serializeFields(kind DataFrameKind, buf *bytes.Buffer, d DataFrame, p ParityFrame) {
	putUvarint(buf, uint64(kind))
	switch kind {
	case KindData:
		putUvarint(buf, d.FrameNo)
		putUvarint(buf, d.HighRecvFrameNo)
		putUvarint(buf, d.TotalRecvFrames)
		putBytes(buf, d.Body)
	case KindParity:
		putUvarint(buf, p.DataFrameFirst)
		buf.WriteByte(p.DataCount)
		buf.WriteByte(p.ParityCount)
		buf.WriteByte(p.ParityIndex)
		putUvarint(buf, uint64(p.PadSize))
		putBytes(buf, p.Body)
	}
}

// PadData serializes a DataFrame and pads it per spec.md: a one-byte
// hidden loss estimate, 0-9 random bytes, then zero-fill to the next
// 32-byte boundary.
func PadData(d DataFrame, hiddenLossEstimate byte) ([]byte, error) {
	var buf bytes.Buffer
	serializeFields(KindData, &buf, d, ParityFrame{})
	return finishPad(buf, hiddenLossEstimate)
}

// PadParity serializes a ParityFrame with the same padding scheme.
func PadParity(p ParityFrame, hiddenLossEstimate byte) ([]byte, error) {
	var buf bytes.Buffer
	serializeFields(KindParity, &buf, DataFrame{}, p)
	return finishPad(buf, hiddenLossEstimate)
}

func finishPad(buf bytes.Buffer, hiddenLossEstimate byte) ([]byte, error) {
	buf.WriteByte(hiddenLossEstimate)

	var randLen [1]byte
	if _, err := rand.Read(randLen[:]); err != nil {
		return nil, fmt.Errorf("protocol: padding rng: %w", err)
	}
	padRandom := int(randLen[0]) % 10
	if padRandom > 0 {
		junk := make([]byte, padRandom)
		if _, err := rand.Read(junk); err != nil {
			return nil, fmt.Errorf("protocol: padding rng: %w", err)
		}
		buf.Write(junk)
	}

	out := buf.Bytes()
	if rem := len(out) % alignment; rem != 0 {
		out = append(out, make([]byte, alignment-rem)...)
	}
	return out, nil
}

// Depad parses a padded DataFrameV2 wire buffer, returning the kind and
// decoded variant (as a DataFrame or ParityFrame) plus the hidden loss
// estimate byte. The trailing random/alignment padding is simply ignored
// since every field up to and including Body is length-delimited.
func Depad(data []byte) (kind DataFrameKind, d DataFrame, p ParityFrame, hidden byte, err error) {
	kindVal, n, err := readUvarint(data)
	if err != nil {
		return 0, d, p, 0, err
	}
	kind = DataFrameKind(kindVal)
	off := n

	switch kind {
	case KindData:
		d.FrameNo, n, err = readUvarint(data[off:])
		if err != nil {
			return 0, d, p, 0, err
		}
		off += n
		d.HighRecvFrameNo, n, err = readUvarint(data[off:])
		if err != nil {
			return 0, d, p, 0, err
		}
		off += n
		d.TotalRecvFrames, n, err = readUvarint(data[off:])
		if err != nil {
			return 0, d, p, 0, err
		}
		off += n
		d.Body, n, err = readBytes(data[off:])
		if err != nil {
			return 0, d, p, 0, err
		}
		off += n
	case KindParity:
		p.DataFrameFirst, n, err = readUvarint(data[off:])
		if err != nil {
			return 0, d, p, 0, err
		}
		off += n
		if len(data) < off+3 {
			return 0, d, p, 0, fmt.Errorf("protocol: truncated parity header")
		}
		p.DataCount = data[off]
		p.ParityCount = data[off+1]
		p.ParityIndex = data[off+2]
		off += 3
		padSize, n, err := readUvarint(data[off:])
		if err != nil {
			return 0, d, p, 0, err
		}
		p.PadSize = uint16(padSize)
		off += n
		p.Body, n, err = readBytes(data[off:])
		if err != nil {
			return 0, d, p, 0, err
		}
		off += n
	default:
		return 0, d, p, 0, fmt.Errorf("protocol: unknown data frame kind %d", kind)
	}

	if off >= len(data) {
		return kind, d, p, HiddenDataUnknown, nil
	}
	return kind, d, p, data[off], nil
}
