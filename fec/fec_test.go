package fec

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCodecReconstructsMissingShard(t *testing.T) {
	c, err := NewCodec(4, 2)
	require.NoError(t, err)

	shards := make([][]byte, 6)
	for i := 0; i < 4; i++ {
		shards[i] = []byte{byte(i), byte(i), byte(i), byte(i)}
	}
	shards[4] = make([]byte, 4)
	shards[5] = make([]byte, 4)
	require.NoError(t, c.Encode(shards))

	lost := shards[1]
	shards[1] = nil
	shards[4] = nil // lose a parity shard too, still recoverable
	require.NoError(t, c.Reconstruct(shards))
	require.Equal(t, lost, shards[1])
}

func TestPreEncodePostDecodeRoundTrip(t *testing.T) {
	pkt := []byte("hello")
	shard, err := PreEncode(pkt, 32)
	require.NoError(t, err)
	require.Len(t, shard, 32)
	require.Equal(t, pkt, PostDecode(shard))
}

func TestOobDecoderReconstructsFromParity(t *testing.T) {
	o := NewOobDecoder()
	key := ParitySpaceKey{FirstData: 100, DataLen: 3, ParityLen: 1, PadSize: 16}

	bodies := [][]byte{[]byte("aaa"), []byte("bbb"), []byte("ccc")}
	o.InsertData(100, bodies[0])
	o.InsertData(101, bodies[1])
	// frame 102 is "lost" — never inserted directly.

	codec, err := NewCodec(3, 1)
	require.NoError(t, err)
	shards := make([][]byte, 4)
	for i, b := range bodies {
		s, err := PreEncode(b, 16)
		require.NoError(t, err)
		shards[i] = s
	}
	shards[3] = make([]byte, 16)
	require.NoError(t, codec.Encode(shards))

	recovered, err := o.InsertParity(key, 0, shards[3])
	require.NoError(t, err)
	require.Len(t, recovered, 1)
	require.Equal(t, uint64(102), recovered[0].FrameNo)
	require.Equal(t, bodies[2], recovered[0].Body)
}
