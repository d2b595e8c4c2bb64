package protocol

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClientHelloRoundTrip(t *testing.T) {
	ch := ClientHello{Version: ProtocolVersion}
	ch.LongPK[0] = 0xAB
	ch.EphPK[0] = 0xCD
	enc, err := EncodeClientHello(ch)
	require.NoError(t, err)
	decoded, err := DecodeHandshakeFrame(enc)
	require.NoError(t, err)
	got, ok := decoded.(ClientHello)
	require.True(t, ok)
	require.Equal(t, ch, got)
}

func TestDataFramePadDepad(t *testing.T) {
	d := DataFrame{FrameNo: 42, HighRecvFrameNo: 40, TotalRecvFrames: 100, Body: []byte("payload")}
	padded, err := PadData(d, 17)
	require.NoError(t, err)
	require.Equal(t, 0, len(padded)%alignment)

	kind, got, _, hidden, err := Depad(padded)
	require.NoError(t, err)
	require.Equal(t, KindData, kind)
	require.Equal(t, d, got)
	require.Equal(t, byte(17), hidden)
}

func TestParityFramePadDepad(t *testing.T) {
	p := ParityFrame{DataFrameFirst: 10, DataCount: 4, ParityCount: 2, ParityIndex: 1, PadSize: 30, Body: []byte("xyz")}
	padded, err := PadParity(p, HiddenDataUnknown)
	require.NoError(t, err)
	kind, _, got, hidden, err := Depad(padded)
	require.NoError(t, err)
	require.Equal(t, KindParity, kind)
	require.Equal(t, p, got)
	require.Equal(t, byte(HiddenDataUnknown), hidden)
}
