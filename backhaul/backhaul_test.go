package backhaul

import (
	"net"
	"testing"
	"time"

	"github.com/geph-official/sosistab-go/crypt"
	"github.com/stretchr/testify/require"
)

func TestUDPBackhaulRoundTrip(t *testing.T) {
	a, err := ListenUDP("127.0.0.1:0")
	require.NoError(t, err)
	defer a.Close()
	b, err := ListenUDP("127.0.0.1:0")
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, a.SendTo([]byte("hi"), b.conn.LocalAddr()))

	body, _, err := b.RecvFrom()
	require.NoError(t, err)
	require.Equal(t, "hi", string(body))
}

func TestUDPBackhaulRejectsOversizePacket(t *testing.T) {
	a, err := ListenUDP("127.0.0.1:0")
	require.NoError(t, err)
	defer a.Close()

	big := make([]byte, maxPacketSize+1)
	err = a.SendTo(big, a.conn.LocalAddr())
	require.Error(t, err)
}

func TestTCPBackhaulHandshakeAndRoundTrip(t *testing.T) {
	serverLong, err := crypt.GenerateKeyPair()
	require.NoError(t, err)

	server, err := ListenTCP("127.0.0.1:0", serverLong, nil)
	require.NoError(t, err)
	defer server.Close()

	client, err := DialTCP(server.ln.Addr().String(), false)
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.SendTo([]byte("hello over tcp"), nil))

	select {
	case p := <-server.incoming:
		require.Equal(t, "hello over tcp", string(p.body))
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the framed packet")
	}
}

func TestStatsBackhaulInvokesCallbacks(t *testing.T) {
	a, err := ListenUDP("127.0.0.1:0")
	require.NoError(t, err)
	defer a.Close()
	b, err := ListenUDP("127.0.0.1:0")
	require.NoError(t, err)
	defer b.Close()

	var sentBytes int
	wrapped := NewStatsBackhaul(a, func(n int, _ net.Addr) { sentBytes = n }, nil)
	require.NoError(t, wrapped.SendTo([]byte("abc"), b.conn.LocalAddr()))
	require.Equal(t, 3, sentBytes)
}
