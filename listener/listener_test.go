package listener

import (
	"net"
	"testing"
	"time"

	"github.com/geph-official/sosistab-go/crypt"
	"github.com/geph-official/sosistab-go/protocol"
	"github.com/stretchr/testify/require"
)

// memAddr is a trivial net.Addr for the in-memory backhaul below.
type memAddr string

func (m memAddr) Network() string { return "mem" }
func (m memAddr) String() string  { return string(m) }

// memBackhaul is a Backhaul implementation wiring two endpoints directly
// through Go channels, letting listener_test exercise the handshake
// without touching a real socket.
type memBackhaul struct {
	self memAddr
	in   chan memPacket
	out  chan memPacket
}

type memPacket struct {
	body []byte
	from memAddr
}

func newMemPair() (a, b *memBackhaul) {
	ab := make(chan memPacket, 64)
	ba := make(chan memPacket, 64)
	a = &memBackhaul{self: "a", in: ba, out: ab}
	b = &memBackhaul{self: "b", in: ab, out: ba}
	return a, b
}

func (m *memBackhaul) SendTo(packet []byte, dest net.Addr) error {
	cp := append([]byte(nil), packet...)
	m.out <- memPacket{body: cp, from: m.self}
	return nil
}

func (m *memBackhaul) RecvFrom() ([]byte, net.Addr, error) {
	p := <-m.in
	return p.body, memAddr("b"), nil
}

func (m *memBackhaul) Close() error { return nil }

func TestListenerAcceptsClientHello(t *testing.T) {
	serverBh, clientBh := newMemPair()

	serverLong, err := crypt.GenerateKeyPair()
	require.NoError(t, err)
	cookieSecret := []byte("a shared listener cookie secret")

	l, err := Listen(Config{
		Backhaul:     serverBh,
		LongTerm:     serverLong,
		CookieSecret: cookieSecret,
		DataShards:   4,
		ParityShards: 1,
	})
	require.NoError(t, err)
	defer l.Close()

	clientLong, err := crypt.GenerateKeyPair()
	require.NoError(t, err)
	clientEph, err := crypt.GenerateKeyPair()
	require.NoError(t, err)

	hello, err := protocol.EncodeClientHello(protocol.ClientHello{
		LongPK:  clientLong.Public(),
		EphPK:   clientEph.Public(),
		Version: protocol.ProtocolVersion,
	})
	require.NoError(t, err)

	epoch := uint64(time.Now().Unix()) / uint64(epochLength.Seconds())
	key, err := crypt.DeriveCookieKey(cookieSecret, epoch)
	require.NoError(t, err)
	sealed, err := crypt.NewLegacyAead(key).Seal(hello)
	require.NoError(t, err)

	require.NoError(t, clientBh.SendTo(sealed, memAddr("a")))

	select {
	case accepted := <-l.acceptCh:
		require.NotNil(t, accepted.Session)
		accepted.Session.Close()
	case <-time.After(2 * time.Second):
		t.Fatal("listener never accepted the handshake")
	}
}
