package client

import (
	"testing"
	"time"

	"github.com/geph-official/sosistab-go/backhaul"
	"github.com/geph-official/sosistab-go/crypt"
	"github.com/geph-official/sosistab-go/listener"
	"github.com/stretchr/testify/require"
)

func TestUniformPValueFlagsOutlierWorker(t *testing.T) {
	// Scenario: one shard (index 0) received zero packets while its
	// three peers split the rest roughly evenly.
	counts := []int64{0, 30, 28, 32}
	p := uniformPValue(counts)
	require.Less(t, p, outlierPValue)

	worst := 0
	for i, c := range counts {
		if c < counts[worst] {
			worst = i
		}
	}
	require.Equal(t, 0, worst)
}

func TestUniformPValueAcceptsEvenSplit(t *testing.T) {
	counts := []int64{25, 24, 26, 25}
	p := uniformPValue(counts)
	require.GreaterOrEqual(t, p, outlierPValue)
}

func TestConnectEstablishesSessionOverLoopbackUDP(t *testing.T) {
	serverLong, err := crypt.GenerateKeyPair()
	require.NoError(t, err)
	serverBh, err := backhaul.ListenUDP("127.0.0.1:0")
	require.NoError(t, err)

	pub := serverLong.Public()
	l, err := listener.Listen(listener.Config{
		Backhaul:     serverBh,
		LongTerm:     serverLong,
		CookieSecret: pub[:],
		DataShards:   4,
		ParityShards: 1,
	})
	require.NoError(t, err)
	defer l.Close()

	acceptedCh := make(chan *listener.Accepted, 1)
	go func() {
		a, err := l.Accept()
		if err == nil {
			acceptedCh <- a
		}
	}()

	c, err := Connect(Config{
		ServerAddr:   serverBh.LocalAddr().String(),
		ServerPubKey: serverLong.Public(),
		NumShards:    2,
		DataShards:   4,
		ParityShards: 1,
		Dial: func() (backhaul.Backhaul, error) {
			return backhaul.ListenUDP("127.0.0.1:0")
		},
	})
	require.NoError(t, err)
	defer c.Close()

	var accepted *listener.Accepted
	select {
	case accepted = <-acceptedCh:
	case <-time.After(5 * time.Second):
		t.Fatal("listener never accepted the client's handshake")
	}
	defer accepted.Session.Close()

	payload := []byte("hello across shards")
	require.NoError(t, c.Session().SendDatagram(payload))

	done := make(chan []byte, 1)
	go func() {
		b, err := accepted.Session.RecvDatagram()
		if err == nil {
			done <- b
		}
	}()
	select {
	case got := <-done:
		require.Equal(t, payload, got)
	case <-time.After(5 * time.Second):
		t.Fatal("server never received the datagram")
	}
}
