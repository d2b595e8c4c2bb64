package session

import (
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sharedSecret(t *testing.T) []byte {
	t.Helper()
	s := make([]byte, 32)
	_, err := rand.Read(s)
	require.NoError(t, err)
	return s
}

func newLoopbackSessions(t *testing.T) (client, server *Session) {
	t.Helper()
	key := sharedSecret(t)

	var c, s *Session
	var cBack, sBack *Back

	c, cBack, err := New(Config{Role: RoleClient, SessionKey: key, DataShards: 4, ParityShards: 1}, func(ct []byte) error {
		return sBack.InjectIncoming(ct)
	})
	require.NoError(t, err)

	s, sBack, err = New(Config{Role: RoleServer, SessionKey: key, DataShards: 4, ParityShards: 1}, func(ct []byte) error {
		return cBack.InjectIncoming(ct)
	})
	require.NoError(t, err)

	_ = cBack
	return c, s
}

func TestSessionSendRecvRoundTrip(t *testing.T) {
	c, s := newLoopbackSessions(t)
	defer c.Close()
	defer s.Close()

	payload := []byte("hello session layer")
	require.NoError(t, c.SendDatagram(payload))

	done := make(chan []byte, 1)
	go func() {
		b, err := s.RecvDatagram()
		if err == nil {
			done <- b
		}
	}()

	select {
	case got := <-done:
		assert.Equal(t, payload, got)
	case <-time.After(2 * time.Second):
		t.Fatal("datagram never arrived")
	}
}

func TestSessionDeliversInOrder(t *testing.T) {
	c, s := newLoopbackSessions(t)
	defer c.Close()
	defer s.Close()

	for i := 0; i < 3; i++ {
		require.NoError(t, c.SendDatagram([]byte{byte(i)}))
	}

	var got []byte
	for i := 0; i < 3; i++ {
		select {
		case b := <-recvOnce(s):
			got = append(got, b...)
		case <-time.After(2 * time.Second):
			t.Fatal("missing datagram")
		}
	}
	assert.Equal(t, []byte{0, 1, 2}, got)
}

func recvOnce(s *Session) <-chan []byte {
	ch := make(chan []byte, 1)
	go func() {
		b, err := s.RecvDatagram()
		if err == nil {
			ch <- b
		}
	}()
	return ch
}

func TestRecvLossCalcTracksGaps(t *testing.T) {
	rl := NewRecvLossCalc(0.001)
	for i := uint64(0); i < 5; i++ {
		if i == 2 {
			continue
		}
		rl.Record(i)
	}
	_, pending := rl.gapSeqnos[2]
	assert.True(t, pending)
	assert.GreaterOrEqual(t, rl.CalculateLoss(), 0.0)
}

func TestDejitterDeliversInOrder(t *testing.T) {
	d := NewDejitter[int](10 * time.Millisecond)
	d.Push(30, 3)
	d.Push(10, 1)
	d.Push(20, 2)
	d.Push(0, 0)

	var out []int
	for d.Len() > 0 {
		v, _, ok := d.Pop()
		require.True(t, ok)
		out = append(out, v)
	}
	assert.Equal(t, []int{0, 10, 20, 30}, out)
}
