package mux

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geph-official/sosistab-go/wire"
)

// loopback is one end of a pair of in-process SessionIOs (built by
// newLoopbackPair) joined by two 256-slot buffered channels, standing in for an underlying Session so Multiplex's stream
// dispatch can be tested without crypto or a real transport.
type loopback struct {
	out  chan []byte
	in   chan []byte
	done chan struct{}
	once sync.Once
}

func newLoopbackPair() (a, b *loopback) {
	ab := make(chan []byte, 256)
	ba := make(chan []byte, 256)
	done := make(chan struct{})
	a = &loopback{out: ab, in: ba, done: done}
	b = &loopback{out: ba, in: ab, done: done}
	return a, b
}

func (l *loopback) SendDatagram(body []byte) error {
	cp := append([]byte(nil), body...)
	select {
	case l.out <- cp:
		return nil
	case <-l.done:
		return assertClosedErr
	}
}

func (l *loopback) RecvDatagram() ([]byte, error) {
	select {
	case b := <-l.in:
		return b, nil
	case <-l.done:
		return nil, assertClosedErr
	}
}

func (l *loopback) Close() { l.once.Do(func() { close(l.done) }) }

var assertClosedErr = &closedErr{}

type closedErr struct{}

func (*closedErr) Error() string { return "loopback closed" }

func TestMultiplexOpenAndAccept(t *testing.T) {
	la, lb := newLoopbackPair()
	defer la.Close()
	defer lb.Close()

	ma := New(la, nil)
	mb := New(lb, nil)
	defer ma.Close()
	defer mb.Close()

	var accepted interface {
		Read([]byte) (int, error)
		Write([]byte) (int, error)
	}
	acceptErrCh := make(chan error, 1)
	go func() {
		rc, err := mb.AcceptConn()
		if err != nil {
			acceptErrCh <- err
			return
		}
		accepted = rc
		acceptErrCh <- nil
	}()

	rc, err := ma.OpenConn(nil)
	require.NoError(t, err)
	require.NotNil(t, rc)

	select {
	case err := <-acceptErrCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("accept never completed")
	}
	require.NotNil(t, accepted)

	_, err = rc.Write([]byte("ping"))
	require.NoError(t, err)

	var got []byte
	require.Eventually(t, func() bool {
		buf := make([]byte, 64)
		n, _ := accepted.Read(buf)
		got = append(got, buf[:n]...)
		return len(got) == len("ping")
	}, 2*time.Second, time.Millisecond)
	assert.Equal(t, "ping", string(got))
}

func TestMultiplexUrelRoundTrip(t *testing.T) {
	la, lb := newLoopbackPair()
	defer la.Close()
	defer lb.Close()

	ma := New(la, nil)
	mb := New(lb, nil)
	defer ma.Close()
	defer mb.Close()

	require.NoError(t, ma.SendUrel([]byte("datagram")))

	recvCh := make(chan []byte, 1)
	go func() {
		b, err := mb.RecvUrel()
		if err == nil {
			recvCh <- b
		}
	}()

	select {
	case b := <-recvCh:
		assert.Equal(t, "datagram", string(b))
	case <-time.After(2 * time.Second):
		t.Fatal("urel datagram never arrived")
	}
}

func TestMultiplexUnknownStreamGetsRst(t *testing.T) {
	la, lb := newLoopbackPair()
	defer la.Close()
	defer lb.Close()

	ma := New(la, nil)
	defer ma.Close()

	enc, err := wire.Encode(wire.Message{Kind: wire.KindRelData, StreamID: 999, Seqno: 0, Data: []byte("x")})
	require.NoError(t, err)
	require.NoError(t, lb.SendDatagram(enc))

	select {
	case raw := <-lb.in:
		msg, err := wire.Decode(raw)
		require.NoError(t, err)
		assert.Equal(t, wire.KindRelRst, msg.Kind)
		assert.EqualValues(t, 999, msg.StreamID)
	case <-time.After(2 * time.Second):
		t.Fatal("no courtesy Rst received")
	}
}
