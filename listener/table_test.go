package listener

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func udpAddr(t *testing.T, s string) net.Addr {
	t.Helper()
	addr, err := net.ResolveUDPAddr("udp", s)
	require.NoError(t, err)
	return addr
}

func TestShardedAddrsPrefersRecent(t *testing.T) {
	a1 := udpAddr(t, "1.2.3.4:1000")
	sa := NewShardedAddrs(0, a1)
	assert.Equal(t, a1, sa.Addr())

	a2 := udpAddr(t, "1.2.3.4:2000")
	prev, hadPrev := sa.Insert(0, a2)
	assert.True(t, hadPrev)
	assert.Equal(t, a1, prev)
	assert.Equal(t, a2, sa.Addr())
}

func TestShardedAddrsFallsBackWhenStale(t *testing.T) {
	a1 := udpAddr(t, "1.2.3.4:1000")
	sa := NewShardedAddrs(0, a1)
	sa.mu.Lock()
	sa.byShard[0] = shardEntry{addr: a1, updatedAt: time.Now().Add(-time.Minute)}
	sa.mu.Unlock()

	assert.Equal(t, a1, sa.Addr())
}

func TestSessionTableRebindAndLookup(t *testing.T) {
	st := NewSessionTable()
	addrs := NewShardedAddrs(0, udpAddr(t, "10.0.0.1:1"))
	st.NewSess("tok1", nil, addrs)

	addr2 := udpAddr(t, "10.0.0.2:2")
	assert.True(t, st.Rebind(addr2, 1, "tok1"))
	assert.False(t, st.Rebind(addr2, 1, "unknown-token"))

	_, ok := st.Lookup(addr2)
	assert.True(t, ok)

	st.Delete("tok1")
	_, ok = st.Lookup(addr2)
	assert.False(t, ok)
}
