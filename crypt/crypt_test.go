package crypt

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTripleECDHAgrees(t *testing.T) {
	clientLong, err := GenerateKeyPair()
	require.NoError(t, err)
	clientEph, err := GenerateKeyPair()
	require.NoError(t, err)
	serverLong, err := GenerateKeyPair()
	require.NoError(t, err)
	serverEph, err := GenerateKeyPair()
	require.NoError(t, err)

	clientSecret, err := TripleECDH(clientLong, clientEph, serverLong.Public(), serverEph.Public())
	require.NoError(t, err)
	serverSecret, err := TripleECDH(serverLong, serverEph, clientLong.Public(), clientEph.Public())
	require.NoError(t, err)
	require.Equal(t, clientSecret, serverSecret)
}

func TestAeadRoundTrip(t *testing.T) {
	var key [32]byte
	key[0] = 1
	a := NewNgAead(key)
	ct, err := a.Seal([]byte("hello world"))
	require.NoError(t, err)
	pt, err := a.Open(ct)
	require.NoError(t, err)
	require.Equal(t, "hello world", string(pt))
}

func TestReplayFilterRejectsDuplicate(t *testing.T) {
	rf := NewReplayFilter()
	require.True(t, rf.Add(1))
	require.False(t, rf.Add(1))
	require.True(t, rf.Add(2))
}

func TestReplayFilterRejectsBelowWindow(t *testing.T) {
	rf := NewReplayFilter()
	require.True(t, rf.Add(20000))
	require.False(t, rf.Add(1))
}

func TestRecentFilterDedup(t *testing.T) {
	rf := NewRecentFilter()
	ct := []byte("a handshake ciphertext")
	require.False(t, rf.Check(ct))
	require.True(t, rf.Check(ct))
}
