package buffer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMutRoundTrip(t *testing.T) {
	m := NewMut()
	m.Append([]byte("hello"))
	m.Append([]byte(" world"))
	require.Equal(t, "hello world", string(m.Bytes()))
	b := m.Freeze()
	require.Equal(t, "hello world", string(b.Bytes()))
}

func TestSliceIsView(t *testing.T) {
	b := FromBytes([]byte("0123456789"))
	sub := b.Slice(2, 5)
	require.Equal(t, "234", string(sub.Bytes()))
}

func TestReleaseRecycles(t *testing.T) {
	m := NewMut()
	m.Append(make([]byte, 10))
	m.Release()
	m2 := NewMut()
	require.Equal(t, 0, m2.Len())
}
