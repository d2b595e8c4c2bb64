package pacer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWaitNextBatchesByQuantum(t *testing.T) {
	p := New(time.Millisecond)
	for i := 0; i < Quantum-1; i++ {
		select {
		case <-p.WaitNext():
		case <-time.After(50 * time.Millisecond):
			t.Fatal("intermediate WaitNext call should not block")
		}
	}
	require.Equal(t, Quantum-1, p.counter)
}
