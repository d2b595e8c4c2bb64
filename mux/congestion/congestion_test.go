package congestion

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCubicGrowsOnAck(t *testing.T) {
	var c Control = NewCubic()
	start := c.Cwnd()
	for i := 0; i < 20; i++ {
		c.MarkAck()
	}
	require.Greater(t, c.Cwnd(), start)
}

// TestCubicGrowsUnboundedWithoutLoss matches spec.md §8 Scenario 1: absent
// any loss, cwnd must keep climbing past 100, not converge to a small
// fixed point.
func TestCubicGrowsUnboundedWithoutLoss(t *testing.T) {
	c := NewCubic()
	for i := 0; i < 500; i++ {
		c.MarkAck()
	}
	require.Greater(t, c.Cwnd(), 100.0)
}

func TestCubicSquelchesLossBelowBdp(t *testing.T) {
	c := NewCubic()
	before := c.Cwnd()
	c.MarkLoss(before * 10) // bdp far above cwnd: squelch
	require.Equal(t, before, c.Cwnd())
}

func TestHighspeedHalvesOnLoss(t *testing.T) {
	h := NewHighspeed()
	for i := 0; i < 10; i++ {
		h.MarkAck()
	}
	before := h.Cwnd()
	h.MarkLoss(0)
	require.InDelta(t, before*0.5, h.Cwnd(), 0.001)
}

func TestTrivialNeverChanges(t *testing.T) {
	tc := NewTrivial(42)
	tc.MarkAck()
	tc.MarkLoss(1000)
	require.Equal(t, 42.0, tc.Cwnd())
}
