package relconn

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBwCalculatorDeliveredCountsPacketsNotBytes(t *testing.T) {
	bw := NewBwCalculator()

	sendDelivered, sendTime := bw.OnSend()
	time.Sleep(time.Millisecond)
	bw.OnAck(false, sendDelivered, sendTime)

	sendDelivered, sendTime = bw.OnSend()
	time.Sleep(time.Millisecond)
	bw.OnAck(false, sendDelivered, sendTime)

	// Two acked packets regardless of any payload size; a byte-denominated
	// counter would instead sit near 2*MSS.
	require.Equal(t, int64(2), bw.delivered)
}
