package stats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEmaConverges(t *testing.T) {
	e := NewEmaCalculator(0.5)
	for i := 0; i < 50; i++ {
		e.Update(100)
	}
	require.InDelta(t, 100, e.Mean(), 0.01)
}

func TestMinQueueTracksMax(t *testing.T) {
	// Feed values in reverse order so the queue's "min" surfaces the max.
	q := NewMinQueue[int](func(a, b int) bool { return a > b })
	for _, v := range []int{3, 1, 4, 1, 5, 9, 2, 6} {
		q.Push(v)
	}
	m, ok := q.Min()
	require.True(t, ok)
	require.Equal(t, 9, m)
}

func TestTimeSeriesDebounce(t *testing.T) {
	ts := NewTimeSeries(10)
	now := time.Now()
	ts.Insert(now, 1.0)
	ts.Insert(now.Add(time.Millisecond), 1.0)
	last, ok := ts.Last()
	require.True(t, ok)
	require.Equal(t, float32(1.0), last)
	require.Len(t, ts.items, 1)
}

func TestGathererIncrement(t *testing.T) {
	g := NewGatherer()
	g.Increment("sent", 1)
	g.Increment("sent", 2)
	v, ok := g.GetLast("sent")
	require.True(t, ok)
	require.Equal(t, float32(3), v)
}
