package crypt

import (
	"sync"

	avl "gitlab.com/yawning/avl.git"
)

// replayWindow bounds the replay filter's memory per spec.md §4.2: top -
// bottom is capped at 10,000 seqnos.
const replayWindow = 10000

func seqnoLess(a, b interface{}) bool {
	return a.(uint64) < b.(uint64)
}

// ReplayFilter is the per-session sliding-window dedup over the last
// 10,000 sequence numbers, grounded on
// original_source/src/session/machine.rs's ReplayFilter. The seen-set is
// an ordered avl.Tree (teacher dependency gitlab.com/yawning/avl.git)
// keyed by seqno, so evicting the oldest entry once the window is full is
// a Min()+Remove() instead of the original's separate bottom-seqno scan
// over an unordered FxHashSet.
type ReplayFilter struct {
	mu         sync.Mutex
	topSeqno   uint64
	bottomSeqno uint64
	seen       *avl.Tree
}

// NewReplayFilter constructs an empty filter.
func NewReplayFilter() *ReplayFilter {
	return &ReplayFilter{seen: avl.NewTree(seqnoLess)}
}

// Add records seqno as seen, returning false (and not recording) if it's
// below the window's floor or already present.
func (r *ReplayFilter) Add(seqno uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if seqno < r.bottomSeqno {
		return false
	}
	if r.seen.Search(seqno) != nil {
		return false
	}
	r.seen.Insert(seqno)
	if seqno > r.topSeqno {
		r.topSeqno = seqno
	}
	r.advanceBottom()
	return true
}

// advanceBottom evicts entries older than the 10,000-wide window,
// re-deriving bottomSeqno from topSeqno.
func (r *ReplayFilter) advanceBottom() {
	if r.topSeqno < replayWindow {
		return
	}
	newBottom := r.topSeqno - replayWindow
	if newBottom <= r.bottomSeqno {
		return
	}
	for {
		minNode := r.seen.Min()
		if minNode == nil {
			break
		}
		v := minNode.Value().(uint64)
		if v >= newBottom {
			break
		}
		r.seen.Remove(v)
	}
	r.bottomSeqno = newBottom
}

// Len reports how many seqnos are currently tracked.
func (r *ReplayFilter) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seen.Len()
}
