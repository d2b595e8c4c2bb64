package crypt

import (
	"sync"
	"time"

	"github.com/yawning/bloom"
)

// recentFilterTTL matches original_source/src/recfilter.rs's 600-second
// expiry window for deduplicating replayed handshake ciphertexts.
const recentFilterTTL = 600 * time.Second

// bloomFalsePositiveRate and bloomEstimatedItems size each rotating
// filter; a false positive only costs a legitimate client one extra
// handshake retry, so a small but nonzero rate is an acceptable trade for
// O(1) memory regardless of handshake volume (SPEC_FULL.md §4.13).
const (
	bloomEstimatedItems    = 1 << 16
	bloomFalsePositiveRate = 0.001
)

// RecentFilter is the process-wide handshake-replay dedup, reworked per
// SPEC_FULL.md §4.13 from original_source/src/recfilter.rs's exact
// HashMap+expiry-queue into a pair of rotating Bloom filters (teacher
// dependency github.com/yawning/bloom): inserts always land in the
// "current" filter; membership checks consult both "current" and
// "previous". The pair rotates lazily, on the first Check at least
// recentFilterTTL after the last rotation, so an entry is remembered for
// at least 600s and is dropped by the second rotation after its insert.
type RecentFilter struct {
	mu               sync.Mutex
	current, previous *bloom.Filter
	rotatedAt        time.Time
}

// NewRecentFilter constructs an empty, freshly-rotated filter pair.
func NewRecentFilter() *RecentFilter {
	return &RecentFilter{
		current:   bloom.New(bloomEstimatedItems, bloomFalsePositiveRate),
		previous:  bloom.New(bloomEstimatedItems, bloomFalsePositiveRate),
		rotatedAt: time.Now(),
	}
}

func (f *RecentFilter) maybeRotate(now time.Time) {
	if now.Sub(f.rotatedAt) < recentFilterTTL {
		return
	}
	f.previous = f.current
	f.current = bloom.New(bloomEstimatedItems, bloomFalsePositiveRate)
	f.rotatedAt = now
}

// Check reports whether ciphertext is still held by the current or
// previous filter (at least the last recentFilterTTL), recording it as
// seen if not. Mirrors
// original_source/src/recfilter.rs's global RECENT_FILTER.check().
func (f *RecentFilter) Check(ciphertext []byte) bool {
	h := HashHandshake(ciphertext)
	f.mu.Lock()
	defer f.mu.Unlock()

	now := time.Now()
	f.maybeRotate(now)

	if f.current.Contains(h[:]) || f.previous.Contains(h[:]) {
		return true
	}
	f.current.Add(h[:])
	return false
}
