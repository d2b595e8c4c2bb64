// Package listener implements the server-side session table: mapping a
// roaming client's current UDP address to its session, and a client's
// resume token to a sharded set of addresses it's recently been seen at.
// Grounded on original_source/src/listener/table.rs.
package listener

import (
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/geph-official/sosistab-go/session"
)

// recentUsage is how long a shard's last-known address is still
// considered "recently used" and thus a candidate for ShardedAddrs.Addr,
// matching table.rs's 10-second literal.
const recentUsage = 10 * time.Second

// shardEntry pairs an address with when it was last confirmed live.
type shardEntry struct {
	addr      net.Addr
	updatedAt time.Time
}

// ShardedAddrs tracks, per client shard id, the most recently confirmed
// address that shard's traffic arrived from — letting the listener spray
// outgoing packets across every live shard instead of just the one most
// recently seen. Grounded on table.rs's ShardedAddrs.
type ShardedAddrs struct {
	mu      sync.RWMutex
	byShard map[uint8]shardEntry
}

// NewShardedAddrs constructs a table seeded with one shard's initial
// address.
func NewShardedAddrs(initialShard uint8, initialAddr net.Addr) *ShardedAddrs {
	s := &ShardedAddrs{byShard: make(map[uint8]shardEntry)}
	s.byShard[initialShard] = shardEntry{addr: initialAddr, updatedAt: time.Now()}
	return s
}

// Addr picks the address to send the next outgoing packet to: a random
// pick among shards confirmed live within the last 10 seconds, or — if
// none are that fresh — whichever shard was most recently seen at all.
func (s *ShardedAddrs) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var recent []net.Addr
	var mostRecentAddr net.Addr
	var mostRecentAt time.Time
	for _, e := range s.byShard {
		if time.Since(e.updatedAt) < recentUsage {
			recent = append(recent, e.addr)
		}
		if mostRecentAddr == nil || e.updatedAt.After(mostRecentAt) {
			mostRecentAddr, mostRecentAt = e.addr, e.updatedAt
		}
	}
	if len(recent) == 0 {
		return mostRecentAddr
	}
	return recent[rand.Intn(len(recent))]
}

// Insert records addr as the current address for the given shard,
// returning the previous address for that shard, if any.
func (s *ShardedAddrs) Insert(shard uint8, addr net.Addr) (prev net.Addr, hadPrev bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.byShard[shard]
	s.byShard[shard] = shardEntry{addr: addr, updatedAt: time.Now()}
	if ok {
		return old.addr, true
	}
	return nil, false
}

// Addrs returns a snapshot of every currently-tracked address.
func (s *ShardedAddrs) Addrs() []net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]net.Addr, 0, len(s.byShard))
	for _, e := range s.byShard {
		out = append(out, e.addr)
	}
	return out
}

type sessEntry struct {
	back  *session.Back
	addrs *ShardedAddrs
}

// SessionTable maps resume tokens to sessions and UDP addresses back to
// resume tokens, so an arbitrary inbound packet's source address resolves
// directly to the session that should process it. Grounded on
// table.rs's SessionTable (there two DashMaps; here two maps behind one
// mutex, the idiom this corpus uses — see mux.Multiplex's stream table —
// since Go doesn't have a zero-dependency concurrent map as ergonomic as
// Rust's dashmap and the critical sections here are all O(1)).
type SessionTable struct {
	mu          sync.RWMutex
	tokenToSess map[string]sessEntry
	addrToToken map[string]string
}

// NewSessionTable constructs an empty table.
func NewSessionTable() *SessionTable {
	return &SessionTable{
		tokenToSess: make(map[string]sessEntry),
		addrToToken: make(map[string]string),
	}
}

// NewSess registers a freshly-established session under token.
func (t *SessionTable) NewSess(token string, back *session.Back, addrs *ShardedAddrs) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tokenToSess[token] = sessEntry{back: back, addrs: addrs}
}

// Rebind records that shardID's current address for token's session is
// now addr, returning false if token isn't a known session.
func (t *SessionTable) Rebind(addr net.Addr, shardID uint8, token string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.tokenToSess[token]
	if !ok {
		return false
	}
	old, hadOld := entry.addrs.Insert(shardID, addr)
	if hadOld {
		delete(t.addrToToken, old.String())
	}
	t.addrToToken[addr.String()] = token
	return true
}

// Lookup resolves an inbound packet's source address to the session that
// should process it.
func (t *SessionTable) Lookup(addr net.Addr) (*session.Back, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	token, ok := t.addrToToken[addr.String()]
	if !ok {
		return nil, false
	}
	entry, ok := t.tokenToSess[token]
	if !ok {
		return nil, false
	}
	return entry.back, true
}

// Delete removes a session and every address bound to it.
func (t *SessionTable) Delete(token string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.tokenToSess[token]
	if !ok {
		return
	}
	delete(t.tokenToSess, token)
	for _, addr := range entry.addrs.Addrs() {
		delete(t.addrToToken, addr.String())
	}
}
