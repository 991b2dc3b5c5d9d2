package wamp

import (
	"crypto/rand"
	"encoding/binary"
	"sync"
)

// MaxID is the exclusive upper bound of the WAMP integer ID space. IDs fit
// exactly in an IEEE 754 double, so JSON round-trips them losslessly.
const MaxID uint64 = 1 << 53

// GlobalID returns a random ID in [1, 2^53). Used for router-assigned
// session IDs, registration IDs, subscription IDs and ping payload nonces.
func GlobalID() uint64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand never fails on supported platforms
		panic(err)
	}
	return binary.BigEndian.Uint64(b[:])%(MaxID-1) + 1
}

// SessionScopeIDGenerator produces session-scoped request IDs: a monotonic
// counter starting at 1, re-seeded to 1 on reaching 2^53. Safe for
// concurrent use.
type SessionScopeIDGenerator struct {
	mu   sync.Mutex
	next uint64
}

// Next returns the next request ID.
func (g *SessionScopeIDGenerator) Next() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next++
	if g.next >= MaxID {
		g.next = 1
	}
	return g.next
}
