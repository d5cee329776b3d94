package replicator

import (
	"hash/fnv"
	"sync"
)

// stripeCount bounds lock memory while keeping collisions rare at realistic
// follower counts. Must be a power of two.
const stripeCount = 256

// accountStripes serializes order submission per follower account. Every
// pipeline for the same follower hashes to the same stripe, so a follower's
// second master order cannot overtake its first between the pending persist
// and the final status append. Distinct followers may share a stripe; that
// costs a little throughput, never correctness.
type accountStripes struct {
	locks [stripeCount]sync.Mutex
}

func (s *accountStripes) Lock(account string) {
	s.locks[stripeFor(account)].Lock()
}

func (s *accountStripes) Unlock(account string) {
	s.locks[stripeFor(account)].Unlock()
}

func stripeFor(account string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(account))
	return h.Sum32() & (stripeCount - 1)
}
