package hub

import (
	"context"
	"errors"
	"hash/fnv"
	"time"

	"golang.org/x/sync/semaphore"
)

// ErrLockTimeout indicates a bounded lock acquisition expired before the
// lock became available.
var ErrLockTimeout = errors.New("hub: lock acquisition timed out")

// timedMutex is a mutual-exclusion lock whose acquisition is always bounded
// by a deadline. Go mutexes cannot be acquired with a timeout; a weighted
// semaphore of capacity one can.
type timedMutex struct {
	sem *semaphore.Weighted
}

func newTimedMutex() *timedMutex {
	return &timedMutex{sem: semaphore.NewWeighted(1)}
}

// acquire blocks until the lock is held, the timeout expires, or ctx is
// cancelled. Returns ErrLockTimeout on either expiry or cancellation.
func (m *timedMutex) acquire(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return ErrLockTimeout
	}
	return nil
}

func (m *timedMutex) release() {
	m.sem.Release(1)
}

// lockPool is a fixed-size sharded pool of conversation locks, indexed by a
// hash of the conversation id. Conversations hashing to the same shard
// serialize against each other; the pool never grows, so conversation churn
// cannot leak locks.
type lockPool struct {
	shards []*timedMutex
}

func newLockPool(n int) *lockPool {
	if n < 1 {
		n = 1
	}
	p := &lockPool{shards: make([]*timedMutex, n)}
	for i := range p.shards {
		p.shards[i] = newTimedMutex()
	}
	return p
}

func (p *lockPool) forKey(key string) *timedMutex {
	h := fnv.New32a()
	h.Write([]byte(key))
	return p.shards[h.Sum32()%uint32(len(p.shards))]
}
