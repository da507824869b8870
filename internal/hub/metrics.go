package hub

import "sync"

// TimeoutKind categorizes bounded-wait expirations for observability.
type TimeoutKind string

const (
	TimeoutHandshake       TimeoutKind = "handshake"
	TimeoutLockAcquisition TimeoutKind = "lock_acquisition"
	TimeoutMessage         TimeoutKind = "message"
	TimeoutCleanup         TimeoutKind = "cleanup"
	TimeoutDB              TimeoutKind = "db"
)

// Snapshot is a point-in-time view of hub health. Active counts are
// recomputed from the registry at snapshot time, not cached.
type Snapshot struct {
	TotalConnections      int               `json:"total_connections"`
	PeakConnections       int               `json:"peak_connections"`
	FailedConnections     uint64            `json:"failed_connections"`
	SuccessfulConnections uint64            `json:"successful_connections"`
	ActiveConnections     int               `json:"active_connections"`
	ActiveConversations   int               `json:"active_conversations"`
	Timeouts              map[string]uint64 `json:"timeouts"`
}

// counters holds the running connection counters. All mutation goes through
// the owning mutex; peak is maintained at every increment, so peak >= total
// holds at all observation points.
type counters struct {
	mu         sync.Mutex
	total      int
	peak       int
	failed     uint64
	successful uint64
	timeouts   map[TimeoutKind]uint64
}

func newCounters() *counters {
	return &counters{timeouts: make(map[TimeoutKind]uint64)}
}

// reserve claims a total-count slot during admission, while the caller holds
// the global lock. Peak is maintained at every increment, so peak >= total
// holds at all observation points.
func (c *counters) reserve() {
	c.mu.Lock()
	c.total++
	if c.total > c.peak {
		c.peak = c.total
	}
	c.mu.Unlock()
}

// unreserve returns a reserved slot when a later admission stage rejects.
func (c *counters) unreserve() {
	c.mu.Lock()
	if c.total > 0 {
		c.total--
	}
	c.mu.Unlock()
}

// confirm marks a reserved admission as fully registered.
func (c *counters) confirm() {
	c.mu.Lock()
	c.successful++
	c.mu.Unlock()
}

func (c *counters) connRemoved() {
	c.mu.Lock()
	if c.total > 0 {
		c.total--
	}
	c.mu.Unlock()
}

func (c *counters) connFailed() {
	c.mu.Lock()
	c.failed++
	c.mu.Unlock()
}

func (c *counters) timeout(kind TimeoutKind) {
	c.mu.Lock()
	c.timeouts[kind]++
	c.mu.Unlock()
}

func (c *counters) totalNow() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

func (c *counters) reset() {
	c.mu.Lock()
	c.total = 0
	c.mu.Unlock()
}

func (c *counters) snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	timeouts := make(map[string]uint64, len(c.timeouts))
	for kind, n := range c.timeouts {
		timeouts[string(kind)] = n
	}
	return Snapshot{
		TotalConnections:      c.total,
		PeakConnections:       c.peak,
		FailedConnections:     c.failed,
		SuccessfulConnections: c.successful,
		Timeouts:              timeouts,
	}
}
