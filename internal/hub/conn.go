package hub

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/voicelayer/relay/internal/transport"
)

// ErrNotPending indicates Initialize was called on a connection that already
// left the Pending state.
var ErrNotPending = errors.New("hub: connection not pending")

// Class partitions connections by delivery urgency. Priority-class
// connections get admission headroom, longer send timeouts, and exemption
// from idle eviction.
type Class int

const (
	ClassRegular Class = iota
	ClassPriority
)

func (c Class) String() string {
	if c == ClassPriority {
		return "priority"
	}
	return "regular"
}

// ClassFromIdentifier classifies a caller-supplied identifier against the
// configured priority markers. The class is computed once at admission and
// never re-derived downstream.
func ClassFromIdentifier(identifier string, markers []string) Class {
	for _, m := range markers {
		if m != "" && strings.Contains(identifier, m) {
			return ClassPriority
		}
	}
	return ClassRegular
}

// State is the connection lifecycle state. StateDisconnected is terminal.
type State int

const (
	StatePending State = iota
	StateAccepted
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateAccepted:
		return "accepted"
	case StateDisconnected:
		return "disconnected"
	}
	return "unknown"
}

// retryPolicy bounds the send retry loop.
type retryPolicy struct {
	initial time.Duration
	cap     time.Duration
	retries uint64
}

// Conn wraps one accepted transport with a small lifecycle state machine and
// a retrying, single-writer send.
type Conn struct {
	ID         string
	Identifier string
	Class      Class

	tr     transport.Transport
	logger *slog.Logger
	retry  retryPolicy

	// Send serialization: at most one in-flight write per transport.
	sendMu sync.Mutex

	mu         sync.Mutex
	state      State
	createdAt  time.Time
	lastActive time.Time
}

func newConn(id, identifier string, class Class, tr transport.Transport, retry retryPolicy, logger *slog.Logger) *Conn {
	if logger == nil {
		logger = slog.Default()
	}
	now := time.Now()
	return &Conn{
		ID:         id,
		Identifier: identifier,
		Class:      class,
		tr:         tr,
		logger:     logger.With("conn_id", id),
		retry:      retry,
		state:      StatePending,
		createdAt:  now,
		lastActive: now,
	}
}

// Initialize transitions Pending -> Accepted. The transport is already
// accepted at the protocol layer; this step is admission bookkeeping only.
func (c *Conn) Initialize() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StatePending {
		return ErrNotPending
	}
	c.state = StateAccepted
	return nil
}

// State returns the current lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Touch bumps the last-activity timestamp.
func (c *Conn) Touch() {
	c.mu.Lock()
	c.lastActive = time.Now()
	c.mu.Unlock()
}

// IdleFor returns how long the connection has been without activity.
func (c *Conn) IdleFor() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.lastActive)
}

// Send delivers one payload, retrying transient failures with exponential
// backoff plus jitter. A peer-gone transport error disconnects the
// connection immediately and aborts remaining retries; exhausted retries
// disconnect it too. Returns false on any failure and never panics, so one
// flaky peer cannot take down a broadcast.
func (c *Conn) Send(ctx context.Context, data []byte) bool {
	c.mu.Lock()
	if c.state != StateAccepted {
		c.mu.Unlock()
		return false
	}
	c.mu.Unlock()

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.retry.initial
	bo.MaxInterval = c.retry.cap
	bo.MaxElapsedTime = 0 // the retry count governs, not wall time

	op := func() error {
		err := c.tr.Send(ctx, data)
		if err == nil {
			return nil
		}
		if errors.Is(err, transport.ErrClosed) {
			return backoff.Permanent(err)
		}
		return err
	}

	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, c.retry.retries), ctx))
	if err != nil {
		c.markDisconnected()
		c.logger.Warn("send failed, connection disconnected",
			"identifier", c.Identifier,
			"error", err,
		)
		return false
	}

	c.Touch()
	return true
}

// Close is idempotent: best-effort transport close, then the state is forced
// to Disconnected regardless of the transport outcome.
func (c *Conn) Close(reason string) {
	c.tr.Close(transport.CloseNormal, reason)
	c.markDisconnected()
}

func (c *Conn) markDisconnected() {
	c.mu.Lock()
	c.state = StateDisconnected
	c.mu.Unlock()
}
