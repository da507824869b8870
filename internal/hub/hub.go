package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voicelayer/relay/internal/config"
	"github.com/voicelayer/relay/internal/transport"
)

var (
	// ErrCapacity indicates admission was rejected because a global or
	// per-conversation limit was reached.
	ErrCapacity = errors.New("hub: capacity exceeded")

	// ErrNotRunning indicates the hub has not been started yet.
	ErrNotRunning = errors.New("hub: not started")
)

// priorityRetryAttempts and regularRetryAttempts bound the lock-acquisition
// retry protocol during admission. Priority connections get more patience
// because losing them is costlier.
const (
	priorityRetryAttempts = 3
	regularRetryAttempts  = 1
)

// priorityTimeoutFactor stretches the per-send timeout for priority-class
// connections during a broadcast.
const priorityTimeoutFactor = 1.5

// Readiness gates hub startup on a downstream collaborator, e.g. the
// conversational context buffer that must finish its own initialization
// before background tasks may run.
type Readiness interface {
	WaitReady(ctx context.Context) error
}

// Hub is the authoritative registry of live connections grouped by
// conversation, and the only component allowed to mutate it.
type Hub struct {
	cfg    config.HubConfig
	logger *slog.Logger

	// global serializes admission decisions against the total-count limit
	// and gates registry-wide snapshots. Always acquired with a bound.
	global *timedMutex

	// convLocks serializes per-conversation operations (admission check,
	// broadcast snapshot, removal) without conversations contending with
	// each other.
	convLocks *lockPool

	// mapMu guards the raw registry maps. Critical sections are O(1) or a
	// single copy; it is never held across I/O or lock waits.
	mapMu         sync.RWMutex
	conversations map[string]map[string]*Conn

	// Privacy flags, own lock.
	privacyMu sync.RWMutex
	private   map[string]struct{}

	counters *counters

	mu      sync.Mutex
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a hub. Zero-valued config fields fall back to package defaults.
func New(cfg config.HubConfig, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.ApplyDefaults()

	return &Hub{
		cfg:           cfg,
		logger:        logger,
		global:        newTimedMutex(),
		convLocks:     newLockPool(cfg.LockShards),
		conversations: make(map[string]map[string]*Conn),
		private:       make(map[string]struct{}),
		counters:      newCounters(),
	}
}

// Start waits for downstream collaborators, then launches the background
// reaper. Must be called before any other operation; calling it again on a
// running hub is a no-op.
func (h *Hub) Start(ctx context.Context, deps ...Readiness) error {
	h.mu.Lock()
	if h.started {
		h.mu.Unlock()
		return nil
	}
	h.mu.Unlock()

	// Background tasks may only start once downstream components are ready.
	for _, dep := range deps {
		wctx, cancel := context.WithTimeout(ctx, h.cfg.HandshakeTimeout)
		err := dep.WaitReady(wctx)
		cancel()
		if err != nil {
			h.counters.timeout(TimeoutHandshake)
			return fmt.Errorf("wait for dependency: %w", err)
		}
	}

	h.mu.Lock()
	if h.started {
		h.mu.Unlock()
		return nil
	}
	h.ctx, h.cancel = context.WithCancel(ctx)
	h.started = true
	h.mu.Unlock()

	h.wg.Add(1)
	go h.superviseReaper()

	h.logger.Info("hub started",
		"max_total", h.cfg.MaxTotalConnections,
		"max_per_conversation", h.cfg.MaxConnectionsPerConversation,
		"cleanup_interval", h.cfg.CleanupInterval,
	)
	return nil
}

// Stop cancels background tasks, closes every remaining transport, and
// returns the hub to the not-started state: subsequent operations fail with
// ErrNotRunning until Start is called again.
func (h *Hub) Stop(ctx context.Context) error {
	h.mu.Lock()
	if !h.started {
		h.mu.Unlock()
		return nil
	}
	cancel := h.cancel
	h.started = false
	h.ctx = nil
	h.cancel = nil
	h.mu.Unlock()

	cancel()

	// Wait for background tasks with timeout
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		h.logger.Warn("shutdown timeout, abandoning background tasks")
	}

	h.mapMu.Lock()
	for _, conns := range h.conversations {
		for _, c := range conns {
			c.Close("shutdown")
		}
	}
	h.conversations = make(map[string]map[string]*Conn)
	h.mapMu.Unlock()

	h.privacyMu.Lock()
	h.private = make(map[string]struct{})
	h.privacyMu.Unlock()

	h.counters.reset()

	h.logger.Info("hub stopped")
	return nil
}

// Enqueue admits a connection into a conversation and returns its generated
// connection id. The identifier string classifies the connection (priority
// vs. regular); an error means the connection was rejected and must not be
// used.
func (h *Hub) Enqueue(ctx context.Context, tr transport.Transport, convID, identifier string) (string, error) {
	if !h.running() {
		return "", ErrNotRunning
	}
	if tr == nil || convID == "" {
		h.counters.connFailed()
		return "", fmt.Errorf("hub: transport and conversation id are required")
	}

	class := ClassFromIdentifier(identifier, h.cfg.PriorityMarkers)
	conn := newConn(uuid.NewString(), identifier, class, tr, h.retryPolicy(), h.logger)

	// Global admission check. The total slot is reserved while the lock is
	// held so concurrent admissions cannot both pass the check and overshoot
	// the limit; a later rejection returns the slot.
	if err := h.acquireWithRetry(ctx, h.global, class); err != nil {
		h.counters.connFailed()
		return "", err
	}
	total := h.counters.totalNow()
	if !admit(total, h.cfg.MaxTotalConnections, class, h.cfg.PriorityHeadroom) {
		h.global.release()
		h.counters.connFailed()
		h.logger.Warn("admission rejected: global capacity",
			"conversation", convID,
			"identifier", identifier,
			"total", total,
		)
		return "", ErrCapacity
	}
	h.counters.reserve()
	// Initialize under the lock so the state transition stays ordered with
	// the admission decision.
	if err := conn.Initialize(); err != nil {
		h.global.release()
		h.counters.unreserve()
		h.counters.connFailed()
		return "", err
	}
	h.global.release()

	// Per-conversation admission check.
	lock := h.convLocks.forKey(convID)
	if err := h.acquireWithRetry(ctx, lock, class); err != nil {
		h.counters.unreserve()
		h.counters.connFailed()
		return "", err
	}
	h.mapMu.RLock()
	count := len(h.conversations[convID])
	h.mapMu.RUnlock()
	if !admit(count, h.cfg.MaxConnectionsPerConversation, class, h.cfg.PriorityHeadroom) {
		lock.release()
		h.counters.unreserve()
		h.counters.connFailed()
		h.logger.Warn("admission rejected: conversation capacity",
			"conversation", convID,
			"identifier", identifier,
			"count", count,
		)
		return "", ErrCapacity
	}
	h.mapMu.Lock()
	conns := h.conversations[convID]
	if conns == nil {
		conns = make(map[string]*Conn)
		h.conversations[convID] = conns
	}
	conns[conn.ID] = conn
	h.mapMu.Unlock()
	h.counters.confirm()
	lock.release()

	h.logger.Debug("connection admitted",
		"conn_id", conn.ID,
		"conversation", convID,
		"class", class,
	)
	return conn.ID, nil
}

// admit applies the capacity rule: regular connections stop at the limit,
// priority connections get the configured headroom above it.
func admit(current, limit int, class Class, headroom float64) bool {
	if current < limit {
		return true
	}
	if class != ClassPriority {
		return false
	}
	return float64(current) < headroom*float64(limit)
}

// Broadcast fans a message out to every connection of a conversation,
// priority class first, excluding excludeID (e.g. the sender). Send failures
// are isolated and cleaned up asynchronously; the only error callers see is
// a lock timeout or an unencodable payload.
func (h *Hub) Broadcast(ctx context.Context, convID string, payload any, excludeID string) error {
	if !h.running() {
		return ErrNotRunning
	}

	h.mapMu.RLock()
	n := len(h.conversations[convID])
	h.mapMu.RUnlock()
	if n == 0 {
		return nil
	}

	// Serialize once, shared across all sends.
	data, err := encodePayload(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	// Snapshot under the conversation lock, send outside it: structural
	// mutation needs the lock, slow I/O must not hold it.
	lock := h.convLocks.forKey(convID)
	if err := lock.acquire(ctx, h.cfg.LockAcquireTimeout); err != nil {
		h.counters.timeout(TimeoutLockAcquisition)
		h.logger.Warn("broadcast aborted: conversation lock timeout", "conversation", convID)
		return ErrLockTimeout
	}
	h.mapMu.RLock()
	snapshot := make([]*Conn, 0, len(h.conversations[convID]))
	for _, c := range h.conversations[convID] {
		snapshot = append(snapshot, c)
	}
	h.mapMu.RUnlock()
	lock.release()

	var priority, regular []*Conn
	for _, c := range snapshot {
		if c.ID == excludeID {
			continue
		}
		if c.Class == ClassPriority {
			priority = append(priority, c)
		} else {
			regular = append(regular, c)
		}
	}

	priorityTimeout := time.Duration(priorityTimeoutFactor * float64(h.cfg.MessageTimeout))

	var failed []*Conn
	for _, c := range priority {
		if !h.sendOne(ctx, c, data, priorityTimeout) {
			failed = append(failed, c)
		}
	}
	for _, c := range regular {
		if !h.sendOne(ctx, c, data, h.cfg.MessageTimeout) {
			failed = append(failed, c)
		}
	}

	if len(failed) > 0 {
		// Cleanup must never delay this broadcast or the next one.
		h.wg.Add(1)
		go h.cleanupFailed(convID, failed)
	}
	return nil
}

func (h *Hub) sendOne(ctx context.Context, c *Conn, data []byte, timeout time.Duration) bool {
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ok := c.Send(sctx, data)
	if !ok && sctx.Err() != nil {
		h.counters.timeout(TimeoutMessage)
	}
	return ok
}

// cleanupFailed tears down connections that failed during a broadcast. Runs
// detached from the broadcast caller's cancellation.
func (h *Hub) cleanupFailed(convID string, failed []*Conn) {
	defer h.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("cleanup panic", "conversation", convID, "panic", r)
		}
	}()

	ctx, cancel := context.WithTimeout(h.runCtx(), h.cfg.LockAcquireTimeout)
	defer cancel()

	for _, c := range failed {
		if err := h.Disconnect(ctx, convID, c.ID, "send failure"); err != nil {
			h.counters.timeout(TimeoutCleanup)
			h.logger.Warn("failed-connection cleanup skipped",
				"conversation", convID,
				"conn_id", c.ID,
				"error", err,
			)
		}
	}
}

// Disconnect removes a connection from the registry and closes its
// transport. Safe to call for ids that are already gone. On lock timeout the
// removal is skipped this call; callers tolerate eventual rather than
// immediate disconnection under extreme contention.
func (h *Hub) Disconnect(ctx context.Context, convID, connID, reason string) error {
	lock := h.convLocks.forKey(convID)
	if err := lock.acquire(ctx, h.cfg.LockAcquireTimeout); err != nil {
		h.counters.timeout(TimeoutLockAcquisition)
		return ErrLockTimeout
	}

	var (
		conn    *Conn
		found   bool
		emptied bool
	)
	h.mapMu.Lock()
	conns := h.conversations[convID]
	conn, found = conns[connID]
	if found {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(h.conversations, convID)
			emptied = true
		}
	}
	h.mapMu.Unlock()
	lock.release()

	if !found {
		return nil
	}

	h.counters.connRemoved()
	if emptied {
		h.clearPrivacy(convID)
	}
	conn.Close(reason)

	h.logger.Debug("connection disconnected",
		"conn_id", connID,
		"conversation", convID,
		"reason", reason,
	)
	return nil
}

// SetPrivacy marks or unmarks a conversation as private. The flag is stored
// for external consumers; the hub itself does not act on it.
func (h *Hub) SetPrivacy(convID string, private bool) {
	h.privacyMu.Lock()
	if private {
		h.private[convID] = struct{}{}
	} else {
		delete(h.private, convID)
	}
	h.privacyMu.Unlock()
}

// IsPrivate reports whether a conversation is marked private.
func (h *Hub) IsPrivate(convID string) bool {
	h.privacyMu.RLock()
	defer h.privacyMu.RUnlock()
	_, ok := h.private[convID]
	return ok
}

func (h *Hub) clearPrivacy(convID string) {
	h.privacyMu.Lock()
	delete(h.private, convID)
	h.privacyMu.Unlock()
}

// Touch bumps a connection's last-activity timestamp, e.g. when the caller
// observes an inbound frame.
func (h *Hub) Touch(convID, connID string) {
	h.mapMu.RLock()
	c := h.conversations[convID][connID]
	h.mapMu.RUnlock()
	if c != nil {
		c.Touch()
	}
}

// RecordTimeout attributes an externally observed timeout (handshake, db) to
// the hub's counters.
func (h *Hub) RecordTimeout(kind TimeoutKind) {
	h.counters.timeout(kind)
}

// Metrics returns a snapshot of the counters plus live active counts
// recomputed from the registry.
func (h *Hub) Metrics() Snapshot {
	snap := h.counters.snapshot()

	h.mapMu.RLock()
	snap.ActiveConversations = len(h.conversations)
	for _, conns := range h.conversations {
		snap.ActiveConnections += len(conns)
	}
	h.mapMu.RUnlock()
	return snap
}

// acquireWithRetry implements the bounded-retry locking protocol used during
// admission: priority connections get more attempts, each attempt waits
// longer than the last, and colliding retries spread out over a short
// randomized delay.
func (h *Hub) acquireWithRetry(ctx context.Context, m *timedMutex, class Class) error {
	attempts := regularRetryAttempts
	if class == ClassPriority {
		attempts = priorityRetryAttempts
	}

	for i := 0; i < attempts; i++ {
		if i > 0 {
			delay := 10*time.Millisecond + time.Duration(rand.Int63n(int64(50*time.Millisecond)))
			select {
			case <-ctx.Done():
				h.counters.timeout(TimeoutLockAcquisition)
				return ErrLockTimeout
			case <-time.After(delay):
			}
		}
		timeout := h.cfg.LockAcquireTimeout * time.Duration(i+1)
		if err := m.acquire(ctx, timeout); err == nil {
			return nil
		}
	}

	h.counters.timeout(TimeoutLockAcquisition)
	return ErrLockTimeout
}

func (h *Hub) retryPolicy() retryPolicy {
	return retryPolicy{
		initial: h.cfg.SendRetryInitialDelay,
		cap:     h.cfg.SendRetryMaxDelay,
		retries: uint64(h.cfg.SendRetryMax),
	}
}

func (h *Hub) running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.started
}

func (h *Hub) runCtx() context.Context {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ctx != nil {
		return h.ctx
	}
	return context.Background()
}

// encodePayload serializes a broadcast payload once. Byte payloads pass
// through untouched.
func encodePayload(payload any) ([]byte, error) {
	switch p := payload.(type) {
	case []byte:
		return p, nil
	case json.RawMessage:
		return p, nil
	case string:
		return []byte(p), nil
	default:
		return json.Marshal(p)
	}
}
