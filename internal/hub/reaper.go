package hub

import (
	"context"
	"time"
)

// superviseReaper keeps the reaper alive for the lifetime of the hub,
// restarting the loop if it ever returns while the hub is still running.
func (h *Hub) superviseReaper() {
	defer h.wg.Done()

	for {
		h.reaperLoop()

		select {
		case <-h.runCtx().Done():
			return
		default:
			h.logger.Error("reaper loop exited unexpectedly, restarting")
		}
	}
}

func (h *Hub) reaperLoop() {
	ticker := time.NewTicker(h.cfg.CleanupInterval)
	defer ticker.Stop()

	ctx := h.runCtx()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.reapCycle(ctx)
		}
	}
}

// reapCycle evicts idle regular-class connections. Work is bounded per
// conversation per cycle so one busy conversation cannot stall eviction for
// all others.
func (h *Hub) reapCycle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("reaper cycle panic", "panic", r)
		}
	}()

	// Conversation snapshot under the global lock; on timeout, skip this
	// cycle entirely and retry next interval.
	if err := h.global.acquire(ctx, h.cfg.LockAcquireTimeout); err != nil {
		h.counters.timeout(TimeoutCleanup)
		h.logger.Warn("reaper skipping cycle: global lock timeout")
		return
	}
	h.mapMu.RLock()
	convIDs := make([]string, 0, len(h.conversations))
	for id := range h.conversations {
		convIDs = append(convIDs, id)
	}
	h.mapMu.RUnlock()
	h.global.release()

	for _, convID := range convIDs {
		select {
		case <-ctx.Done():
			return
		default:
		}
		h.reapConversation(ctx, convID)
	}
}

func (h *Hub) reapConversation(ctx context.Context, convID string) {
	// On timeout, skip this conversation this cycle: one contended
	// conversation must not stall eviction for the rest.
	lock := h.convLocks.forKey(convID)
	if err := lock.acquire(ctx, h.cfg.LockAcquireTimeout); err != nil {
		h.counters.timeout(TimeoutCleanup)
		h.logger.Warn("reaper skipping conversation: lock timeout", "conversation", convID)
		return
	}

	var stale []string
	h.mapMu.RLock()
	// The conversation may have emptied and been removed concurrently; a nil
	// map just yields no work.
	examined := 0
	for id, c := range h.conversations[convID] {
		if examined >= h.cfg.CleanupBatchSize {
			break
		}
		examined++
		// Priority connections represent continuously-streaming sessions
		// where silence does not imply staleness.
		if c.Class == ClassPriority {
			continue
		}
		if c.IdleFor() > h.cfg.ConnectionTimeout {
			stale = append(stale, id)
		}
	}
	h.mapMu.RUnlock()
	lock.release()

	// Conversation locks are non-reentrant: evict through the normal
	// disconnect path after releasing.
	for _, id := range stale {
		if err := h.Disconnect(ctx, convID, id, "idle timeout"); err != nil {
			h.counters.timeout(TimeoutCleanup)
		}
	}
	if len(stale) > 0 {
		h.logger.Info("reaped stale connections",
			"conversation", convID,
			"count", len(stale),
		)
	}
}
