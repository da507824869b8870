package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultAddr               = ":8080"
	DefaultReadHeaderTimeout  = 5 * time.Second
	DefaultShutdownTimeout    = 10 * time.Second
	DefaultMaxTotal           = 1000
	DefaultMaxPerConversation = 10
	DefaultPriorityHeadroom   = 1.05
	DefaultHandshakeTimeout   = 10 * time.Second
	DefaultConnectionTimeout  = 1 * time.Hour
	DefaultMessageTimeout     = 5 * time.Second
	DefaultLockAcquireTimeout = 10 * time.Second
	DefaultLockShards         = 64
	DefaultCleanupInterval    = 10 * time.Second
	DefaultCleanupBatchSize   = 20
	DefaultSendRetryInitial   = 100 * time.Millisecond
	DefaultSendRetryMaxDelay  = 60 * time.Second
	DefaultSendRetryMax       = 5
)

// DefaultPriorityMarkers classify latency-sensitive connections.
var DefaultPriorityMarkers = []string{"streaming_stt", "realtime_voice"}

// ApplyDefaults fills in zero-valued optional fields.
func (c *RelayConfig) ApplyDefaults() {
	// Server defaults
	if c.Server.Addr == "" {
		c.Server.Addr = DefaultAddr
	}
	if c.Server.ReadHeaderTimeout == 0 {
		c.Server.ReadHeaderTimeout = DefaultReadHeaderTimeout
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = DefaultShutdownTimeout
	}

	c.Hub.ApplyDefaults()
}

// ApplyDefaults fills in zero-valued optional hub fields. Exported separately
// so the hub constructor can normalize configs built in code.
func (h *HubConfig) ApplyDefaults() {
	if h.MaxTotalConnections == 0 {
		h.MaxTotalConnections = DefaultMaxTotal
	}
	if h.MaxConnectionsPerConversation == 0 {
		h.MaxConnectionsPerConversation = DefaultMaxPerConversation
	}
	if h.PriorityHeadroom == 0 {
		h.PriorityHeadroom = DefaultPriorityHeadroom
	}
	if len(h.PriorityMarkers) == 0 {
		h.PriorityMarkers = DefaultPriorityMarkers
	}
	if h.HandshakeTimeout == 0 {
		h.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if h.ConnectionTimeout == 0 {
		h.ConnectionTimeout = DefaultConnectionTimeout
	}
	if h.MessageTimeout == 0 {
		h.MessageTimeout = DefaultMessageTimeout
	}
	if h.LockAcquireTimeout == 0 {
		h.LockAcquireTimeout = DefaultLockAcquireTimeout
	}
	if h.LockShards == 0 {
		h.LockShards = DefaultLockShards
	}
	if h.CleanupInterval == 0 {
		h.CleanupInterval = DefaultCleanupInterval
	}
	if h.CleanupBatchSize == 0 {
		h.CleanupBatchSize = DefaultCleanupBatchSize
	}
	if h.SendRetryInitialDelay == 0 {
		h.SendRetryInitialDelay = DefaultSendRetryInitial
	}
	if h.SendRetryMaxDelay == 0 {
		h.SendRetryMaxDelay = DefaultSendRetryMaxDelay
	}
	if h.SendRetryMax == 0 {
		h.SendRetryMax = DefaultSendRetryMax
	}
}
