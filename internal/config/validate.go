package config

import (
	"errors"
	"fmt"
)

// Validate checks that all required fields are set and values are valid.
func (c *RelayConfig) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}

	if c.Server.Addr == "" {
		return errors.New("server.addr is required")
	}

	if c.Hub.MaxTotalConnections < 1 {
		return errors.New("hub.max_total_connections must be >= 1")
	}
	if c.Hub.MaxConnectionsPerConversation < 1 {
		return errors.New("hub.max_connections_per_conversation must be >= 1")
	}
	if c.Hub.MaxConnectionsPerConversation > c.Hub.MaxTotalConnections {
		return fmt.Errorf("hub.max_connections_per_conversation (%d) cannot exceed hub.max_total_connections (%d)",
			c.Hub.MaxConnectionsPerConversation, c.Hub.MaxTotalConnections)
	}
	if c.Hub.PriorityHeadroom < 1.0 {
		return fmt.Errorf("hub.priority_headroom must be >= 1.0, got %g", c.Hub.PriorityHeadroom)
	}
	if c.Hub.HandshakeTimeout <= 0 {
		return errors.New("hub.handshake_timeout must be positive")
	}
	if c.Hub.ConnectionTimeout <= 0 {
		return errors.New("hub.connection_timeout must be positive")
	}
	if c.Hub.MessageTimeout <= 0 {
		return errors.New("hub.message_timeout must be positive")
	}
	if c.Hub.LockAcquireTimeout <= 0 {
		return errors.New("hub.lock_acquire_timeout must be positive")
	}
	if c.Hub.LockShards < 1 {
		return errors.New("hub.lock_shards must be >= 1")
	}
	if c.Hub.CleanupInterval <= 0 {
		return errors.New("hub.cleanup_interval must be positive")
	}
	if c.Hub.CleanupBatchSize < 1 {
		return errors.New("hub.cleanup_batch_size must be >= 1")
	}
	if c.Hub.SendRetryMax < 0 {
		return errors.New("hub.send_retry_max must be >= 0")
	}

	return nil
}
