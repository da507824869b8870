package config

import "time"

// RelayConfig is the root configuration for a relay instance.
type RelayConfig struct {
	Instance InstanceConfig `yaml:"instance"`
	Server   ServerConfig   `yaml:"server"`
	Hub      HubConfig      `yaml:"hub"`
}

// InstanceConfig identifies this relay.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Addr              string        `yaml:"addr"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// HubConfig holds the connection hub settings: admission limits, timeouts,
// stale-connection cleanup, and send-retry behavior.
type HubConfig struct {
	MaxTotalConnections           int     `yaml:"max_total_connections"`
	MaxConnectionsPerConversation int     `yaml:"max_connections_per_conversation"`
	PriorityHeadroom              float64 `yaml:"priority_headroom"`

	// PriorityMarkers classify a connection as priority class when its
	// identifier contains any of these substrings.
	PriorityMarkers []string `yaml:"priority_markers"`

	HandshakeTimeout   time.Duration `yaml:"handshake_timeout"`
	ConnectionTimeout  time.Duration `yaml:"connection_timeout"`
	MessageTimeout     time.Duration `yaml:"message_timeout"`
	LockAcquireTimeout time.Duration `yaml:"lock_acquire_timeout"`

	LockShards       int           `yaml:"lock_shards"`
	CleanupInterval  time.Duration `yaml:"cleanup_interval"`
	CleanupBatchSize int           `yaml:"cleanup_batch_size"`

	SendRetryInitialDelay time.Duration `yaml:"send_retry_initial_delay"`
	SendRetryMaxDelay     time.Duration `yaml:"send_retry_max_delay"`
	SendRetryMax          int           `yaml:"send_retry_max"`
}
