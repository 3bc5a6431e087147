package relay

import (
	"time"

	"github.com/machinefabric/mcpchannel-go/worker"
)

const (
	// DefaultRequestTimeout bounds processMessage and the optional handshake wait
	DefaultRequestTimeout = 30 * time.Second
	// DefaultPingTimeout bounds testConnection and getCapabilities round-trips
	DefaultPingTimeout = 2 * time.Second
)

// Config configures a Relay
type Config struct {
	Worker worker.Config

	// RequestTimeout <= 0 disables the per-request deadline
	RequestTimeout time.Duration
	PingTimeout    time.Duration

	// AwaitHandshake makes Initialize wait for the worker's initialize response
	AwaitHandshake bool

	// ValidateMessages checks incoming messages against the JSON Schema contract
	ValidateMessages bool

	// DefaultCapabilities is reported when the worker does not answer getCapabilities
	DefaultCapabilities map[string]any
}

// DefaultConfig returns the default relay configuration without a worker path
func DefaultConfig() Config {
	return Config{
		RequestTimeout:      DefaultRequestTimeout,
		PingTimeout:         DefaultPingTimeout,
		ValidateMessages:    true,
		DefaultCapabilities: DefaultCapabilities(),
	}
}

// DefaultCapabilities returns the built-in capability map of the filesystem bridge
func DefaultCapabilities() map[string]any {
	return map[string]any{
		"filesystem": map[string]any{
			"tools":            []any{"read_file", "write_file", "list_directory"},
			"resources":        []any{"files"},
			"supportsProgress": true,
			"supportsCancel":   false,
		},
	}
}
