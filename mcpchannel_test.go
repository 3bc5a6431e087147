package mcpchannel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The flat re-exports are enough to build and drive a channel
func TestReexportsBuildAChannel(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Worker = WorkerConfig{Path: "mcpchannel-no-such-worker", Limits: DefaultLimits()}

	r, err := NewRelay(cfg)
	require.NoError(t, err)
	ch := NewChannel(r)
	assert.Contains(t, ch.Methods(), "processMessage")

	_, err = ch.Invoke(context.Background(), "testConnection", map[string]any{})
	code, message, _ := Describe(err)
	assert.Equal(t, "NOT_INITIALIZED", code)
	assert.Equal(t, "MCP not initialized", message)

	_, err = ch.Invoke(context.Background(), "initialize", map[string]any{})
	code, _, _ = Describe(err)
	assert.Equal(t, "INITIALIZATION_FAILED", code)

	status, err := r.Dispose(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &Status{Success: true, Message: "MCP disposed"}, status)
}
