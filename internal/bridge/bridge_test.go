package bridge

import (
	"context"
	"testing"
	"time"

	"github.com/quietmesh/pushbridge/internal/config"
	"github.com/quietmesh/pushbridge/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestNewBridge verifies construction from a default configuration
func TestNewBridge(t *testing.T) {
	b, err := New(config.DefaultConfig())
	require.NoError(t, err)
	require.NotNil(t, b)

	stats := b.Stats()
	assert.Equal(t, 0, stats.Subscribers)
	assert.Empty(t, stats.Relays)
}

// TestNewBridgeRejectsInvalidConfig verifies construction fails on a config
// that cannot run correctly
func TestNewBridgeRejectsInvalidConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Router.DedupRetentionSeconds = 1

	_, err := New(cfg)
	assert.Error(t, err)
}

// TestBridgeLifecycle verifies start and ordered shutdown complete cleanly
func TestBridgeLifecycle(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Server.Addr = "127.0.0.1:0"
	cfg.Metrics.Enabled = false

	b, err := New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- b.Start(ctx)
	}()

	// Registration while running reaches the registry immediately.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, b.Registry().Subscribe("alice",
		registry.PushEndpoint{Endpoint: "https://push.example/alice"},
		[]string{"chan-1"}, []string{"wss://relay.example"}))
	assert.Equal(t, 1, b.Stats().Subscribers)
	assert.Contains(t, b.Stats().Relays, "wss://relay.example",
		"A newly referenced relay should get a link")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("bridge did not stop after cancellation")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	assert.NoError(t, b.Shutdown(shutdownCtx))
}
