package relay

import (
	"context"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/quietmesh/pushbridge/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestManagerSyncCreatesLinks verifies links exist exactly for the synced URLs
// and repeat syncs are idempotent
func TestManagerSyncCreatesLinks(t *testing.T) {
	relayA := newFakeRelay(t)
	relayB := newFakeRelay(t)

	m := NewManager(testLinkConfig(), staticSource(registry.Interest{}), func(*nostr.Event, string) {})
	m.Start(context.Background())

	m.Sync([]string{relayA.url(), relayB.url()})
	m.Sync([]string{relayA.url()})

	states := m.States()
	require.Len(t, states, 2)
	assert.Contains(t, states, relayA.url())
	assert.Contains(t, states, relayB.url())

	// Both links come up and send their filter.
	label, _, _ := relayA.next(t)
	assert.Equal(t, "REQ", label)
	label, _, _ = relayB.next(t)
	assert.Equal(t, "REQ", label)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(shutdownCtx))
}

// TestManagerKeepsUnreferencedLinks verifies syncing a smaller set never
// tears existing links down
func TestManagerKeepsUnreferencedLinks(t *testing.T) {
	relayA := newFakeRelay(t)

	m := NewManager(testLinkConfig(), staticSource(registry.Interest{}), func(*nostr.Event, string) {})
	m.Start(context.Background())

	m.Sync([]string{relayA.url()})
	relayA.next(t)

	m.Sync(nil)
	assert.Len(t, m.States(), 1, "An empty sync must not remove links")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(shutdownCtx))
}

// TestManagerRefresh verifies a refresh re-issues the filter on connected
// links only
func TestManagerRefresh(t *testing.T) {
	relayA := newFakeRelay(t)

	m := NewManager(testLinkConfig(), staticSource(registry.Interest{Channels: []string{"chan-1"}}), func(*nostr.Event, string) {})
	m.Start(context.Background())

	m.Sync([]string{relayA.url()})
	label, firstID, _ := relayA.next(t)
	require.Equal(t, "REQ", label)

	m.Refresh([]string{relayA.url(), "wss://never.synced"})

	label, closedID, _ := relayA.next(t)
	assert.Equal(t, "CLOSE", label)
	assert.Equal(t, firstID, closedID)

	label, newID, _ := relayA.next(t)
	assert.Equal(t, "REQ", label)
	assert.NotEqual(t, firstID, newID)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(shutdownCtx))
}

// TestManagerSyncBeforeStart verifies Sync without Start is a safe no-op
func TestManagerSyncBeforeStart(t *testing.T) {
	m := NewManager(testLinkConfig(), staticSource(registry.Interest{}), func(*nostr.Event, string) {})
	m.Sync([]string{"wss://relay.one"})
	assert.Empty(t, m.States())
}
