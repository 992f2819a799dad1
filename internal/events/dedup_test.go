package events

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestMarkOnce verifies the first mark wins and repeats are suppressed
func TestMarkOnce(t *testing.T) {
	table, err := NewDedupTable(100, time.Minute, time.Minute)
	require.NoError(t, err)

	assert.True(t, table.MarkOnce("ev-1", "alice", "wss://relay.one"))
	assert.False(t, table.MarkOnce("ev-1", "alice", "wss://relay.two"),
		"Same pair from another relay should be suppressed")

	// Different subscriber and different event are independent pairs.
	assert.True(t, table.MarkOnce("ev-1", "bob", "wss://relay.one"))
	assert.True(t, table.MarkOnce("ev-2", "alice", "wss://relay.one"))

	assert.True(t, table.Seen("ev-1", "alice"))
	assert.False(t, table.Seen("ev-3", "alice"))
}

// TestMarkOnceExpiry verifies an entry stops suppressing after the retention
// window passes
func TestMarkOnceExpiry(t *testing.T) {
	table, err := NewDedupTable(100, 20*time.Millisecond, time.Minute)
	require.NoError(t, err)

	assert.True(t, table.MarkOnce("ev-1", "alice", "wss://relay.one"))
	time.Sleep(30 * time.Millisecond)

	assert.False(t, table.Seen("ev-1", "alice"), "Expired entry should not count as seen")
	assert.True(t, table.MarkOnce("ev-1", "alice", "wss://relay.two"),
		"A pair past its retention window may be marked again")
}

// TestMarkOnceConcurrent verifies exactly one of many concurrent marks for
// the same pair succeeds
func TestMarkOnceConcurrent(t *testing.T) {
	table, err := NewDedupTable(1000, time.Minute, time.Minute)
	require.NoError(t, err)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if table.MarkOnce("ev-1", "alice", fmt.Sprintf("wss://relay-%d", i)) {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load(), "Exactly one concurrent mark should win")
}

// TestSweep verifies expired entries are removed and live ones kept
func TestSweep(t *testing.T) {
	table, err := NewDedupTable(100, 20*time.Millisecond, time.Minute)
	require.NoError(t, err)

	table.MarkOnce("ev-old", "alice", "wss://relay.one")
	time.Sleep(30 * time.Millisecond)
	table.MarkOnce("ev-new", "alice", "wss://relay.one")

	removed := table.Sweep()
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, table.Len())
	assert.True(t, table.Seen("ev-new", "alice"))
}

// TestBoundedCapacity verifies the table never grows past its capacity
func TestBoundedCapacity(t *testing.T) {
	table, err := NewDedupTable(128, time.Minute, time.Minute)
	require.NoError(t, err)

	for i := 0; i < 1000; i++ {
		table.MarkOnce(fmt.Sprintf("ev-%d", i), "alice", "wss://relay.one")
	}
	assert.LessOrEqual(t, table.Len(), 128)
}

// TestRunStopsOnCancel verifies the sweeper loop exits with the context
func TestRunStopsOnCancel(t *testing.T) {
	table, err := NewDedupTable(100, time.Minute, 5*time.Millisecond)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- table.Run(ctx)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop after cancellation")
	}
}
