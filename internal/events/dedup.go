package events

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/quietmesh/pushbridge/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DedupTable records which (event, subscriber) pairs have already produced a
// notification. The LRU bounds memory; the retention window decides when an
// entry stops counting as a duplicate. The window must exceed the maximum
// expected cross-relay propagation delay.
type DedupTable struct {
	mu        sync.Mutex
	cache     *lru.TwoQueueCache
	retention time.Duration
	sweep     time.Duration
	logger    zerolog.Logger
	metrics   *metrics.Metrics
}

// dedupRecord notes where and when the first delivery of a pair was observed.
type dedupRecord struct {
	relayURL   string
	observedAt time.Time
}

// NewDedupTable creates a dedup table with the given capacity, retention
// window, and sweep interval.
func NewDedupTable(capacity int, retention, sweepInterval time.Duration) (*DedupTable, error) {
	cache, err := lru.New2Q(capacity)
	if err != nil {
		return nil, err
	}
	return &DedupTable{
		cache:     cache,
		retention: retention,
		sweep:     sweepInterval,
		logger:    log.With().Str("component", "dedup").Logger(),
		metrics:   metrics.GetMetrics(),
	}, nil
}

// MarkOnce atomically checks and records a (event, subscriber) pair. It
// returns true exactly once per pair within the retention window, no matter
// how many relays deliver the event concurrently.
func (d *DedupTable) MarkOnce(eventID, subscriberID, relayURL string) bool {
	key := eventID + "\x00" + subscriberID
	now := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	if value, ok := d.cache.Get(key); ok {
		rec := value.(dedupRecord)
		if now.Sub(rec.observedAt) <= d.retention {
			return false
		}
	}
	d.cache.Add(key, dedupRecord{relayURL: relayURL, observedAt: now})
	d.metrics.RouterDedupEntries.Set(float64(d.cache.Len()))
	return true
}

// Seen reports whether a pair is currently recorded. Read-only; used by
// tests and diagnostics.
func (d *DedupTable) Seen(eventID, subscriberID string) bool {
	key := eventID + "\x00" + subscriberID
	d.mu.Lock()
	defer d.mu.Unlock()

	value, ok := d.cache.Peek(key)
	if !ok {
		return false
	}
	return time.Since(value.(dedupRecord).observedAt) <= d.retention
}

// Len returns the number of stored entries, expired ones included until the
// next sweep.
func (d *DedupTable) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cache.Len()
}

// Sweep removes entries older than the retention window and returns how many
// were removed.
func (d *DedupTable) Sweep() int {
	now := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	removed := 0
	for _, key := range d.cache.Keys() {
		value, ok := d.cache.Peek(key)
		if !ok {
			continue
		}
		if now.Sub(value.(dedupRecord).observedAt) > d.retention {
			d.cache.Remove(key)
			removed++
		}
	}
	d.metrics.RouterDedupEntries.Set(float64(d.cache.Len()))
	return removed
}

// Run sweeps periodically until the context is canceled.
func (d *DedupTable) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.sweep)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if removed := d.Sweep(); removed > 0 {
				d.logger.Debug().Int("removed", removed).Msg("Pruned expired dedup entries")
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
