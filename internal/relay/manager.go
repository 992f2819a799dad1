package relay

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Manager owns the set of relay links. A link is created the first time any
// subscriber references its URL and lives until administrative shutdown; an
// empty interest set only downgrades its filter to a no-op match, it never
// tears the link down.
type Manager struct {
	config Config
	source FilterSource
	sink   EventSink
	logger zerolog.Logger

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	links  map[string]*Link
	wg     sync.WaitGroup
}

// NewManager creates a relay link manager.
func NewManager(config Config, source FilterSource, sink EventSink) *Manager {
	return &Manager{
		config: config,
		source: source,
		sink:   sink,
		logger: log.With().Str("component", "relay-manager").Logger(),
		links:  make(map[string]*Link),
	}
}

// Start binds the manager to a context; links created by Sync run under it.
// Must be called before Sync.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ctx, m.cancel = context.WithCancel(ctx)
}

// Sync ensures a running link exists for every URL. Existing links are left
// alone; URLs no longer referenced by any subscriber keep their link, since
// a subscriber may reappear.
func (m *Manager) Sync(urls []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ctx == nil || m.ctx.Err() != nil {
		return
	}

	for _, url := range urls {
		if _, ok := m.links[url]; ok {
			continue
		}
		link := NewLink(url, m.config, m.source, m.sink)
		m.links[url] = link
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			link.Run(m.ctx)
		}()
		m.logger.Info().Str("relay", url).Msg("Relay link started")
	}
}

// Refresh re-issues the current aggregate filter on the given relays.
// Disconnected links are skipped; they re-subscribe on reconnect anyway.
func (m *Manager) Refresh(urls []string) {
	m.mu.Lock()
	targets := make([]*Link, 0, len(urls))
	for _, url := range urls {
		if link, ok := m.links[url]; ok {
			targets = append(targets, link)
		}
	}
	m.mu.Unlock()

	for _, link := range targets {
		if err := link.Resubscribe(); err != nil {
			// The link closes its connection on send failure and the
			// reconnect path re-sends the filter.
			m.logger.Warn().Err(err).Str("relay", link.URL()).Msg("Failed to refresh subscription")
		}
	}
}

// States returns a snapshot of connection state per relay URL.
func (m *Manager) States() map[string]State {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]State, len(m.links))
	for url, link := range m.links {
		out[url] = link.State()
	}
	return out
}

// Shutdown stops every link and waits for their goroutines to exit.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info().Msg("All relay links stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
