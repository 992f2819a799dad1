package bridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/quietmesh/pushbridge/internal/api"
	"github.com/quietmesh/pushbridge/internal/config"
	"github.com/quietmesh/pushbridge/internal/events"
	"github.com/quietmesh/pushbridge/internal/push"
	"github.com/quietmesh/pushbridge/internal/registry"
	"github.com/quietmesh/pushbridge/internal/relay"
	"github.com/quietmesh/pushbridge/internal/telemetry"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Bridge is the main coordinator: it owns the subscriber registry, the relay
// link set, the event router with its dedup table, the push dispatcher, and
// the HTTP surface, and wires the registry's change notifications into
// filter recomputation on the affected relay links.
type Bridge struct {
	config     *config.Config
	registry   *registry.Registry
	dedup      *events.DedupTable
	router     *events.Router
	dispatcher *push.Dispatcher
	manager    *relay.Manager
	api        *api.API
	logger     zerolog.Logger

	mu          sync.RWMutex
	runCtx      context.Context
	telemetryFn func(context.Context) error
}

// Stats is the read-only health snapshot.
type Stats struct {
	Subscribers int
	Relays      map[string]relay.State
}

// New creates a bridge with all components initialized from the config.
func New(cfg *config.Config) (*Bridge, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger := log.With().Str("component", "bridge").Logger()

	reg := registry.NewRegistry()

	dedup, err := events.NewDedupTable(
		cfg.Router.DedupCapacity,
		time.Duration(cfg.Router.DedupRetentionSeconds)*time.Second,
		time.Duration(cfg.Router.SweepIntervalSeconds)*time.Second,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize dedup table: %w", err)
	}

	dispatcher := push.NewDispatcher(push.Config{
		VAPIDPublicKey:  cfg.Push.VAPIDPublicKey,
		VAPIDPrivateKey: cfg.Push.VAPIDPrivateKey,
		Subject:         cfg.Push.Subject,
		TTL:             cfg.Push.TTLSeconds,
		Timeout:         time.Duration(cfg.Push.TimeoutSeconds) * time.Second,
	}, reg)

	router := events.NewRouter(reg, dedup, dispatcher)

	b := &Bridge{
		config:     cfg,
		registry:   reg,
		dedup:      dedup,
		router:     router,
		dispatcher: dispatcher,
		logger:     logger,
	}

	linkConfig := relay.Config{
		ConnectTimeout: time.Duration(cfg.Relays.ConnectTimeoutSeconds) * time.Second,
		WriteTimeout:   time.Duration(cfg.Relays.WriteTimeoutSeconds) * time.Second,
		ReconnectDelay: time.Duration(cfg.Relays.ReconnectDelaySeconds) * time.Second,
		MaxFrameBytes:  cfg.Relays.MaxFrameBytes,
	}

	// A link asks for its filter on every (re)connect; compute it from a
	// fresh registry snapshot each time.
	source := func(relayURL string) nostr.Filters {
		return relay.AggregateFilter(reg.InterestFor(relayURL), time.Now())
	}
	sink := func(ev *nostr.Event, relayURL string) {
		router.Route(b.runContext(), ev, relayURL)
	}
	b.manager = relay.NewManager(linkConfig, source, sink)

	// Registry mutations trigger filter recomputation on every affected
	// relay, and create links for relays referenced for the first time.
	reg.OnChange(func(relayURLs []string) {
		b.manager.Sync(relayURLs)
		b.manager.Refresh(relayURLs)
	})

	b.api = api.NewAPI(api.Config{
		Addr:           cfg.Server.Addr,
		ReadTimeout:    time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout:   time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:    time.Duration(cfg.Server.IdleTimeout) * time.Second,
		MetricsEnabled: cfg.Metrics.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
	}, reg, b.manager)

	return b, nil
}

// Registry exposes the subscriber registry, mainly for embedding callers.
func (b *Bridge) Registry() *registry.Registry {
	return b.registry
}

// Start runs all components until the context is canceled.
func (b *Bridge) Start(ctx context.Context) error {
	b.logger.Info().
		Strs("relays", b.config.Relays.URLs).
		Str("addr", b.config.Server.Addr).
		Msg("Starting push bridge")

	telemetryShutdown, err := telemetry.Setup(ctx, telemetry.Config{
		Enabled:       b.config.Telemetry.Enabled,
		ServiceName:   b.config.Telemetry.ServiceName,
		Endpoint:      b.config.Telemetry.Endpoint,
		SamplingRatio: b.config.Telemetry.SamplingRatio,
		Timeout:       5 * time.Second,
	})
	if err != nil {
		b.logger.Warn().Err(err).Msg("Failed to set up telemetry, continuing without it")
	} else {
		b.mu.Lock()
		b.telemetryFn = telemetryShutdown
		b.mu.Unlock()
	}

	g, ctx := errgroup.WithContext(ctx)

	b.mu.Lock()
	b.runCtx = ctx
	b.mu.Unlock()

	// Seed links for the statically configured relays; links for relays
	// referenced later by subscribers are created on demand.
	b.manager.Start(ctx)
	b.manager.Sync(b.config.Relays.URLs)

	g.Go(func() error {
		return b.dedup.Run(ctx)
	})

	g.Go(func() error {
		return b.api.Start(ctx)
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		return fmt.Errorf("error running bridge: %w", err)
	}

	b.logger.Info().Msg("Push bridge shut down")
	return nil
}

// Shutdown stops the bridge: the API first so no new subscriptions arrive,
// then the relay links. In-flight push deliveries finish on their own
// timeout.
func (b *Bridge) Shutdown(ctx context.Context) error {
	b.logger.Info().Msg("Shutting down push bridge")

	if err := b.api.Shutdown(ctx); err != nil {
		b.logger.Error().Err(err).Msg("Failed to shut down API")
	}

	if err := b.manager.Shutdown(ctx); err != nil {
		b.logger.Error().Err(err).Msg("Failed to shut down relay links")
	}

	b.mu.RLock()
	telemetryFn := b.telemetryFn
	b.mu.RUnlock()
	if telemetryFn != nil {
		if err := telemetryFn(ctx); err != nil {
			b.logger.Error().Err(err).Msg("Failed to shut down telemetry")
		}
	}

	return nil
}

// Stats returns the current health snapshot.
func (b *Bridge) Stats() Stats {
	return Stats{
		Subscribers: b.registry.Count(),
		Relays:      b.manager.States(),
	}
}

func (b *Bridge) runContext() context.Context {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.runCtx != nil {
		return b.runCtx
	}
	return context.Background()
}
