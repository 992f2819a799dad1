package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/quietmesh/pushbridge/internal/api/errors"
	"github.com/quietmesh/pushbridge/internal/api/models"
	"github.com/quietmesh/pushbridge/internal/api/response"
	"github.com/quietmesh/pushbridge/internal/api/validation"
	"github.com/quietmesh/pushbridge/internal/logging"
	"github.com/quietmesh/pushbridge/internal/registry"
	"github.com/quietmesh/pushbridge/internal/relay"
	"github.com/quietmesh/pushbridge/internal/telemetry"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// SubscriberRegistry is the registry surface the API needs.
type SubscriberRegistry interface {
	Subscribe(id string, endpoint registry.PushEndpoint, channelIDs, relayURLs []string) error
	Unsubscribe(id string)
	Count() int
}

// RelayStates exposes the per-relay connection state snapshot.
type RelayStates interface {
	States() map[string]relay.State
}

// Config contains API configuration
type Config struct {
	// Server address
	Addr string

	// Timeouts
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// Whether to expose /metrics
	MetricsEnabled bool

	// Telemetry service name for the tracing middleware
	ServiceName string
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		Addr:           ":8080",
		ReadTimeout:    5 * time.Second,
		WriteTimeout:   10 * time.Second,
		IdleTimeout:    120 * time.Second,
		MetricsEnabled: true,
		ServiceName:    "pushbridge",
	}
}

// API handles the subscribe/unsubscribe and health/stats HTTP surface. It is
// a thin layer deserializing requests into calls on the registry.
type API struct {
	config   Config
	router   *chi.Mux
	server   *http.Server
	registry SubscriberRegistry
	relays   RelayStates
	logger   zerolog.Logger
}

// NewAPI creates a new API instance
func NewAPI(config Config, reg SubscriberRegistry, relays RelayStates) *API {
	logger := log.With().Str("component", "api").Logger()

	if config.Addr == "" {
		config.Addr = DefaultConfig().Addr
	}
	if config.ReadTimeout == 0 {
		config.ReadTimeout = DefaultConfig().ReadTimeout
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = DefaultConfig().WriteTimeout
	}
	if config.IdleTimeout == 0 {
		config.IdleTimeout = DefaultConfig().IdleTimeout
	}
	if config.ServiceName == "" {
		config.ServiceName = DefaultConfig().ServiceName
	}

	return &API{
		config:   config,
		registry: reg,
		relays:   relays,
		logger:   logger,
	}
}

// Handler builds the route tree with the full middleware stack.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(telemetry.HTTPMiddleware(a.config.ServiceName))
	r.Use(logging.HTTPMiddleware())
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	a.registerRoutes(r)
	a.router = r
	return r
}

// Start initializes and runs the API server
func (a *API) Start(ctx context.Context) error {
	a.logger.Info().Str("addr", a.config.Addr).Msg("Starting API server")

	server := &http.Server{
		Addr:         a.config.Addr,
		Handler:      a.Handler(),
		ReadTimeout:  a.config.ReadTimeout,
		WriteTimeout: a.config.WriteTimeout,
		IdleTimeout:  a.config.IdleTimeout,
	}
	a.server = server

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error().Err(err).Msg("API server error")
		}
	}()

	a.logger.Info().Str("addr", a.config.Addr).Msg("API server started")

	<-ctx.Done()
	return nil
}

// registerRoutes sets up all API endpoints
func (a *API) registerRoutes(r chi.Router) {
	// Health checks
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Metrics endpoint
	if a.config.MetricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	// Subscription endpoints
	r.Route("/subscriptions", func(r chi.Router) {
		r.Post("/", a.handleSubscribe)
		r.Delete("/{id}", a.handleUnsubscribe)
	})

	// Health/stats snapshot
	r.Get("/stats", a.handleStats)
}

// handleSubscribe registers or replaces a push subscriber
func (a *API) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var req models.SubscribeRequest
	if err := validation.ParseAndValidate(r, &req); err != nil {
		a.logger.Debug().Err(err).Msg("Invalid subscribe request")
		response.Error(w, r, err)
		return
	}

	if err := a.registry.Subscribe(req.SubscriberID, req.Endpoint, req.ChannelIDs, req.RelayURLs); err != nil {
		if registry.IsInvalidRequest(err) {
			response.Error(w, r, errors.ValidationError("invalid_subscription", err.Error()))
			return
		}
		a.logger.Error().Err(err).Msg("Failed to register subscriber")
		response.Error(w, r, errors.InternalError("subscribe_failed", "Failed to register subscriber"))
		return
	}

	response.JSON(w, r, http.StatusOK, models.SubscribeResponse{SubscriberID: req.SubscriberID})
}

// handleUnsubscribe removes a registration; removing an unknown subscriber
// succeeds.
func (a *API) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		response.Error(w, r, errors.ValidationError("missing_subscriber_id", "Subscriber id is required"))
		return
	}

	a.registry.Unsubscribe(id)
	response.JSON(w, r, http.StatusOK, models.SubscribeResponse{SubscriberID: id})
}

// handleStats returns the read-only health/stats snapshot
func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	states := a.relays.States()
	relays := make(map[string]string, len(states))
	for url, state := range states {
		relays[url] = state.String()
	}

	response.JSON(w, r, http.StatusOK, models.StatsResponse{
		Subscribers: a.registry.Count(),
		Relays:      relays,
	})
}

// Shutdown gracefully stops the API server
func (a *API) Shutdown(ctx context.Context) error {
	a.logger.Info().Msg("Shutting down API server")
	if a.server == nil {
		return nil
	}
	return a.server.Shutdown(ctx)
}
