package push

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/quietmesh/pushbridge/internal/metrics"
	"github.com/quietmesh/pushbridge/internal/registry"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Outcome classifies one delivery attempt.
type Outcome int

const (
	// Delivered means the provider accepted the payload.
	Delivered Outcome = iota

	// PermanentlyInvalid means the provider reported the endpoint gone;
	// the registration has been removed.
	PermanentlyInvalid

	// TransientFailure means the provider was unreachable or rejected the
	// attempt temporarily. The notification is dropped, not retried: a
	// retry combined with multiple relay sources risks double
	// notification, and the client keeps its own in-app delivery path.
	TransientFailure
)

// String returns the outcome label used in logs and metrics.
func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case PermanentlyInvalid:
		return "permanently_invalid"
	default:
		return "transient_failure"
	}
}

// Notification is the payload handed to the delivery provider.
type Notification struct {
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Tag   string            `json:"tag,omitempty"`
	Data  map[string]string `json:"data,omitempty"`
}

// EndpointRemover is the registry surface the dispatcher needs to clean up
// dead registrations.
type EndpointRemover interface {
	RemoveOnPermanentFailure(subscriberID string)
}

// Config contains push delivery settings.
type Config struct {
	// VAPID keypair identifying this bridge to push services
	VAPIDPublicKey  string
	VAPIDPrivateKey string

	// Contact address sent as the VAPID subject
	Subject string

	// Provider-side retention for undelivered notifications, in seconds
	TTL int

	// Bound on one delivery call
	Timeout time.Duration
}

// DefaultConfig returns default push delivery settings. The VAPID keys have
// no default; they come from configuration.
func DefaultConfig() Config {
	return Config{
		TTL:     24 * 60 * 60,
		Timeout: 10 * time.Second,
	}
}

// Dispatcher delivers notification payloads via the Web Push provider.
// Delivery is best effort: one attempt per notification, bounded by the
// configured timeout.
type Dispatcher struct {
	config  Config
	remover EndpointRemover
	client  *http.Client
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// NewDispatcher creates a push dispatcher.
func NewDispatcher(config Config, remover EndpointRemover) *Dispatcher {
	if config.Timeout == 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	if config.TTL == 0 {
		config.TTL = DefaultConfig().TTL
	}
	return &Dispatcher{
		config:  config,
		remover: remover,
		client:  &http.Client{Timeout: config.Timeout},
		logger:  log.With().Str("component", "push").Logger(),
		metrics: metrics.GetMetrics(),
	}
}

// Deliver sends one notification to one subscriber's endpoint and reports
// the outcome. Permanent endpoint failures are reported to the registry;
// transient ones are logged and dropped.
func (d *Dispatcher) Deliver(ctx context.Context, sub registry.Subscriber, n Notification) Outcome {
	payload, err := json.Marshal(n)
	if err != nil {
		d.logger.Error().Err(err).Str("subscriber_id", sub.ID).Msg("Failed to encode notification payload")
		return d.record(TransientFailure)
	}

	target := &webpush.Subscription{
		Endpoint: sub.Endpoint.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.Endpoint.Keys.P256dh,
			Auth:   sub.Endpoint.Keys.Auth,
		},
	}

	callCtx, cancel := context.WithTimeout(ctx, d.config.Timeout)
	defer cancel()

	start := time.Now()
	resp, err := webpush.SendNotificationWithContext(callCtx, payload, target, &webpush.Options{
		HTTPClient:      d.client,
		Subscriber:      d.config.Subject,
		TTL:             d.config.TTL,
		VAPIDPublicKey:  d.config.VAPIDPublicKey,
		VAPIDPrivateKey: d.config.VAPIDPrivateKey,
	})
	d.metrics.PushDeliveryDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		// Timeouts land here too; treated identically to any other
		// transport error.
		d.logger.Warn().Err(err).Str("subscriber_id", sub.ID).Msg("Push delivery failed")
		return d.record(TransientFailure)
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		d.logger.Warn().
			Str("subscriber_id", sub.ID).
			Int("status", resp.StatusCode).
			Msg("Push endpoint gone, removing registration")
		d.remover.RemoveOnPermanentFailure(sub.ID)
		return d.record(PermanentlyInvalid)

	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		d.logger.Debug().Str("subscriber_id", sub.ID).Int("status", resp.StatusCode).Msg("Notification delivered")
		return d.record(Delivered)

	default:
		d.logger.Warn().
			Str("subscriber_id", sub.ID).
			Int("status", resp.StatusCode).
			Msg("Push provider rejected delivery, dropping notification")
		return d.record(TransientFailure)
	}
}

func (d *Dispatcher) record(outcome Outcome) Outcome {
	d.metrics.PushDeliveriesTotal.WithLabelValues(outcome.String()).Inc()
	return outcome
}
