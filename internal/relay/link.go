package relay

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/nbd-wtf/go-nostr"
	"github.com/quietmesh/pushbridge/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// State is the connection state of a relay link.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

// String returns the state name for logs and the stats endpoint.
func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// EventSink receives every event delivered by a relay, together with the URL
// of the relay it arrived from.
type EventSink func(ev *nostr.Event, relayURL string)

// FilterSource returns the current aggregate filter for a relay. A link asks
// for it on every (re)connect and on every Resubscribe call.
type FilterSource func(relayURL string) nostr.Filters

// Config contains relay link settings.
type Config struct {
	// Timeout for the websocket handshake
	ConnectTimeout time.Duration

	// Deadline applied to each outbound frame
	WriteTimeout time.Duration

	// Fixed delay between reconnect attempts
	ReconnectDelay time.Duration

	// Maximum accepted inbound frame size
	MaxFrameBytes int64
}

// DefaultConfig returns a default link configuration.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout: 10 * time.Second,
		WriteTimeout:   10 * time.Second,
		ReconnectDelay: 5 * time.Second,
		MaxFrameBytes:  1 << 20, // 1MB
	}
}

// Link is one managed connection to one relay. It dials, keeps the aggregate
// subscription established, hands inbound events to the sink, and reconnects
// after a fixed delay for as long as its context lives. Connection-level
// errors are never fatal; malformed frames are dropped without touching the
// connection.
type Link struct {
	url     string
	config  Config
	source  FilterSource
	sink    EventSink
	logger  zerolog.Logger
	metrics *metrics.Metrics

	state atomic.Int32

	mu    sync.Mutex // guards conn and subID
	conn  *websocket.Conn
	subID string
}

// NewLink creates a link for one relay URL. It does not connect; call Run.
func NewLink(url string, config Config, source FilterSource, sink EventSink) *Link {
	return &Link{
		url:     url,
		config:  config,
		source:  source,
		sink:    sink,
		logger:  log.With().Str("component", "relay").Str("relay", url).Logger(),
		metrics: metrics.GetMetrics(),
	}
}

// URL returns the relay address this link is bound to.
func (l *Link) URL() string {
	return l.url
}

// State returns the current connection state.
func (l *Link) State() State {
	return State(l.state.Load())
}

// Run connects and reads until the context is canceled, reconnecting after
// the configured delay on every connection-level error. There is no
// permanent give-up state.
func (l *Link) Run(ctx context.Context) {
	for {
		err := l.session(ctx)
		l.setState(Disconnected)

		if ctx.Err() != nil {
			l.logger.Info().Msg("Relay link closed")
			return
		}
		if err != nil {
			l.logger.Warn().
				Err(err).
				Dur("retry_in", l.config.ReconnectDelay).
				Msg("Relay connection lost, scheduling reconnect")
		}
		l.metrics.RelayReconnectsTotal.WithLabelValues(l.url).Inc()

		select {
		case <-ctx.Done():
			l.logger.Info().Msg("Relay link closed")
			return
		case <-time.After(l.config.ReconnectDelay):
		}
	}
}

// session runs one connection lifetime: dial, subscribe, read until error.
func (l *Link) session(ctx context.Context) error {
	l.setState(Connecting)

	dialer := websocket.Dialer{HandshakeTimeout: l.config.ConnectTimeout}
	dialCtx, cancel := context.WithTimeout(ctx, l.config.ConnectTimeout)
	conn, _, err := dialer.DialContext(dialCtx, l.url, nil)
	cancel()
	if err != nil {
		return err
	}
	conn.SetReadLimit(l.config.MaxFrameBytes)

	l.mu.Lock()
	l.conn = conn
	l.subID = ""
	l.mu.Unlock()
	l.setState(Connected)
	l.logger.Info().Msg("Connected to relay")

	defer func() {
		conn.Close()
		l.mu.Lock()
		l.conn = nil
		l.subID = ""
		l.mu.Unlock()
	}()

	// A fresh connection never assumes relay-side subscription state
	// survived: re-issue the current aggregate filter immediately.
	if err := l.Resubscribe(); err != nil {
		return err
	}

	// Unblock the read loop when the context is canceled.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-watchDone:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		l.handleFrame(data)
	}
}

// handleFrame parses one inbound frame. Malformed frames are logged and
// dropped; they never terminate the connection.
func (l *Link) handleFrame(data []byte) {
	envelope := nostr.ParseMessage(data)
	if envelope == nil {
		l.metrics.RelayProtocolAnomalies.WithLabelValues(l.url).Inc()
		l.logger.Warn().Int("bytes", len(data)).Msg("Dropping malformed relay frame")
		return
	}

	switch env := envelope.(type) {
	case *nostr.EventEnvelope:
		l.metrics.RelayEventsReceived.WithLabelValues(l.url).Inc()
		ev := env.Event
		l.sink(&ev, l.url)

	case *nostr.EOSEEnvelope:
		// End of stored events. The filter's since is always "now", so
		// there is nothing stored to care about.
		l.logger.Debug().Msg("End of stored events")

	case *nostr.NoticeEnvelope:
		l.logger.Info().Str("notice", string(*env)).Msg("Relay notice")

	default:
		l.logger.Debug().Str("label", envelope.Label()).Msg("Ignoring relay frame")
	}
}

// Resubscribe replaces the relay-side subscription with the current
// aggregate filter. A no-op while disconnected: the connect path sends the
// filter itself.
func (l *Link) Resubscribe() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	conn := l.conn
	if conn == nil {
		return nil
	}

	filters := l.source(l.url)
	newID := generateSubID()

	if l.subID != "" {
		closeEnv := nostr.CloseEnvelope(l.subID)
		if err := l.write(conn, &closeEnv); err != nil {
			conn.Close()
			return err
		}
	}

	req := nostr.ReqEnvelope{SubscriptionID: newID, Filters: filters}
	if err := l.write(conn, &req); err != nil {
		conn.Close()
		return err
	}
	l.subID = newID

	l.metrics.RelayFiltersSent.WithLabelValues(l.url).Inc()
	l.logger.Debug().Str("subscription_id", newID).Msg("Subscription filter sent")
	return nil
}

func (l *Link) write(conn *websocket.Conn, envelope nostr.Envelope) error {
	data, err := envelope.MarshalJSON()
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(l.config.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (l *Link) setState(s State) {
	l.state.Store(int32(s))
	l.metrics.RelayConnectionState.WithLabelValues(l.url).Set(float64(s))
}

// Variable for generating subscription IDs
// Can be replaced in tests for deterministic behavior
var generateSubID = func() string {
	return uuid.NewString()
}
