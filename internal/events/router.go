package events

import (
	"context"
	"strconv"

	"github.com/nbd-wtf/go-nostr"
	"github.com/quietmesh/pushbridge/internal/metrics"
	"github.com/quietmesh/pushbridge/internal/push"
	"github.com/quietmesh/pushbridge/internal/registry"
	"github.com/quietmesh/pushbridge/internal/relay"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Directory is the registry surface the router needs.
type Directory interface {
	FindInterested(channelID string) []registry.Subscriber
	Subscriber(id string) (registry.Subscriber, bool)
}

// Dispatcher delivers one notification to one subscriber.
type Dispatcher interface {
	Deliver(ctx context.Context, sub registry.Subscriber, n push.Notification) push.Outcome
}

// Router matches inbound events to interested subscribers and enforces the
// at-most-once guarantee per (event, subscriber) pair. It is invoked from
// every relay link's goroutine and is safe for concurrent use.
type Router struct {
	directory  Directory
	dedup      *DedupTable
	dispatcher Dispatcher
	logger     zerolog.Logger
	metrics    *metrics.Metrics
}

// NewRouter creates an event router.
func NewRouter(directory Directory, dedup *DedupTable, dispatcher Dispatcher) *Router {
	return &Router{
		directory:  directory,
		dedup:      dedup,
		dispatcher: dispatcher,
		logger:     log.With().Str("component", "router").Logger(),
		metrics:    metrics.GetMetrics(),
	}
}

// Route handles one inbound event from one relay. The event's channel tag
// and author are opaque identifiers; the router only compares them for
// equality.
func (r *Router) Route(ctx context.Context, ev *nostr.Event, sourceRelayURL string) {
	if ev == nil || ev.ID == "" {
		return
	}

	targets := r.collect(ev)
	if len(targets) == 0 {
		return
	}
	r.metrics.RouterEventsRouted.Inc()

	channel := channelOf(ev)
	for _, sub := range targets {
		// Never notify a user about their own action.
		if ev.PubKey == sub.ID {
			r.metrics.RouterSelfEventsSkipped.Inc()
			continue
		}

		// Atomic check-and-record: concurrent delivery of the same
		// event from two relays must not double-notify.
		if !r.dedup.MarkOnce(ev.ID, sub.ID, sourceRelayURL) {
			r.metrics.RouterDuplicatesSuppressed.Inc()
			r.logger.Debug().
				Str("event_id", ev.ID).
				Str("subscriber_id", sub.ID).
				Str("relay", sourceRelayURL).
				Msg("Duplicate delivery suppressed")
			continue
		}

		r.dispatcher.Deliver(ctx, sub, buildNotification(ev, channel, sourceRelayURL))
	}
}

// collect resolves the subscribers interested in an event: everyone indexed
// under its channel tag, plus anyone directly addressed by a recipient tag.
func (r *Router) collect(ev *nostr.Event) map[string]registry.Subscriber {
	targets := make(map[string]registry.Subscriber)

	if channel := channelOf(ev); channel != "" {
		for _, sub := range r.directory.FindInterested(channel) {
			targets[sub.ID] = sub
		}
	}
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == relay.RecipientTag {
			if sub, ok := r.directory.Subscriber(tag[1]); ok {
				targets[sub.ID] = sub
			}
		}
	}
	return targets
}

// channelOf extracts the channel identifier from an event's channel tag.
func channelOf(ev *nostr.Event) string {
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == relay.ChannelTag {
			return tag[1]
		}
	}
	return ""
}

// buildNotification produces the payload handed to the delivery provider.
// Event content is end-to-end encrypted, so the visible text stays generic
// and the data map carries what the client needs to fetch and decrypt.
func buildNotification(ev *nostr.Event, channel, sourceRelayURL string) push.Notification {
	title := "New message"
	tag := channel
	if channel == "" {
		title = "New invitation"
		tag = ev.ID
	}
	return push.Notification{
		Title: title,
		Body:  "You received an encrypted message",
		Tag:   tag,
		Data: map[string]string{
			"event_id":   ev.ID,
			"channel_id": channel,
			"relay_url":  sourceRelayURL,
			"kind":       strconv.Itoa(ev.Kind),
		},
	}
}
