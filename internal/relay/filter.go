package relay

import (
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/quietmesh/pushbridge/internal/registry"
)

// Event kinds the bridge subscribes to. These are relay-protocol constants:
// group messages carry the channel in their "h" tag, welcomes and gift wraps
// address the recipient directly in a "p" tag.
const (
	KindWelcome      = 444
	KindGroupMessage = 445
	KindGiftWrap     = 1059
)

// ChannelTag is the event tag carrying the channel identifier.
const ChannelTag = "h"

// RecipientTag is the event tag carrying the addressed subscriber identity.
const RecipientTag = "p"

// AggregateFilter computes the subscription filter for one relay from the
// interest union of the subscribers referencing it. The result is
// deterministic for a given interest snapshot, so recomputing an unchanged
// registry produces an identical filter and re-sending it is safe.
//
// The "since" timestamp is the computation time: the bridge never requests
// backfilled history, notifications are only meaningful for live events.
//
// An empty interest set still yields a valid filter; the tag sets match
// nothing, but the relay-side subscription stays established so a
// reappearing subscriber needs no separate code path.
func AggregateFilter(interest registry.Interest, since time.Time) nostr.Filters {
	ts := nostr.Timestamp(since.Unix())

	channels := interest.Channels
	if channels == nil {
		channels = []string{}
	}
	subscribers := interest.Subscribers
	if subscribers == nil {
		subscribers = []string{}
	}

	return nostr.Filters{
		{
			Kinds: []int{KindGroupMessage},
			Tags:  nostr.TagMap{ChannelTag: channels},
			Since: &ts,
		},
		{
			Kinds: []int{KindWelcome, KindGiftWrap},
			Tags:  nostr.TagMap{RecipientTag: subscribers},
			Since: &ts,
		},
	}
}
