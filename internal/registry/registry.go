package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/quietmesh/pushbridge/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// PushEndpoint is the delivery-provider handle a client registers: the
// provider URL plus the client's encryption keys. It is replaced wholesale
// on re-subscribe, never partially mutated.
type PushEndpoint struct {
	Endpoint string       `json:"endpoint"`
	Keys     EndpointKeys `json:"keys"`
}

// EndpointKeys holds the client keys used by the provider-side payload
// encryption.
type EndpointKeys struct {
	P256dh string `json:"p256dh"`
	Auth   string `json:"auth"`
}

// Subscriber is one push-notification registration: a pseudonymous user key,
// its delivery endpoint, and its current interest set.
type Subscriber struct {
	ID           string
	Endpoint     PushEndpoint
	Channels     []string
	Relays       []string
	RegisteredAt time.Time
}

// Interest is the per-relay slice of the registry an aggregate filter is
// computed from: the union of channels and subscriber identities of exactly
// the subscribers referencing that relay.
type Interest struct {
	Channels    []string
	Subscribers []string
}

// record is the internal representation; channel and relay membership are
// kept as sets so duplicates collapse.
type record struct {
	id           string
	endpoint     PushEndpoint
	channels     map[string]struct{}
	relays       map[string]struct{}
	registeredAt time.Time
}

// ChangeFunc is invoked after every mutation with the relay URLs whose
// aggregate filter may have changed.
type ChangeFunc func(relayURLs []string)

// Registry is the authoritative mapping of subscriber to interest set. It is
// safe for concurrent use from any relay link's goroutine.
type Registry struct {
	mu           sync.RWMutex
	subscribers  map[string]*record
	channelIndex map[string]map[string]struct{} // channel ID -> set of subscriber IDs
	relayIndex   map[string]map[string]struct{} // relay URL -> set of subscriber IDs
	onChange     []ChangeFunc
	logger       zerolog.Logger
	metrics      *metrics.Metrics
}

// NewRegistry creates an empty subscriber registry.
func NewRegistry() *Registry {
	return &Registry{
		subscribers:  make(map[string]*record),
		channelIndex: make(map[string]map[string]struct{}),
		relayIndex:   make(map[string]map[string]struct{}),
		logger:       log.With().Str("component", "registry").Logger(),
		metrics:      metrics.GetMetrics(),
	}
}

// OnChange registers a callback fired after every mutation. Callbacks run
// outside the registry lock, on the mutating goroutine.
func (r *Registry) OnChange(fn ChangeFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = append(r.onChange, fn)
}

// Subscribe inserts or wholesale-replaces a subscriber registration.
func (r *Registry) Subscribe(id string, endpoint PushEndpoint, channelIDs, relayURLs []string) error {
	if id == "" {
		return ErrInvalidRequest("subscriber id is required")
	}
	if endpoint.Endpoint == "" {
		return ErrInvalidRequest("push endpoint is required")
	}
	relays := toSet(relayURLs)
	if len(relays) == 0 {
		return ErrInvalidRequest("at least one relay url is required")
	}

	rec := &record{
		id:           id,
		endpoint:     endpoint,
		channels:     toSet(channelIDs),
		relays:       relays,
		registeredAt: time.Now(),
	}

	r.mu.Lock()
	affected := make(map[string]struct{}, len(relays))
	for url := range relays {
		affected[url] = struct{}{}
	}
	if old, ok := r.subscribers[id]; ok {
		// Replacement: relays the subscriber dropped must stop carrying
		// its filter, so they are part of the affected set too.
		for url := range old.relays {
			affected[url] = struct{}{}
		}
		r.deindex(old)
	}
	r.subscribers[id] = rec
	r.index(rec)
	count := len(r.subscribers)
	r.mu.Unlock()

	r.metrics.SubscribersActive.Set(float64(count))
	r.logger.Info().
		Str("subscriber_id", id).
		Int("channels", len(rec.channels)).
		Int("relays", len(rec.relays)).
		Msg("Subscriber registered")

	r.notify(setToSorted(affected))
	return nil
}

// Unsubscribe removes a registration. Removing an absent subscriber is not
// an error.
func (r *Registry) Unsubscribe(id string) {
	r.mu.Lock()
	rec, ok := r.subscribers[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	r.deindex(rec)
	delete(r.subscribers, id)
	count := len(r.subscribers)
	r.mu.Unlock()

	r.metrics.SubscribersActive.Set(float64(count))
	r.logger.Info().Str("subscriber_id", id).Msg("Subscriber removed")

	r.notify(setToSorted(rec.relays))
}

// RemoveOnPermanentFailure removes a registration whose push endpoint the
// delivery provider reported as gone. Invoked by the push dispatcher.
func (r *Registry) RemoveOnPermanentFailure(id string) {
	r.logger.Warn().Str("subscriber_id", id).Msg("Removing subscriber after permanent delivery failure")
	r.Unsubscribe(id)
}

// FindInterested returns the subscribers interested in a channel. Lookup is
// by the channel index; it never scans the full subscriber set.
func (r *Registry) FindInterested(channelID string) []Subscriber {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids, ok := r.channelIndex[channelID]
	if !ok {
		return nil
	}
	out := make([]Subscriber, 0, len(ids))
	for id := range ids {
		if rec, ok := r.subscribers[id]; ok {
			out = append(out, rec.snapshot())
		}
	}
	return out
}

// Subscriber returns a snapshot of a single registration.
func (r *Registry) Subscriber(id string) (Subscriber, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.subscribers[id]
	if !ok {
		return Subscriber{}, false
	}
	return rec.snapshot(), true
}

// Count returns the number of current registrations.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subscribers)
}

// RelayURLs returns every relay URL referenced by at least one subscriber.
func (r *Registry) RelayURLs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	urls := make(map[string]struct{}, len(r.relayIndex))
	for url := range r.relayIndex {
		urls[url] = struct{}{}
	}
	return setToSorted(urls)
}

// InterestFor returns a consistent snapshot of the interest union for one
// relay: the channels and subscriber identities of exactly the subscribers
// whose relay set includes the URL. Slices are sorted so an unchanged
// registry yields an identical result.
func (r *Registry) InterestFor(relayURL string) Interest {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids, ok := r.relayIndex[relayURL]
	if !ok {
		return Interest{}
	}
	channels := make(map[string]struct{})
	subscribers := make(map[string]struct{}, len(ids))
	for id := range ids {
		rec, ok := r.subscribers[id]
		if !ok {
			continue
		}
		subscribers[id] = struct{}{}
		for ch := range rec.channels {
			channels[ch] = struct{}{}
		}
	}
	return Interest{
		Channels:    setToSorted(channels),
		Subscribers: setToSorted(subscribers),
	}
}

// index adds a record to the channel and relay indexes. Caller holds the lock.
func (r *Registry) index(rec *record) {
	for ch := range rec.channels {
		if _, ok := r.channelIndex[ch]; !ok {
			r.channelIndex[ch] = make(map[string]struct{})
		}
		r.channelIndex[ch][rec.id] = struct{}{}
	}
	for url := range rec.relays {
		if _, ok := r.relayIndex[url]; !ok {
			r.relayIndex[url] = make(map[string]struct{})
		}
		r.relayIndex[url][rec.id] = struct{}{}
	}
}

// deindex removes a record from the indexes. Caller holds the lock.
func (r *Registry) deindex(rec *record) {
	for ch := range rec.channels {
		if ids, ok := r.channelIndex[ch]; ok {
			delete(ids, rec.id)
			if len(ids) == 0 {
				delete(r.channelIndex, ch)
			}
		}
	}
	for url := range rec.relays {
		if ids, ok := r.relayIndex[url]; ok {
			delete(ids, rec.id)
			if len(ids) == 0 {
				delete(r.relayIndex, url)
			}
		}
	}
}

func (r *Registry) notify(relayURLs []string) {
	r.mu.RLock()
	callbacks := make([]ChangeFunc, len(r.onChange))
	copy(callbacks, r.onChange)
	r.mu.RUnlock()

	for _, fn := range callbacks {
		fn(relayURLs)
	}
}

func (rec *record) snapshot() Subscriber {
	return Subscriber{
		ID:           rec.id,
		Endpoint:     rec.endpoint,
		Channels:     setToSorted(rec.channels),
		Relays:       setToSorted(rec.relays),
		RegisteredAt: rec.registeredAt,
	}
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		if v != "" {
			set[v] = struct{}{}
		}
	}
	return set
}

func setToSorted(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
