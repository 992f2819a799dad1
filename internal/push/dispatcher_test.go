package push

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/quietmesh/pushbridge/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockRemover records permanent-failure removals.
type mockRemover struct {
	mu      sync.Mutex
	removed []string
}

func (m *mockRemover) RemoveOnPermanentFailure(subscriberID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removed = append(m.removed, subscriberID)
}

func (m *mockRemover) all() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.removed...)
}

// testSubscriber builds a subscriber whose endpoint keys are a real P-256
// keypair, as the payload encryption requires valid client keys.
func testSubscriber(t *testing.T, id, endpoint string) registry.Subscriber {
	t.Helper()

	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(t, err)

	auth := make([]byte, 16)
	_, err = rand.Read(auth)
	require.NoError(t, err)

	return registry.Subscriber{
		ID: id,
		Endpoint: registry.PushEndpoint{
			Endpoint: endpoint,
			Keys: registry.EndpointKeys{
				P256dh: base64.RawURLEncoding.EncodeToString(priv.PublicKey().Bytes()),
				Auth:   base64.RawURLEncoding.EncodeToString(auth),
			},
		},
	}
}

func testDispatcher(t *testing.T, remover EndpointRemover) *Dispatcher {
	t.Helper()

	priv, pub, err := webpush.GenerateVAPIDKeys()
	require.NoError(t, err)

	return NewDispatcher(Config{
		VAPIDPublicKey:  pub,
		VAPIDPrivateKey: priv,
		Subject:         "mailto:ops@example.com",
		TTL:             60,
		Timeout:         5 * time.Second,
	}, remover)
}

// TestDeliverSuccess verifies a provider 201 yields a Delivered outcome
func TestDeliverSuccess(t *testing.T) {
	var gotTTL string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTTL = r.Header.Get("TTL")
		assert.Equal(t, "aes128gcm", r.Header.Get("Content-Encoding"))
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	remover := &mockRemover{}
	d := testDispatcher(t, remover)

	outcome := d.Deliver(context.Background(), testSubscriber(t, "alice", server.URL), Notification{
		Title: "New message",
		Body:  "You received an encrypted message",
	})

	assert.Equal(t, Delivered, outcome)
	assert.Equal(t, "60", gotTTL)
	assert.Empty(t, remover.all(), "Successful delivery must not remove the registration")
}

// TestDeliverEndpointGone verifies 404 and 410 remove the registration
func TestDeliverEndpointGone(t *testing.T) {
	for _, status := range []int{http.StatusNotFound, http.StatusGone} {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		}))

		remover := &mockRemover{}
		d := testDispatcher(t, remover)

		outcome := d.Deliver(context.Background(), testSubscriber(t, "alice", server.URL), Notification{Title: "New message"})

		assert.Equal(t, PermanentlyInvalid, outcome, "status %d", status)
		assert.Equal(t, []string{"alice"}, remover.all(), "status %d", status)
		server.Close()
	}
}

// TestDeliverTransientFailure verifies provider rejections are dropped
// without touching the registration
func TestDeliverTransientFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	remover := &mockRemover{}
	d := testDispatcher(t, remover)

	outcome := d.Deliver(context.Background(), testSubscriber(t, "alice", server.URL), Notification{Title: "New message"})

	assert.Equal(t, TransientFailure, outcome)
	assert.Empty(t, remover.all(), "Transient failures must not remove the registration")
}

// TestDeliverUnreachableProvider verifies transport errors are transient
func TestDeliverUnreachableProvider(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close() // connection refused from here on

	remover := &mockRemover{}
	d := testDispatcher(t, remover)

	outcome := d.Deliver(context.Background(), testSubscriber(t, "alice", server.URL), Notification{Title: "New message"})

	assert.Equal(t, TransientFailure, outcome)
	assert.Empty(t, remover.all())
}

// TestOutcomeString verifies the metric labels
func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "delivered", Delivered.String())
	assert.Equal(t, "permanently_invalid", PermanentlyInvalid.String())
	assert.Equal(t, "transient_failure", TransientFailure.String())
}
