package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/quietmesh/pushbridge/internal/registry"
	"github.com/quietmesh/pushbridge/internal/relay"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// staticRelays serves a fixed relay state snapshot.
type staticRelays map[string]relay.State

func (s staticRelays) States() map[string]relay.State {
	return s
}

func newTestServer(t *testing.T, states staticRelays) (*httptest.Server, *registry.Registry) {
	t.Helper()
	reg := registry.NewRegistry()
	a := NewAPI(DefaultConfig(), reg, states)
	server := httptest.NewServer(a.Handler())
	t.Cleanup(server.Close)
	return server, reg
}

func subscribeBody() []byte {
	body, _ := json.Marshal(map[string]any{
		"subscriber_id": "alice",
		"endpoint": map[string]any{
			"endpoint": "https://push.example/alice",
			"keys":     map[string]string{"p256dh": "key", "auth": "auth"},
		},
		"channel_ids": []string{"chan-1"},
		"relay_urls":  []string{"wss://relay.one"},
	})
	return body
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   json.RawMessage `json:"error"`
}

func decode(t *testing.T, resp *http.Response) envelope {
	t.Helper()
	defer resp.Body.Close()
	var env envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return env
}

// TestSubscribeEndpoint verifies a valid registration lands in the registry
func TestSubscribeEndpoint(t *testing.T) {
	server, reg := newTestServer(t, staticRelays{})

	resp, err := http.Post(server.URL+"/subscriptions", "application/json", bytes.NewReader(subscribeBody()))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	env := decode(t, resp)
	assert.True(t, env.Success)

	subs := reg.FindInterested("chan-1")
	require.Len(t, subs, 1)
	assert.Equal(t, "alice", subs[0].ID)
	assert.Equal(t, "https://push.example/alice", subs[0].Endpoint.Endpoint)
}

// TestSubscribeValidation verifies malformed registrations are rejected with
// a structured error
func TestSubscribeValidation(t *testing.T) {
	server, reg := newTestServer(t, staticRelays{})

	cases := []struct {
		name string
		body string
	}{
		{"empty body", ``},
		{"invalid json", `{`},
		{"missing subscriber id", `{"endpoint":{"endpoint":"https://push.example/a"},"relay_urls":["wss://r"]}`},
		{"missing endpoint", `{"subscriber_id":"alice","relay_urls":["wss://r"]}`},
		{"missing relays", `{"subscriber_id":"alice","endpoint":{"endpoint":"https://push.example/a"}}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := http.Post(server.URL+"/subscriptions", "application/json", bytes.NewReader([]byte(tc.body)))
			require.NoError(t, err)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

			env := decode(t, resp)
			assert.False(t, env.Success)
			assert.NotEmpty(t, env.Error)
		})
	}

	assert.Equal(t, 0, reg.Count(), "Rejected requests must not register anything")
}

// TestUnsubscribeEndpoint verifies removal works and is idempotent
func TestUnsubscribeEndpoint(t *testing.T) {
	server, reg := newTestServer(t, staticRelays{})

	resp, err := http.Post(server.URL+"/subscriptions", "application/json", bytes.NewReader(subscribeBody()))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, 1, reg.Count())

	for i := 0; i < 2; i++ {
		req, err := http.NewRequest(http.MethodDelete, server.URL+"/subscriptions/alice", nil)
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, "Unsubscribe should be idempotent")
	}

	assert.Equal(t, 0, reg.Count())
}

// TestStatsEndpoint verifies the snapshot carries subscriber count and relay
// states
func TestStatsEndpoint(t *testing.T) {
	server, reg := newTestServer(t, staticRelays{
		"wss://relay.one": relay.Connected,
		"wss://relay.two": relay.Disconnected,
	})

	require.NoError(t, reg.Subscribe("alice",
		registry.PushEndpoint{Endpoint: "https://push.example/alice"},
		[]string{"chan-1"}, []string{"wss://relay.one"}))

	resp, err := http.Get(server.URL + "/stats")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	env := decode(t, resp)
	require.True(t, env.Success)

	var stats struct {
		Subscribers int               `json:"subscribers"`
		Relays      map[string]string `json:"relays"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &stats))
	assert.Equal(t, 1, stats.Subscribers)
	assert.Equal(t, "connected", stats.Relays["wss://relay.one"])
	assert.Equal(t, "disconnected", stats.Relays["wss://relay.two"])
}

// TestHealthEndpoints verifies liveness and readiness probes
func TestHealthEndpoints(t *testing.T) {
	server, _ := newTestServer(t, staticRelays{})

	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get(server.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
}

// TestMetricsEndpoint verifies the metrics route is served when enabled
func TestMetricsEndpoint(t *testing.T) {
	server, _ := newTestServer(t, staticRelays{})

	resp, err := http.Get(server.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
