package tado

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thatsimonsguy/hvac-policy/db"
	"github.com/thatsimonsguy/hvac-policy/internal/gateway"
	"github.com/thatsimonsguy/hvac-policy/internal/model"
	"github.com/thatsimonsguy/hvac-policy/internal/tokenstore"
)

const testClientID = "test-client"

type fakeTado struct {
	t *testing.T

	mu        sync.Mutex
	current   string
	rotations int
	stale     int
	access    string
	overlays  []string
	deletes   int
	stateBody string
}

func newFakeTado(t *testing.T, refresh string) (*fakeTado, *httptest.Server) {
	f := &fakeTado{t: t, current: refresh, stateBody: `{
		"setting": {"type": "HEATING", "power": "ON", "temperature": {"celsius": 21.0}},
		"activityDataPoints": {"heatingPower": {"percentage": 35.0}},
		"sensorDataPoints": {"insideTemperature": {"celsius": 19.4}}
	}`}
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth2/token", f.token)
	mux.HandleFunc("/api/v2/homes/1/zones", f.authed(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"id": 5, "name": "Bedroom", "type": "HEATING"}, {"id": 6, "name": "Hallway", "type": "HEATING"}]`))
	}))
	mux.HandleFunc("/api/v2/homes/1/zones/5/state", f.authed(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		w.Write([]byte(f.stateBody))
	}))
	mux.HandleFunc("/api/v2/homes/1/zones/5/overlay", f.authed(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		switch r.Method {
		case http.MethodPut:
			body, _ := io.ReadAll(r.Body)
			f.overlays = append(f.overlays, string(body))
			w.Write(body)
		case http.MethodDelete:
			f.deletes++
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeTado) token(w http.ResponseWriter, r *http.Request) {
	require.NoError(f.t, r.ParseForm())
	assert.Equal(f.t, "refresh_token", r.PostForm.Get("grant_type"))
	assert.Equal(f.t, testClientID, r.PostForm.Get("client_id"))

	// widen the window for racing refreshes
	time.Sleep(10 * time.Millisecond)

	f.mu.Lock()
	defer f.mu.Unlock()
	if r.PostForm.Get("refresh_token") != f.current {
		f.stale++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error": "invalid_grant"}`))
		return
	}
	f.rotations++
	f.current = fmt.Sprintf("refresh-%d", f.rotations)
	f.access = fmt.Sprintf("access-%d", f.rotations)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"access_token":  f.access,
		"refresh_token": f.current,
		"token_type":    "bearer",
		"expires_in":    600,
	})
}

func (f *fakeTado) authed(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		want := "Bearer " + f.access
		f.mu.Unlock()
		if r.Header.Get("Authorization") != want {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		h(w, r)
	}
}

func newStore(t *testing.T, refresh string) *tokenstore.Store {
	t.Helper()
	conn, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	store := tokenstore.New(conn)
	store.Poll = 5 * time.Millisecond
	if refresh != "" {
		require.NoError(t, store.Set(context.Background(), RefreshTokenKey, refresh))
	}
	return store
}

func newClient(srv *httptest.Server, tokens *TokenSource) *Client {
	c := New(Config{BaseURL: srv.URL + "/api/v2", HomeID: 1, Overlay: time.Hour, Concurrency: 2, Tokens: tokens})
	c.Caller().Sleep = gateway.NoSleep
	return c
}

func TestConcurrentRefreshRotatesOnce(t *testing.T) {
	f, srv := newFakeTado(t, "refresh-0")
	store := newStore(t, "refresh-0")
	ts := NewTokenSource(testClientID, srv.URL+"/oauth2", store, srv.Client())

	var wg sync.WaitGroup
	tokens := make([]string, 10)
	for i := range tokens {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := ts.AccessToken(context.Background())
			assert.NoError(t, err)
			tokens[i] = tok
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, f.rotations)
	assert.Equal(t, 0, f.stale)
	for _, tok := range tokens {
		assert.Equal(t, "access-1", tok)
	}

	persisted, _, err := store.Get(context.Background(), RefreshTokenKey)
	require.NoError(t, err)
	assert.Equal(t, "refresh-1", persisted)
}

func TestRefreshAcrossInstancesNeverUsesStaleToken(t *testing.T) {
	f, srv := newFakeTado(t, "refresh-0")
	store := newStore(t, "refresh-0")
	a := NewTokenSource(testClientID, srv.URL+"/oauth2", store, srv.Client())
	b := NewTokenSource(testClientID, srv.URL+"/oauth2", store, srv.Client())

	var wg sync.WaitGroup
	for _, ts := range []*TokenSource{a, b} {
		wg.Add(1)
		go func(ts *TokenSource) {
			defer wg.Done()
			_, err := ts.AccessToken(context.Background())
			assert.NoError(t, err)
		}(ts)
	}
	wg.Wait()

	assert.Equal(t, 0, f.stale, "no caller may present a rotated-out refresh token")
	assert.Equal(t, 2, f.rotations)

	persisted, _, err := store.Get(context.Background(), RefreshTokenKey)
	require.NoError(t, err)
	assert.Equal(t, f.current, persisted)
}

func TestRefreshWithoutStoredToken(t *testing.T) {
	_, srv := newFakeTado(t, "refresh-0")
	ts := NewTokenSource(testClientID, srv.URL+"/oauth2", newStore(t, ""), srv.Client())

	_, err := ts.AccessToken(context.Background())
	assert.ErrorIs(t, err, gateway.ErrAuthentication)
}

func TestRejectedRefreshTokenIsAuthenticationError(t *testing.T) {
	_, srv := newFakeTado(t, "refresh-0")
	ts := NewTokenSource(testClientID, srv.URL+"/oauth2", newStore(t, "revoked"), srv.Client())

	_, err := ts.AccessToken(context.Background())
	assert.ErrorIs(t, err, gateway.ErrAuthentication)
}

func TestStateAndReauthentication(t *testing.T) {
	f, srv := newFakeTado(t, "refresh-0")
	ts := NewTokenSource(testClientID, srv.URL+"/oauth2", newStore(t, "refresh-0"), srv.Client())
	c := newClient(srv, ts)

	require.NoError(t, c.Authenticate(context.Background()))

	// the server revokes the access token behind our back
	f.mu.Lock()
	f.access = "access-revoked"
	f.mu.Unlock()

	obs, err := c.State(context.Background(), "bedroom")
	require.NoError(t, err)
	require.NotNil(t, obs.Temperature)
	assert.Equal(t, 19.4, *obs.Temperature)
	assert.True(t, obs.PowerOn)
	require.NotNil(t, obs.HeatingPercent)
	assert.Equal(t, 35.0, *obs.HeatingPercent)
	assert.Equal(t, 2, f.rotations)

	_, err = c.State(context.Background(), "Attic")
	assert.ErrorIs(t, err, model.ErrConfiguration)
}

func TestStateFallsBackToTemperatureField(t *testing.T) {
	obs := observe(func() ZoneState {
		var st ZoneState
		require.NoError(t, json.Unmarshal([]byte(`{
			"setting": {"type": "HEATING", "power": "OFF"},
			"activityDataPoints": {"heatingPower": {"percentage": 0}},
			"sensorDataPoints": {"temperature": {"celsius": 18.2}}
		}`), &st))
		return st
	}())
	require.NotNil(t, obs.Temperature)
	assert.Equal(t, 18.2, *obs.Temperature)
	assert.False(t, obs.PowerOn)
	assert.Nil(t, obs.SetTemperature)
}

func TestStateReportsOverlay(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		on          bool
		ownSchedule bool
	}{
		{
			name:        "timed overlay in place",
			body:        `{"overlay": {"type": "MANUAL"}, "setting": {"type": "HEATING", "power": "OFF"}}`,
			ownSchedule: false,
		},
		{
			name:        "overlay ran out and the zone heats on its schedule",
			body:        `{"overlay": null, "setting": {"type": "HEATING", "power": "ON", "temperature": {"celsius": 21}}}`,
			on:          true,
			ownSchedule: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var st ZoneState
			require.NoError(t, json.Unmarshal([]byte(tt.body), &st))
			obs := observe(st)
			assert.Equal(t, tt.on, obs.PowerOn)
			assert.Equal(t, tt.ownSchedule, obs.OwnSchedule)
		})
	}
}

func TestOverlayCommands(t *testing.T) {
	f, srv := newFakeTado(t, "refresh-0")
	ts := NewTokenSource(testClientID, srv.URL+"/oauth2", newStore(t, "refresh-0"), srv.Client())
	c := newClient(srv, ts)
	ctx := context.Background()

	require.NoError(t, c.TurnOn(ctx, "Bedroom", model.Command{Action: model.ActionOn, Setpoint: 21.04}))
	require.NoError(t, c.TurnOff(ctx, "Bedroom"))
	require.NoError(t, c.ResumeSchedule(ctx, "Bedroom"))

	require.Len(t, f.overlays, 2)
	assert.JSONEq(t, `{"setting":{"type":"HEATING","power":"ON","temperature":{"celsius":21}},"termination":{"type":"TIMER","durationInSeconds":3600}}`, f.overlays[0])
	assert.JSONEq(t, `{"setting":{"type":"HEATING","power":"OFF"},"termination":{"type":"TIMER","durationInSeconds":3600}}`, f.overlays[1])
	assert.Equal(t, 1, f.deletes)
}

func TestOverlayDurationHasFloor(t *testing.T) {
	c := New(Config{BaseURL: "http://example.invalid", HomeID: 1, Overlay: time.Minute, Tokens: &TokenSource{}})
	assert.Equal(t, 900*time.Second, c.overlay)
}

func TestDeviceLogin(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth2/device_authorize", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, testClientID, r.PostForm.Get("client_id"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"device_code": "dev-1", "user_code": "ABC123", "verification_uri": "https://login.example/device",
			"verification_uri_complete": "https://login.example/device?user_code=ABC123", "expires_in": 300, "interval": 1}`))
	})
	mux.HandleFunc("/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "urn:ietf:params:oauth:grant-type:device_code", r.PostForm.Get("grant_type"))
		assert.Equal(t, "dev-1", r.PostForm.Get("device_code"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token": "access-first", "refresh_token": "refresh-first", "token_type": "bearer", "expires_in": 600}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	store := newStore(t, "")
	ts := NewTokenSource(testClientID, srv.URL+"/oauth2", store, srv.Client())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	da, err := ts.StartDeviceLogin(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ABC123", da.UserCode)

	require.NoError(t, ts.CompleteDeviceLogin(ctx, da))

	stored, found, err := store.Get(ctx, RefreshTokenKey)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "refresh-first", stored)

	tok, err := ts.AccessToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "access-first", tok)
}
