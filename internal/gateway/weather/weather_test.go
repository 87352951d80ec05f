package weather

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thatsimonsguy/hvac-policy/internal/gateway"
)

func TestOutdoorTemperature(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		q := r.URL.Query()
		assert.Equal(t, "/v1/forecast", r.URL.Path)
		assert.Equal(t, "52.3700", q.Get("latitude"))
		assert.Equal(t, "4.9000", q.Get("longitude"))
		assert.Equal(t, "true", q.Get("current_weather"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"current_weather": {"temperature": 4.2, "time": "2024-01-10T07:00"}}`))
	}))
	defer srv.Close()

	now := time.Date(2024, 1, 10, 7, 0, 0, 0, time.UTC)
	c := New(Config{BaseURL: srv.URL + "/v1/forecast", Latitude: 52.37, Longitude: 4.9, Now: func() time.Time { return now }})

	temp, err := c.OutdoorTemperature(context.Background())
	require.NoError(t, err)
	require.NotNil(t, temp)
	assert.Equal(t, 4.2, *temp)

	_, err = c.OutdoorTemperature(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, calls, "second read within ten minutes is served from cache")

	now = now.Add(11 * time.Minute)
	_, err = c.OutdoorTemperature(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestOutdoorTemperatureMissing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"latitude": 52.37}`))
	}))
	defer srv.Close()

	temp, err := New(Config{BaseURL: srv.URL}).OutdoorTemperature(context.Background())
	require.NoError(t, err)
	assert.Nil(t, temp)
}

func TestOutdoorTemperatureServerError(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	c.Caller().Sleep = gateway.NoSleep

	_, err := c.OutdoorTemperature(context.Background())
	assert.ErrorIs(t, err, gateway.ErrTransient)
	assert.Equal(t, 3, calls)
}
