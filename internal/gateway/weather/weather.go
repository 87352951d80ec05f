package weather

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/hvac-policy/internal/cache"
	"github.com/thatsimonsguy/hvac-policy/internal/datadog"
	"github.com/thatsimonsguy/hvac-policy/internal/gateway"
)

const currentTTL = 10 * time.Minute

type Config struct {
	BaseURL   string
	Latitude  float64
	Longitude float64
	Now       func() time.Time
}

type forecast struct {
	CurrentWeather *struct {
		Temperature *float64 `json:"temperature"`
		Time        string   `json:"time"`
	} `json:"current_weather"`
}

// Client reads the current outdoor temperature from Open-Meteo.
type Client struct {
	caller    *gateway.Caller
	latitude  float64
	longitude float64
	current   *cache.Cache[forecast]
}

func New(cfg Config) *Client {
	c := &Client{
		caller:    gateway.NewCaller("weather", strings.TrimRight(cfg.BaseURL, "/"), 1, nil),
		latitude:  cfg.Latitude,
		longitude: cfg.Longitude,
		current:   cache.New[forecast](cfg.Now),
	}
	c.current.OnLookup = func(_ string, hit bool) {
		if hit {
			datadog.Incr("gateway.cache.hit", "vendor:weather")
		} else {
			datadog.Incr("gateway.cache.miss", "vendor:weather")
		}
	}
	return c
}

func (c *Client) Caller() *gateway.Caller { return c.caller }

// OutdoorTemperature returns the current temperature, or nil when the
// provider has none.
func (c *Client) OutdoorTemperature(ctx context.Context) (*float64, error) {
	fc, err := gateway.Cached(ctx, c.caller, c.current, "current", currentTTL, gateway.Request{
		Method: http.MethodGet,
		Query: url.Values{
			"latitude":        {strconv.FormatFloat(c.latitude, 'f', 4, 64)},
			"longitude":       {strconv.FormatFloat(c.longitude, 'f', 4, 64)},
			"current_weather": {"true"},
		},
	})
	if err != nil {
		return nil, err
	}
	if fc.CurrentWeather == nil || fc.CurrentWeather.Temperature == nil {
		log.Warn().Msg("Weather response carried no current temperature")
		return nil, nil
	}
	t := *fc.CurrentWeather.Temperature
	datadog.Gauge("weather.outdoor_c", t)
	return &t, nil
}
