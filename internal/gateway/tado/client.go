package tado

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/thatsimonsguy/hvac-policy/internal/cache"
	"github.com/thatsimonsguy/hvac-policy/internal/datadog"
	"github.com/thatsimonsguy/hvac-policy/internal/gateway"
	"github.com/thatsimonsguy/hvac-policy/internal/model"
)

const (
	zonesTTL   = time.Hour
	stateTTL   = 2 * time.Minute
	minOverlay = 900 * time.Second
)

type Zone struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

type celsius struct {
	Celsius float64 `json:"celsius"`
}

type ZoneState struct {
	Setting struct {
		Type        string   `json:"type"`
		Power       string   `json:"power"`
		Temperature *celsius `json:"temperature"`
	} `json:"setting"`
	Overlay *struct {
		Type string `json:"type"`
	} `json:"overlay"`
	ActivityDataPoints struct {
		HeatingPower *struct {
			Percentage float64 `json:"percentage"`
		} `json:"heatingPower"`
	} `json:"activityDataPoints"`
	SensorDataPoints struct {
		InsideTemperature *celsius `json:"insideTemperature"`
		Temperature       *celsius `json:"temperature"`
	} `json:"sensorDataPoints"`
}

type overlay struct {
	Setting     overlaySetting     `json:"setting"`
	Termination overlayTermination `json:"termination"`
}

type overlaySetting struct {
	Type        string   `json:"type"`
	Power       string   `json:"power"`
	Temperature *celsius `json:"temperature,omitempty"`
}

type overlayTermination struct {
	Type              string `json:"type"`
	DurationInSeconds int    `json:"durationInSeconds"`
}

type Config struct {
	BaseURL     string
	HomeID      int
	Overlay     time.Duration
	Concurrency int64
	Tokens      *TokenSource
	Now         func() time.Time
}

// Client controls radiator thermostats through the tado API. Zones are
// addressed by their tado display name.
type Client struct {
	caller  *gateway.Caller
	tokens  *TokenSource
	homeID  int
	overlay time.Duration

	zones  *cache.Cache[[]Zone]
	states *cache.Cache[ZoneState]
}

func New(cfg Config) *Client {
	if cfg.Overlay < minOverlay {
		cfg.Overlay = minOverlay
	}
	c := &Client{
		caller:  gateway.NewCaller("tado", strings.TrimRight(cfg.BaseURL, "/"), cfg.Concurrency, cfg.Tokens),
		tokens:  cfg.Tokens,
		homeID:  cfg.HomeID,
		overlay: cfg.Overlay,
		zones:   cache.New[[]Zone](cfg.Now),
		states:  cache.New[ZoneState](cfg.Now),
	}
	c.zones.OnLookup = cacheMetric("zones")
	c.states.OnLookup = cacheMetric("state")
	return c
}

// Caller exposes the underlying caller so tests can shorten retries.
func (c *Client) Caller() *gateway.Caller { return c.caller }

func (c *Client) Family() model.Family { return model.FamilyRadiator }

func (c *Client) Authenticate(ctx context.Context) error {
	_, err := c.tokens.AccessToken(ctx)
	return err
}

func (c *Client) Zones(ctx context.Context) ([]Zone, error) {
	return gateway.Cached(ctx, c.caller, c.zones, "zones", zonesTTL, gateway.Request{
		Method: http.MethodGet,
		Path:   c.homePath("/zones"),
	})
}

func (c *Client) zoneID(ctx context.Context, name string) (int, error) {
	zones, err := c.Zones(ctx)
	if err != nil {
		return 0, err
	}
	for _, z := range zones {
		if strings.EqualFold(z.Name, name) {
			return z.ID, nil
		}
	}
	return 0, fmt.Errorf("tado zone %q not found: %w", name, model.ErrConfiguration)
}

func (c *Client) ZoneState(ctx context.Context, zoneID int) (ZoneState, error) {
	return gateway.Cached(ctx, c.caller, c.states, stateKey(zoneID), stateTTL, gateway.Request{
		Method: http.MethodGet,
		Path:   c.homePath(fmt.Sprintf("/zones/%d/state", zoneID)),
	})
}

func (c *Client) State(ctx context.Context, name string) (model.Observation, error) {
	id, err := c.zoneID(ctx, name)
	if err != nil {
		return model.Observation{}, err
	}
	st, err := c.ZoneState(ctx, id)
	if err != nil {
		return model.Observation{}, err
	}
	return observe(st), nil
}

func observe(st ZoneState) model.Observation {
	var obs model.Observation
	switch {
	case st.SensorDataPoints.InsideTemperature != nil:
		t := st.SensorDataPoints.InsideTemperature.Celsius
		obs.Temperature = &t
	case st.SensorDataPoints.Temperature != nil:
		t := st.SensorDataPoints.Temperature.Celsius
		obs.Temperature = &t
	}
	if hp := st.ActivityDataPoints.HeatingPower; hp != nil {
		p := hp.Percentage
		obs.HeatingPercent = &p
	}
	if st.Setting.Temperature != nil {
		s := st.Setting.Temperature.Celsius
		obs.SetTemperature = &s
	}
	if st.Setting.Power != "" {
		obs.PowerOn = strings.EqualFold(st.Setting.Power, "ON")
	} else {
		obs.PowerOn = obs.HeatingPercent != nil && *obs.HeatingPercent > 0
	}
	obs.OwnSchedule = st.Overlay == nil
	return obs
}

// TurnOn sets a timed heating overlay at cmd.Setpoint.
func (c *Client) TurnOn(ctx context.Context, name string, cmd model.Command) error {
	return c.putOverlay(ctx, name, overlaySetting{
		Type:        "HEATING",
		Power:       "ON",
		Temperature: &celsius{Celsius: math.Round(cmd.Setpoint*10) / 10},
	})
}

// TurnOff sets a timed overlay with heating off.
func (c *Client) TurnOff(ctx context.Context, name string) error {
	return c.putOverlay(ctx, name, overlaySetting{Type: "HEATING", Power: "OFF"})
}

// ResumeSchedule deletes the overlay, returning the zone to its own schedule.
func (c *Client) ResumeSchedule(ctx context.Context, name string) error {
	id, err := c.zoneID(ctx, name)
	if err != nil {
		return err
	}
	defer c.states.Delete(stateKey(id))
	return c.caller.Do(ctx, gateway.Request{
		Method: http.MethodDelete,
		Path:   c.homePath(fmt.Sprintf("/zones/%d/overlay", id)),
	}, nil)
}

func (c *Client) putOverlay(ctx context.Context, name string, setting overlaySetting) error {
	id, err := c.zoneID(ctx, name)
	if err != nil {
		return err
	}
	defer c.states.Delete(stateKey(id))
	return c.caller.Do(ctx, gateway.Request{
		Method: http.MethodPut,
		Path:   c.homePath(fmt.Sprintf("/zones/%d/overlay", id)),
		Body: overlay{
			Setting:     setting,
			Termination: overlayTermination{Type: "TIMER", DurationInSeconds: int(c.overlay / time.Second)},
		},
	}, nil)
}

func (c *Client) homePath(suffix string) string {
	return "/homes/" + strconv.Itoa(c.homeID) + suffix
}

func stateKey(zoneID int) string {
	return "state:" + strconv.Itoa(zoneID)
}

func cacheMetric(name string) func(string, bool) {
	return func(_ string, hit bool) {
		if hit {
			datadog.Incr("gateway.cache.hit", "vendor:tado", "cache:"+name)
		} else {
			datadog.Incr("gateway.cache.miss", "vendor:tado", "cache:"+name)
		}
	}
}
