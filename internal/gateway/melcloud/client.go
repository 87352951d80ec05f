package melcloud

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/thatsimonsguy/hvac-policy/internal/cache"
	"github.com/thatsimonsguy/hvac-policy/internal/datadog"
	"github.com/thatsimonsguy/hvac-policy/internal/gateway"
	"github.com/thatsimonsguy/hvac-policy/internal/model"
)

const (
	unitsTTL = time.Hour
	stateTTL = time.Minute

	// air-to-air units; heat pumps and ventilation units are ignored
	airToAir = 0
)

// EffectiveFlags bits. Only the fields whose bit is set are applied.
const (
	FlagPower          = 1
	FlagMode           = 2
	FlagSetTemperature = 4
	FlagFanSpeed       = 8
	FlagVaneHorizontal = 16
	FlagVaneVertical   = 256
)

const (
	vaneAuto            = 0
	vaneHorizontalSwing = 12
	vaneVerticalSwing   = 7
	maxFanSpeed         = 5
)

var operationModes = map[model.ACMode]int{
	model.ACModeHeat: 1,
	model.ACModeCool: 2,
	model.ACModeDry:  3,
	model.ACModeFan:  7,
	model.ACModeAuto: 8,
}

// EffectiveFlags returns the bitmask for a power command. Turning off
// touches power only; turning on also sets mode, temperature and fan, plus
// the vane bits for units with vane control.
func EffectiveFlags(on, vanes bool) int {
	if !on {
		return FlagPower
	}
	flags := FlagPower | FlagMode | FlagSetTemperature | FlagFanSpeed
	if vanes {
		flags |= FlagVaneHorizontal | FlagVaneVertical
	}
	return flags
}

func OperationMode(m model.ACMode) int {
	if v, ok := operationModes[m]; ok {
		return v
	}
	return operationModes[model.ACModeHeat]
}

// Unit is one air-to-air unit from the device list.
type Unit struct {
	ID         int
	BuildingID int
	Name       string
}

type listedDevice struct {
	DeviceID   int    `json:"DeviceID"`
	DeviceName string `json:"DeviceName"`
	Type       *int   `json:"Type"`
	DeviceType *int   `json:"DeviceType"`
}

func (d listedDevice) kind() int {
	switch {
	case d.DeviceType != nil:
		return *d.DeviceType
	case d.Type != nil:
		return *d.Type
	}
	return -1
}

type node struct {
	Devices  []listedDevice `json:"Devices"`
	Areas    []node         `json:"Areas"`
	Floors   []node         `json:"Floors"`
	Children []node         `json:"Children"`
}

type building struct {
	ID        int    `json:"ID"`
	Name      string `json:"Name"`
	Structure node   `json:"Structure"`
}

// flatten walks the nested structure of every building and returns the
// air-to-air units in it.
func flatten(buildings []building) []Unit {
	var units []Unit
	var walk func(n node, buildingID int)
	walk = func(n node, buildingID int) {
		for _, d := range n.Devices {
			if d.kind() == airToAir {
				units = append(units, Unit{ID: d.DeviceID, BuildingID: buildingID, Name: d.DeviceName})
			}
		}
		for _, group := range [][]node{n.Areas, n.Floors, n.Children} {
			for _, child := range group {
				walk(child, buildingID)
			}
		}
	}
	for _, b := range buildings {
		walk(b.Structure, b.ID)
	}
	return units
}

// DeviceState is the Device/Get response, reduced to the fields used here.
type DeviceState struct {
	DeviceID          int     `json:"DeviceID"`
	Power             bool    `json:"Power"`
	Offline           bool    `json:"Offline"`
	RoomTemperature   float64 `json:"RoomTemperature"`
	SetTemperature    float64 `json:"SetTemperature"`
	OperationMode     int     `json:"OperationMode"`
	SetFanSpeed       int     `json:"SetFanSpeed"`
	VaneHorizontal    int     `json:"VaneHorizontal"`
	VaneVertical      int     `json:"VaneVertical"`
	HasPendingCommand bool    `json:"HasPendingCommand"`
}

type ataCommand struct {
	DeviceID          int      `json:"DeviceID"`
	EffectiveFlags    int      `json:"EffectiveFlags"`
	Power             bool     `json:"Power"`
	SetTemperature    *float64 `json:"SetTemperature,omitempty"`
	OperationMode     *int     `json:"OperationMode,omitempty"`
	SetFanSpeed       *int     `json:"SetFanSpeed,omitempty"`
	VaneHorizontal    *int     `json:"VaneHorizontal,omitempty"`
	VaneVertical      *int     `json:"VaneVertical,omitempty"`
	HasPendingCommand bool     `json:"HasPendingCommand"`
}

type Config struct {
	BaseURL     string
	Concurrency int64
	Session     *Session
	Now         func() time.Time
}

// Client controls Mitsubishi air-to-air units through MELCloud. Units are
// addressed by their MELCloud display name.
type Client struct {
	caller  *gateway.Caller
	session *Session

	units  *cache.Cache[[]building]
	states *cache.Cache[DeviceState]
}

func New(cfg Config) *Client {
	c := &Client{
		caller:  gateway.NewCaller("melcloud", strings.TrimRight(cfg.BaseURL, "/"), cfg.Concurrency, cfg.Session),
		session: cfg.Session,
		units:   cache.New[[]building](cfg.Now),
		states:  cache.New[DeviceState](cfg.Now),
	}
	c.units.OnLookup = cacheMetric("units")
	c.states.OnLookup = cacheMetric("state")
	return c
}

func (c *Client) Caller() *gateway.Caller { return c.caller }

func (c *Client) Family() model.Family { return model.FamilyAC }

func (c *Client) Authenticate(ctx context.Context) error {
	_, err := c.session.ContextKey(ctx)
	return err
}

func (c *Client) Units(ctx context.Context) ([]Unit, error) {
	buildings, err := gateway.Cached(ctx, c.caller, c.units, "units", unitsTTL, gateway.Request{
		Method: http.MethodGet,
		Path:   "/User/ListDevices",
	})
	if err != nil {
		return nil, err
	}
	return flatten(buildings), nil
}

func (c *Client) unit(ctx context.Context, name string) (Unit, error) {
	units, err := c.Units(ctx)
	if err != nil {
		return Unit{}, err
	}
	for _, u := range units {
		if strings.EqualFold(u.Name, name) {
			return u, nil
		}
	}
	return Unit{}, fmt.Errorf("melcloud unit %q not found: %w", name, model.ErrConfiguration)
}

func (c *Client) DeviceState(ctx context.Context, u Unit) (DeviceState, error) {
	return gateway.Cached(ctx, c.caller, c.states, stateKey(u.ID), stateTTL, gateway.Request{
		Method: http.MethodGet,
		Path:   "/Device/Get",
		Query: url.Values{
			"id":         {strconv.Itoa(u.ID)},
			"buildingID": {strconv.Itoa(u.BuildingID)},
		},
	})
}

func (c *Client) State(ctx context.Context, name string) (model.Observation, error) {
	u, err := c.unit(ctx, name)
	if err != nil {
		return model.Observation{}, err
	}
	st, err := c.DeviceState(ctx, u)
	if err != nil {
		return model.Observation{}, err
	}
	obs := model.Observation{PowerOn: st.Power}
	if !st.Offline {
		t := st.RoomTemperature
		obs.Temperature = &t
	}
	set := st.SetTemperature
	obs.SetTemperature = &set
	return obs, nil
}

// TurnOn powers the unit on with the command's setpoint and AC settings.
func (c *Client) TurnOn(ctx context.Context, name string, cmd model.Command) error {
	settings := model.DefaultACSettings()
	if cmd.AC != nil {
		settings = *cmd.AC
	}
	setpoint := math.Round(cmd.Setpoint*2) / 2
	mode := OperationMode(settings.Mode)
	fan := min(max(settings.FanSpeed, 0), maxFanSpeed)

	ata := ataCommand{
		EffectiveFlags:    EffectiveFlags(true, settings.Vanes),
		Power:             true,
		SetTemperature:    &setpoint,
		OperationMode:     &mode,
		SetFanSpeed:       &fan,
		HasPendingCommand: true,
	}
	if settings.Vanes {
		h, v := vaneAuto, vaneAuto
		if settings.SwingHorizontal {
			h = vaneHorizontalSwing
		}
		if settings.SwingVertical {
			v = vaneVerticalSwing
		}
		ata.VaneHorizontal = &h
		ata.VaneVertical = &v
	}
	return c.setAta(ctx, name, ata)
}

func (c *Client) TurnOff(ctx context.Context, name string) error {
	return c.setAta(ctx, name, ataCommand{
		EffectiveFlags:    EffectiveFlags(false, false),
		Power:             false,
		HasPendingCommand: true,
	})
}

func (c *Client) setAta(ctx context.Context, name string, cmd ataCommand) error {
	u, err := c.unit(ctx, name)
	if err != nil {
		return err
	}
	cmd.DeviceID = u.ID
	defer c.states.Delete(stateKey(u.ID))
	return c.caller.Do(ctx, gateway.Request{
		Method: http.MethodPost,
		Path:   "/Device/SetAta",
		Body:   cmd,
	}, nil)
}

func stateKey(id int) string {
	return "state:" + strconv.Itoa(id)
}

func cacheMetric(name string) func(string, bool) {
	return func(_ string, hit bool) {
		if hit {
			datadog.Incr("gateway.cache.hit", "vendor:melcloud", "cache:"+name)
		} else {
			datadog.Incr("gateway.cache.miss", "vendor:melcloud", "cache:"+name)
		}
	}
}
