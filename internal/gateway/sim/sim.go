package sim

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/hvac-policy/internal/model"
)

// Call is one command received by a simulated device.
type Call struct {
	Name    string
	Command model.Command
	At      time.Time
}

type unit struct {
	temp     float64
	on       bool
	setpoint float64
	updated  time.Time

	// overlay holds a command or a manual change; a zero until never expires
	overlay    bool
	until      time.Time
	scheduleOn bool
}

// Device is an in-memory stand-in for a vendor client. Room temperature
// drifts toward the setpoint while a unit is on and decays while it is off.
type Device struct {
	family model.Family
	now    func() time.Time

	// degrees per hour
	HeatRate float64
	LossRate float64
	// Overlay, when set, makes commands timed: once it passes the unit
	// returns to its own schedule, as tado zones do.
	Overlay time.Duration

	mu      sync.Mutex
	units   map[string]*unit
	calls   []Call
	failing map[string]error
	authErr error
}

func NewDevice(family model.Family, now func() time.Time, names ...string) *Device {
	if now == nil {
		now = time.Now
	}
	d := &Device{
		family:   family,
		now:      now,
		HeatRate: 2,
		LossRate: 0.5,
		units:    map[string]*unit{},
		failing:  map[string]error{},
	}
	for _, n := range names {
		d.units[n] = &unit{temp: 19, setpoint: 20, updated: now()}
	}
	return d
}

func (d *Device) Family() model.Family { return d.family }

func (d *Device) Authenticate(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.authErr
}

// SetAuthError makes Authenticate and every call fail with err.
func (d *Device) SetAuthError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.authErr = err
}

// SetFailure makes every call for name fail with err; nil clears it.
func (d *Device) SetFailure(name string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err == nil {
		delete(d.failing, name)
		return
	}
	d.failing[name] = err
}

// Touch changes a unit as a person at the wall would.
func (d *Device) Touch(name string, temp float64, on bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.units[name]
	if !ok {
		u = &unit{setpoint: 20}
		d.units[name] = u
	}
	u.temp = temp
	u.on = on
	u.updated = d.now()
	u.overlay, u.until = true, time.Time{}
}

// SetSchedule sets whether a unit's own schedule heats while no overlay is
// in place.
func (d *Device) SetSchedule(name string, on bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if u, ok := d.units[name]; ok {
		u.scheduleOn = on
		if !u.overlay {
			u.on = on
		}
	}
}

func (d *Device) Calls() []Call {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Call(nil), d.calls...)
}

func (d *Device) Names() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	names := make([]string, 0, len(d.units))
	for n := range d.units {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (d *Device) lookup(name string) (*unit, error) {
	if d.authErr != nil {
		return nil, d.authErr
	}
	if err := d.failing[name]; err != nil {
		return nil, err
	}
	u, ok := d.units[name]
	if !ok {
		return nil, fmt.Errorf("simulated %s device %q not found: %w", d.family, name, model.ErrConfiguration)
	}
	d.drift(u)
	d.lapse(u)
	return u, nil
}

func (d *Device) lapse(u *unit) {
	if u.overlay && !u.until.IsZero() && !d.now().Before(u.until) {
		u.overlay, u.until = false, time.Time{}
		u.on = u.scheduleOn
	}
}

func (d *Device) hold(u *unit) {
	if d.Overlay > 0 {
		u.overlay, u.until = true, d.now().Add(d.Overlay)
	}
}

func (d *Device) drift(u *unit) {
	now := d.now()
	hours := now.Sub(u.updated).Hours()
	u.updated = now
	if hours <= 0 {
		return
	}
	if u.on && u.temp < u.setpoint {
		u.temp = min(u.setpoint, u.temp+d.HeatRate*hours)
	} else if !u.on {
		u.temp -= d.LossRate * hours
	}
}

func (d *Device) State(_ context.Context, name string) (model.Observation, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, err := d.lookup(name)
	if err != nil {
		return model.Observation{}, err
	}
	temp, set := u.temp, u.setpoint
	return model.Observation{
		Temperature:    &temp,
		PowerOn:        u.on,
		SetTemperature: &set,
		OwnSchedule:    d.Overlay > 0 && !u.overlay,
	}, nil
}

func (d *Device) TurnOn(_ context.Context, name string, cmd model.Command) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, err := d.lookup(name)
	if err != nil {
		return err
	}
	u.on = true
	u.setpoint = cmd.Setpoint
	d.hold(u)
	d.calls = append(d.calls, Call{Name: name, Command: cmd, At: d.now()})
	log.Info().Str("family", string(d.family)).Str("device", name).Float64("setpoint", cmd.Setpoint).Msg("[SIM] turn on")
	return nil
}

func (d *Device) TurnOff(_ context.Context, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, err := d.lookup(name)
	if err != nil {
		return err
	}
	u.on = false
	d.hold(u)
	d.calls = append(d.calls, Call{Name: name, Command: model.Command{Action: model.ActionOff}, At: d.now()})
	log.Info().Str("family", string(d.family)).Str("device", name).Msg("[SIM] turn off")
	return nil
}

func (d *Device) ResumeSchedule(_ context.Context, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, err := d.lookup(name)
	if err != nil {
		return err
	}
	u.overlay, u.until = false, time.Time{}
	u.on = u.scheduleOn
	d.calls = append(d.calls, Call{Name: name, Command: model.Command{Action: model.ActionResume}, At: d.now()})
	log.Info().Str("family", string(d.family)).Str("device", name).Msg("[SIM] resume schedule")
	return nil
}

// Weather reports a fixed outdoor temperature.
type Weather struct {
	mu   sync.Mutex
	temp *float64
	err  error
}

func NewWeather(temp float64) *Weather {
	return &Weather{temp: &temp}
}

func (w *Weather) SetOutdoor(temp *float64, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.temp = temp
	w.err = err
}

func (w *Weather) OutdoorTemperature(context.Context) (*float64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil || w.temp == nil {
		return nil, w.err
	}
	t := *w.temp
	return &t, nil
}
