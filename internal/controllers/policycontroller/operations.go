package policycontroller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/hvac-policy/db"
	"github.com/thatsimonsguy/hvac-policy/internal/controllers/zonecontroller"
	"github.com/thatsimonsguy/hvac-policy/internal/gateway"
	"github.com/thatsimonsguy/hvac-policy/internal/model"
	"github.com/thatsimonsguy/hvac-policy/internal/modes"
)

var (
	ErrUnknownRoom = errors.New("unknown room")
	// ErrProtected means an equipment protection timer blocks the action.
	ErrProtected = errors.New("equipment protection active")
	ErrNoDevice  = errors.New("no device can serve this action")
)

// ManualResult lists the commands a manual action issued. Devices already
// in the requested state get no command.
type ManualResult struct {
	Room     string                `json:"room"`
	Action   model.Action          `json:"action"`
	Source   model.Family          `json:"source,omitempty"`
	Commands []model.CommandRecord `json:"commands"`
}

// ManualAction applies action to a room outside its schedule. On and off
// still respect the cooldown and minimum-on timers. The action ends any
// override on the devices it touches.
func (c *Controller) ManualAction(ctx context.Context, roomName string, action model.Action) (ManualResult, error) {
	room, ok := c.findRoom(roomName)
	if !ok {
		return ManualResult{}, fmt.Errorf("%s: %w", roomName, ErrUnknownRoom)
	}
	defer c.lockRoom(room.Name)()

	res := ManualResult{Room: room.Name, Action: action}
	now := c.now()

	if action == model.ActionResume {
		return c.resume(ctx, room, res, now)
	}
	if action != model.ActionOn && action != model.ActionOff {
		return res, fmt.Errorf("unsupported action %q", action)
	}

	// the room is planned as if enabled so a disabled room can still be driven by hand
	room.Disabled = false
	plan, err := c.eval.Plan(room, zonecontroller.Conditions{
		Now:     now,
		Modes:   c.modes.Get(),
		SolarW:  c.solarOutput(),
		Outdoor: c.outdoor(ctx),
	})
	if err != nil {
		return res, err
	}
	if plan.Skip == model.SkipNoSource {
		return res, fmt.Errorf("%s: %s: %w", room.Name, plan.Detail, ErrNoDevice)
	}
	res.Source = plan.Source
	keys := c.included(plan.Devices)
	if len(keys) == 0 {
		return res, fmt.Errorf("%s: every bound device is excluded: %w", room.Name, ErrNoDevice)
	}

	decision := model.DecisionOn
	if action == model.ActionOff {
		decision = model.DecisionOff
	}
	c.refresh(ctx, keys, now)
	recs := c.state.Records(keys)
	if ok, wait, blocker := c.eval.Protection.CanToggleGroup(recs, decision, now); !ok {
		return res, fmt.Errorf("%s blocked for %s: %w", blocker, wait.Round(time.Second), ErrProtected)
	}

	var firstErr error
	for _, rec := range recs {
		c.clearOverride(ctx, rec.Key, now)
		if rec.PowerOn == (decision == model.DecisionOn) && !rec.LastStateChange.IsZero() {
			continue
		}
		cmd := model.Command{Action: model.ActionOff}
		if decision == model.DecisionOn {
			cmd = c.eval.OnCommand(plan, rec.Key.Family)
		}
		cr, err := c.dispatch(ctx, room.Name, zonecontroller.DeviceCommand{Device: rec.Key, Command: cmd}, model.OriginManual)
		res.Commands = append(res.Commands, cr)
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return res, firstErr
}

// resume hands every bound device that runs its own schedule back to it.
func (c *Controller) resume(ctx context.Context, room model.Room, res ManualResult, now time.Time) (ManualResult, error) {
	var firstErr error
	for _, key := range c.included(room.Bindings.All()) {
		if _, ok := c.devices[key.Family].(gateway.ScheduleResumer); !ok {
			continue
		}
		c.clearOverride(ctx, key, now)
		cr, err := c.dispatch(ctx, room.Name, zonecontroller.DeviceCommand{Device: key, Command: model.Command{Action: model.ActionResume}}, model.OriginManual)
		res.Commands = append(res.Commands, cr)
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if len(res.Commands) == 0 && firstErr == nil {
		return res, fmt.Errorf("%s has no device with its own schedule: %w", room.Name, ErrNoDevice)
	}
	return res, firstErr
}

// refresh stores a fresh reading of each device; unreadable devices keep
// their stored record.
func (c *Controller) refresh(ctx context.Context, keys []model.DeviceKey, now time.Time) {
	for _, key := range keys {
		dev := c.devices[key.Family]
		if dev == nil {
			continue
		}
		obs, err := dev.State(ctx, key.Name)
		if err != nil {
			log.Warn().Err(err).Str("device", key.String()).Msg("Using stored state for manual action")
			continue
		}
		obs.Temperature = c.readings.Check(key, obs.Temperature, now)
		if _, err := c.state.Observe(ctx, key, obs, now); err != nil {
			log.Warn().Err(err).Str("device", key.String()).Msg("Failed to store device reading")
		}
	}
}

func (c *Controller) clearOverride(ctx context.Context, key model.DeviceKey, now time.Time) {
	if _, err := c.overrides.Clear(ctx, key, now); err != nil {
		log.Warn().Err(err).Str("device", key.String()).Msg("Failed to clear override")
	}
}

func (c *Controller) findRoom(name string) (model.Room, bool) {
	for _, r := range c.cfg.ResolvedRooms() {
		if r.Name == name {
			return r, true
		}
	}
	return model.Room{}, false
}

func (c *Controller) solarOutput() *float64 {
	if c.solar == nil {
		return nil
	}
	return c.solar.SolarOutput()
}

// Overrides lists the overrides currently suspending automation.
func (c *Controller) Overrides(ctx context.Context) ([]model.OverrideRecord, error) {
	return c.overrides.Active(ctx, c.now())
}

// ClearOverride hands a device back to automation at once.
func (c *Controller) ClearOverride(ctx context.Context, key model.DeviceKey) (bool, error) {
	return c.overrides.Clear(ctx, key, c.now())
}

func (c *Controller) Modes() modes.State {
	return c.modes.Get()
}

func (c *Controller) SetModes(ctx context.Context, st modes.State) (modes.State, error) {
	return c.modes.Set(ctx, st)
}

func (c *Controller) PolicyEnabled(ctx context.Context) (bool, error) {
	return db.GetPolicyEnabled(ctx, c.db)
}

func (c *Controller) SetPolicyEnabled(ctx context.Context, enabled bool) error {
	if err := db.SetPolicyEnabled(ctx, c.db, enabled); err != nil {
		return err
	}
	log.Info().Bool("enabled", enabled).Msg("Policy flag changed")
	return nil
}

// Commands returns the newest command records first.
func (c *Controller) Commands(ctx context.Context, limit int) ([]model.CommandRecord, error) {
	return db.ListCommands(ctx, c.db, limit)
}
