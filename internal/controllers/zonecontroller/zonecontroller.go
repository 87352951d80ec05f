package zonecontroller

import (
	"fmt"
	"time"

	"github.com/thatsimonsguy/hvac-policy/internal/config"
	"github.com/thatsimonsguy/hvac-policy/internal/device"
	"github.com/thatsimonsguy/hvac-policy/internal/model"
	"github.com/thatsimonsguy/hvac-policy/internal/modes"
	"github.com/thatsimonsguy/hvac-policy/internal/schedule"
)

// Evaluator turns a room's schedule, the modes and its devices' state into
// a decision. It performs no I/O.
type Evaluator struct {
	Deadband      float64
	HeatingOffset float64
	ACMinOutdoor  float64
	Transition    time.Duration
	Blackouts     []model.BlackoutWindow
	Protection    device.Protection
	Location      *time.Location
}

func New(cfg *config.Config) *Evaluator {
	return &Evaluator{
		Deadband:      cfg.Policy.Deadband,
		HeatingOffset: cfg.Policy.HeatingOffset,
		ACMinOutdoor:  cfg.ACMinOutdoor(),
		Transition:    cfg.Policy.TransitionThreshold(),
		Blackouts:     cfg.Blackouts(),
		Protection:    device.NewProtection(cfg.Policy),
		Location:      cfg.Location(),
	}
}

// Conditions are the cycle-wide inputs shared by every room.
type Conditions struct {
	Now     time.Time
	Modes   modes.State
	SolarW  *float64
	Outdoor *float64
	// Available is false for a family whose vendor could not authenticate
	// this cycle.
	Available map[model.Family]bool
}

// Plan is a room's target and chosen source, before any device is read.
type Plan struct {
	Room      model.Room
	Scheduled float64
	Target    float64
	Period    string
	Modifiers []string
	Source    model.Family
	Devices   []model.DeviceKey
	AC        model.ACSettings
	Skip      model.SkipReason
	Detail    string
}

// SelectSource picks the one family that serves the room this cycle: AC
// when bound and the outdoor temperature is at or above the threshold,
// otherwise the radiator. An unknown outdoor temperature falls back to the
// radiator.
func SelectSource(b model.Bindings, acAvailable bool, outdoor *float64, threshold float64) (model.Family, bool) {
	if b.HasAC() && acAvailable && outdoor != nil && *outdoor >= threshold {
		return model.FamilyAC, true
	}
	if b.HasRadiator() {
		return model.FamilyRadiator, true
	}
	return "", false
}

// Plan evaluates the schedule and modes for a room and selects its source.
// The only error is a configuration error for the room.
func (e *Evaluator) Plan(room model.Room, c Conditions) (Plan, error) {
	p := Plan{Room: room, AC: room.AC}
	if room.Disabled {
		p.Skip = model.SkipRoomDisabled
		return p, nil
	}

	target, err := schedule.Evaluate(room, c.Now, e.Location)
	if err != nil {
		return p, err
	}
	p.Scheduled = target.Setpoint
	p.Period = target.Period
	if target.AC != nil {
		p.AC = *target.AC
	}
	p.Target, p.Modifiers = c.Modes.Apply(target.Setpoint, c.SolarW, c.Now)

	source, ok := SelectSource(room.Bindings, available(c, model.FamilyAC), c.Outdoor, e.ACMinOutdoor)
	if !ok {
		p.Skip = model.SkipNoSource
		if c.Outdoor == nil {
			p.Detail = "outdoor temperature unknown and no radiator bound"
		} else {
			p.Detail = "no device bound for the current outdoor temperature"
		}
		return p, nil
	}
	p.Source = source
	p.Devices = room.Bindings.Devices(source)
	if !available(c, source) {
		p.Skip = model.SkipVendorUnavailable
		p.Detail = fmt.Sprintf("%s vendor unavailable", source)
	}
	return p, nil
}

func available(c Conditions, f model.Family) bool {
	if c.Available == nil {
		return true
	}
	return c.Available[f]
}

// DeviceCommand is one command to send for a decision.
type DeviceCommand struct {
	Device  model.DeviceKey
	Command model.Command
}

type Outcome struct {
	Decision    model.Decision
	Reason      model.SkipReason
	Detail      string
	Temperature *float64
	PowerOn     bool
	Commands    []DeviceCommand
}

func skip(reason model.SkipReason, detail string) Outcome {
	return Outcome{Decision: model.DecisionSkip, Reason: reason, Detail: detail}
}

// Decide applies hysteresis and the guards to the selected devices' records.
// A group is treated as one device: its temperature is the mean of the units
// reporting one and it is on when any unit is on.
func (e *Evaluator) Decide(p Plan, recs []model.DeviceRecord, now time.Time) Outcome {
	if p.Skip != "" {
		return skip(p.Skip, p.Detail)
	}

	temp, on := aggregate(recs)
	if temp == nil {
		return skip(model.SkipNoTemperature, "no device reported a temperature")
	}

	out := Outcome{Temperature: temp, PowerOn: on}
	out.Decision = device.Hysteresis(on, *temp, p.Target, e.Deadband)
	if out.Decision == model.DecisionMaintain {
		return out
	}

	if ok, wait, blocker := e.Protection.CanToggleGroup(recs, out.Decision, now); !ok {
		return withReading(skip(model.SkipCooldown,
			fmt.Sprintf("cooldown active, %ds remaining (%s)", int(wait.Round(time.Second)/time.Second), blocker)), out)
	}

	if out.Decision == model.DecisionOn {
		if boundary, ok := schedule.NextBoundary(p.Room, now, e.Location); ok && boundary.Sub(now) < e.Transition {
			return withReading(skip(model.SkipTransition,
				fmt.Sprintf("next period change in %s", boundary.Sub(now).Round(time.Second))), out)
		}
		clock := model.Clock(now.In(e.Location))
		for _, w := range e.Blackouts {
			if w.Enabled && w.Applies(p.Source) && w.Contains(clock) {
				return withReading(skip(model.SkipBlackout, fmt.Sprintf("blackout %s: %s", w.Name, w.Reason)), out)
			}
		}
	}

	out.Commands = e.commands(p, recs, out.Decision)
	return out
}

// commands targets only the units not already in the wanted state.
func (e *Evaluator) commands(p Plan, recs []model.DeviceRecord, decision model.Decision) []DeviceCommand {
	var cmds []DeviceCommand
	for _, rec := range recs {
		switch {
		case decision == model.DecisionOn && !rec.PowerOn:
			cmds = append(cmds, DeviceCommand{Device: rec.Key, Command: e.OnCommand(p, rec.Key.Family)})
		case decision == model.DecisionOff && rec.PowerOn:
			cmds = append(cmds, DeviceCommand{Device: rec.Key, Command: model.Command{Action: model.ActionOff}})
		}
	}
	return cmds
}

// OnCommand builds the turn-on command for a device of family f serving p.
func (e *Evaluator) OnCommand(p Plan, f model.Family) model.Command {
	cmd := model.Command{
		Action:   model.ActionOn,
		Setpoint: device.Setpoint(f, p.Target, e.HeatingOffset, p.AC.Mode),
	}
	if f == model.FamilyAC {
		ac := p.AC
		cmd.AC = &ac
	}
	return cmd
}

func withReading(o, reading Outcome) Outcome {
	o.Temperature = reading.Temperature
	o.PowerOn = reading.PowerOn
	return o
}

func aggregate(recs []model.DeviceRecord) (*float64, bool) {
	var (
		sum float64
		n   int
		on  bool
	)
	for _, r := range recs {
		if r.Temperature != nil {
			sum += *r.Temperature
			n++
		}
		on = on || r.PowerOn
	}
	if n == 0 {
		return nil, on
	}
	mean := sum / float64(n)
	return &mean, on
}
