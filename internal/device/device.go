package device

import (
	"time"

	"github.com/thatsimonsguy/hvac-policy/internal/config"
	"github.com/thatsimonsguy/hvac-policy/internal/model"
)

// Hysteresis returns the raw decision for a device. Comparisons are strict,
// so a temperature exactly on target±deadband keeps the current state.
func Hysteresis(powerOn bool, temp, target, deadband float64) model.Decision {
	switch {
	case powerOn && temp > target+deadband:
		return model.DecisionOff
	case !powerOn && temp < target-deadband:
		return model.DecisionOn
	}
	return model.DecisionMaintain
}

// Setpoint is the value sent to the hardware. AC units get the offset added
// when heating and subtracted when cooling so their own thermostat does not
// cut out early; radiators take the target as is.
func Setpoint(f model.Family, target, offset float64, mode model.ACMode) float64 {
	if f != model.FamilyAC {
		return target
	}
	switch mode {
	case model.ACModeHeat, "":
		return target + offset
	case model.ACModeCool:
		return target - offset
	}
	return target
}

// Protection holds the equipment cooldown rules per device family.
type Protection struct {
	MinSwitch map[model.Family]time.Duration
	MinOn     map[model.Family]time.Duration
}

func NewProtection(p config.PolicyConfig) Protection {
	return Protection{
		MinSwitch: map[model.Family]time.Duration{
			model.FamilyAC:       time.Duration(p.ACMinSwitchMinutes) * time.Minute,
			model.FamilyRadiator: time.Duration(p.RadiatorMinSwitchMinutes) * time.Minute,
		},
		MinOn: map[model.Family]time.Duration{
			model.FamilyAC: time.Duration(p.ACMinOnMinutes) * time.Minute,
		},
	}
}

// CanToggle reports whether rec may transition per decision at now, and if
// not, how long remains. Cooldowns run from the last state change; the
// minimum on time runs from the last turn-on and only gates OFF.
func (p Protection) CanToggle(rec model.DeviceRecord, decision model.Decision, now time.Time) (bool, time.Duration) {
	if decision != model.DecisionOn && decision != model.DecisionOff {
		return true, 0
	}

	var remaining time.Duration
	if !rec.LastStateChange.IsZero() {
		remaining = rec.LastStateChange.Add(p.MinSwitch[rec.Key.Family]).Sub(now)
	}
	if decision == model.DecisionOff && rec.PowerOn && !rec.LastTurnedOn.IsZero() {
		if r := rec.LastTurnedOn.Add(p.MinOn[rec.Key.Family]).Sub(now); r > remaining {
			remaining = r
		}
	}
	if remaining > 0 {
		return false, remaining
	}
	return true, 0
}

// CanToggleGroup applies CanToggle to every device of a group. One device
// on cooldown blocks the whole group; the longest wait is returned with
// the device causing it.
func (p Protection) CanToggleGroup(recs []model.DeviceRecord, decision model.Decision, now time.Time) (bool, time.Duration, model.DeviceKey) {
	var (
		longest time.Duration
		blocker model.DeviceKey
	)
	for _, rec := range recs {
		if ok, wait := p.CanToggle(rec, decision, now); !ok && wait > longest {
			longest = wait
			blocker = rec.Key
		}
	}
	return longest == 0, longest, blocker
}
