package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrConfiguration marks problems that are fatal to a single room's cycle:
// a missing device binding or a schedule with no matching period.
var ErrConfiguration = errors.New("configuration error")

type Family string

const (
	FamilyAC       Family = "ac"
	FamilyRadiator Family = "radiator"
)

func ParseFamily(s string) (Family, error) {
	// vendor names are accepted for the family they serve
	switch strings.ToLower(strings.TrimSpace(s)) {
	case string(FamilyAC), "melcloud":
		return FamilyAC, nil
	case string(FamilyRadiator), "tado":
		return FamilyRadiator, nil
	}
	return "", fmt.Errorf("unknown device family %q", s)
}

// DeviceKey identifies one physical device. Names are the vendor display
// names (tado zone name, melcloud unit name).
type DeviceKey struct {
	Family Family `json:"family"`
	Name   string `json:"name"`
}

func (k DeviceKey) String() string {
	return string(k.Family) + "/" + k.Name
}

type BindingKind int

const (
	BindingNone BindingKind = iota
	BindingSingle
	BindingGroup
)

func (k BindingKind) String() string {
	switch k {
	case BindingSingle:
		return "single"
	case BindingGroup:
		return "group"
	default:
		return "none"
	}
}

// ACBinding is the set of AC units serving a room: none, a single unit or
// a group that is always switched together.
type ACBinding struct {
	kind  BindingKind
	units []string
}

func NoAC() ACBinding {
	return ACBinding{kind: BindingNone}
}

func SingleAC(unit string) ACBinding {
	return ACBinding{kind: BindingSingle, units: []string{unit}}
}

// GroupAC collapses to NoAC or SingleAC for fewer than two units.
func GroupAC(units ...string) ACBinding {
	switch len(units) {
	case 0:
		return NoAC()
	case 1:
		return SingleAC(units[0])
	}
	cp := make([]string, len(units))
	copy(cp, units)
	return ACBinding{kind: BindingGroup, units: cp}
}

func (b ACBinding) Kind() BindingKind { return b.kind }

func (b ACBinding) Units() []string {
	cp := make([]string, len(b.units))
	copy(cp, b.units)
	return cp
}

func (b ACBinding) String() string {
	if b.kind == BindingNone {
		return "none"
	}
	return b.kind.String() + "(" + strings.Join(b.units, ",") + ")"
}

type Bindings struct {
	Radiator string
	AC       ACBinding
}

func (b Bindings) HasRadiator() bool { return b.Radiator != "" }
func (b Bindings) HasAC() bool       { return b.AC.Kind() != BindingNone }

// Devices returns the device keys bound for the given family.
func (b Bindings) Devices(f Family) []DeviceKey {
	var keys []DeviceKey
	switch f {
	case FamilyRadiator:
		if b.HasRadiator() {
			keys = append(keys, DeviceKey{Family: FamilyRadiator, Name: b.Radiator})
		}
	case FamilyAC:
		for _, u := range b.AC.units {
			keys = append(keys, DeviceKey{Family: FamilyAC, Name: u})
		}
	}
	return keys
}

func (b Bindings) All() []DeviceKey {
	return append(b.Devices(FamilyRadiator), b.Devices(FamilyAC)...)
}

type ACMode string

const (
	ACModeHeat ACMode = "heat"
	ACModeCool ACMode = "cool"
	ACModeDry  ACMode = "dry"
	ACModeFan  ACMode = "fan"
	ACModeAuto ACMode = "auto"
)

// ACSettings are the per-room options sent with an AC turn-on.
// Vanes reports whether the unit accepts vane commands at all.
type ACSettings struct {
	Mode            ACMode `json:"mode"`
	FanSpeed        int    `json:"fan_speed"`
	SwingHorizontal bool   `json:"swing_horizontal"`
	SwingVertical   bool   `json:"swing_vertical"`
	Vanes           bool   `json:"vanes"`
}

func DefaultACSettings() ACSettings {
	return ACSettings{Mode: ACModeHeat}
}

type Room struct {
	Name      string
	Floor     string
	Disabled  bool
	Bindings  Bindings
	AC        ACSettings
	Schedule  ScheduleSpec
	Overrides []ScheduleOverride
}

type BlackoutWindow struct {
	Name      string
	Start     TimeOfDay
	End       TimeOfDay
	AppliesTo []Family
	Enabled   bool
	Reason    string
}

// Applies reports whether the window covers the family. An empty
// AppliesTo covers every family.
func (w BlackoutWindow) Applies(f Family) bool {
	if len(w.AppliesTo) == 0 {
		return true
	}
	for _, a := range w.AppliesTo {
		if a == f {
			return true
		}
	}
	return false
}

func (w BlackoutWindow) Contains(t TimeOfDay) bool {
	return InRange(w.Start, w.End, t)
}

type Decision string

const (
	DecisionOn       Decision = "on"
	DecisionOff      Decision = "off"
	DecisionMaintain Decision = "maintain"
	DecisionSkip     Decision = "skip"
)

type SkipReason string

const (
	SkipCooldown          SkipReason = "cooldown_active"
	SkipTransition        SkipReason = "transition_blocked"
	SkipBlackout          SkipReason = "blackout_blocked"
	SkipNoSource          SkipReason = "no_source"
	SkipNoTemperature     SkipReason = "no_temperature"
	SkipOverridden        SkipReason = "overridden"
	SkipVendorUnavailable SkipReason = "vendor_unavailable"
	SkipRoomDisabled      SkipReason = "room_disabled"
	SkipPolicyDisabled    SkipReason = "policy_disabled"
)

type Action string

const (
	ActionOn     Action = "on"
	ActionOff    Action = "off"
	ActionResume Action = "resume"
)

func ParseAction(s string) (Action, error) {
	switch Action(strings.ToLower(s)) {
	case ActionOn, "heat":
		return ActionOn, nil
	case ActionOff:
		return ActionOff, nil
	case ActionResume:
		return ActionResume, nil
	}
	return "", fmt.Errorf("unknown action %q", s)
}

// Command is what the gateway sends to a device. Setpoint is the device
// setpoint, already offset for AC units.
type Command struct {
	Action   Action      `json:"action"`
	Setpoint float64     `json:"setpoint,omitempty"`
	AC       *ACSettings `json:"ac,omitempty"`
}

// Observation is one read of a device's current state.
type Observation struct {
	Temperature    *float64
	PowerOn        bool
	HeatingPercent *float64
	SetTemperature *float64
	// OwnSchedule is set when the device runs its own schedule with no
	// overlay in place. Devices without a schedule never set it.
	OwnSchedule bool
}

// DeviceRecord is the persisted per-device control state. Version increments
// on every write.
type DeviceRecord struct {
	Key             DeviceKey `json:"key"`
	Temperature     *float64  `json:"temperature,omitempty"`
	PowerOn         bool      `json:"power_on"`
	LastStateChange time.Time `json:"last_state_change"`
	LastTurnedOn    time.Time `json:"last_turned_on"`
	ObservedAt      time.Time `json:"observed_at"`
	Version         int64     `json:"version"`
}

type CommandOrigin string

const (
	OriginPolicy CommandOrigin = "policy"
	OriginManual CommandOrigin = "manual"
	OriginRenew  CommandOrigin = "renew"
)

type CommandRecord struct {
	ID       string        `json:"id"`
	Device   DeviceKey     `json:"device"`
	Room     string        `json:"room"`
	Command  Command       `json:"command"`
	Origin   CommandOrigin `json:"origin"`
	IssuedAt time.Time     `json:"issued_at"`
	Success  bool          `json:"success"`
	Error    string        `json:"error,omitempty"`
}

type OverrideRecord struct {
	Device     DeviceKey `json:"device"`
	DetectedAt time.Time `json:"detected_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	Expected   Action    `json:"expected"`
	Observed   Action    `json:"observed"`
	Reason     string    `json:"reason"`
}

// Active reports whether automation is still suspended. The override
// ends only once now is strictly after ExpiresAt.
func (o OverrideRecord) Active(now time.Time) bool {
	return !now.After(o.ExpiresAt)
}

func PowerAction(on bool) Action {
	if on {
		return ActionOn
	}
	return ActionOff
}
