package policycontroller

import (
	"time"

	"github.com/thatsimonsguy/hvac-policy/internal/controllers/zonecontroller"
	"github.com/thatsimonsguy/hvac-policy/internal/model"
	"github.com/thatsimonsguy/hvac-policy/internal/modes"
)

// RoomStatus is the outcome of one room in the last cycle.
type RoomStatus struct {
	Room        string                `json:"room"`
	Period      string                `json:"period,omitempty"`
	Scheduled   float64               `json:"scheduled"`
	Target      float64               `json:"target"`
	Modifiers   []string              `json:"modifiers,omitempty"`
	Source      model.Family          `json:"source,omitempty"`
	Devices     []model.DeviceKey     `json:"devices,omitempty"`
	Temperature *float64              `json:"temperature,omitempty"`
	PowerOn     bool                  `json:"power_on"`
	Decision    model.Decision        `json:"decision"`
	Reason      model.SkipReason      `json:"reason,omitempty"`
	Detail      string                `json:"detail,omitempty"`
	Error       string                `json:"error,omitempty"`
	Commands    []model.CommandRecord `json:"commands,omitempty"`
	EvaluatedAt time.Time             `json:"evaluated_at"`
}

func (rs *RoomStatus) fromPlan(p zonecontroller.Plan) {
	rs.Period = p.Period
	rs.Scheduled = p.Scheduled
	rs.Target = p.Target
	rs.Modifiers = p.Modifiers
	rs.Source = p.Source
	rs.Devices = p.Devices
}

func (rs *RoomStatus) fromOutcome(o zonecontroller.Outcome) {
	rs.Temperature = o.Temperature
	rs.PowerOn = o.PowerOn
	rs.Decision = o.Decision
	rs.Reason = o.Reason
	rs.Detail = o.Detail
}

type Status struct {
	CycleID       string                `json:"cycle_id"`
	StartedAt     time.Time             `json:"started_at"`
	FinishedAt    time.Time             `json:"finished_at"`
	PolicyEnabled bool                  `json:"policy_enabled"`
	Outdoor       *float64              `json:"outdoor,omitempty"`
	SolarW        *float64              `json:"solar_w,omitempty"`
	Modes         modes.State           `json:"modes"`
	Available     map[model.Family]bool `json:"available,omitempty"`
	Rooms         []RoomStatus          `json:"rooms"`
	// devices whose temperature readings are currently rejected
	UntrustedSensors []model.DeviceKey `json:"untrusted_sensors,omitempty"`
}

func (s Status) clone() Status {
	out := s
	out.Rooms = append([]RoomStatus(nil), s.Rooms...)
	out.UntrustedSensors = append([]model.DeviceKey(nil), s.UntrustedSensors...)
	if s.Available != nil {
		out.Available = make(map[model.Family]bool, len(s.Available))
		for k, v := range s.Available {
			out.Available[k] = v
		}
	}
	return out
}

// Status returns the result of the last completed cycle. CycleID is empty
// before the first cycle.
func (c *Controller) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status.clone()
}

// Room returns the last status of one room.
func (c *Controller) Room(name string) (RoomStatus, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, rs := range c.status.Rooms {
		if rs.Room == name {
			return rs, true
		}
	}
	return RoomStatus{}, false
}

// Running reports whether a cycle is in flight.
func (c *Controller) Running() bool {
	return c.running.Load()
}
