package schedule

import (
	"fmt"
	"sort"
	"time"

	"github.com/thatsimonsguy/hvac-policy/internal/model"
)

// Horizon bounds the search for the next setpoint change.
const Horizon = 24 * time.Hour

// Target is the scheduled setpoint for a room at one instant.
type Target struct {
	Setpoint float64
	Period   string
	// AC carries per-period AC settings, nil when the period has none.
	AC       *model.ACSettings
	Override bool
}

// Evaluate returns the room's scheduled setpoint at now, read in loc. The
// first matching room override wins; otherwise the base period whose
// [start, next start) window contains now applies.
func Evaluate(room model.Room, now time.Time, loc *time.Location) (Target, error) {
	local := now.In(loc)
	for i, o := range room.Overrides {
		if o.Matches(local) {
			return Target{Setpoint: o.Setpoint, Period: fmt.Sprintf("override-%d", i+1), Override: true}, nil
		}
	}
	if room.Schedule == nil {
		return Target{}, fmt.Errorf("room %s has no schedule: %w", room.Name, model.ErrConfiguration)
	}

	p, ok := periodAt(room.Schedule, local)
	if !ok {
		return Target{}, fmt.Errorf("room %s: no %s period matches %s: %w",
			room.Name, room.Schedule.Kind(), model.Clock(local), model.ErrConfiguration)
	}
	return Target{Setpoint: p.Setpoint, Period: p.Name, AC: p.AC}, nil
}

func periodAt(spec model.ScheduleSpec, local time.Time) (model.Period, bool) {
	clock := model.Clock(local)
	periods := spec.Periods(local.Weekday())
	for i := len(periods) - 1; i >= 0; i-- {
		if periods[i].Start <= clock {
			return periods[i], true
		}
	}
	// before the first start of the day the previous day's last period runs on
	prev := spec.Periods(local.AddDate(0, 0, -1).Weekday())
	if len(prev) == 0 {
		return model.Period{}, false
	}
	return prev[len(prev)-1], true
}

// NextBoundary returns the first instant after now, within Horizon, at which
// the evaluated setpoint differs from the current one. Period starts with
// an unchanged setpoint are not boundaries.
func NextBoundary(room model.Room, now time.Time, loc *time.Location) (time.Time, bool) {
	current, err := Evaluate(room, now, loc)
	if err != nil {
		return time.Time{}, false
	}
	for _, at := range candidates(room, now, loc) {
		next, err := Evaluate(room, at, loc)
		if err != nil {
			continue
		}
		if next.Setpoint != current.Setpoint {
			return at, true
		}
	}
	return time.Time{}, false
}

// candidates lists every period start and override edge in (now, now+Horizon].
func candidates(room model.Room, now time.Time, loc *time.Location) []time.Time {
	local := now.In(loc)
	end := now.Add(Horizon)

	var out []time.Time
	add := func(day time.Time, tod model.TimeOfDay) {
		at := time.Date(day.Year(), day.Month(), day.Day(), int(tod)/60, int(tod)%60, 0, 0, loc)
		if at.After(now) && !at.After(end) {
			out = append(out, at)
		}
	}
	for d := 0; d <= 1; d++ {
		day := local.AddDate(0, 0, d)
		if room.Schedule != nil {
			for _, p := range room.Schedule.Periods(day.Weekday()) {
				add(day, p.Start)
			}
		}
		for _, o := range room.Overrides {
			add(day, o.Start)
			add(day, o.End)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	var uniq []time.Time
	for _, t := range out {
		if len(uniq) == 0 || !t.Equal(uniq[len(uniq)-1]) {
			uniq = append(uniq, t)
		}
	}
	return uniq
}
