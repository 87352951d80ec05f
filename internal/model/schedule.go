package model

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// TimeOfDay is minutes since local midnight.
type TimeOfDay int

const MinutesPerDay = 24 * 60

func ParseTimeOfDay(s string) (TimeOfDay, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("invalid time of day %q: %w", s, err)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid time of day %q", s)
	}
	return TimeOfDay(h*60 + m), nil
}

func Clock(t time.Time) TimeOfDay {
	return TimeOfDay(t.Hour()*60 + t.Minute())
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", int(t)/60, int(t)%60)
}

// InRange reports whether t is in [start, end), wrapping past midnight when
// end is before start. start == end is an empty range.
func InRange(start, end, t TimeOfDay) bool {
	if start <= end {
		return t >= start && t < end
	}
	return t >= start || t < end
}

// DayMask is a bit set of weekdays; bit n is time.Weekday(n).
type DayMask uint8

const (
	Weekdays DayMask = 1<<time.Monday | 1<<time.Tuesday | 1<<time.Wednesday | 1<<time.Thursday | 1<<time.Friday
	AllDays  DayMask = 0x7f
)

func (m DayMask) Contains(d time.Weekday) bool {
	return m&(1<<uint(d)) != 0
}

var dayNames = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
}

// ParseDays accepts three-letter day names. An empty list means every day.
func ParseDays(days []string) (DayMask, error) {
	if len(days) == 0 {
		return AllDays, nil
	}
	var m DayMask
	for _, d := range days {
		name := strings.ToLower(strings.TrimSpace(d))
		if len(name) > 3 {
			name = name[:3]
		}
		wd, ok := dayNames[name]
		if !ok {
			return 0, fmt.Errorf("unknown day %q", d)
		}
		m |= 1 << uint(wd)
	}
	return m, nil
}

// ScheduleOverride replaces the base schedule inside [Start, End) on the
// masked days.
type ScheduleOverride struct {
	Start    TimeOfDay
	End      TimeOfDay
	Setpoint float64
	Days     DayMask
}

func (o ScheduleOverride) Matches(t time.Time) bool {
	return o.Days.Contains(t.Weekday()) && InRange(o.Start, o.End, Clock(t))
}

type ScheduleKind string

const (
	ScheduleThreePeriod ScheduleKind = "three-period"
	ScheduleFourPeriod  ScheduleKind = "four-period"
	ScheduleWorkday     ScheduleKind = "workday"
	ScheduleSimple      ScheduleKind = "simple"
)

type Period struct {
	Name     string
	Start    TimeOfDay
	Setpoint float64
	AC       *ACSettings
}

// ScheduleSpec is implemented by each schedule shape. Periods returns the
// day's periods; the evaluator orders them and wraps the last one past
// midnight.
type ScheduleSpec interface {
	Kind() ScheduleKind
	Periods(day time.Weekday) []Period
}

type ThreePeriod struct {
	Day, Evening, Night        float64
	DayStart, EveStart, EveEnd TimeOfDay
}

func (s ThreePeriod) Kind() ScheduleKind { return ScheduleThreePeriod }

func (s ThreePeriod) Periods(time.Weekday) []Period {
	return sortPeriods([]Period{
		{Name: "day", Start: s.DayStart, Setpoint: s.Day},
		{Name: "evening", Start: s.EveStart, Setpoint: s.Evening},
		{Name: "night", Start: s.EveEnd, Setpoint: s.Night},
	})
}

type FourPeriod struct {
	Night, Morning, Day, Evening float64

	MorningStart, MorningEnd TimeOfDay
	EveningStart, EveningEnd TimeOfDay

	// per-period AC options, nil falls back to the room's settings
	NightAC, MorningAC, DayAC, EveningAC *ACSettings
}

func (s FourPeriod) Kind() ScheduleKind { return ScheduleFourPeriod }

func (s FourPeriod) Periods(time.Weekday) []Period {
	return sortPeriods([]Period{
		{Name: "morning", Start: s.MorningStart, Setpoint: s.Morning, AC: s.MorningAC},
		{Name: "day", Start: s.MorningEnd, Setpoint: s.Day, AC: s.DayAC},
		{Name: "evening", Start: s.EveningStart, Setpoint: s.Evening, AC: s.EveningAC},
		{Name: "night", Start: s.EveningEnd, Setpoint: s.Night, AC: s.NightAC},
	})
}

type Workday struct {
	Work, Idle float64
	Start, End TimeOfDay
	Days       DayMask
}

func (s Workday) Kind() ScheduleKind { return ScheduleWorkday }

func (s Workday) Periods(day time.Weekday) []Period {
	days := s.Days
	if days == 0 {
		days = Weekdays
	}
	if !days.Contains(day) {
		return []Period{{Name: "idle", Start: 0, Setpoint: s.Idle}}
	}
	return sortPeriods([]Period{
		{Name: "work", Start: s.Start, Setpoint: s.Work},
		{Name: "idle", Start: s.End, Setpoint: s.Idle},
	})
}

type Simple struct {
	Setpoint float64
}

func (s Simple) Kind() ScheduleKind { return ScheduleSimple }

func (s Simple) Periods(time.Weekday) []Period {
	return []Period{{Name: "all-day", Start: 0, Setpoint: s.Setpoint}}
}

func sortPeriods(p []Period) []Period {
	sort.SliceStable(p, func(i, j int) bool { return p[i].Start < p[j].Start })
	return p
}
