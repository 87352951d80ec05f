package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/thatsimonsguy/hvac-policy/internal/model"
)

func resolveSchedule(sc ScheduleConfig) (model.ScheduleSpec, error) {
	var missing []string
	need := func(name string, v *float64) float64 {
		if v == nil {
			missing = append(missing, name)
			return 0
		}
		return *v
	}
	clock := func(name, v string) model.TimeOfDay {
		t, err := model.ParseTimeOfDay(v)
		if err != nil {
			missing = append(missing, name)
		}
		return t
	}
	done := func(spec model.ScheduleSpec) (model.ScheduleSpec, error) {
		if len(missing) > 0 {
			return nil, fmt.Errorf("%s schedule missing or invalid: %s", spec.Kind(), strings.Join(missing, ", "))
		}
		return spec, nil
	}

	switch model.ScheduleKind(strings.ToLower(sc.Type)) {
	case model.ScheduleThreePeriod:
		return done(model.ThreePeriod{
			Day:      need("day", sc.Day),
			Evening:  need("eve", sc.Eve),
			Night:    need("night", sc.Night),
			DayStart: clock("day_start", sc.DayStart),
			EveStart: clock("eve_start", sc.EveStart),
			EveEnd:   clock("eve_end", sc.EveEnd),
		})

	case model.ScheduleFourPeriod:
		spec := model.FourPeriod{
			Night:        need("night", sc.Night),
			Morning:      need("morning", sc.Morning),
			Day:          need("day", sc.Day),
			Evening:      need("evening", sc.Evening),
			MorningStart: clock("morning_start", sc.MorningStart),
			MorningEnd:   clock("morning_end", sc.MorningEnd),
			EveningStart: clock("evening_start", sc.EveningStart),
			EveningEnd:   clock("evening_end", sc.EveningEnd),
		}
		var err error
		for _, p := range []struct {
			name string
			in   *ACConfig
			out  **model.ACSettings
		}{
			{"night_ac", sc.NightAC, &spec.NightAC},
			{"morning_ac", sc.MorningAC, &spec.MorningAC},
			{"day_ac", sc.DayAC, &spec.DayAC},
			{"evening_ac", sc.EveningAC, &spec.EveningAC},
		} {
			if *p.out, err = resolveACPtr(p.in); err != nil {
				missing = append(missing, p.name)
			}
		}
		return done(spec)

	case model.ScheduleWorkday:
		days := model.Weekdays
		if len(sc.Days) > 0 {
			mask, err := model.ParseDays(sc.Days)
			if err != nil {
				missing = append(missing, "days")
			}
			days = mask
		}
		return done(model.Workday{
			Work:  need("work", sc.Work),
			Idle:  need("idle", sc.Idle),
			Start: clock("start", sc.Start),
			End:   clock("end", sc.End),
			Days:  days,
		})

	case model.ScheduleSimple:
		return done(model.Simple{Setpoint: need("setpoint", sc.Setpoint)})

	case "":
		return nil, errors.New("type is required")
	}
	return nil, fmt.Errorf("unknown schedule type %q", sc.Type)
}
