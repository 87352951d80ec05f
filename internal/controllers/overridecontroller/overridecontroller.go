package overridecontroller

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/hvac-policy/db"
	"github.com/thatsimonsguy/hvac-policy/internal/config"
	"github.com/thatsimonsguy/hvac-policy/internal/datadog"
	"github.com/thatsimonsguy/hvac-policy/internal/model"
)

// Detector notices people operating devices by hand. A device whose
// observed power differs from the last command sent to it is overridden and
// left alone until the override expires.
type Detector struct {
	db       *sql.DB
	Grace    time.Duration
	Duration time.Duration
	// Lapse is how long a command holds on a device with its own
	// schedule. Zero means commands never run out.
	Lapse time.Duration
}

func New(conn *sql.DB, p config.PolicyConfig) *Detector {
	return &Detector{db: conn, Grace: p.OverrideGrace(), Duration: p.OverrideDuration(), Lapse: p.Overlay()}
}

// Lapsed returns the latest successful command when its overlay has run
// out and the device, back on its own schedule, no longer matches it.
func (d *Detector) Lapsed(ctx context.Context, key model.DeviceKey, obs model.Observation, now time.Time) (*model.CommandRecord, error) {
	if !obs.OwnSchedule || d.Lapse <= 0 {
		return nil, nil
	}
	last, err := db.GetLatestCommand(ctx, d.db, key, true)
	if err != nil {
		return nil, err
	}
	if !d.lapsed(last, obs, now) {
		return nil, nil
	}
	return last, nil
}

func (d *Detector) lapsed(last *model.CommandRecord, obs model.Observation, now time.Time) bool {
	if last == nil || !obs.OwnSchedule || d.Lapse <= 0 {
		return false
	}
	if last.Command.Action != model.ActionOn && last.Command.Action != model.ActionOff {
		return false
	}
	return model.PowerAction(obs.PowerOn) != last.Command.Action && now.Sub(last.IssuedAt) >= d.Lapse
}

// Check returns the device's active override, if any. Otherwise it compares
// the observed power with the latest successful command and records a new
// override on a mismatch; created reports that case. Commands younger than
// the grace period are not compared, nor are commands already covered by an
// earlier override or whose overlay has lapsed.
func (d *Detector) Check(ctx context.Context, key model.DeviceKey, obs model.Observation, now time.Time) (rec *model.OverrideRecord, created bool, err error) {
	existing, err := db.GetOverride(ctx, d.db, key)
	if err != nil {
		return nil, false, err
	}
	if existing != nil && existing.Active(now) {
		return existing, false, nil
	}

	last, err := db.GetLatestCommand(ctx, d.db, key, true)
	if err != nil {
		return nil, false, err
	}
	if last == nil || (last.Command.Action != model.ActionOn && last.Command.Action != model.ActionOff) {
		return nil, false, nil
	}
	if existing != nil && !last.IssuedAt.After(existing.DetectedAt) {
		return nil, false, nil
	}
	if now.Sub(last.IssuedAt) <= d.Grace {
		return nil, false, nil
	}

	observed := model.PowerAction(obs.PowerOn)
	if observed == last.Command.Action {
		return nil, false, nil
	}
	if d.lapsed(last, obs, now) {
		log.Debug().Str("device", key.String()).Time("issued_at", last.IssuedAt).Msg("Overlay lapsed, device is on its own schedule")
		return nil, false, nil
	}

	rec = &model.OverrideRecord{
		Device:     key,
		DetectedAt: now,
		ExpiresAt:  now.Add(d.Duration),
		Expected:   last.Command.Action,
		Observed:   observed,
		Reason:     fmt.Sprintf("observed %s, last command %s at %s", observed, last.Command.Action, last.IssuedAt.Format(time.RFC3339)),
	}
	if err := db.UpsertOverride(ctx, d.db, *rec); err != nil {
		return nil, false, err
	}
	datadog.Incr("override.detected", "family:"+string(key.Family))
	log.Warn().
		Str("device", key.String()).
		Str("expected", string(rec.Expected)).
		Str("observed", string(rec.Observed)).
		Time("expires_at", rec.ExpiresAt).
		Msg("Manual override detected, suspending automation")
	return rec, true, nil
}

// Active lists the overrides in force at now.
func (d *Detector) Active(ctx context.Context, now time.Time) ([]model.OverrideRecord, error) {
	all, err := db.ListOverrides(ctx, d.db)
	if err != nil {
		return nil, err
	}
	var out []model.OverrideRecord
	for _, o := range all {
		if o.Active(now) {
			out = append(out, o)
		}
	}
	return out, nil
}

// Clear ends a device's override at once. It reports whether the device
// had an active override.
func (d *Detector) Clear(ctx context.Context, key model.DeviceKey, now time.Time) (bool, error) {
	existing, err := db.GetOverride(ctx, d.db, key)
	if err != nil {
		return false, err
	}
	if existing == nil || !existing.Active(now) {
		return false, nil
	}
	if _, err := db.ExpireOverride(ctx, d.db, key, now.Add(-time.Second)); err != nil {
		return false, err
	}
	log.Info().Str("device", key.String()).Msg("Override cleared")
	return true, nil
}
