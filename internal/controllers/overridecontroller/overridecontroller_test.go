package overridecontroller

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thatsimonsguy/hvac-policy/db"
	"github.com/thatsimonsguy/hvac-policy/internal/config"
	"github.com/thatsimonsguy/hvac-policy/internal/model"
)

var (
	livingAC = model.DeviceKey{Family: model.FamilyAC, Name: "Living AC"}

	on  = model.Observation{PowerOn: true}
	off = model.Observation{}
)

func setup(t *testing.T) *Detector {
	t.Helper()
	conn, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return New(conn, config.PolicyConfig{OverrideGraceMinutes: 5, OverrideDurationMinutes: 60, OverlayMinutes: 60})
}

func issue(t *testing.T, d *Detector, id string, action model.Action, at time.Time, success bool) {
	t.Helper()
	require.NoError(t, db.InsertCommand(context.Background(), d.db, model.CommandRecord{
		ID: id, Device: livingAC, Command: model.Command{Action: action}, Origin: model.OriginPolicy, IssuedAt: at, Success: success,
	}))
}

func TestOverrideLifecycle(t *testing.T) {
	ctx := context.Background()
	d := setup(t)
	t0 := time.Date(2024, 1, 10, 7, 0, 0, 0, time.UTC)
	issue(t, d, "c1", model.ActionOn, t0, true)

	// inside the grace period a mismatch is command latency
	rec, created, err := d.Check(ctx, livingAC, off, t0.Add(4*time.Minute))
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.False(t, created)

	detectedAt := t0.Add(6 * time.Minute)
	rec, created, err = d.Check(ctx, livingAC, off, detectedAt)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.True(t, created)
	assert.True(t, detectedAt.Add(60*time.Minute).Equal(rec.ExpiresAt))
	assert.Equal(t, model.ActionOn, rec.Expected)
	assert.Equal(t, model.ActionOff, rec.Observed)

	// still suppressed on the expiry instant, even if the device now agrees
	rec, created, err = d.Check(ctx, livingAC, on, rec.ExpiresAt)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.False(t, created)

	// once expired the old command is not compared again
	rec, _, err = d.Check(ctx, livingAC, off, detectedAt.Add(60*time.Minute+time.Second))
	require.NoError(t, err)
	assert.Nil(t, rec)

	active, err := d.Active(ctx, detectedAt.Add(61*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestOverrideIgnoresFailedCommands(t *testing.T) {
	ctx := context.Background()
	d := setup(t)
	t0 := time.Date(2024, 1, 10, 7, 0, 0, 0, time.UTC)
	issue(t, d, "c1", model.ActionOff, t0, true)
	issue(t, d, "c2", model.ActionOn, t0.Add(time.Minute), false)

	rec, _, err := d.Check(ctx, livingAC, off, t0.Add(20*time.Minute))
	require.NoError(t, err)
	assert.Nil(t, rec, "device matches the last command that actually reached it")
}

func TestOverrideWithoutHistory(t *testing.T) {
	d := setup(t)
	rec, _, err := d.Check(context.Background(), livingAC, on, time.Now())
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestClear(t *testing.T) {
	ctx := context.Background()
	d := setup(t)
	t0 := time.Date(2024, 1, 10, 7, 0, 0, 0, time.UTC)
	issue(t, d, "c1", model.ActionOn, t0, true)

	now := t0.Add(10 * time.Minute)
	_, created, err := d.Check(ctx, livingAC, off, now)
	require.NoError(t, err)
	require.True(t, created)

	active, err := d.Active(ctx, now)
	require.NoError(t, err)
	assert.Len(t, active, 1)

	cleared, err := d.Clear(ctx, livingAC, now.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, cleared)

	rec, _, err := d.Check(ctx, livingAC, off, now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Nil(t, rec, "a cleared override is not raised again for the same command")

	cleared, err = d.Clear(ctx, livingAC, now.Add(3*time.Minute))
	require.NoError(t, err)
	assert.False(t, cleared)

	// a newer command that is contradicted again raises a fresh override
	issue(t, d, "c2", model.ActionOn, now.Add(5*time.Minute), true)
	_, created, err = d.Check(ctx, livingAC, off, now.Add(11*time.Minute))
	require.NoError(t, err)
	assert.True(t, created)
}

func TestLapsedOverlayIsNotAnOverride(t *testing.T) {
	t0 := time.Date(2024, 1, 10, 7, 0, 0, 0, time.UTC)
	scheduledOn := model.Observation{PowerOn: true, OwnSchedule: true}

	tests := []struct {
		name     string
		obs      model.Observation
		at       time.Duration
		override bool
		lapsed   bool
	}{
		{name: "schedule took over after the overlay ran out", obs: scheduledOn, at: 75 * time.Minute, lapsed: true},
		{name: "overlay ran out exactly now", obs: scheduledOn, at: 60 * time.Minute, lapsed: true},
		{name: "schedule resumed by hand before the overlay ran out", obs: scheduledOn, at: 30 * time.Minute, override: true},
		{name: "changed by hand after the overlay would have run out", obs: on, at: 75 * time.Minute, override: true},
		{name: "schedule agrees with the command", obs: model.Observation{OwnSchedule: true}, at: 75 * time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			d := setup(t)
			issue(t, d, "c1", model.ActionOff, t0, true)

			last, err := d.Lapsed(ctx, livingAC, tt.obs, t0.Add(tt.at))
			require.NoError(t, err)
			if tt.lapsed {
				require.NotNil(t, last)
				assert.Equal(t, "c1", last.ID)
			} else {
				assert.Nil(t, last)
			}

			rec, created, err := d.Check(ctx, livingAC, tt.obs, t0.Add(tt.at))
			require.NoError(t, err)
			assert.Equal(t, tt.override, created)
			assert.Equal(t, tt.override, rec != nil)
		})
	}
}

func TestLapseDisabled(t *testing.T) {
	ctx := context.Background()
	d := setup(t)
	d.Lapse = 0
	t0 := time.Date(2024, 1, 10, 7, 0, 0, 0, time.UTC)
	issue(t, d, "c1", model.ActionOff, t0, true)

	obs := model.Observation{PowerOn: true, OwnSchedule: true}
	last, err := d.Lapsed(ctx, livingAC, obs, t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Nil(t, last)

	_, created, err := d.Check(ctx, livingAC, obs, t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.True(t, created)
}
