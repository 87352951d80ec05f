package sim

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thatsimonsguy/hvac-policy/internal/gateway"
	"github.com/thatsimonsguy/hvac-policy/internal/model"
)

var (
	_ gateway.Device          = (*Device)(nil)
	_ gateway.ScheduleResumer = (*Device)(nil)
	_ gateway.Weather         = (*Weather)(nil)
)

func TestDeviceDrift(t *testing.T) {
	now := time.Date(2024, 1, 10, 7, 0, 0, 0, time.UTC)
	d := NewDevice(model.FamilyRadiator, func() time.Time { return now }, "Bedroom")
	ctx := context.Background()

	require.NoError(t, d.TurnOn(ctx, "Bedroom", model.Command{Action: model.ActionOn, Setpoint: 21}))
	now = now.Add(30 * time.Minute)

	obs, err := d.State(ctx, "Bedroom")
	require.NoError(t, err)
	assert.True(t, obs.PowerOn)
	assert.InDelta(t, 20.0, *obs.Temperature, 0.001)

	now = now.Add(2 * time.Hour)
	obs, err = d.State(ctx, "Bedroom")
	require.NoError(t, err)
	assert.InDelta(t, 21.0, *obs.Temperature, 0.001, "heating stops at the setpoint")

	require.NoError(t, d.TurnOff(ctx, "Bedroom"))
	now = now.Add(time.Hour)
	obs, err = d.State(ctx, "Bedroom")
	require.NoError(t, err)
	assert.False(t, obs.PowerOn)
	assert.InDelta(t, 20.5, *obs.Temperature, 0.001)

	assert.Len(t, d.Calls(), 2)
}

func TestTimedOverlayLapses(t *testing.T) {
	now := time.Date(2024, 1, 10, 7, 0, 0, 0, time.UTC)
	d := NewDevice(model.FamilyRadiator, func() time.Time { return now }, "Bedroom")
	d.Overlay = time.Hour
	d.SetSchedule("Bedroom", true)
	ctx := context.Background()

	obs, err := d.State(ctx, "Bedroom")
	require.NoError(t, err)
	assert.True(t, obs.PowerOn)
	assert.True(t, obs.OwnSchedule)

	require.NoError(t, d.TurnOff(ctx, "Bedroom"))
	now = now.Add(59 * time.Minute)
	obs, err = d.State(ctx, "Bedroom")
	require.NoError(t, err)
	assert.False(t, obs.PowerOn)
	assert.False(t, obs.OwnSchedule)

	now = now.Add(time.Minute)
	obs, err = d.State(ctx, "Bedroom")
	require.NoError(t, err)
	assert.True(t, obs.PowerOn, "the schedule takes over again")
	assert.True(t, obs.OwnSchedule)

	// a change by hand does not run out
	d.Touch("Bedroom", 19, false)
	now = now.Add(3 * time.Hour)
	obs, err = d.State(ctx, "Bedroom")
	require.NoError(t, err)
	assert.False(t, obs.PowerOn)
	assert.False(t, obs.OwnSchedule)
}

func TestDeviceFailures(t *testing.T) {
	d := NewDevice(model.FamilyAC, nil, "Living")
	ctx := context.Background()

	_, err := d.State(ctx, "Attic")
	assert.ErrorIs(t, err, model.ErrConfiguration)

	d.SetFailure("Living", gateway.ErrRateLimited)
	assert.ErrorIs(t, d.TurnOff(ctx, "Living"), gateway.ErrRateLimited)
	d.SetFailure("Living", nil)
	assert.NoError(t, d.TurnOff(ctx, "Living"))

	d.SetAuthError(gateway.ErrAuthentication)
	assert.ErrorIs(t, d.Authenticate(ctx), gateway.ErrAuthentication)
}

func TestWeather(t *testing.T) {
	w := NewWeather(4.9)
	temp, err := w.OutdoorTemperature(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4.9, *temp)

	w.SetOutdoor(nil, errors.New("unreachable"))
	temp, err = w.OutdoorTemperature(context.Background())
	assert.Error(t, err)
	assert.Nil(t, temp)
}
