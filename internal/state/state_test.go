package state

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thatsimonsguy/hvac-policy/db"
	"github.com/thatsimonsguy/hvac-policy/internal/model"
)

var living = model.DeviceKey{Family: model.FamilyAC, Name: "Living"}

func newStore(t *testing.T) *Store {
	t.Helper()
	conn, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	s, err := Load(context.Background(), conn)
	require.NoError(t, err)
	return s
}

func temp(v float64) *float64 { return &v }

func TestObserve(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	t0 := time.Date(2024, 1, 10, 7, 0, 0, 0, time.UTC)

	rec, err := s.Observe(ctx, living, model.Observation{Temperature: temp(19), PowerOn: false}, t0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Version)
	assert.True(t, rec.LastStateChange.IsZero(), "first observation is not a state change")

	rec, err = s.Observe(ctx, living, model.Observation{Temperature: temp(19.2), PowerOn: true}, t0.Add(15*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(2), rec.Version)
	assert.True(t, t0.Add(15*time.Minute).Equal(rec.LastStateChange))
	assert.True(t, t0.Add(15*time.Minute).Equal(rec.LastTurnedOn))

	reloaded, err := Load(ctx, s.db)
	require.NoError(t, err)
	got, ok := reloaded.Get(living)
	require.True(t, ok)
	assert.Equal(t, 19.2, *got.Temperature)
	assert.True(t, got.PowerOn)
}

func TestRecordDispatch(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	t0 := time.Date(2024, 1, 10, 7, 0, 0, 0, time.UTC)

	_, err := s.Observe(ctx, living, model.Observation{Temperature: temp(19)}, t0)
	require.NoError(t, err)

	failed := model.CommandRecord{ID: "c1", Device: living, Command: model.Command{Action: model.ActionOn, Setpoint: 23}, IssuedAt: t0, Error: "rate limited"}
	require.NoError(t, s.RecordDispatch(ctx, failed))
	rec, _ := s.Get(living)
	assert.False(t, rec.PowerOn, "failed command leaves the device untouched")
	assert.Equal(t, int64(1), rec.Version)

	ok := failed
	ok.ID, ok.Success, ok.Error = "c2", true, ""
	require.NoError(t, s.RecordDispatch(ctx, ok))
	rec, _ = s.Get(living)
	assert.True(t, rec.PowerOn)
	assert.True(t, t0.Equal(rec.LastStateChange))
	assert.True(t, t0.Equal(rec.LastTurnedOn))
	assert.Equal(t, int64(2), rec.Version)

	latest, err := db.GetLatestCommand(ctx, s.db, living, true)
	require.NoError(t, err)
	assert.Equal(t, "c2", latest.ID)
}

func TestStaleWriteReloads(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	t0 := time.Date(2024, 1, 10, 7, 0, 0, 0, time.UTC)

	_, err := s.Observe(ctx, living, model.Observation{}, t0)
	require.NoError(t, err)

	// another process writes a newer version
	require.NoError(t, db.PutDeviceRecord(ctx, s.db, model.DeviceRecord{Key: living, PowerOn: true, Version: 5}))

	_, err = s.Observe(ctx, living, model.Observation{}, t0.Add(time.Minute))
	assert.ErrorIs(t, err, db.ErrStaleRecord)

	rec, _ := s.Get(living)
	assert.Equal(t, int64(5), rec.Version)

	_, err = s.Observe(ctx, living, model.Observation{}, t0.Add(2*time.Minute))
	require.NoError(t, err)
}

func TestRecordsFillsUnknownDevices(t *testing.T) {
	s := newStore(t)
	recs := s.Records([]model.DeviceKey{living})
	require.Len(t, recs, 1)
	assert.Equal(t, living, recs[0].Key)
	assert.Equal(t, int64(0), recs[0].Version)
}
