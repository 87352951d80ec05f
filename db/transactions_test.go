package db

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thatsimonsguy/hvac-policy/internal/model"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

var (
	livingAC  = model.DeviceKey{Family: model.FamilyAC, Name: "Living AC"}
	bedroomRd = model.DeviceKey{Family: model.FamilyRadiator, Name: "Bedroom"}
)

func TestDeviceRecordVersioning(t *testing.T) {
	ctx := context.Background()
	conn := openTestDB(t)

	t0 := time.Date(2024, 1, 10, 7, 0, 0, 0, time.UTC)
	temp := 19.5
	rec := model.DeviceRecord{
		Key:             livingAC,
		Temperature:     &temp,
		PowerOn:         true,
		LastStateChange: t0,
		LastTurnedOn:    t0,
		ObservedAt:      t0,
		Version:         1,
	}
	require.NoError(t, PutDeviceRecord(ctx, conn, rec))

	err := PutDeviceRecord(ctx, conn, rec)
	assert.ErrorIs(t, err, ErrStaleRecord)

	rec.Version = 2
	rec.PowerOn = false
	rec.Temperature = nil
	require.NoError(t, PutDeviceRecord(ctx, conn, rec))

	records, err := GetDeviceRecords(ctx, conn)
	require.NoError(t, err)
	require.Len(t, records, 1)
	got := records[0]
	assert.Equal(t, livingAC, got.Key)
	assert.False(t, got.PowerOn)
	assert.Nil(t, got.Temperature)
	assert.True(t, t0.Equal(got.LastStateChange))
	assert.True(t, t0.Equal(got.LastTurnedOn))
	assert.Equal(t, int64(2), got.Version)
}

func TestCommandHistory(t *testing.T) {
	ctx := context.Background()
	conn := openTestDB(t)

	t0 := time.Date(2024, 1, 10, 7, 0, 0, 0, time.UTC)
	ok := model.CommandRecord{
		ID:       "cmd-1",
		Device:   bedroomRd,
		Room:     "bedroom",
		Command:  model.Command{Action: model.ActionOn, Setpoint: 21},
		Origin:   model.OriginPolicy,
		IssuedAt: t0,
		Success:  true,
	}
	failed := ok
	failed.ID = "cmd-2"
	failed.Command.Action = model.ActionOff
	failed.IssuedAt = t0.Add(15 * time.Minute)
	failed.Success = false
	failed.Error = "rate limited"

	require.NoError(t, InsertCommand(ctx, conn, ok))
	require.NoError(t, RecordDispatch(ctx, conn, failed, nil))

	latest, err := GetLatestCommand(ctx, conn, bedroomRd, false)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "cmd-2", latest.ID)
	assert.Equal(t, "rate limited", latest.Error)

	latest, err = GetLatestCommand(ctx, conn, bedroomRd, true)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "cmd-1", latest.ID)
	assert.Equal(t, model.ActionOn, latest.Command.Action)
	assert.Equal(t, 21.0, latest.Command.Setpoint)
	assert.True(t, t0.Equal(latest.IssuedAt))

	none, err := GetLatestCommand(ctx, conn, livingAC, true)
	require.NoError(t, err)
	assert.Nil(t, none)

	all, err := ListCommands(ctx, conn, 10)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "cmd-2", all[0].ID)
}

func TestRecordDispatchWritesDeviceRecord(t *testing.T) {
	ctx := context.Background()
	conn := openTestDB(t)

	now := time.Date(2024, 1, 10, 7, 0, 0, 0, time.UTC)
	cmd := model.CommandRecord{ID: "cmd-1", Device: livingAC, Command: model.Command{Action: model.ActionOn}, Origin: model.OriginManual, IssuedAt: now, Success: true}
	rec := model.DeviceRecord{Key: livingAC, PowerOn: true, LastStateChange: now, LastTurnedOn: now, Version: 1}

	require.NoError(t, RecordDispatch(ctx, conn, cmd, &rec))

	// a stale record rolls back the command insert as well
	cmd.ID = "cmd-2"
	err := RecordDispatch(ctx, conn, cmd, &rec)
	assert.ErrorIs(t, err, ErrStaleRecord)

	all, err := ListCommands(ctx, conn, 10)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestRecordDispatchRollsBackOnError(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO device_commands")).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO device_records")).WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	now := time.Now()
	err = RecordDispatch(context.Background(), conn,
		model.CommandRecord{ID: "cmd-1", Device: livingAC, Command: model.Command{Action: model.ActionOff}, IssuedAt: now, Success: true},
		&model.DeviceRecord{Key: livingAC, Version: 3})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk I/O error")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOverrides(t *testing.T) {
	ctx := context.Background()
	conn := openTestDB(t)

	detected := time.Date(2024, 1, 10, 7, 6, 0, 0, time.UTC)
	rec := model.OverrideRecord{
		Device:     livingAC,
		DetectedAt: detected,
		ExpiresAt:  detected.Add(time.Hour),
		Expected:   model.ActionOn,
		Observed:   model.ActionOff,
		Reason:     "observed off, last command on",
	}
	require.NoError(t, UpsertOverride(ctx, conn, rec))

	got, err := GetOverride(ctx, conn, livingAC)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, rec.ExpiresAt.Equal(got.ExpiresAt))
	assert.Equal(t, model.ActionOff, got.Observed)

	found, err := ExpireOverride(ctx, conn, livingAC, detected.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, found)

	got, err = GetOverride(ctx, conn, livingAC)
	require.NoError(t, err)
	assert.False(t, got.Active(detected.Add(2*time.Minute)))

	found, err = ExpireOverride(ctx, conn, bedroomRd, detected)
	require.NoError(t, err)
	assert.False(t, found)

	missing, err := GetOverride(ctx, conn, bedroomRd)
	require.NoError(t, err)
	assert.Nil(t, missing)

	all, err := ListOverrides(ctx, conn)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestLeases(t *testing.T) {
	ctx := context.Background()
	conn := openTestDB(t)
	now := time.Date(2024, 1, 10, 7, 0, 0, 0, time.UTC)

	ok, err := AcquireLease(ctx, conn, "tado-refresh", "a", 30*time.Second, now)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = AcquireLease(ctx, conn, "tado-refresh", "b", 30*time.Second, now.Add(time.Second))
	require.NoError(t, err)
	assert.False(t, ok, "held lease must not be taken over")

	ok, err = AcquireLease(ctx, conn, "tado-refresh", "a", 30*time.Second, now.Add(2*time.Second))
	require.NoError(t, err)
	assert.True(t, ok, "holder may extend")

	ok, err = AcquireLease(ctx, conn, "tado-refresh", "b", 30*time.Second, now.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok, "expired lease can be taken")

	require.NoError(t, ReleaseLease(ctx, conn, "tado-refresh", "b"))
	ok, err = AcquireLease(ctx, conn, "tado-refresh", "a", 30*time.Second, now.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSecretsAndSystemState(t *testing.T) {
	ctx := context.Background()
	conn := openTestDB(t)
	now := time.Now()

	_, found, err := GetSecret(ctx, conn, "tado_refresh_token")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, SetSecret(ctx, conn, "tado_refresh_token", "r1", now))
	require.NoError(t, SetSecret(ctx, conn, "tado_refresh_token", "r2", now))
	value, found, err := GetSecret(ctx, conn, "tado_refresh_token")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "r2", value)

	require.NoError(t, DeleteSecret(ctx, conn, "tado_refresh_token"))
	_, found, err = GetSecret(ctx, conn, "tado_refresh_token")
	require.NoError(t, err)
	assert.False(t, found)

	enabled, err := GetPolicyEnabled(ctx, conn)
	require.NoError(t, err)
	assert.True(t, enabled, "policy defaults to enabled")

	require.NoError(t, SetPolicyEnabled(ctx, conn, false))
	enabled, err = GetPolicyEnabled(ctx, conn)
	require.NoError(t, err)
	assert.False(t, enabled)

	doc, err := GetModes(ctx, conn)
	require.NoError(t, err)
	assert.Nil(t, doc)
	require.NoError(t, SetModes(ctx, conn, []byte(`{"eco":{"enabled":true}}`)))
	doc, err = GetModes(ctx, conn)
	require.NoError(t, err)
	assert.JSONEq(t, `{"eco":{"enabled":true}}`, string(doc))

	require.NoError(t, RecordCycle(ctx, conn, now))
}
