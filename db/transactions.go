package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/thatsimonsguy/hvac-policy/internal/model"
)

// ErrStaleRecord is returned when a device record write carries a version
// that is not newer than the stored one.
var ErrStaleRecord = errors.New("stale device record")

// StartTransaction starts a new database transaction.
func StartTransaction(db *sql.DB) (*sql.Tx, error) {
	tx, err := db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	return tx, nil
}

// CommitTransaction commits the given transaction.
func CommitTransaction(tx *sql.Tx) error {
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// RollbackTransaction rolls back the given transaction.
func RollbackTransaction(tx *sql.Tx) {
	tx.Rollback()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func putDeviceRecord(ctx context.Context, ex execer, rec model.DeviceRecord) error {
	var temp any
	if rec.Temperature != nil {
		temp = *rec.Temperature
	}
	res, err := ex.ExecContext(ctx, `INSERT INTO device_records (device_key, family, name, temperature, power_on, last_state_change, last_turned_on, observed_at, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_key) DO UPDATE SET
			temperature = excluded.temperature,
			power_on = excluded.power_on,
			last_state_change = excluded.last_state_change,
			last_turned_on = excluded.last_turned_on,
			observed_at = excluded.observed_at,
			version = excluded.version
		WHERE device_records.version < excluded.version`,
		rec.Key.String(), string(rec.Key.Family), rec.Key.Name, temp, rec.PowerOn,
		formatTime(rec.LastStateChange), formatTime(rec.LastTurnedOn), formatTime(rec.ObservedAt), rec.Version)
	if err != nil {
		return fmt.Errorf("update device record %s: %w", rec.Key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update device record %s: %w", rec.Key, err)
	}
	if n == 0 {
		return fmt.Errorf("update device record %s at version %d: %w", rec.Key, rec.Version, ErrStaleRecord)
	}
	return nil
}

func insertCommand(ctx context.Context, ex execer, rec model.CommandRecord) error {
	_, err := ex.ExecContext(ctx, `INSERT INTO device_commands (id, device_key, family, name, room, action, payload, origin, issued_at, success, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Device.String(), string(rec.Device.Family), rec.Device.Name, rec.Room, string(rec.Command.Action),
		marshalJSON(rec.Command), string(rec.Origin), formatTime(rec.IssuedAt), rec.Success, rec.Error)
	if err != nil {
		return fmt.Errorf("insert command %s: %w", rec.ID, err)
	}
	return nil
}

// PutDeviceRecord writes rec if its version is newer than the stored one.
func PutDeviceRecord(ctx context.Context, db *sql.DB, rec model.DeviceRecord) error {
	return putDeviceRecord(ctx, db, rec)
}

// InsertCommand appends a command to the history.
func InsertCommand(ctx context.Context, db *sql.DB, rec model.CommandRecord) error {
	return insertCommand(ctx, db, rec)
}

// RecordDispatch appends the command and, when rec is non-nil, writes the
// updated device record in the same transaction.
func RecordDispatch(ctx context.Context, db *sql.DB, cmd model.CommandRecord, rec *model.DeviceRecord) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("start transaction: %w", err)
	}
	if err := insertCommand(ctx, tx, cmd); err != nil {
		tx.Rollback()
		return err
	}
	if rec != nil {
		if err := putDeviceRecord(ctx, tx, *rec); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func UpsertOverride(ctx context.Context, db *sql.DB, rec model.OverrideRecord) error {
	_, err := db.ExecContext(ctx, `INSERT INTO device_overrides (device_key, family, name, detected_at, expires_at, expected, observed, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_key) DO UPDATE SET
			detected_at = excluded.detected_at,
			expires_at = excluded.expires_at,
			expected = excluded.expected,
			observed = excluded.observed,
			reason = excluded.reason`,
		rec.Device.String(), string(rec.Device.Family), rec.Device.Name, formatTime(rec.DetectedAt), formatTime(rec.ExpiresAt),
		string(rec.Expected), string(rec.Observed), rec.Reason)
	if err != nil {
		return fmt.Errorf("upsert override %s: %w", rec.Device, err)
	}
	return nil
}

// ExpireOverride moves an override's expiry to at. It reports false when the
// device has no override.
func ExpireOverride(ctx context.Context, db *sql.DB, key model.DeviceKey, at time.Time) (bool, error) {
	res, err := db.ExecContext(ctx, `UPDATE device_overrides SET expires_at = ? WHERE device_key = ?`, formatTime(at), key.String())
	if err != nil {
		return false, fmt.Errorf("expire override %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("expire override %s: %w", key, err)
	}
	return n > 0, nil
}

func SetSecret(ctx context.Context, db *sql.DB, key, value string, now time.Time) error {
	_, err := db.ExecContext(ctx, `INSERT INTO secrets (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, formatTime(now))
	if err != nil {
		return fmt.Errorf("set secret %s: %w", key, err)
	}
	return nil
}

func DeleteSecret(ctx context.Context, db *sql.DB, key string) error {
	if _, err := db.ExecContext(ctx, `DELETE FROM secrets WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete secret %s: %w", key, err)
	}
	return nil
}

// AcquireLease takes the named lease for owner until now+ttl. It succeeds
// when the lease is free, expired, or already held by owner.
func AcquireLease(ctx context.Context, db *sql.DB, name, owner string, ttl time.Duration, now time.Time) (bool, error) {
	res, err := db.ExecContext(ctx, `INSERT INTO leases (name, owner, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET owner = excluded.owner, expires_at = excluded.expires_at
		WHERE leases.expires_at < ? OR leases.owner = excluded.owner`,
		name, owner, now.Add(ttl).UnixMilli(), now.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", name, err)
	}
	return n > 0, nil
}

func ReleaseLease(ctx context.Context, db *sql.DB, name, owner string) error {
	if _, err := db.ExecContext(ctx, `DELETE FROM leases WHERE name = ? AND owner = ?`, name, owner); err != nil {
		return fmt.Errorf("release lease %s: %w", name, err)
	}
	return nil
}

func SetPolicyEnabled(ctx context.Context, db *sql.DB, enabled bool) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("start transaction: %w", err)
	}
	_, err = tx.ExecContext(ctx, `UPDATE system_state SET policy_enabled = ? WHERE id = 1`, enabled)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("update policy flag: %w", err)
	}
	return tx.Commit()
}

func RecordCycle(ctx context.Context, db *sql.DB, at time.Time) error {
	if _, err := db.ExecContext(ctx, `UPDATE system_state SET last_cycle_at = ? WHERE id = 1`, formatTime(at)); err != nil {
		return fmt.Errorf("record cycle: %w", err)
	}
	return nil
}

func SetModes(ctx context.Context, db *sql.DB, doc []byte) error {
	if _, err := db.ExecContext(ctx, `UPDATE system_state SET modes = ? WHERE id = 1`, string(doc)); err != nil {
		return fmt.Errorf("update modes: %w", err)
	}
	return nil
}
