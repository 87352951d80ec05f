package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/thatsimonsguy/hvac-policy/internal/model"
)

// GetDeviceRecords returns every persisted device record.
func GetDeviceRecords(ctx context.Context, db *sql.DB) ([]model.DeviceRecord, error) {
	rows, err := db.QueryContext(ctx, `SELECT family, name, temperature, power_on, last_state_change, last_turned_on, observed_at, version FROM device_records`)
	if err != nil {
		return nil, fmt.Errorf("failed to query device records: %w", err)
	}
	defer rows.Close()

	var records []model.DeviceRecord
	for rows.Next() {
		var (
			rec                        model.DeviceRecord
			family                     string
			temp                       sql.NullFloat64
			changed, turnedOn, observed sql.NullString
		)
		if err := rows.Scan(&family, &rec.Key.Name, &temp, &rec.PowerOn, &changed, &turnedOn, &observed, &rec.Version); err != nil {
			return nil, fmt.Errorf("failed to scan device record: %w", err)
		}
		rec.Key.Family = model.Family(family)
		if temp.Valid {
			v := temp.Float64
			rec.Temperature = &v
		}
		if rec.LastStateChange, err = parseTime(changed); err != nil {
			return nil, err
		}
		if rec.LastTurnedOn, err = parseTime(turnedOn); err != nil {
			return nil, err
		}
		if rec.ObservedAt, err = parseTime(observed); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

const commandColumns = `id, family, name, room, payload, origin, issued_at, success, error`

func scanCommand(scan func(dest ...any) error) (model.CommandRecord, error) {
	var (
		rec             model.CommandRecord
		family, payload string
		room, errText   sql.NullString
		issued          sql.NullString
	)
	if err := scan(&rec.ID, &family, &rec.Device.Name, &room, &payload, &rec.Origin, &issued, &rec.Success, &errText); err != nil {
		return rec, err
	}
	rec.Device.Family = model.Family(family)
	rec.Room = room.String
	rec.Error = errText.String
	if err := json.Unmarshal([]byte(payload), &rec.Command); err != nil {
		return rec, fmt.Errorf("failed to decode command payload: %w", err)
	}
	issuedAt, err := parseTime(issued)
	if err != nil {
		return rec, err
	}
	rec.IssuedAt = issuedAt
	return rec, nil
}

// GetLatestCommand returns the most recent command for a device, or nil if
// none was ever recorded. With successOnly, failed dispatches are ignored.
func GetLatestCommand(ctx context.Context, db *sql.DB, key model.DeviceKey, successOnly bool) (*model.CommandRecord, error) {
	query := `SELECT ` + commandColumns + ` FROM device_commands WHERE device_key = ?`
	if successOnly {
		query += ` AND success = TRUE`
	}
	query += ` ORDER BY seq DESC LIMIT 1`

	rec, err := scanCommand(db.QueryRowContext(ctx, query, key.String()).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest command for %s: %w", key, err)
	}
	return &rec, nil
}

// ListCommands returns the newest commands first.
func ListCommands(ctx context.Context, db *sql.DB, limit int) ([]model.CommandRecord, error) {
	rows, err := db.QueryContext(ctx, `SELECT `+commandColumns+` FROM device_commands ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query commands: %w", err)
	}
	defer rows.Close()

	var out []model.CommandRecord
	for rows.Next() {
		rec, err := scanCommand(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan command: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

const overrideColumns = `family, name, detected_at, expires_at, expected, observed, reason`

func scanOverride(scan func(dest ...any) error) (model.OverrideRecord, error) {
	var (
		rec                        model.OverrideRecord
		family                     string
		detected, expires          sql.NullString
		expected, observed, reason sql.NullString
	)
	if err := scan(&family, &rec.Device.Name, &detected, &expires, &expected, &observed, &reason); err != nil {
		return rec, err
	}
	rec.Device.Family = model.Family(family)
	rec.Expected = model.Action(expected.String)
	rec.Observed = model.Action(observed.String)
	rec.Reason = reason.String

	var err error
	if rec.DetectedAt, err = parseTime(detected); err != nil {
		return rec, err
	}
	if rec.ExpiresAt, err = parseTime(expires); err != nil {
		return rec, err
	}
	return rec, nil
}

// GetOverride returns the stored override for a device, expired or not.
func GetOverride(ctx context.Context, db *sql.DB, key model.DeviceKey) (*model.OverrideRecord, error) {
	rec, err := scanOverride(db.QueryRowContext(ctx, `SELECT `+overrideColumns+` FROM device_overrides WHERE device_key = ?`, key.String()).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get override for %s: %w", key, err)
	}
	return &rec, nil
}

func ListOverrides(ctx context.Context, db *sql.DB) ([]model.OverrideRecord, error) {
	rows, err := db.QueryContext(ctx, `SELECT `+overrideColumns+` FROM device_overrides ORDER BY detected_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query overrides: %w", err)
	}
	defer rows.Close()

	var out []model.OverrideRecord
	for rows.Next() {
		rec, err := scanOverride(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan override: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// GetSecret returns the stored value and whether it exists.
func GetSecret(ctx context.Context, db *sql.DB, key string) (string, bool, error) {
	var value string
	err := db.QueryRowContext(ctx, `SELECT value FROM secrets WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get secret %s: %w", key, err)
	}
	return value, true, nil
}

func GetPolicyEnabled(ctx context.Context, db *sql.DB) (bool, error) {
	var enabled bool
	err := db.QueryRowContext(ctx, `SELECT policy_enabled FROM system_state WHERE id = 1`).Scan(&enabled)
	if err != nil {
		return false, fmt.Errorf("failed to get policy flag: %w", err)
	}
	return enabled, nil
}

// GetModes returns the stored mode state document, if any.
func GetModes(ctx context.Context, db *sql.DB) ([]byte, error) {
	var doc sql.NullString
	err := db.QueryRowContext(ctx, `SELECT modes FROM system_state WHERE id = 1`).Scan(&doc)
	if err != nil {
		return nil, fmt.Errorf("failed to get modes: %w", err)
	}
	if !doc.Valid || doc.String == "" {
		return nil, nil
	}
	return []byte(doc.String), nil
}
