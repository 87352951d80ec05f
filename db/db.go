package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS device_records (
	device_key TEXT PRIMARY KEY,
	family TEXT NOT NULL,
	name TEXT NOT NULL,
	temperature REAL,
	power_on BOOLEAN NOT NULL DEFAULT FALSE,
	last_state_change TEXT,
	last_turned_on TEXT,
	observed_at TEXT,
	version INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS device_commands (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	device_key TEXT NOT NULL,
	family TEXT NOT NULL,
	name TEXT NOT NULL,
	room TEXT,
	action TEXT NOT NULL,
	payload TEXT NOT NULL,
	origin TEXT NOT NULL,
	issued_at TEXT NOT NULL,
	success BOOLEAN NOT NULL,
	error TEXT
);

CREATE INDEX IF NOT EXISTS idx_device_commands_device ON device_commands (device_key, seq);

CREATE TABLE IF NOT EXISTS device_overrides (
	device_key TEXT PRIMARY KEY,
	family TEXT NOT NULL,
	name TEXT NOT NULL,
	detected_at TEXT NOT NULL,
	expires_at TEXT NOT NULL,
	expected TEXT,
	observed TEXT,
	reason TEXT
);

CREATE TABLE IF NOT EXISTS secrets (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS leases (
	name TEXT PRIMARY KEY,
	owner TEXT NOT NULL,
	expires_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS system_state (
	id INTEGER PRIMARY KEY CHECK(id=1),
	policy_enabled BOOLEAN NOT NULL DEFAULT TRUE,
	last_cycle_at TEXT,
	modes TEXT
);

INSERT OR IGNORE INTO system_state (id, policy_enabled) VALUES (1, TRUE);
`

// Open opens the database at path and applies the schema. A single
// connection is kept so that ":memory:" databases behave like files.
func Open(path string) (*sql.DB, error) {
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_busy_timeout=5000&_journal_mode=WAL"
	}
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	conn.SetMaxOpenConns(1)

	if err := ApplyMigrations(conn); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func ApplyMigrations(db *sql.DB) error {
	tx, err := StartTransaction(db)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(schema); err != nil {
		RollbackTransaction(tx)
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return CommitTransaction(tx)
}

func formatTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s sql.NullString) (time.Time, error) {
	if !s.Valid || s.String == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", s.String, err)
	}
	return t, nil
}

func marshalJSON(v interface{}) string {
	b, _ := json.Marshal(v)
	return string(b)
}
