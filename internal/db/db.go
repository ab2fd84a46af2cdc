package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNoSchedule is returned when no schedule document has been cached yet.
var ErrNoSchedule = errors.New("no cached schedule")

type DB struct {
	sql *sql.DB
}

func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	conn.SetMaxOpenConns(1)
	if _, err := conn.Exec("PRAGMA journal_mode = WAL"); err != nil {
		return nil, err
	}
	if _, err := conn.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		return nil, err
	}
	return &DB{sql: conn}, nil
}

func (d *DB) Close() error {
	return d.sql.Close()
}

func (d *DB) Migrate() error {
	_, err := d.sql.Exec(`
		CREATE TABLE IF NOT EXISTS metadata (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("create metadata: %w", err)
	}

	_, err = d.sql.Exec(`
		CREATE TABLE IF NOT EXISTS schedules (
			date       TEXT PRIMARY KEY,
			document   TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("create schedules: %w", err)
	}

	_, err = d.sql.Exec(`
		CREATE TABLE IF NOT EXISTS device_events (
			id          INTEGER PRIMARY KEY,
			device_id   TEXT NOT NULL,
			ts          INTEGER NOT NULL,
			event_type  TEXT NOT NULL,
			remote_addr TEXT NOT NULL DEFAULT '',
			detail      TEXT NOT NULL DEFAULT ''
		)
	`)
	if err != nil {
		return fmt.Errorf("create device_events: %w", err)
	}

	if _, err := d.sql.Exec(`CREATE INDEX IF NOT EXISTS idx_device_events_device_id ON device_events(device_id, ts DESC)`); err != nil {
		return fmt.Errorf("index device_events: %w", err)
	}
	return nil
}

// SaveSchedule stores document as the schedule for date, replacing any
// previous document for that date. document must be valid JSON.
func (d *DB) SaveSchedule(date string, document []byte) error {
	if !json.Valid(document) {
		return fmt.Errorf("save schedule %s: document is not valid JSON", date)
	}
	_, err := d.sql.Exec(
		`INSERT OR REPLACE INTO schedules (date, document, updated_at) VALUES (?, ?, ?)`,
		date, string(document), time.Now().UnixMilli(),
	)
	return err
}

// LatestSchedule returns the most recently written schedule document
// verbatim, or ErrNoSchedule.
func (d *DB) LatestSchedule(ctx context.Context) (json.RawMessage, error) {
	var doc string
	err := d.sql.QueryRowContext(ctx,
		`SELECT document FROM schedules ORDER BY updated_at DESC, date DESC LIMIT 1`,
	).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoSchedule
	}
	if err != nil {
		return nil, fmt.Errorf("load schedule: %w", err)
	}
	return json.RawMessage(doc), nil
}

// PruneSchedules deletes schedules for dates before the given YYYY-MM-DD.
func (d *DB) PruneSchedules(before string) (int64, error) {
	res, err := d.sql.Exec(`DELETE FROM schedules WHERE date < ?`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (d *DB) InsertDeviceEvent(deviceID, eventType, remoteAddr, detail string) error {
	_, err := d.sql.Exec(
		`INSERT INTO device_events (device_id, ts, event_type, remote_addr, detail) VALUES (?, ?, ?, ?, ?)`,
		deviceID, time.Now().UnixMilli(), eventType, remoteAddr, detail,
	)
	return err
}

// GetDeviceEvents returns the newest events for deviceID first. An empty
// deviceID selects events of all devices.
func (d *DB) GetDeviceEvents(deviceID string, limit int) ([]DeviceEvent, error) {
	rows, err := d.sql.Query(
		`SELECT id, device_id, ts, event_type, remote_addr, detail
		 FROM device_events
		 WHERE ? = '' OR device_id = ?
		 ORDER BY ts DESC, id DESC
		 LIMIT ?`,
		deviceID, deviceID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []DeviceEvent
	for rows.Next() {
		var e DeviceEvent
		var ts int64
		if err := rows.Scan(&e.ID, &e.DeviceID, &ts, &e.EventType, &e.RemoteAddr, &e.Detail); err != nil {
			return nil, err
		}
		e.Ts = time.UnixMilli(ts)
		events = append(events, e)
	}
	return events, rows.Err()
}

func (d *DB) SetMeta(key, value string) error {
	_, err := d.sql.Exec("INSERT OR REPLACE INTO metadata (key, value) VALUES (?,?)", key, value)
	return err
}

func (d *DB) GetMeta(key string) (string, error) {
	var value string
	err := d.sql.QueryRow("SELECT value FROM metadata WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}
