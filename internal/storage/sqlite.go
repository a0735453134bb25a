package storage

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"

	_ "github.com/mattn/go-sqlite3"
	"github.com/vantutran2k1/env-logger/internal/record"
)

const (
	sqliteCreateTable = `
    CREATE TABLE IF NOT EXISTS sensor_records (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        location TEXT NOT NULL,
        device_id TEXT,
        timestamp INTEGER NOT NULL,
        temperature REAL,
        humidity REAL,
        air_pressure REAL
    )
    `

	sqliteVacuum = `VACUUM`

	sqliteInsert = `
    INSERT INTO sensor_records
    (location, device_id, timestamp, temperature, humidity, air_pressure) VALUES
    (:location, :device_id, :timestamp, :temperature, :humidity, :air_pressure)
    `
)

type SQLiteSink struct {
	db     *sql.DB
	insert *sql.Stmt
}

// sqliteDSN builds a URI filename for path. The path is percent-escaped so
// that '?', '#' and '%' in a file name stay part of it.
func sqliteDSN(path string) string {
	u := url.URL{Path: path}
	return "file:" + u.EscapedPath() + "?_journal_mode=WAL&_busy_timeout=5000"
}

func OpenSQLite(ctx context.Context, path string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite3", sqliteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("%w: open sqlite db: %v", ErrStorageOpen, err)
	}

	// one writer, one connection
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: database open failed: %v", ErrStorageOpen, err)
	}

	if _, err := db.ExecContext(ctx, sqliteCreateTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: create table failed: %v", ErrStorageOpen, err)
	}

	if _, err := db.ExecContext(ctx, sqliteVacuum); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: vacuum failed: %v", ErrStorageOpen, err)
	}

	stmt, err := db.PrepareContext(ctx, sqliteInsert)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: prepare insert failed: %v", ErrStorageOpen, err)
	}

	return &SQLiteSink{db: db, insert: stmt}, nil
}

func (s *SQLiteSink) Insert(ctx context.Context, rec record.SensorRecord) error {
	_, err := s.insert.ExecContext(ctx,
		sql.Named("location", rec.Location),
		sql.Named("device_id", nullableString(rec.DeviceID)),
		sql.Named("timestamp", int64(rec.Timestamp)),
		sql.Named("temperature", nullableFloat(rec.Temperature)),
		sql.Named("humidity", nullableFloat(rec.Humidity)),
		sql.Named("air_pressure", nullableFloat(rec.AirPressure)),
	)
	return err
}

// DB exposes the handle for callers that read the stored records back.
func (s *SQLiteSink) DB() *sql.DB {
	return s.db
}

func (s *SQLiteSink) Close() error {
	if err := s.insert.Close(); err != nil {
		s.db.Close()
		return err
	}
	return s.db.Close()
}
