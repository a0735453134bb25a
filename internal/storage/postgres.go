package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vantutran2k1/env-logger/internal/record"
)

const (
	pgCreateTable = `
    CREATE TABLE IF NOT EXISTS sensor_records (
        id BIGSERIAL PRIMARY KEY,
        location TEXT NOT NULL,
        device_id TEXT,
        timestamp BIGINT NOT NULL,
        temperature REAL,
        humidity REAL,
        air_pressure REAL
    )
    `

	pgVacuum = `VACUUM ANALYZE sensor_records`

	pgInsert = `
    INSERT INTO sensor_records
    (location, device_id, timestamp, temperature, humidity, air_pressure) VALUES
    ($1, $2, $3, $4, $5, $6)
    `
)

// PostgresSink writes records to PostgreSQL or TimescaleDB.
type PostgresSink struct {
	db *pgxpool.Pool
}

func OpenPostgres(ctx context.Context, url string) (*PostgresSink, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("%w: parse postgres url: %v", ErrStorageOpen, err)
	}
	cfg.MaxConns = 1

	db, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to connect to postgres: %v", ErrStorageOpen, err)
	}
	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: failed to ping postgres: %v", ErrStorageOpen, err)
	}

	if _, err := db.Exec(ctx, pgCreateTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: create table failed: %v", ErrStorageOpen, err)
	}
	if _, err := db.Exec(ctx, pgVacuum); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: vacuum failed: %v", ErrStorageOpen, err)
	}

	return &PostgresSink{db: db}, nil
}

func (s *PostgresSink) Insert(ctx context.Context, rec record.SensorRecord) error {
	_, err := s.db.Exec(ctx, pgInsert,
		rec.Location,
		rec.DeviceID,
		int64(rec.Timestamp),
		rec.Temperature,
		rec.Humidity,
		rec.AirPressure,
	)
	if err != nil {
		return fmt.Errorf("failed to insert record into postgres: %w", err)
	}
	return nil
}

func (s *PostgresSink) Close() error {
	s.db.Close()
	return nil
}
