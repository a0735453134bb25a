// Package storage persists sensor records to a relational store.
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/vantutran2k1/env-logger/internal/record"
)

var ErrStorageOpen = errors.New("storage open failed")

// Sink is where the persistence stage writes records. Implementations are
// used by a single writer goroutine.
type Sink interface {
	Insert(ctx context.Context, rec record.SensorRecord) error
	Close() error
}

type Config struct {
	Driver      string
	DBFile      string
	PostgresURL string
}

// Open creates the sink selected by cfg.Driver, ensures the table exists and
// runs maintenance on it.
func Open(ctx context.Context, cfg Config) (Sink, error) {
	switch cfg.Driver {
	case "", "sqlite":
		s, err := OpenSQLite(ctx, cfg.DBFile)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "postgres":
		s, err := OpenPostgres(ctx, cfg.PostgresURL)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("%w: unknown driver %q", ErrStorageOpen, cfg.Driver)
}

func nullableFloat(v *float32) any {
	if v == nil {
		return nil
	}
	return float64(*v)
}

func nullableString(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}
