// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3" // registers the sqlite3 driver
	"github.com/soothill/tuya-energy-logger/monitoring"
	apperrors "github.com/soothill/tuya-energy-logger/pkg/errors"
	"github.com/soothill/tuya-energy-logger/pkg/logger"
)

const (
	createReadingsSQL = `
	CREATE TABLE IF NOT EXISTS readings (
	    id        INTEGER PRIMARY KEY AUTOINCREMENT,
	    timestamp TEXT    NOT NULL,
	    connected INTEGER NOT NULL CHECK (connected IN (0, 1)),
	    power_on  INTEGER NOT NULL CHECK (power_on IN (0, 1)),
	    current   REAL    NOT NULL CHECK (current >= 0),
	    voltage   REAL    NOT NULL CHECK (voltage >= 0),
	    watt      REAL    NOT NULL CHECK (watt >= 0)
	);`

	insertReadingSQL = `
	INSERT INTO readings (timestamp, connected, power_on, current, voltage, watt)
	VALUES (?, ?, ?, ?, ?, ?)`

	selectReadingsSQL = `
	SELECT timestamp, connected, power_on, current, voltage, watt
	FROM readings ORDER BY id`
)

// SQLiteStore keeps one row per reading. The autoincrement id preserves
// append order.
type SQLiteStore struct {
	db   *sql.DB
	path string
	mu   sync.Mutex
}

// NewSQLiteStore opens (creating if needed) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, apperrors.NewPersistenceError("open", path, errors.New("database path cannot be empty"))
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, apperrors.NewPersistenceError("open", path, err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, apperrors.NewPersistenceError("open", path, err)
	}
	// One writer keeps appends strictly ordered.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(createReadingsSQL); err != nil {
		_ = db.Close()
		return nil, apperrors.NewPersistenceError("init schema", path, err)
	}

	logger.Info().Str("path", path).Msg("SQLite reading store initialized")
	return &SQLiteStore{db: db, path: path}, nil
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}

// Load returns every reading in insertion order.
func (s *SQLiteStore) Load(ctx context.Context) ([]monitoring.Reading, error) {
	rows, err := s.db.QueryContext(ctx, selectReadingsSQL)
	if err != nil {
		return nil, apperrors.NewPersistenceError("load", s.path, err)
	}
	defer func() { _ = rows.Close() }()

	history := []monitoring.Reading{}
	for rows.Next() {
		var (
			ts                 string
			connected, powerOn bool
			r                  monitoring.Reading
		)
		if err := rows.Scan(&ts, &connected, &powerOn, &r.Current, &r.Voltage, &r.Watt); err != nil {
			return nil, apperrors.NewPersistenceError("load", s.path, err)
		}
		parsed, err := monitoring.ParseTimestamp(ts)
		if err != nil {
			return nil, apperrors.NewPersistenceError("load", s.path, err)
		}
		r.Timestamp = parsed
		r.Connected = connected
		r.PowerOn = powerOn
		history = append(history, r)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewPersistenceError("load", s.path, err)
	}
	return history, nil
}

// Append inserts readings in a single transaction.
func (s *SQLiteStore) Append(ctx context.Context, readings ...monitoring.Reading) error {
	if len(readings) == 0 {
		return nil
	}
	if err := validateReadings(readings); err != nil {
		return apperrors.NewPersistenceError("append", s.path, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inTx(ctx, "append", func(tx *sql.Tx) error {
		return insertReadings(ctx, tx, readings)
	})
}

// Replace deletes the history and inserts readings.
func (s *SQLiteStore) Replace(ctx context.Context, readings []monitoring.Reading) error {
	if err := validateReadings(readings); err != nil {
		return apperrors.NewPersistenceError("replace", s.path, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inTx(ctx, "replace", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM readings"); err != nil {
			return err
		}
		return insertReadings(ctx, tx, readings)
	})
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return apperrors.NewPersistenceError("close", s.path, err)
	}
	logger.Info().Str("path", s.path).Msg("SQLite reading store closed")
	return nil
}

func (s *SQLiteStore) inTx(ctx context.Context, op string, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.NewPersistenceError(op, s.path, err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			logger.Debug().Err(rbErr).Msg("Failed to rollback transaction")
		}
		return apperrors.NewPersistenceError(op, s.path, err)
	}

	if err := tx.Commit(); err != nil {
		return apperrors.NewPersistenceError(op, s.path, err)
	}
	return nil
}

func insertReadings(ctx context.Context, tx *sql.Tx, readings []monitoring.Reading) error {
	stmt, err := tx.PrepareContext(ctx, insertReadingSQL)
	if err != nil {
		return err
	}
	defer func() { _ = stmt.Close() }()

	for i, r := range readings {
		if _, err := stmt.ExecContext(ctx,
			monitoring.FormatTimestamp(r.Timestamp), r.Connected, r.PowerOn, r.Current, r.Voltage, r.Watt,
		); err != nil {
			return fmt.Errorf("insert reading %d: %w", i, err)
		}
	}
	return nil
}
