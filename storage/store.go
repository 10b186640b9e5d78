// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package storage persists the reading history and mirrors readings to
// optional external sinks.
//
// The primary store is append-only: the json backend rewrites a single
// human-readable file, the sqlite backend inserts one row per reading. Both
// satisfy monitoring.ReadingStore.
package storage

import (
	"fmt"

	"github.com/soothill/tuya-energy-logger/monitoring"
)

// Backend names accepted by New.
const (
	BackendJSON   = "json"
	BackendSQLite = "sqlite"
)

// Store is a reading store that holds resources until closed.
type Store interface {
	monitoring.ReadingStore
	Path() string
	Close() error
}

// New opens the store for backend at path.
func New(backend, path string) (Store, error) {
	switch backend {
	case "", BackendJSON:
		return NewFileStore(path), nil
	case BackendSQLite:
		return NewSQLiteStore(path)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", backend)
	}
}

func validateReadings(readings []monitoring.Reading) error {
	for i, r := range readings {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("reading %d: %w", i, err)
		}
	}
	return nil
}
