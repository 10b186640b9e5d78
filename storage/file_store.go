// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"sync"

	"github.com/soothill/tuya-energy-logger/monitoring"
	apperrors "github.com/soothill/tuya-energy-logger/pkg/errors"
	"github.com/soothill/tuya-energy-logger/pkg/logger"
	"github.com/soothill/tuya-energy-logger/pkg/util"
)

const dataFileMode = 0o644

// FileStore keeps the reading history as a pretty-printed JSON array in a
// single file. Every append rewrites the whole file through a temp file and
// rename.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore creates a store backed by the JSON file at path. The file is
// created on the first append.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the backing file path.
func (s *FileStore) Path() string {
	return s.path
}

// Load returns the full history. A missing or empty file is an empty history.
func (s *FileStore) Load(_ context.Context) ([]monitoring.Reading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

// Append adds readings to the end of the history.
func (s *FileStore) Append(_ context.Context, readings ...monitoring.Reading) error {
	if len(readings) == 0 {
		return nil
	}
	if err := validateReadings(readings); err != nil {
		return apperrors.NewPersistenceError("append", s.path, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	history, err := s.load()
	if err != nil {
		return err
	}
	history = append(history, readings...)
	return s.write("append", history)
}

// Replace overwrites the history with readings.
func (s *FileStore) Replace(_ context.Context, readings []monitoring.Reading) error {
	if err := validateReadings(readings); err != nil {
		return apperrors.NewPersistenceError("replace", s.path, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write("replace", readings)
}

// Close is a no-op; the file is not held open between operations.
func (s *FileStore) Close() error {
	return nil
}

func (s *FileStore) load() ([]monitoring.Reading, error) {
	data, err := util.ReadFileSafely(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return []monitoring.Reading{}, nil
	}
	if err != nil {
		return nil, apperrors.NewPersistenceError("load", s.path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return []monitoring.Reading{}, nil
	}

	var history []monitoring.Reading
	if err := json.Unmarshal(data, &history); err != nil {
		return nil, apperrors.NewPersistenceError("load", s.path, err)
	}
	if history == nil {
		history = []monitoring.Reading{}
	}
	return history, nil
}

func (s *FileStore) write(op string, history []monitoring.Reading) error {
	if history == nil {
		history = []monitoring.Reading{}
	}
	data, err := json.MarshalIndent(history, "", "  ")
	if err != nil {
		return apperrors.NewPersistenceError(op, s.path, err)
	}
	if err := util.WriteFileAtomic(s.path, data, dataFileMode); err != nil {
		return apperrors.NewPersistenceError(op, s.path, err)
	}

	logger.Debug().Str("path", s.path).Int("readings", len(history)).Msg("History written")
	return nil
}
