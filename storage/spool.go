// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/soothill/tuya-energy-logger/monitoring"
	"github.com/soothill/tuya-energy-logger/pkg/interfaces"
	"github.com/soothill/tuya-energy-logger/pkg/logger"
	"github.com/soothill/tuya-energy-logger/pkg/metrics"
)

const (
	spoolFilePrefix       = "spool_"
	spoolFileExt          = ".json"
	defaultSpoolMaxSize   = 100 * 1024 * 1024 // 100 MB
	defaultSpoolMaxAge    = 24 * time.Hour
	replayBatchSize       = 100
	defaultHealthInterval = 30 * time.Second
	spoolWarnRatio        = 0.8
)

// ErrReadingSpooled reports that the mirror refused a reading and it was
// kept on disk for replay.
var ErrReadingSpooled = errors.New("reading spooled for later replay")

// Spool keeps readings the mirror could not take, one file per reading
type Spool struct {
	dir         string
	maxSize     int64
	maxAge      time.Duration
	mu          sync.Mutex
	currentSize int64
	now         func() time.Time
}

// SpooledReading is a reading waiting in the spool
type SpooledReading struct {
	Reading   monitoring.Reading `json:"reading"`
	SpooledAt time.Time          `json:"spooled_at"`
	ID        string             `json:"id"`
}

// NewSpool opens or creates the spool directory
func NewSpool(dir string, maxSize int64, maxAge time.Duration) (*Spool, error) {
	if dir == "" {
		return nil, errors.New("spool directory cannot be empty")
	}
	if maxSize <= 0 {
		maxSize = defaultSpoolMaxSize
	}
	if maxAge <= 0 {
		maxAge = defaultSpoolMaxAge
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create spool directory: %w", err)
	}

	spool := &Spool{
		dir:     dir,
		maxSize: maxSize,
		maxAge:  maxAge,
		now:     time.Now,
	}

	if err := spool.updateCurrentSize(); err != nil {
		logger.Warn().Err(err).Msg("Failed to calculate initial spool size")
	}
	if err := spool.CleanupOld(); err != nil {
		logger.Warn().Err(err).Msg("Failed to clean up old spool files")
	}

	return spool, nil
}

// Write adds a reading to the spool
func (s *Spool) Write(reading monitoring.Reading) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.currentSize >= s.maxSize {
		return fmt.Errorf("spool is full (%d >= %d bytes)", s.currentSize, s.maxSize)
	}

	now := s.now()
	// The nanosecond prefix keeps file names in spool order
	entry := SpooledReading{
		Reading:   reading,
		SpooledAt: now,
		ID:        fmt.Sprintf("%019d_%s", now.UnixNano(), uuid.NewString()),
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal reading: %w", err)
	}
	if err := os.WriteFile(s.filename(entry.ID), data, 0o644); err != nil {
		return fmt.Errorf("failed to write spool file: %w", err)
	}

	s.currentSize += int64(len(data))
	logger.Debug().
		Str("id", entry.ID).
		Int64("spool_size", s.currentSize).
		Msg("Spooled reading")
	return nil
}

// List returns the spooled readings, oldest first
func (s *Spool) List() ([]SpooledReading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	files, err := s.files()
	if err != nil {
		return nil, err
	}

	entries := make([]SpooledReading, 0, len(files))
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			logger.Warn().Err(err).Str("file", file).Msg("Failed to read spool file")
			continue
		}
		var entry SpooledReading
		if err := json.Unmarshal(data, &entry); err != nil {
			logger.Warn().Err(err).Str("file", file).Msg("Failed to decode spool file")
			continue
		}
		entries = append(entries, entry)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].ID < entries[j].ID
	})
	return entries, nil
}

// Delete removes one spooled reading
func (s *Spool) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	filename := s.filename(id)
	info, err := os.Stat(filename)
	if err != nil {
		return fmt.Errorf("failed to stat spool file: %w", err)
	}
	if err := os.Remove(filename); err != nil {
		return fmt.Errorf("failed to delete spool file: %w", err)
	}
	s.currentSize -= info.Size()
	return nil
}

// CleanupOld drops spooled readings older than the maximum age
func (s *Spool) CleanupOld() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	files, err := s.files()
	if err != nil {
		return err
	}

	cutoff := s.now().Add(-s.maxAge)
	deleted := 0
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			continue
		}
		var entry SpooledReading
		if err := json.Unmarshal(data, &entry); err != nil {
			continue
		}
		if entry.SpooledAt.Before(cutoff) {
			if err := os.Remove(file); err != nil {
				logger.Warn().Err(err).Str("file", file).Msg("Failed to delete old spool file")
				continue
			}
			deleted++
			s.currentSize -= int64(len(data))
		}
	}

	if deleted > 0 {
		logger.Info().Int("count", deleted).Msg("Dropped expired spooled readings")
	}
	return nil
}

// Size returns the bytes currently spooled
func (s *Spool) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentSize
}

// MaxSize returns the spool capacity in bytes
func (s *Spool) MaxSize() int64 {
	return s.maxSize
}

func (s *Spool) files() ([]string, error) {
	files, err := filepath.Glob(filepath.Join(s.dir, spoolFilePrefix+"*"+spoolFileExt))
	if err != nil {
		return nil, fmt.Errorf("failed to list spool files: %w", err)
	}
	return files, nil
}

func (s *Spool) updateCurrentSize() error {
	files, err := s.files()
	if err != nil {
		return err
	}
	var total int64
	for _, file := range files {
		if info, err := os.Stat(file); err == nil {
			total += info.Size()
		}
	}
	s.currentSize = total
	return nil
}

func (s *Spool) filename(id string) string {
	return filepath.Join(s.dir, spoolFilePrefix+strings.ReplaceAll(id, string(filepath.Separator), "_")+spoolFileExt)
}

// SpoolNotifier is told when the spool is close to full
type SpoolNotifier interface {
	SendSpoolWarning(ctx context.Context, size, maxSize int64) error
}

// SpoolingMirror wraps a mirror sink. While the sink is unhealthy readings
// go to the spool; a background loop replays them once it is healthy again.
type SpoolingMirror struct {
	sink     interfaces.MirrorSink
	spool    *Spool
	notifier SpoolNotifier
	interval time.Duration

	ctx      context.Context
	cancel   context.CancelFunc
	replayWg sync.WaitGroup

	mu       sync.Mutex
	spooling bool
	warned   bool
}

// NewSpoolingMirror starts the health and replay loop; checkInterval <= 0
// uses 30s. notifier may be nil.
func NewSpoolingMirror(sink interfaces.MirrorSink, spool *Spool, notifier SpoolNotifier, checkInterval time.Duration) *SpoolingMirror {
	if checkInterval <= 0 {
		checkInterval = defaultHealthInterval
	}
	ctx, cancel := context.WithCancel(context.Background())

	m := &SpoolingMirror{
		sink:     sink,
		spool:    spool,
		notifier: notifier,
		interval: checkInterval,
		ctx:      ctx,
		cancel:   cancel,
	}

	// Leftovers from a previous run are replayed on the first healthy check
	if entries, err := spool.List(); err == nil && len(entries) > 0 {
		m.spooling = true
		metrics.SpooledReadings.Set(float64(len(entries)))
		logger.Info().Int("count", len(entries)).Msg("Found spooled readings from a previous run")
	}

	m.replayWg.Add(1)
	go m.monitorAndReplay()
	return m
}

// WriteReading mirrors a reading. When the sink fails, or is still
// recovering, the reading is spooled and the error wraps ErrReadingSpooled.
func (m *SpoolingMirror) WriteReading(ctx context.Context, reading monitoring.Reading) error {
	m.mu.Lock()
	if m.spooling {
		// Keep replay order: nothing bypasses older spooled readings
		err := m.spoolLocked(reading, errMirrorRecovering)
		m.mu.Unlock()
		return m.afterSpool(err)
	}
	m.mu.Unlock()

	sinkErr := m.sink.WriteReading(ctx, reading)
	if sinkErr == nil {
		return nil
	}
	logger.Warn().Err(sinkErr).Msg("Mirror write failed, spooling locally")

	m.mu.Lock()
	m.spooling = true
	err := m.spoolLocked(reading, sinkErr)
	m.mu.Unlock()
	return m.afterSpool(err)
}

// WriteBatch mirrors readings one at a time so each is spooled on its own
// when the sink is down. The returned error joins the per-reading failures.
func (m *SpoolingMirror) WriteBatch(ctx context.Context, readings []monitoring.Reading) error {
	var errs []error
	for _, reading := range readings {
		if err := m.WriteReading(ctx, reading); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var errMirrorRecovering = errors.New("mirror recovering")

func (m *SpoolingMirror) spoolLocked(reading monitoring.Reading, cause error) error {
	if spoolErr := m.spool.Write(reading); spoolErr != nil {
		return fmt.Errorf("mirror write failed and spool write failed: mirror=%w, spool=%w", cause, spoolErr)
	}
	metrics.SpooledReadings.Inc()
	return fmt.Errorf("%w: %w", ErrReadingSpooled, cause)
}

func (m *SpoolingMirror) afterSpool(err error) error {
	if errors.Is(err, ErrReadingSpooled) {
		m.maybeWarn()
	}
	return err
}

func (m *SpoolingMirror) maybeWarn() {
	size, maxSize := m.spool.Size(), m.spool.MaxSize()
	full := float64(size)/float64(maxSize) > spoolWarnRatio

	m.mu.Lock()
	send := full && !m.warned
	m.warned = full
	m.mu.Unlock()

	if !send || m.notifier == nil {
		return
	}
	alertCtx, alertCancel := context.WithTimeout(m.ctx, 5*time.Second)
	defer alertCancel()
	if err := m.notifier.SendSpoolWarning(alertCtx, size, maxSize); err != nil {
		logger.Error().Err(err).Msg("Failed to send spool warning alert")
	}
}

// IsSpooling reports whether readings are currently diverted to the spool
func (m *SpoolingMirror) IsSpooling() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.spooling
}

// Flush flushes pending writes
func (m *SpoolingMirror) Flush() {
	m.sink.Flush()
}

// Close stops the replay loop and closes the sink
func (m *SpoolingMirror) Close() {
	logger.Info().Msg("Closing spooling mirror")
	m.cancel()
	m.replayWg.Wait()
	m.sink.Close()
}

// Health checks sink health
func (m *SpoolingMirror) Health(ctx context.Context) error {
	return m.sink.Health(ctx)
}

// monitorAndReplay checks the sink while spooling and drains the spool
// once it is healthy
func (m *SpoolingMirror) monitorAndReplay() {
	defer m.replayWg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			if !m.IsSpooling() {
				continue
			}
			m.tryReplay()
		}
	}
}

func (m *SpoolingMirror) tryReplay() {
	healthCtx, healthCancel := context.WithTimeout(m.ctx, 5*time.Second)
	err := m.sink.Health(healthCtx)
	healthCancel()
	if err != nil {
		logger.Debug().Err(err).Msg("Mirror still unhealthy, keeping spool active")
		return
	}

	logger.Info().Msg("Mirror is healthy, replaying spooled readings")
	remaining, err := m.replay()
	if err != nil {
		logger.Error().Err(err).Msg("Failed to replay spooled readings")
		return
	}
	if remaining > 0 {
		return
	}

	// New writes may have been spooled during the replay
	m.mu.Lock()
	entries, listErr := m.spool.List()
	if listErr == nil && len(entries) == 0 {
		m.spooling = false
		m.warned = false
	}
	m.mu.Unlock()
}

// replay writes spooled readings to the sink and returns how many remain
func (m *SpoolingMirror) replay() (int, error) {
	entries, err := m.spool.List()
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		metrics.SpooledReadings.Set(0)
		return 0, nil
	}

	logger.Info().Int("count", len(entries)).Msg("Replaying spooled readings")

	replayed := 0
	failed := 0
	for start := 0; start < len(entries); start += replayBatchSize {
		if m.ctx.Err() != nil {
			break
		}
		chunk := entries[start:min(start+replayBatchSize, len(entries))]
		batch := make([]monitoring.Reading, len(chunk))
		for i, entry := range chunk {
			batch[i] = entry.Reading
		}

		// A failed batch stays spooled whole; points rewritten on the next
		// replay overwrite themselves in InfluxDB.
		if err := m.sink.WriteBatch(m.ctx, batch); err != nil {
			logger.Warn().Err(err).Str("first_id", chunk[0].ID).Int("size", len(chunk)).
				Msg("Failed to replay spooled batch")
			failed += len(chunk)
			break
		}
		for _, entry := range chunk {
			if err := m.spool.Delete(entry.ID); err != nil {
				logger.Warn().Err(err).Str("id", entry.ID).Msg("Failed to delete replayed reading from spool")
			}
			replayed++
			metrics.SpooledReadings.Dec()
		}
		m.sink.Flush()
	}

	logger.Info().
		Int("replayed", replayed).
		Int("failed", failed).
		Int("total", len(entries)).
		Msg("Finished replaying spooled readings")

	return len(entries) - replayed, nil
}
