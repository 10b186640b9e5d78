// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package monitoring polls a Tuya smart plug, records its telemetry and
// derives energy consumption from the recorded history.
package monitoring

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/soothill/tuya-energy-logger/pkg/errors"
	"github.com/soothill/tuya-energy-logger/pkg/logger"
	"github.com/soothill/tuya-energy-logger/pkg/metrics"
)

const (
	// DefaultPollInterval is the delay between the end of one cycle and the
	// start of the next.
	DefaultPollInterval = 7 * time.Second

	defaultReadingsChannelSize = 100
)

// ReadingStore is the durable, append-only time-series log of readings.
type ReadingStore interface {
	Load(ctx context.Context) ([]Reading, error)
	Append(ctx context.Context, readings ...Reading) error
	Replace(ctx context.Context, readings []Reading) error
}

// StatusFetcher reads the device's current telemetry.
type StatusFetcher interface {
	FetchStatus(ctx context.Context) (*Status, error)
}

// State is the lifecycle state of the collector.
type State int

const (
	// Idle means no collection loop is running.
	Idle State = iota
	// Running means the background loop is active.
	Running
)

func (s State) String() string {
	if s == Running {
		return "running"
	}
	return "idle"
}

// CycleResult is the outcome of one collection cycle. The reading is always
// recorded unless the cycle was cancelled.
type CycleResult struct {
	Reading   Reading
	Persisted int   // readings written by this cycle, including pending ones
	FetchErr  error // the device could not be read; Reading is disconnected
	StoreErr  error // the reading is kept pending for the next cycle
	Cancelled bool
	Duration  time.Duration
}

// Err combines the cycle's errors.
func (r CycleResult) Err() error {
	return errors.Join(r.FetchErr, r.StoreErr)
}

// CollectorStats is a point-in-time view of the collector for diagnostics.
type CollectorStats struct {
	State        State
	PollInterval time.Duration
	Cycles       uint64
	FetchErrors  uint64
	StoreErrors  uint64
	Pending      int
	LastReading  *Reading
}

// Collector periodically samples the device and appends readings to the store.
type Collector struct {
	fetcher  StatusFetcher
	store    ReadingStore
	deviceID string
	readings chan Reading
	now      func() time.Time

	startMu sync.Mutex // serializes Start so the probe runs once

	mu            sync.Mutex
	state         State
	pollInterval  time.Duration
	cancel        context.CancelFunc
	done          chan struct{}
	pending       []Reading
	lastTimestamp time.Time
	lastReading   *Reading
	cycles        uint64
	fetchErrors   uint64
	storeErrors   uint64
}

// NewCollector creates a new idle collector
func NewCollector(fetcher StatusFetcher, store ReadingStore, deviceID string, pollInterval time.Duration, readingsChannelSize int) *Collector {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	if readingsChannelSize <= 0 {
		readingsChannelSize = defaultReadingsChannelSize
	}
	return &Collector{
		fetcher:      fetcher,
		store:        store,
		deviceID:     deviceID,
		readings:     make(chan Reading, readingsChannelSize),
		now:          time.Now,
		pollInterval: pollInterval,
	}
}

// Start probes the device once and, if it answers, launches the background
// loop. A failed probe leaves the collector idle.
func (c *Collector) Start(ctx context.Context) error {
	c.startMu.Lock()
	defer c.startMu.Unlock()

	if c.State() == Running {
		return apperrors.ErrAlreadyRunning
	}

	if _, err := c.fetcher.FetchStatus(ctx); err != nil {
		return fmt.Errorf("device initialization probe failed: %w", err)
	}

	history, err := c.store.Load(ctx)
	if err != nil {
		return err
	}
	metrics.StoredReadings.Set(float64(len(history)))

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	c.mu.Lock()
	if n := len(history); n > 0 && history[n-1].Timestamp.After(c.lastTimestamp) {
		c.lastTimestamp = history[n-1].Timestamp
	}
	c.state = Running
	c.cancel = cancel
	c.done = done
	interval := c.pollInterval
	c.mu.Unlock()

	metrics.CollectorRunning.Set(1)
	logger.Info().Str("device_id", c.deviceID).Dur("poll_interval", interval).
		Int("history", len(history)).Msg("Collector started")

	go c.run(loopCtx, done)
	return nil
}

// Stop cancels the loop and waits for the in-flight cycle to finish.
func (c *Collector) Stop() {
	c.mu.Lock()
	if c.state != Running {
		c.mu.Unlock()
		return
	}
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	cancel()
	<-done
	logger.Info().Str("device_id", c.deviceID).Msg("Collector stopped")
}

// State returns the current lifecycle state.
func (c *Collector) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsRunning reports whether the background loop is active.
func (c *Collector) IsRunning() bool {
	return c.State() == Running
}

// Readings returns the channel on which recorded readings are published.
// Readings are dropped when the channel is full.
func (c *Collector) Readings() <-chan Reading {
	return c.readings
}

// PollInterval returns the delay between cycles.
func (c *Collector) PollInterval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pollInterval
}

// UpdatePollInterval changes the delay applied after the current cycle.
func (c *Collector) UpdatePollInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	old := c.pollInterval
	c.pollInterval = d
	c.mu.Unlock()

	if old != d {
		logger.Info().Dur("old", old).Dur("new", d).Msg("Collector poll interval updated")
	}
}

// Stats returns a snapshot of the collector's counters.
func (c *Collector) Stats() CollectorStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := CollectorStats{
		State:        c.state,
		PollInterval: c.pollInterval,
		Cycles:       c.cycles,
		FetchErrors:  c.fetchErrors,
		StoreErrors:  c.storeErrors,
		Pending:      len(c.pending),
	}
	if c.lastReading != nil {
		r := *c.lastReading
		stats.LastReading = &r
	}
	return stats
}

func (c *Collector) run(ctx context.Context, done chan struct{}) {
	defer func() {
		c.mu.Lock()
		c.state = Idle
		if c.cancel != nil {
			c.cancel()
		}
		c.cancel = nil
		c.mu.Unlock()
		metrics.CollectorRunning.Set(0)
		close(done)
	}()

	for {
		if ctx.Err() != nil {
			return
		}

		result := c.RunCycle(ctx)
		if result.Cancelled {
			return
		}
		c.logCycle(result)

		timer := time.NewTimer(c.PollInterval())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// RunCycle performs one sample-and-append cycle. Device failures become a
// disconnected reading. Store failures keep the readings pending so the next
// cycle writes them ahead of its own reading.
func (c *Collector) RunCycle(ctx context.Context) CycleResult {
	start := time.Now()
	var result CycleResult

	if ctx.Err() != nil {
		result.Cancelled = true
		return result
	}

	status, fetchErr := c.fetcher.FetchStatus(ctx)

	if ctx.Err() != nil {
		result.Cancelled = true
		return result
	}

	s := DisconnectedStatus()
	if fetchErr == nil && status != nil {
		s = *status
		s.Connected = true
	} else if fetchErr == nil {
		fetchErr = apperrors.ErrDeviceNotConnected
	}
	result.FetchErr = fetchErr

	c.mu.Lock()
	// Round(0) drops the monotonic reading so the guard compares wall time,
	// which is what gets stored.
	ts := c.now().Round(0)
	if ts.Before(c.lastTimestamp) {
		ts = c.lastTimestamp
	}
	c.lastTimestamp = ts
	reading := NewReading(ts, s)
	batch := append(append([]Reading(nil), c.pending...), reading)
	c.mu.Unlock()

	result.Reading = reading

	storeErr := c.store.Append(ctx, batch...)

	c.mu.Lock()
	c.cycles++
	if fetchErr != nil {
		c.fetchErrors++
	}
	if storeErr != nil {
		c.storeErrors++
		c.pending = batch
	} else {
		c.pending = nil
		result.Persisted = len(batch)
	}
	c.lastReading = &reading
	pending := len(c.pending)
	c.mu.Unlock()

	result.StoreErr = storeErr
	result.Duration = time.Since(start)

	metrics.CollectionCyclesTotal.Inc()
	metrics.CollectionCycleDuration.Observe(result.Duration.Seconds())
	metrics.PendingReadings.Set(float64(pending))
	if fetchErr != nil {
		metrics.CollectionCycleErrors.WithLabelValues("device").Inc()
	}
	if storeErr != nil {
		metrics.CollectionCycleErrors.WithLabelValues("store").Inc()
		metrics.StoreAppendErrors.Inc()
	} else {
		metrics.StoreAppendsTotal.Inc()
	}

	select {
	case c.readings <- reading:
	default:
		logger.Warn().Str("device_id", c.deviceID).Msg("Readings channel full, dropping reading")
	}

	return result
}

func (c *Collector) logCycle(result CycleResult) {
	if result.FetchErr != nil {
		logger.Warn().Err(result.FetchErr).Str("device_id", c.deviceID).
			Msg("Device unavailable, recorded disconnected reading")
	}
	if result.StoreErr != nil {
		logger.Error().Err(result.StoreErr).Str("device_id", c.deviceID).
			Msg("Failed to persist reading, will retry next cycle")
		return
	}
	logger.Debug().
		Str("device_id", c.deviceID).
		Bool("connected", result.Reading.Connected).
		Float64("power_w", result.Reading.Watt).
		Int("persisted", result.Persisted).
		Dur("duration", result.Duration).
		Msg("Collection cycle complete")
}
