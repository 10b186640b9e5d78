// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package interfaces defines the seams between the application wiring and
// its optional collaborators, so they can be swapped or faked in tests.
package interfaces

import (
	"context"

	"github.com/soothill/tuya-energy-logger/monitoring"
)

// MirrorSink receives a copy of every reading the collector produces.
// The primary store remains the source of truth; a sink may lose data.
type MirrorSink interface {
	// WriteReading writes a single reading
	WriteReading(ctx context.Context, reading monitoring.Reading) error

	// WriteBatch writes readings in order
	WriteBatch(ctx context.Context, readings []monitoring.Reading) error

	// Flush ensures all pending writes are completed
	Flush()

	// Close gracefully shuts down the sink
	Close()

	// Health checks if the sink backend is reachable
	Health(ctx context.Context) error
}

// ReadingSource publishes readings as they are collected.
type ReadingSource interface {
	Readings() <-chan monitoring.Reading
	Stats() monitoring.CollectorStats
}
