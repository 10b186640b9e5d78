// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/soothill/tuya-energy-logger/monitoring"
)

func spoolReading(offset time.Duration) monitoring.Reading {
	return monitoring.NewReading(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC).Add(offset),
		monitoring.Status{Connected: true, PowerOn: true, Current: 0.5, Voltage: 230, Watt: 115})
}

// fakeSink is an in-memory mirror whose health can be switched
type fakeSink struct {
	mu      sync.Mutex
	down    bool
	written []monitoring.Reading
	batches int
	flushes int
	closed  bool
}

func (f *fakeSink) setDown(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = down
}

func (f *fakeSink) WriteReading(_ context.Context, reading monitoring.Reading) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return errors.New("connection refused")
	}
	f.written = append(f.written, reading)
	return nil
}

func (f *fakeSink) WriteBatch(_ context.Context, readings []monitoring.Reading) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return errors.New("connection refused")
	}
	f.batches++
	f.written = append(f.written, readings...)
	return nil
}

func (f *fakeSink) Flush() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushes++
}

func (f *fakeSink) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeSink) Health(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return errors.New("unhealthy")
	}
	return nil
}

func (f *fakeSink) writtenCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.written)
}

type countingSpoolNotifier struct {
	mu    sync.Mutex
	calls int
}

func (n *countingSpoolNotifier) SendSpoolWarning(context.Context, int64, int64) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls++
	return nil
}

func TestNewSpool(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "spool")

	spool, err := NewSpool(dir, 0, 0)
	if err != nil {
		t.Fatalf("NewSpool() error = %v", err)
	}
	if spool.MaxSize() != defaultSpoolMaxSize {
		t.Errorf("MaxSize() = %d, want %d", spool.MaxSize(), defaultSpoolMaxSize)
	}
	if spool.maxAge != defaultSpoolMaxAge {
		t.Errorf("maxAge = %v, want %v", spool.maxAge, defaultSpoolMaxAge)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Errorf("spool directory was not created: %v", err)
	}

	if _, err := NewSpool("", 0, 0); err == nil {
		t.Error("NewSpool(\"\") expected error")
	}
}

func TestSpool_WriteListDelete(t *testing.T) {
	spool, err := NewSpool(t.TempDir(), 1024*1024, time.Hour)
	if err != nil {
		t.Fatalf("NewSpool() error = %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := spool.Write(spoolReading(time.Duration(i) * 7 * time.Second)); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
	}
	if spool.Size() == 0 {
		t.Error("Size() = 0 after writes")
	}

	entries, err := spool.List()
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("List() returned %d entries, want 3", len(entries))
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].Reading.Timestamp.Before(entries[i-1].Reading.Timestamp) {
			t.Errorf("entries out of order at %d", i)
		}
	}

	for _, entry := range entries {
		if err := spool.Delete(entry.ID); err != nil {
			t.Errorf("Delete(%s) error = %v", entry.ID, err)
		}
	}
	if spool.Size() != 0 {
		t.Errorf("Size() = %d after deleting everything, want 0", spool.Size())
	}
	if err := spool.Delete("missing"); err == nil {
		t.Error("Delete(missing) expected error")
	}
}

func TestSpool_Full(t *testing.T) {
	spool, err := NewSpool(t.TempDir(), 100, time.Hour)
	if err != nil {
		t.Fatalf("NewSpool() error = %v", err)
	}

	// The first entry is larger than the budget, so the second is refused
	if err := spool.Write(spoolReading(0)); err != nil {
		t.Fatalf("first Write() error = %v", err)
	}
	if err := spool.Write(spoolReading(time.Second)); err == nil {
		t.Error("Write() on a full spool expected error")
	}
}

func TestSpool_CleanupOld(t *testing.T) {
	spool, err := NewSpool(t.TempDir(), 1024*1024, time.Hour)
	if err != nil {
		t.Fatalf("NewSpool() error = %v", err)
	}

	now := time.Now()
	spool.now = func() time.Time { return now.Add(-2 * time.Hour) }
	if err := spool.Write(spoolReading(0)); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	spool.now = func() time.Time { return now }
	if err := spool.Write(spoolReading(time.Second)); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	if err := spool.CleanupOld(); err != nil {
		t.Fatalf("CleanupOld() error = %v", err)
	}
	entries, _ := spool.List()
	if len(entries) != 1 {
		t.Errorf("List() after cleanup returned %d entries, want 1", len(entries))
	}
}

func TestSpoolingMirror_PassThrough(t *testing.T) {
	sink := &fakeSink{}
	spool, _ := NewSpool(t.TempDir(), 1024*1024, time.Hour)
	mirror := NewSpoolingMirror(sink, spool, nil, time.Hour)
	defer mirror.Close()

	if err := mirror.WriteReading(context.Background(), spoolReading(0)); err != nil {
		t.Fatalf("WriteReading() error = %v", err)
	}
	if sink.writtenCount() != 1 {
		t.Errorf("sink received %d readings, want 1", sink.writtenCount())
	}
	if mirror.IsSpooling() {
		t.Error("IsSpooling() = true with a healthy sink")
	}
}

func TestSpoolingMirror_SpoolsAndReplays(t *testing.T) {
	sink := &fakeSink{down: true}
	spool, _ := NewSpool(t.TempDir(), 1024*1024, time.Hour)
	mirror := NewSpoolingMirror(sink, spool, nil, 10*time.Millisecond)
	defer mirror.Close()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		err := mirror.WriteReading(ctx, spoolReading(time.Duration(i)*7*time.Second))
		if !errors.Is(err, ErrReadingSpooled) {
			t.Fatalf("WriteReading() error = %v, want ErrReadingSpooled", err)
		}
	}
	if !mirror.IsSpooling() {
		t.Fatal("IsSpooling() = false after sink failure")
	}

	sink.setDown(false)
	deadline := time.Now().Add(2 * time.Second)
	for mirror.IsSpooling() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if mirror.IsSpooling() {
		t.Fatal("mirror did not leave spooling mode after recovery")
	}

	if sink.writtenCount() != 3 {
		t.Fatalf("sink received %d readings after replay, want 3", sink.writtenCount())
	}
	sink.mu.Lock()
	for i := 1; i < len(sink.written); i++ {
		if sink.written[i].Timestamp.Before(sink.written[i-1].Timestamp) {
			t.Errorf("replayed readings out of order at %d", i)
		}
	}
	sink.mu.Unlock()

	entries, _ := spool.List()
	if len(entries) != 0 {
		t.Errorf("spool holds %d entries after replay, want 0", len(entries))
	}
	sink.mu.Lock()
	if sink.batches != 1 {
		t.Errorf("replay used %d batches, want 1", sink.batches)
	}
	sink.mu.Unlock()

	if err := mirror.WriteReading(ctx, spoolReading(21*time.Second)); err != nil {
		t.Errorf("WriteReading() after recovery error = %v", err)
	}
}

func TestSpoolingMirror_ReplaysLeftovers(t *testing.T) {
	dir := t.TempDir()
	spool, _ := NewSpool(dir, 1024*1024, time.Hour)
	if err := spool.Write(spoolReading(0)); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	sink := &fakeSink{}
	mirror := NewSpoolingMirror(sink, spool, nil, 10*time.Millisecond)
	defer mirror.Close()

	deadline := time.Now().Add(2 * time.Second)
	for sink.writtenCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if sink.writtenCount() != 1 {
		t.Errorf("sink received %d leftover readings, want 1", sink.writtenCount())
	}
}

func TestSpoolingMirror_WarnsOnceWhenNearlyFull(t *testing.T) {
	sink := &fakeSink{down: true}
	spool, _ := NewSpool(t.TempDir(), 400, time.Hour)
	notifier := &countingSpoolNotifier{}
	mirror := NewSpoolingMirror(sink, spool, notifier, time.Hour)
	defer mirror.Close()

	for i := 0; i < 5; i++ {
		_ = mirror.WriteReading(context.Background(), spoolReading(time.Duration(i)*time.Second))
	}

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if notifier.calls != 1 {
		t.Errorf("SendSpoolWarning called %d times, want 1", notifier.calls)
	}
}

func TestSpoolingMirror_WriteBatch(t *testing.T) {
	sink := &fakeSink{}
	spool, _ := NewSpool(t.TempDir(), 1024*1024, time.Hour)
	mirror := NewSpoolingMirror(sink, spool, nil, time.Hour)
	defer mirror.Close()

	ctx := context.Background()
	batch := []monitoring.Reading{spoolReading(0), spoolReading(7 * time.Second)}
	if err := mirror.WriteBatch(ctx, batch); err != nil {
		t.Fatalf("WriteBatch() error = %v", err)
	}
	if sink.writtenCount() != 2 {
		t.Errorf("sink received %d readings, want 2", sink.writtenCount())
	}

	sink.setDown(true)
	err := mirror.WriteBatch(ctx, []monitoring.Reading{spoolReading(14 * time.Second), spoolReading(21 * time.Second)})
	if !errors.Is(err, ErrReadingSpooled) {
		t.Fatalf("WriteBatch() error = %v, want ErrReadingSpooled", err)
	}
	entries, _ := spool.List()
	if len(entries) != 2 {
		t.Errorf("spool holds %d entries, want 2", len(entries))
	}
}

func TestSpoolingMirror_Close(t *testing.T) {
	sink := &fakeSink{}
	spool, _ := NewSpool(t.TempDir(), 1024*1024, time.Hour)
	mirror := NewSpoolingMirror(sink, spool, nil, time.Hour)

	mirror.Flush()
	mirror.Close()

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if !sink.closed {
		t.Error("Close() did not close the sink")
	}
	if sink.flushes == 0 {
		t.Error("Flush() did not reach the sink")
	}
}
