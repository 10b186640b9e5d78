// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package monitoring

import (
	"context"
	"errors"
	"sync"

	apperrors "github.com/soothill/tuya-energy-logger/pkg/errors"
)

// memStore is an in-memory ReadingStore
type memStore struct {
	mu         sync.Mutex
	readings   []Reading
	failAppend int // number of upcoming appends that fail
	loadErr    error
	appends    int
}

func (m *memStore) Load(_ context.Context) ([]Reading, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	return append([]Reading(nil), m.readings...), nil
}

func (m *memStore) Append(_ context.Context, readings ...Reading) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appends++
	if m.failAppend > 0 {
		m.failAppend--
		return apperrors.NewPersistenceError("append", "mem", errors.New("disk full"))
	}
	m.readings = append(m.readings, readings...)
	return nil
}

func (m *memStore) Replace(_ context.Context, readings []Reading) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readings = append([]Reading(nil), readings...)
	return nil
}

func (m *memStore) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.readings)
}

// scriptedFetcher returns queued results, then repeats the last one
type scriptedFetcher struct {
	mu      sync.Mutex
	results []fetchResult
	calls   int
	onFetch func(ctx context.Context)
}

type fetchResult struct {
	status *Status
	err    error
}

func (f *scriptedFetcher) FetchStatus(ctx context.Context) (*Status, error) {
	f.mu.Lock()
	idx := f.calls
	if idx >= len(f.results) {
		idx = len(f.results) - 1
	}
	f.calls++
	res := f.results[idx]
	hook := f.onFetch
	f.mu.Unlock()

	if hook != nil {
		hook(ctx)
	}
	return res.status, res.err
}

func (f *scriptedFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func online(watt float64) fetchResult {
	return fetchResult{status: &Status{Connected: true, PowerOn: watt > 0, Watt: watt, Voltage: 230, Current: watt / 230}}
}

func offline() fetchResult {
	return fetchResult{err: apperrors.NewConnectivityError("get status", "dev", errors.New("unreachable"))}
}
