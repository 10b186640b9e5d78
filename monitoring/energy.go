// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package monitoring

import (
	"math"
	"time"

	"github.com/soothill/tuya-energy-logger/pkg/logger"
)

// EnergyResult is the outcome of integrating a reading history.
type EnergyResult struct {
	KWh              float64
	Intervals        int // adjacent pairs that contributed
	SkippedIntervals int // pairs whose timestamps went backwards
}

// IntegrateEnergy applies the trapezoidal rule to the wattage of adjacent
// readings: each pair contributes (w[i-1]+w[i])/2 * Δt hours / 1000.
// Disconnected readings take part with watt zero. A pair with a negative
// time delta contributes nothing and is counted as skipped.
func IntegrateEnergy(history []Reading) EnergyResult {
	var result EnergyResult
	for i := 1; i < len(history); i++ {
		prev, cur := history[i-1], history[i]
		dt := cur.Timestamp.Sub(prev.Timestamp)
		if dt < 0 {
			result.SkippedIntervals++
			continue
		}
		hours := dt.Hours()
		result.KWh += (prev.Watt + cur.Watt) / 2 * hours / 1000
		result.Intervals++
	}
	return result
}

// WarnSkipped logs a warning when integration dropped intervals.
func WarnSkipped(result EnergyResult) {
	if result.SkippedIntervals > 0 {
		logger.Warn().Int("skipped", result.SkippedIntervals).
			Msg("Energy integration skipped intervals with decreasing timestamps")
	}
}

// ComputeEnergyKWh returns the cumulative energy of history in kWh.
// Fewer than two readings yield zero.
func ComputeEnergyKWh(history []Reading) float64 {
	return IntegrateEnergy(history).KWh
}

// RoundKWh rounds an energy value to four decimal places.
func RoundKWh(kwh float64) float64 {
	return math.Round(kwh*1e4) / 1e4
}

// FilterRange returns the readings with from <= timestamp <= to, in order.
// A zero bound is open.
func FilterRange(history []Reading, from, to time.Time) []Reading {
	if from.IsZero() && to.IsZero() {
		return history
	}
	filtered := make([]Reading, 0, len(history))
	for _, r := range history {
		if !from.IsZero() && r.Timestamp.Before(from) {
			continue
		}
		if !to.IsZero() && r.Timestamp.After(to) {
			continue
		}
		filtered = append(filtered, r)
	}
	return filtered
}
