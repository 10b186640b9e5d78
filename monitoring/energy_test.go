// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package monitoring

import (
	"math"
	"testing"
	"time"
)

var epoch = time.Date(2025, 7, 26, 0, 0, 0, 0, time.UTC)

func at(seconds int, watt float64) Reading {
	return NewReading(epoch.Add(time.Duration(seconds)*time.Second), Status{Connected: watt > 0, PowerOn: watt > 0, Watt: watt})
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestComputeEnergyKWh(t *testing.T) {
	tests := []struct {
		name    string
		history []Reading
		want    float64
	}{
		{"empty", nil, 0},
		{"single reading", []Reading{at(0, 1000)}, 0},
		{"constant 1kW for one hour", []Reading{at(0, 1000), at(3600, 1000)}, 1.0},
		{"trapezoid ramp", []Reading{at(0, 0), at(3600, 2000)}, 1.0},
		{"disconnected gap counts as zero", []Reading{at(0, 1000), at(1800, 0), at(3600, 1000)}, 0.5},
		{"zero delta", []Reading{at(0, 500), at(0, 500)}, 0},
		{"seven second cadence", []Reading{at(0, 100), at(7, 100), at(14, 100)}, 100 * 14.0 / 3600 / 1000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ComputeEnergyKWh(tt.history)
			if !almostEqual(got, tt.want) {
				t.Errorf("ComputeEnergyKWh() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIntegrateEnergy_SkipsNegativeIntervals(t *testing.T) {
	history := []Reading{at(0, 1000), at(3600, 1000), at(1800, 1000), at(5400, 1000)}

	result := IntegrateEnergy(history)

	if result.SkippedIntervals != 1 {
		t.Errorf("SkippedIntervals = %d, want 1", result.SkippedIntervals)
	}
	if result.Intervals != 2 {
		t.Errorf("Intervals = %d, want 2", result.Intervals)
	}
	// 1h at 1kW plus 1h at 1kW; the backwards pair adds nothing.
	if !almostEqual(result.KWh, 2.0) {
		t.Errorf("KWh = %v, want 2.0", result.KWh)
	}
}

func TestComputeEnergyKWh_NonNegative(t *testing.T) {
	history := []Reading{at(0, 5), at(10, 0), at(5, 3000), at(20, 12), at(20, 0)}
	if got := ComputeEnergyKWh(history); got < 0 {
		t.Errorf("ComputeEnergyKWh() = %v, want >= 0", got)
	}
}

func TestRoundKWh(t *testing.T) {
	tests := []struct {
		in, want float64
	}{
		{0, 0},
		{1.0, 1.0},
		{0.123449, 0.1234},
		{0.12346, 0.1235},
		{12.99999, 13.0},
	}
	for _, tt := range tests {
		if got := RoundKWh(tt.in); !almostEqual(got, tt.want) {
			t.Errorf("RoundKWh(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestFilterRange(t *testing.T) {
	history := []Reading{at(0, 1), at(10, 2), at(20, 3), at(30, 4)}

	tests := []struct {
		name     string
		from, to time.Time
		want     []float64
	}{
		{"open", time.Time{}, time.Time{}, []float64{1, 2, 3, 4}},
		{"from only", epoch.Add(10 * time.Second), time.Time{}, []float64{2, 3, 4}},
		{"to only", time.Time{}, epoch.Add(20 * time.Second), []float64{1, 2, 3}},
		{"inclusive window", epoch.Add(10 * time.Second), epoch.Add(20 * time.Second), []float64{2, 3}},
		{"empty window", epoch.Add(11 * time.Second), epoch.Add(19 * time.Second), nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FilterRange(history, tt.from, tt.to)
			if len(got) != len(tt.want) {
				t.Fatalf("len = %d, want %d", len(got), len(tt.want))
			}
			for i, r := range got {
				if r.Watt != tt.want[i] {
					t.Errorf("got[%d].Watt = %v, want %v", i, r.Watt, tt.want[i])
				}
			}
		})
	}
}
