package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// DensityStats is the aggregate snapshot published by the pipeline
type DensityStats struct {
	ActivePoints  int     `json:"activePoints"`
	AvgIntensity  float64 `json:"avgIntensity"` // 0-100
	CriticalZones int     `json:"criticalZones"`
	WarningZones  int     `json:"warningZones"`
	WatchZones    int     `json:"watchZones"`
	SafeZones     int     `json:"safeZones"`

	// Timestamp is when the producer computed the snapshot. Zero if the producer omitted it.
	Timestamp time.Time `json:"timestamp,omitempty"`
}

func (DensityStats) isPayload() {}

type densityStatsInput struct {
	ActivePoints  *int     `json:"activePoints"`
	AvgIntensity  *float64 `json:"avgIntensity"`
	CriticalZones *int     `json:"criticalZones"`
	WarningZones  *int     `json:"warningZones"`
	WatchZones    *int     `json:"watchZones"`
	SafeZones     *int     `json:"safeZones"`
	Timestamp     string   `json:"timestamp"`
}

func decodeDensityStats(raw json.RawMessage, _ time.Time) (Payload, error) {
	var in densityStatsInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, err
	}

	s := DensityStats{
		ActivePoints:  intOrZero(in.ActivePoints),
		CriticalZones: intOrZero(in.CriticalZones),
		WarningZones:  intOrZero(in.WarningZones),
		WatchZones:    intOrZero(in.WatchZones),
		SafeZones:     intOrZero(in.SafeZones),
	}
	if in.AvgIntensity != nil {
		s.AvgIntensity = *in.AvgIntensity
	}
	if in.Timestamp != "" {
		ts, err := ParseTimestamp(in.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("timestamp: %w", err)
		}
		s.Timestamp = ts
	}
	return s, nil
}

func intOrZero(v *int) int {
	if v == nil {
		return 0
	}
	return *v
}

// IntensityLabel buckets an average intensity for display: High >= 70, Moderate >= 40, Low otherwise
func IntensityLabel(intensity float64) string {
	switch clamped := clamp(intensity, 0, 100); {
	case clamped >= 70:
		return "High"
	case clamped >= 40:
		return "Moderate"
	default:
		return "Low"
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
