package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// RiskLevel is the producer-assigned risk classification of a zone
type RiskLevel string

const (
	RiskSafe     RiskLevel = "SAFE"
	RiskWatch    RiskLevel = "WATCH"
	RiskWarning  RiskLevel = "WARNING"
	RiskCritical RiskLevel = "CRITICAL"
)

// IsValid checks if the risk level is one of the known levels
func (r RiskLevel) IsValid() bool {
	switch r {
	case RiskSafe, RiskWatch, RiskWarning, RiskCritical:
		return true
	default:
		return false
	}
}

// Zone validation errors
var (
	ErrEmptyZoneID      = errors.New("zone ID cannot be empty")
	ErrInvalidRiskLevel = errors.New("invalid risk level")
	ErrInvalidCenter    = errors.New("center must be [lat, lon]")
)

// LatLng is a geographic coordinate, encoded on the wire as [lat, lon]
type LatLng struct {
	Lat float64
	Lon float64
}

// MarshalJSON encodes the coordinate as a two-element array
func (p LatLng) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]float64{p.Lat, p.Lon})
}

// UnmarshalJSON decodes a two-element [lat, lon] array
func (p *LatLng) UnmarshalJSON(data []byte) error {
	var pair []float64
	if err := json.Unmarshal(data, &pair); err != nil {
		return ErrInvalidCenter
	}
	if len(pair) != 2 {
		return ErrInvalidCenter
	}
	p.Lat, p.Lon = pair[0], pair[1]
	return nil
}

// Bounds is a latitude/longitude viewport
type Bounds struct {
	North float64 `json:"north"`
	South float64 `json:"south"`
	East  float64 `json:"east"`
	West  float64 `json:"west"`
}

// Contains reports whether p lies inside the bounds, edges included
func (b Bounds) Contains(p LatLng) bool {
	return p.Lat >= b.South && p.Lat <= b.North && p.Lon >= b.West && p.Lon <= b.East
}

// Zone is a risk zone as computed by the upstream pipeline.
// Every attribute is producer-supplied; nothing here is derived locally.
type Zone struct {
	ID     string  `json:"id"`
	Center LatLng  `json:"center"`
	Radius float64 `json:"radius"` // meters

	Rainfall48h        float64 `json:"rainfall48h"` // mm
	RainfallTrend      string  `json:"rainfallTrend,omitempty"`
	SoilMoisture       float64 `json:"soilMoisture"` // percent
	SoilMoistureStatus string  `json:"soilMoistureStatus"`
	SoilType           string  `json:"soilType,omitempty"`

	RiskLevel       RiskLevel `json:"riskLevel"`
	RiskProbability float64   `json:"riskProbability"`

	ARI        float64  `json:"ari"`
	SlopeAngle *float64 `json:"slopeAngle,omitempty"`
	NDVI       *float64 `json:"ndvi,omitempty"`

	LastUpdate time.Time `json:"lastUpdate"`
}

func (Zone) isPayload() {}

// zoneInput mirrors Zone with a string lastUpdate for flexible parsing
type zoneInput struct {
	ID                 string    `json:"id"`
	Center             *LatLng   `json:"center"`
	Radius             float64   `json:"radius"`
	Rainfall48h        float64   `json:"rainfall48h"`
	RainfallTrend      string    `json:"rainfallTrend"`
	SoilMoisture       float64   `json:"soilMoisture"`
	SoilMoistureStatus string    `json:"soilMoistureStatus"`
	SoilType           string    `json:"soilType"`
	RiskLevel          RiskLevel `json:"riskLevel"`
	RiskProbability    float64   `json:"riskProbability"`
	ARI                float64   `json:"ari"`
	SlopeAngle         *float64  `json:"slopeAngle"`
	NDVI               *float64  `json:"ndvi"`
	LastUpdate         string    `json:"lastUpdate"`
}

func decodeZone(raw json.RawMessage, ts time.Time) (Payload, error) {
	var in zoneInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, err
	}

	z := Zone{
		ID:                 strings.TrimSpace(in.ID),
		Radius:             in.Radius,
		Rainfall48h:        in.Rainfall48h,
		RainfallTrend:      in.RainfallTrend,
		SoilMoisture:       in.SoilMoisture,
		SoilMoistureStatus: in.SoilMoistureStatus,
		SoilType:           in.SoilType,
		RiskLevel:          RiskLevel(strings.ToUpper(strings.TrimSpace(string(in.RiskLevel)))),
		RiskProbability:    in.RiskProbability,
		ARI:                in.ARI,
		SlopeAngle:         in.SlopeAngle,
		NDVI:               in.NDVI,
		LastUpdate:         ts,
	}
	if in.Center == nil {
		return nil, ErrInvalidCenter
	}
	z.Center = *in.Center

	if in.LastUpdate != "" {
		lu, err := ParseTimestamp(in.LastUpdate)
		if err != nil {
			return nil, fmt.Errorf("lastUpdate: %w", err)
		}
		z.LastUpdate = lu
	}

	if err := z.Validate(); err != nil {
		return nil, err
	}
	return z, nil
}

// Validate checks if the Zone has an identity and a known risk level
func (z *Zone) Validate() error {
	if z.ID == "" {
		return ErrEmptyZoneID
	}
	if !z.RiskLevel.IsValid() {
		return ErrInvalidRiskLevel
	}
	return nil
}
