// Package store holds the state reconciled from the live stream: the keyed
// zone set, the latest aggregate snapshot and the bounded activity feed.
// Every read returns a copy.
package store

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"riskwatch/internal/metrics"
	"riskwatch/internal/models"
)

// ErrUnexpectedPayload is returned when an envelope carries a payload
// variant the store does not consume.
var ErrUnexpectedPayload = errors.New("unexpected payload type")

// ZoneStore keeps at most one zone per id. Updates replace the whole zone
// in its existing slot; new ids are appended.
type ZoneStore struct {
	mu         sync.RWMutex
	zones      []models.Zone
	index      map[string]int
	lastUpdate time.Time
	now        func() time.Time
}

// NewZoneStore creates an empty zone store
func NewZoneStore() *ZoneStore {
	return &ZoneStore{
		index: make(map[string]int),
		now:   time.Now,
	}
}

// HandleEnvelope upserts the zone carried by env. Arrival order wins: an
// older lastUpdate still replaces a newer one.
func (s *ZoneStore) HandleEnvelope(env models.Envelope) error {
	zone, ok := env.Value.(models.Zone)
	if !ok {
		return fmt.Errorf("zone store: %w: %T", ErrUnexpectedPayload, env.Value)
	}
	if zone.LastUpdate.IsZero() {
		zone.LastUpdate = env.Timestamp
	}
	zone.LastUpdate = zone.LastUpdate.UTC()
	s.Upsert(zone)
	return nil
}

// Upsert inserts or fully replaces a zone
func (s *ZoneStore) Upsert(zone models.Zone) {
	zone = cloneZone(zone)

	s.mu.Lock()
	defer s.mu.Unlock()

	if i, ok := s.index[zone.ID]; ok {
		s.zones[i] = zone
	} else {
		s.index[zone.ID] = len(s.zones)
		s.zones = append(s.zones, zone)
	}
	s.lastUpdate = s.now()
	metrics.ZonesTracked.Set(float64(len(s.zones)))
}

// GetAll returns every zone in insertion order
func (s *ZoneStore) GetAll() []models.Zone {
	return s.filter(func(models.Zone) bool { return true })
}

// GetInBounds returns the zones whose center lies inside b, edges included
func (s *ZoneStore) GetInBounds(b models.Bounds) []models.Zone {
	return s.filter(func(z models.Zone) bool { return b.Contains(z.Center) })
}

// GetByRiskLevel returns the zones at the given level
func (s *ZoneStore) GetByRiskLevel(level models.RiskLevel) []models.Zone {
	return s.filter(func(z models.Zone) bool { return z.RiskLevel == level })
}

// Get returns the zone with the given id
func (s *ZoneStore) Get(id string) (models.Zone, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i, ok := s.index[id]
	if !ok {
		return models.Zone{}, false
	}
	return cloneZone(s.zones[i]), true
}

func (s *ZoneStore) filter(keep func(models.Zone) bool) []models.Zone {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Zone, 0, len(s.zones))
	for _, z := range s.zones {
		if keep(z) {
			out = append(out, cloneZone(z))
		}
	}
	return out
}

// Len returns the number of zones held
func (s *ZoneStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.zones)
}

// LastUpdate returns the local time of the most recent upsert, zero if none
func (s *ZoneStore) LastUpdate() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastUpdate
}

// Clear drops every zone
func (s *ZoneStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.zones = nil
	s.index = make(map[string]int)
	s.lastUpdate = time.Time{}
	metrics.ZonesTracked.Set(0)
}

func cloneZone(z models.Zone) models.Zone {
	if z.SlopeAngle != nil {
		v := *z.SlopeAngle
		z.SlopeAngle = &v
	}
	if z.NDVI != nil {
		v := *z.NDVI
		z.NDVI = &v
	}
	return z
}
