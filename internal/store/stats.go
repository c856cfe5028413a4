package store

import (
	"fmt"
	"sync"
	"time"

	"riskwatch/internal/models"
)

// StatsStore holds the single latest aggregate snapshot. Each envelope
// replaces it entirely.
type StatsStore struct {
	mu         sync.RWMutex
	stats      models.DensityStats
	lastUpdate time.Time
	now        func() time.Time
}

// NewStatsStore creates a store holding the zero snapshot
func NewStatsStore() *StatsStore {
	return &StatsStore{now: time.Now}
}

// HandleEnvelope replaces the snapshot with the one carried by env.
// A snapshot without a producer timestamp is stamped with the arrival time.
func (s *StatsStore) HandleEnvelope(env models.Envelope) error {
	stats, ok := env.Value.(models.DensityStats)
	if !ok {
		return fmt.Errorf("stats store: %w: %T", ErrUnexpectedPayload, env.Value)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if stats.Timestamp.IsZero() {
		stats.Timestamp = now.UTC()
	}
	s.stats = stats
	s.lastUpdate = now
	return nil
}

// Get returns the current snapshot. Before the first envelope it is the zero value.
func (s *StatsStore) Get() models.DensityStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

// LastUpdate returns the local time of the last replacement, zero if none
func (s *StatsStore) LastUpdate() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastUpdate
}
