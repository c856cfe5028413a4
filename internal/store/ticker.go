package store

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"riskwatch/internal/metrics"
	"riskwatch/internal/models"
)

// DefaultTickerEntries is the feed cap used when none is configured
const DefaultTickerEntries = 20

// TickerLog is a bounded most-recent-first activity feed. Stream entries and
// local entries share one insertion path; eviction is by arrival, not timestamp.
type TickerLog struct {
	mu   sync.RWMutex
	buf  []models.TickerEntry // ring buffer, len == cap
	head int                  // slot of the next insert
	size int

	now   func() time.Time
	newID func() string
}

// NewTickerLog creates a feed holding at most max entries
func NewTickerLog(max int) *TickerLog {
	if max <= 0 {
		max = DefaultTickerEntries
	}
	return &TickerLog{
		buf:   make([]models.TickerEntry, max),
		now:   time.Now,
		newID: uuid.NewString,
	}
}

// HandleEnvelope appends the log payload carried by env, stamped with the
// producer timestamp.
func (t *TickerLog) HandleEnvelope(env models.Envelope) error {
	p, ok := env.Value.(models.LogPayload)
	if !ok {
		return fmt.Errorf("ticker: %w: %T", ErrUnexpectedPayload, env.Value)
	}

	msg := p.Message
	if msg == "" {
		source := p.Source
		if source == "" {
			source = "unknown"
		}
		msg = "Data received from " + source
	}

	ts := env.Timestamp
	if ts.IsZero() {
		ts = t.now()
	}
	t.insert(ts.UTC(), msg)
	return nil
}

// AddLocal appends an in-process entry stamped with the local clock
func (t *TickerLog) AddLocal(message string) models.TickerEntry {
	return t.insert(t.now().UTC(), strings.TrimSpace(message))
}

func (t *TickerLog) insert(ts time.Time, message string) models.TickerEntry {
	entry := models.TickerEntry{
		ID:        t.newID(),
		Timestamp: ts,
		Message:   message,
	}

	t.mu.Lock()
	t.buf[t.head] = entry
	t.head = (t.head + 1) % len(t.buf)
	if t.size < len(t.buf) {
		t.size++
	}
	size := t.size
	t.mu.Unlock()

	metrics.TickerEntries.Set(float64(size))
	return entry
}

// GetAll returns the entries most-recent-first
func (t *TickerLog) GetAll() []models.TickerEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]models.TickerEntry, t.size)
	for i := 0; i < t.size; i++ {
		idx := (t.head - 1 - i + len(t.buf)) % len(t.buf)
		out[i] = t.buf[idx]
	}
	return out
}

// Len returns the number of entries held
func (t *TickerLog) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.size
}

// Cap returns the maximum number of entries held
func (t *TickerLog) Cap() int {
	return len(t.buf)
}
