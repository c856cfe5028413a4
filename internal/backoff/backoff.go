// Package backoff computes capped exponential retry delays.
package backoff

import (
	"math"
	"time"
)

// Defaults used by the stream client reconnect loop
const (
	DefaultBase        = time.Second
	DefaultMax         = 30 * time.Second
	DefaultMaxAttempts = 10
)

// ceiling keeps doubling clear of time.Duration overflow
const ceiling = time.Duration(math.MaxInt64 / 2)

// Policy describes an exponential backoff: Base * 2^(attempt-1), capped at Max.
// MaxAttempts <= 0 means retry forever.
type Policy struct {
	Base        time.Duration `yaml:"base"`
	Max         time.Duration `yaml:"max"`
	MaxAttempts int           `yaml:"max_attempts"`
}

// Default returns the 1s / 30s / 10 attempts policy
func Default() Policy {
	return Policy{
		Base:        DefaultBase,
		Max:         DefaultMax,
		MaxAttempts: DefaultMaxAttempts,
	}
}

// Delay returns the wait before the given attempt (1-based)
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := p.Base
	if base <= 0 {
		base = DefaultBase
	}

	delay := base
	for i := 1; i < attempt; i++ {
		if delay > ceiling {
			break
		}
		delay *= 2
		if p.Max > 0 && delay >= p.Max {
			return p.Max
		}
	}
	if p.Max > 0 && delay > p.Max {
		return p.Max
	}
	return delay
}

// Exhausted reports whether no attempt may follow the given number of attempts already made
func (p Policy) Exhausted(attempts int) bool {
	return p.MaxAttempts > 0 && attempts >= p.MaxAttempts
}
