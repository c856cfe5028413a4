package worker

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"riskwatch/internal/backoff"
	"riskwatch/internal/logger"
	"riskwatch/internal/metrics"
	"riskwatch/internal/models"
)

// Source yields frames for one topic
type Source interface {
	Topic() string
	ReadFrame(ctx context.Context) (models.Frame, error)
	Close() error
}

// Publisher receives every frame read from a source
type Publisher interface {
	Publish(ctx context.Context, frame models.Frame) error
}

// Pool runs one pump goroutine per source. A pump that fails to read backs off
// and retries; a pump that panics is restarted.
type Pool struct {
	sources   []Source
	publisher Publisher
	backoff   backoff.Policy
	sleep     func(ctx context.Context, d time.Duration) error

	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	started atomic.Bool

	// Metrics
	pumped   atomic.Uint64
	failed   atomic.Uint64
	restarts atomic.Uint64
}

// Config holds worker pool configuration
type Config struct {
	Sources   []Source
	Publisher Publisher
	// Retry delay after read errors. MaxAttempts is ignored; pumps retry until stopped.
	Backoff backoff.Policy
}

// NewPool creates a new worker pool
func NewPool(cfg Config) *Pool {
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff = backoff.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Pool{
		sources:   cfg.Sources,
		publisher: cfg.Publisher,
		backoff:   cfg.Backoff,
		sleep:     sleepCtx,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start launches one pump per source
func (p *Pool) Start() {
	if p.started.Swap(true) {
		return
	}

	log := logger.WithComponent("worker_pool")
	log.Info().
		Int("sources", len(p.sources)).
		Dur("backoff_base", p.backoff.Base).
		Dur("backoff_max", p.backoff.Max).
		Msg("starting worker pool")

	for _, src := range p.sources {
		p.wg.Add(1)
		go p.supervise(src)
	}
}

// Stop cancels every pump, waits for them and closes the sources
func (p *Pool) Stop() {
	log := logger.WithComponent("worker_pool")
	log.Info().Msg("stopping worker pool")
	p.cancel()
	p.wg.Wait()

	for _, src := range p.sources {
		if err := src.Close(); err != nil {
			log.Warn().Err(err).Str("topic", src.Topic()).Msg("source close error")
		}
	}
	log.Info().Msg("worker pool stopped")
}

// supervise restarts the pump after a panic until the pool stops
func (p *Pool) supervise(src Source) {
	defer p.wg.Done()

	log := logger.WithTopic("worker", src.Topic())
	log.Info().Msg("worker started")
	defer log.Info().Msg("worker stopped")

	for restart := 1; ; restart++ {
		if !p.pump(src, log) {
			return
		}
		p.restarts.Add(1)
		if err := p.sleep(p.ctx, p.backoff.Delay(restart)); err != nil {
			return
		}
	}
}

// pump moves frames from src to the publisher. It reports whether it
// ended by panicking and should be restarted.
func (p *Pool) pump(src Source, log zerolog.Logger) (panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("worker panic recovered")
			metrics.PanicsRecovered.WithLabelValues("worker").Inc()
			panicked = true
		}
	}()

	topic := src.Topic()
	failures := 0

	for {
		frame, err := src.ReadFrame(p.ctx)
		if err != nil {
			if p.ctx.Err() != nil {
				return false
			}

			failures++
			p.failed.Add(1)
			metrics.WorkerSourceErrors.WithLabelValues(topic).Inc()

			delay := p.backoff.Delay(failures)
			log.Warn().
				Err(err).
				Int("failures", failures).
				Dur("retry_in", delay).
				Msg("source read failed")

			if err := p.sleep(p.ctx, delay); err != nil {
				return false
			}
			continue
		}
		failures = 0

		if frame.Topic == "" {
			frame.Topic = topic
		}

		if err := p.publisher.Publish(p.ctx, frame); err != nil {
			if errors.Is(err, context.Canceled) {
				return false
			}
			log.Error().Err(err).Msg("failed to publish frame")
			continue
		}

		p.pumped.Add(1)
		metrics.WorkerFramesPumped.WithLabelValues(topic).Inc()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns worker pool statistics
func (p *Pool) Stats() Stats {
	return Stats{
		Pumped:   p.pumped.Load(),
		Failed:   p.failed.Load(),
		Restarts: p.restarts.Load(),
	}
}

// Stats holds worker pool metrics
type Stats struct {
	Pumped   uint64 `json:"pumped"`
	Failed   uint64 `json:"failed"`
	Restarts uint64 `json:"restarts"`
}
