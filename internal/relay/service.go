package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"riskwatch/internal/config"
	"riskwatch/internal/kafka"
	"riskwatch/internal/logger"
	"riskwatch/internal/middleware"
	"riskwatch/internal/worker"
)

// Service consumes the configured topics and serves them to websocket clients.
type Service struct {
	cfg         *config.Config
	hub         *Hub
	sources     []worker.Source
	pool        *worker.Pool
	httpServer  *http.Server
	kafkaBacked bool
	wg          sync.WaitGroup
	log         zerolog.Logger
}

// New creates a relay fed by sources. With no sources it consumes
// cfg.Relay.Topics from Kafka.
func New(cfg *config.Config, sources ...worker.Source) (*Service, error) {
	s := &Service{
		cfg:     cfg,
		hub:     NewHub(),
		sources: sources,
		log:     logger.WithComponent("relay"),
	}

	if len(s.sources) == 0 {
		kafkaSources, err := KafkaSources(cfg.Relay)
		if err != nil {
			return nil, err
		}
		s.sources = kafkaSources
		s.kafkaBacked = true
	}

	s.pool = worker.NewPool(worker.Config{
		Sources:   s.sources,
		Publisher: s.hub,
		Backoff:   cfg.Stream.Reconnect,
	})
	s.httpServer = &http.Server{
		Addr:        cfg.Relay.Addr,
		Handler:     s.Handler(),
		ReadTimeout: cfg.HTTP.ReadTimeout,
		IdleTimeout: 60 * time.Second,
	}
	return s, nil
}

// KafkaSources creates one consumer per configured topic
func KafkaSources(cfg config.RelayConfig) ([]worker.Source, error) {
	sources := make([]worker.Source, 0, len(cfg.Topics))
	for _, topic := range cfg.Topics {
		c, err := kafka.NewConsumer(kafka.ConsumerConfig{
			Brokers: cfg.KafkaBrokers,
			GroupID: cfg.GroupID,
			Topic:   topic,
		})
		if err != nil {
			for _, src := range sources {
				src.Close()
			}
			return nil, fmt.Errorf("consumer for %s: %w", topic, err)
		}
		sources = append(sources, c)
	}
	return sources, nil
}

// Hub returns the routing hub
func (s *Service) Hub() *Hub { return s.hub }

// Handler returns the relay's HTTP routes
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()

	path := s.cfg.Relay.Path
	if path == "" {
		path = "/kafka"
	}
	// websocket upgrades must reach the raw ResponseWriter, so only recovery wraps it
	mux.Handle(path, middleware.Recovery(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWs(s.hub, s.cfg.Relay.ClientBuffer, w, r)
	})))
	mux.Handle("/health", middleware.Chain(http.HandlerFunc(s.healthHandler), middleware.Logging, middleware.Recovery))
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// Run listens on the configured address and serves until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Relay.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Relay.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve starts the hub, the pumps and the HTTP server on ln and blocks until
// ctx is done.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	s.log.Info().
		Str("addr", s.cfg.Relay.Addr).
		Str("path", s.cfg.Relay.Path).
		Strs("topics", s.cfg.Relay.Topics).
		Msg("relay starting")

	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.hub.Run(hubCtx)
	}()

	s.pool.Start()

	errCh := make(chan error, 1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.log.Info().Str("addr", ln.Addr().String()).Msg("starting HTTP server")
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("HTTP server error")
			errCh <- err
		}
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.reportStats(ctx)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		s.log.Info().Msg("shutdown signal received")
	case runErr = <-errCh:
	}

	s.shutdown(stopHub)
	return runErr
}

func (s *Service) shutdown(stopHub context.CancelFunc) {
	s.log.Info().Msg("initiating graceful shutdown")

	// 1. Stop accepting new connections
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	// 2. Stop the pumps and close the sources
	s.pool.Stop()

	// 3. Close every client
	stopHub()

	s.wg.Wait()
	s.log.Info().Msg("relay stopped gracefully")
}

func (s *Service) reportStats(ctx context.Context) {
	interval := s.cfg.HTTP.StatsInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := s.pool.Stats()
			s.log.Info().
				Uint64("frames_pumped", st.Pumped).
				Uint64("source_errors", st.Failed).
				Uint64("pump_restarts", st.Restarts).
				Int("clients", s.hub.ClientCount()).
				Msg("stats")
		}
	}
}

// healthHandler reports whether Kafka is reachable
func (s *Service) healthHandler(w http.ResponseWriter, r *http.Request) {
	if s.kafkaBacked {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := kafka.HealthCheck(ctx, s.cfg.Relay.KafkaBrokers); err != nil {
			http.Error(w, fmt.Sprintf("unhealthy: %v", err), http.StatusServiceUnavailable)
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"healthy","clients":%d,"timestamp":"%s"}`,
		s.hub.ClientCount(), time.Now().Format(time.RFC3339))
}
