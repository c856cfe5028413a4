// Package dashboard wires the stream client to the stores and serves the
// reconciled state over HTTP.
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"riskwatch/internal/alerts"
	"riskwatch/internal/config"
	"riskwatch/internal/handlers"
	"riskwatch/internal/logger"
	"riskwatch/internal/middleware"
	"riskwatch/internal/models"
	"riskwatch/internal/store"
	"riskwatch/internal/stream"
)

// Service is the composition root of the dashboard: one stream client, the
// stores it feeds and the read API over them.
type Service struct {
	cfg      *config.Config
	client   *stream.Client
	zones    *store.ZoneStore
	stats    *store.StatsStore
	ticker   *store.TickerLog
	notifier *alerts.ConnectionNotifier

	feeds     map[string]*Feed
	feedOrder []string

	// serializes Connect with feed changes
	mu sync.Mutex

	httpServer *http.Server
	wg         sync.WaitGroup
	log        zerolog.Logger
}

// New builds the dashboard with every feed enabled. opts are passed to the
// stream client after the connection notifier.
func New(cfg *config.Config, opts ...stream.Option) *Service {
	s := &Service{
		cfg:    cfg,
		zones:  store.NewZoneStore(),
		stats:  store.NewStatsStore(),
		ticker: store.NewTickerLog(cfg.Ticker.MaxEntries),
		feeds:  make(map[string]*Feed),
		log:    logger.WithComponent("dashboard"),
	}
	s.notifier = alerts.NewConnectionNotifier(s.ticker)

	clientOpts := append([]stream.Option{stream.WithStatusListener(s.notifier.Listener())}, opts...)
	s.client = stream.New(stream.Config{
		URL:           cfg.Stream.URL,
		DialTimeout:   cfg.Stream.DialTimeout,
		Reconnect:     cfg.Stream.Reconnect,
		SendQueueSize: cfg.Stream.SendQueueSize,
	}, clientOpts...)

	s.addFeed(NewFeed(FeedZones, s.zones, s.zones.Clear, models.TopicZones))
	s.addFeed(NewFeed(FeedStats, s.stats, nil, models.TopicStats))
	s.addFeed(NewFeed(FeedTicker, s.ticker, nil, models.TopicSystemLogs, models.TopicDataIngestion))
	for _, name := range s.feedOrder {
		s.feeds[name].Enable(s.client)
	}

	s.httpServer = &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Service) addFeed(f *Feed) {
	s.feeds[f.Name()] = f
	s.feedOrder = append(s.feedOrder, f.Name())
}

// Zones returns the zone store
func (s *Service) Zones() *store.ZoneStore { return s.zones }

// StatsStore returns the aggregate stats store
func (s *Service) StatsStore() *store.StatsStore { return s.stats }

// Ticker returns the activity feed
func (s *Service) Ticker() *store.TickerLog { return s.ticker }

// Connect attaches the enabled feeds and opens the relay connection.
// Disconnect drops every subscription, so feeds are re-attached on each call.
func (s *Service) Connect(ctx context.Context) error {
	s.mu.Lock()
	for _, name := range s.feedOrder {
		s.feeds[name].Attach(s.client)
	}
	s.mu.Unlock()

	return s.client.Connect(ctx, "")
}

// Disconnect closes the relay connection
func (s *Service) Disconnect() {
	s.client.Disconnect()
}

// Status reports the stream connection status
func (s *Service) Status() stream.Status { return s.client.Status() }

// Topics returns the subscribed topics
func (s *Service) Topics() []string { return s.client.Topics() }

// Stats returns the stream client counters
func (s *Service) Stats() stream.ClientStats { return s.client.Stats() }

// Feeds returns each feed's enabled state
func (s *Service) Feeds() map[string]bool {
	out := make(map[string]bool, len(s.feeds))
	for name, f := range s.feeds {
		out[name] = f.Enabled()
	}
	return out
}

// FeedNames returns the feed names, sorted
func (s *Service) FeedNames() []string {
	names := append([]string(nil), s.feedOrder...)
	sort.Strings(names)
	return names
}

// SetFeed switches a feed on or off
func (s *Service) SetFeed(name string, enabled bool) error {
	f, ok := s.feeds[name]
	if !ok {
		return fmt.Errorf("%w: %s", handlers.ErrUnknownFeed, name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if enabled {
		f.Enable(s.client)
	} else {
		f.Disable()
	}
	s.log.Info().Str("feed", name).Bool("enabled", enabled).Msg("feed toggled")
	return nil
}

// Handler returns the dashboard's HTTP routes
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	handlers.NewAPI(handlers.APIConfig{
		Zones:      s.zones,
		Stats:      s.stats,
		Ticker:     s.ticker,
		Controller: s,
	}).Register(mux)
	mux.HandleFunc("GET /health", s.healthHandler)

	root := http.NewServeMux()
	root.Handle("/", middleware.Chain(mux, middleware.Logging, middleware.Recovery))
	root.Handle("/metrics", promhttp.Handler())
	return root
}

// Run listens on the configured address and serves until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.HTTP.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.HTTP.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve connects to the relay and serves the API on ln until ctx is done.
// A failed first connect is logged; the client keeps retrying on its own.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	s.log.Info().
		Str("stream_url", s.cfg.Stream.URL).
		Strs("feeds", s.FeedNames()).
		Msg("dashboard starting")

	if err := s.Connect(ctx); err != nil {
		s.log.Warn().Err(err).Msg("initial connect failed")
	}

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

	s.shutdown()
	return runErr
}

func (s *Service) shutdown() {
	s.log.Info().Msg("initiating graceful shutdown")

	// 1. Stop accepting new requests
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	// 2. Close the stream and cancel any pending reconnect
	s.client.Disconnect()

	s.wg.Wait()
	s.log.Info().Msg("dashboard stopped gracefully")
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
			st := s.client.Stats()
			s.log.Info().
				Str("status", s.client.Status().String()).
				Uint64("frames_received", st.FramesReceived).
				Uint64("frames_malformed", st.FramesMalformed).
				Uint64("callback_errors", st.CallbackErrors).
				Int("zones", s.zones.Len()).
				Int("ticker_entries", s.ticker.Len()).
				Msg("stats")
		}
	}
}

// healthHandler reports the process as healthy and includes the stream status
func (s *Service) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"healthy","stream":"%s","zones":%d,"timestamp":"%s"}`,
		s.client.Status(), s.zones.Len(), time.Now().Format(time.RFC3339))
}
