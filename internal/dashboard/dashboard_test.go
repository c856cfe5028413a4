package dashboard

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"riskwatch/internal/alerts"
	"riskwatch/internal/config"
	"riskwatch/internal/handlers"
	"riskwatch/internal/models"
	"riskwatch/internal/relay"
	"riskwatch/internal/store"
	"riskwatch/internal/stream"
	"riskwatch/internal/worker"
)

const (
	waitFor = 3 * time.Second
	tick    = 10 * time.Millisecond
)

func zone(id string) models.Zone {
	return models.Zone{
		ID:         id,
		Center:     models.LatLng{Lat: 10, Lon: 20},
		RiskLevel:  models.RiskWatch,
		LastUpdate: time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestFeed_EnableDisable(t *testing.T) {
	client := stream.New(stream.Config{})
	zones := store.NewZoneStore()
	zones.Upsert(zone("z1"))

	f := NewFeed(FeedZones, zones, zones.Clear, models.TopicZones)
	assert.False(t, f.Enabled())

	f.Enable(client)
	assert.True(t, f.Enabled())
	assert.Equal(t, []string{models.TopicZones}, client.Topics())

	f.Disable()
	assert.False(t, f.Enabled())
	assert.Empty(t, client.Topics())
	assert.Equal(t, 0, zones.Len(), "disabling clears the store")
}

func TestFeed_AttachIsIdempotent(t *testing.T) {
	client := stream.New(stream.Config{})
	ticker := store.NewTickerLog(5)

	f := NewFeed(FeedTicker, ticker, nil, models.TopicSystemLogs, models.TopicDataIngestion)
	f.Attach(client)
	assert.Empty(t, client.Topics(), "a disabled feed does not attach")

	f.Enable(client)
	f.Attach(client)
	f.Attach(client)
	assert.Equal(t, []string{models.TopicDataIngestion, models.TopicSystemLogs}, client.Topics())

	f.Disable()
	assert.Empty(t, client.Topics(), "one unsubscribe per topic removes the feed entirely")
}

func TestFeed_DisableAfterClientReset(t *testing.T) {
	client := stream.New(stream.Config{})
	stats := store.NewStatsStore()

	f := NewFeed(FeedStats, stats, nil, models.TopicStats)
	f.Enable(client)
	client.Disconnect()
	assert.Empty(t, client.Topics())

	assert.NotPanics(t, f.Disable)
	f.Attach(client)
	assert.Empty(t, client.Topics())
}

func TestFeed_DisableWaitsForInFlightDelivery(t *testing.T) {
	client := stream.New(stream.Config{})
	zones := store.NewZoneStore()
	entered := make(chan struct{})
	release := make(chan struct{})
	slow := stream.HandlerFunc(func(env models.Envelope) error {
		close(entered)
		<-release
		return zones.HandleEnvelope(env)
	})

	f := NewFeed(FeedZones, slow, zones.Clear, models.TopicZones)
	f.Enable(client)

	env := models.Envelope{Topic: models.TopicZones, Value: zone("z1")}
	delivered := make(chan error, 1)
	go func() { delivered <- f.HandleEnvelope(env) }()
	<-entered

	disabled := make(chan struct{})
	go func() {
		f.Disable()
		close(disabled)
	}()
	time.Sleep(20 * time.Millisecond)
	select {
	case <-disabled:
		t.Fatal("Disable returned while a delivery was in flight")
	default:
	}

	close(release)
	require.NoError(t, <-delivered)
	<-disabled
	assert.Equal(t, 0, zones.Len(), "reset runs after the in-flight upsert")

	require.NoError(t, f.HandleEnvelope(models.Envelope{Topic: models.TopicZones, Value: zone("z2")}))
	assert.Equal(t, 0, zones.Len(), "a disabled feed drops late deliveries")
}

func TestService_Feeds(t *testing.T) {
	svc := New(config.Default())

	assert.Equal(t, map[string]bool{FeedZones: true, FeedStats: true, FeedTicker: true}, svc.Feeds())
	assert.Equal(t, []string{FeedStats, FeedTicker, FeedZones}, svc.FeedNames())
	assert.Equal(t, []string{
		models.TopicStats,
		models.TopicDataIngestion,
		models.TopicZones,
		models.TopicSystemLogs,
	}, svc.Topics())
	assert.Equal(t, stream.StatusDisconnected, svc.Status())

	err := svc.SetFeed("weather", true)
	assert.ErrorIs(t, err, handlers.ErrUnknownFeed)

	svc.Zones().Upsert(zone("z1"))
	require.NoError(t, svc.SetFeed(FeedZones, false))
	assert.False(t, svc.Feeds()[FeedZones])
	assert.NotContains(t, svc.Topics(), models.TopicZones)
	assert.Equal(t, 0, svc.Zones().Len())

	require.NoError(t, svc.SetFeed(FeedZones, true))
	assert.Contains(t, svc.Topics(), models.TopicZones)
}

type chanSource struct {
	topic  string
	frames chan models.Frame
}

func (s *chanSource) Topic() string { return s.topic }

func (s *chanSource) ReadFrame(ctx context.Context) (models.Frame, error) {
	select {
	case f := <-s.frames:
		return f, nil
	case <-ctx.Done():
		return models.Frame{}, ctx.Err()
	}
}

func (s *chanSource) Close() error { return nil }

func startRelay(t *testing.T, sources ...*chanSource) (*relay.Service, string) {
	t.Helper()
	cfg := config.Default()
	cfg.HTTP.StatsInterval = 0
	cfg.HTTP.ShutdownTimeout = time.Second

	srcs := make([]worker.Source, 0, len(sources))
	for _, src := range sources {
		srcs = append(srcs, src)
	}
	svc, err := relay.New(cfg, srcs...)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		svc.Serve(ctx, ln)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return svc, "ws://" + ln.Addr().String() + "/kafka"
}

func startDashboard(t *testing.T, streamURL string) (*Service, string) {
	t.Helper()
	cfg := config.Default()
	cfg.Stream.URL = streamURL
	cfg.Stream.DialTimeout = time.Second
	cfg.HTTP.StatsInterval = 0
	cfg.HTTP.ShutdownTimeout = time.Second

	svc := New(cfg)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		svc.Serve(ctx, ln)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return svc, "http://" + ln.Addr().String()
}

func getJSON(t *testing.T, url string, out any) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func post(t *testing.T, url string) int {
	t.Helper()
	resp, err := http.Post(url, "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	return resp.StatusCode
}

func tickerMessages(svc *Service) []string {
	var out []string
	for _, e := range svc.Ticker().GetAll() {
		out = append(out, e.Message)
	}
	return out
}

func TestService_EndToEnd(t *testing.T) {
	zonesSrc := &chanSource{topic: models.TopicZones, frames: make(chan models.Frame, 8)}
	statsSrc := &chanSource{topic: models.TopicStats, frames: make(chan models.Frame, 8)}
	rel, streamURL := startRelay(t, zonesSrc, statsSrc)
	hub := rel.Hub()

	svc, base := startDashboard(t, streamURL)
	require.Eventually(t, func() bool { return svc.Status() == stream.StatusConnected }, waitFor, tick)
	require.Eventually(t, func() bool {
		return hub.Subscribers(models.TopicZones) == 1 && hub.Subscribers(models.TopicStats) == 1
	}, waitFor, tick)
	require.Eventually(t, func() bool {
		msgs := tickerMessages(svc)
		return len(msgs) > 0 && msgs[0] == alerts.MsgConnectionEstablished
	}, waitFor, tick)

	zonesSrc.frames <- models.Frame{
		Timestamp: "2024-06-01T10:00:00Z",
		Value:     json.RawMessage(`{"id":"z1","center":[10,20],"radius":500,"riskLevel":"WARNING","riskProbability":0.6}`),
	}
	statsSrc.frames <- models.Frame{
		Timestamp: "2024-06-01T10:00:00Z",
		Value:     json.RawMessage(`{"avgIntensity":72.5,"criticalZones":1}`),
	}

	var zones handlers.ZonesResponse
	require.Eventually(t, func() bool {
		getJSON(t, base+"/api/zones?riskLevel=warning", &zones)
		return zones.Count == 1
	}, waitFor, tick)
	assert.Equal(t, "z1", zones.Zones[0].ID)
	require.Eventually(t, func() bool { return svc.StatsStore().Get().AvgIntensity == 72.5 }, waitFor, tick)

	// disconnect drops subscriptions on both sides
	assert.Equal(t, http.StatusOK, post(t, base+"/api/disconnect"))
	assert.Equal(t, stream.StatusDisconnected, svc.Status())
	assert.Empty(t, svc.Topics())
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, waitFor, tick)
	assert.Equal(t, alerts.MsgConnectionLost, tickerMessages(svc)[0])

	// connect re-attaches the enabled feeds
	assert.Equal(t, http.StatusOK, post(t, base+"/api/connect"))
	require.Eventually(t, func() bool { return hub.Subscribers(models.TopicZones) == 1 }, waitFor, tick)
	assert.Len(t, svc.Topics(), 4)
	assert.Contains(t, tickerMessages(svc), alerts.MsgReconnecting)

	// disabling the zone feed stops delivery and clears the map
	assert.Equal(t, http.StatusOK, post(t, base+"/api/feeds/zones/disable"))
	require.Eventually(t, func() bool { return hub.Subscribers(models.TopicZones) == 0 }, waitFor, tick)
	assert.Equal(t, 0, svc.Zones().Len())
	assert.Equal(t, http.StatusNotFound, post(t, base+"/api/feeds/weather/enable"))

	var health map[string]any
	getJSON(t, base+"/health", &health)
	assert.Equal(t, "healthy", health["status"])
	assert.Equal(t, "connected", health["stream"])
}
