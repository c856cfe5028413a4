package relay

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"riskwatch/internal/config"
	"riskwatch/internal/models"
	"riskwatch/internal/store"
	"riskwatch/internal/stream"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type chanSource struct {
	topic  string
	frames chan models.Frame
}

func newChanSource(topic string) *chanSource {
	return &chanSource{topic: topic, frames: make(chan models.Frame, 16)}
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

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.HTTP.StatsInterval = 0
	cfg.HTTP.ShutdownTimeout = time.Second
	return cfg
}

func frame(topic, key string) models.Frame {
	return models.Frame{
		Topic:     topic,
		Key:       key,
		Timestamp: "2024-06-01T10:00:00Z",
		Value:     json.RawMessage(`{"message":"hello"}`),
	}
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/kafka", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func control(t *testing.T, conn *websocket.Conn, typ models.ControlType, topic string) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(models.ControlFrame{Type: typ, Topic: topic}))
}

func readFrame(t *testing.T, conn *websocket.Conn) models.Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitFor)))
	var f models.Frame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func startHub(t *testing.T) (*Service, *httptest.Server) {
	t.Helper()
	svc, err := New(testConfig(), newChanSource("unused"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go svc.Hub().Run(ctx)

	srv := httptest.NewServer(svc.Handler())
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return svc, srv
}

func TestHub_RoutesByTopic(t *testing.T) {
	svc, srv := startHub(t)
	hub := svc.Hub()
	ctx := context.Background()

	a := dial(t, srv)
	b := dial(t, srv)
	control(t, a, models.ControlSubscribe, models.TopicZones)
	control(t, b, models.ControlSubscribe, models.TopicStats)

	require.Eventually(t, func() bool {
		return hub.Subscribers(models.TopicZones) == 1 && hub.Subscribers(models.TopicStats) == 1
	}, waitFor, tick)

	require.NoError(t, hub.Publish(ctx, frame(models.TopicZones, "z")))
	require.NoError(t, hub.Publish(ctx, frame(models.TopicStats, "s")))
	require.NoError(t, hub.Publish(ctx, frame("other", "o")))

	assert.Equal(t, "z", readFrame(t, a).Key)
	// b never saw the zones frame: its first frame is the stats one
	assert.Equal(t, "s", readFrame(t, b).Key)
	assert.Equal(t, 2, hub.ClientCount())
}

func TestHub_Unsubscribe(t *testing.T) {
	svc, srv := startHub(t)
	hub := svc.Hub()

	a := dial(t, srv)
	control(t, a, models.ControlSubscribe, models.TopicZones)
	control(t, a, models.ControlSubscribe, models.TopicStats)
	require.Eventually(t, func() bool { return hub.Subscribers(models.TopicStats) == 1 }, waitFor, tick)

	control(t, a, models.ControlUnsubscribe, models.TopicZones)
	require.Eventually(t, func() bool { return hub.Subscribers(models.TopicZones) == 0 }, waitFor, tick)

	require.NoError(t, hub.Publish(context.Background(), frame(models.TopicZones, "z")))
	require.NoError(t, hub.Publish(context.Background(), frame(models.TopicStats, "s")))
	assert.Equal(t, "s", readFrame(t, a).Key)
}

func TestHub_ClientDisconnectUnregisters(t *testing.T) {
	svc, srv := startHub(t)
	hub := svc.Hub()

	a := dial(t, srv)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, waitFor, tick)

	a.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, waitFor, tick)
}

func TestHub_SlowClientDropsFrames(t *testing.T) {
	hub := NewHub()
	slow := &Client{
		hub:    hub,
		send:   make(chan []byte, 1),
		topics: map[string]struct{}{models.TopicZones: {}},
	}
	other := &Client{
		hub:    hub,
		send:   make(chan []byte, 4),
		topics: map[string]struct{}{models.TopicZones: {}},
	}
	hub.clients[slow] = true
	hub.clients[other] = true

	hub.route(outbound{topic: models.TopicZones, data: []byte("1")})
	hub.route(outbound{topic: models.TopicZones, data: []byte("2")})

	assert.Len(t, slow.send, 1)
	assert.Equal(t, []byte("1"), <-slow.send)
	assert.Len(t, other.send, 2, "a slow client never holds back the others")
}

func TestHub_PublishErrors(t *testing.T) {
	hub := NewHub()

	assert.ErrorIs(t, hub.Publish(context.Background(), models.Frame{}), models.ErrEmptyTopic)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, hub.Publish(ctx, frame("t", "k")), context.DeadlineExceeded, "hub not running")

	runCtx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hub.Run(runCtx)
		close(done)
	}()
	stop()
	<-done
	assert.ErrorIs(t, hub.Publish(context.Background(), frame("t", "k")), ErrHubStopped)
}

func TestHub_IgnoresBadControlFrames(t *testing.T) {
	svc, srv := startHub(t)
	hub := svc.Hub()

	a := dial(t, srv)
	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte("{garbage")))
	control(t, a, "resubscribe", models.TopicZones)
	control(t, a, models.ControlSubscribe, "  ")
	control(t, a, models.ControlSubscribe, models.TopicStats)

	require.Eventually(t, func() bool { return hub.Subscribers(models.TopicStats) == 1 }, waitFor, tick)
	assert.Equal(t, 0, hub.Subscribers(models.TopicZones))
	assert.Equal(t, 1, hub.ClientCount(), "bad frames do not drop the connection")
}

func TestSameHostOrigin(t *testing.T) {
	tests := []struct {
		origin string
		host   string
		want   bool
	}{
		{"", "relay:8080", true},
		{"http://relay:8080", "relay:8080", true},
		{"http://localhost:5173", "localhost:8080", true},
		{"http://evil.example", "relay:8080", false},
		{"://bad", "relay:8080", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/kafka", nil)
		r.Host = tt.host
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		assert.Equal(t, tt.want, sameHostOrigin(r), "origin %q host %q", tt.origin, tt.host)
	}
}

func TestService_Health(t *testing.T) {
	_, srv := startHub(t)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "healthy", body["status"])
}

func TestService_EndToEnd(t *testing.T) {
	zonesSrc := newChanSource(models.TopicZones)
	logsSrc := newChanSource(models.TopicSystemLogs)

	svc, err := New(testConfig(), zonesSrc, logsSrc)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- svc.Serve(ctx, ln) }()

	zones := store.NewZoneStore()
	ticker := store.NewTickerLog(20)
	client := stream.New(stream.Config{URL: "ws://" + ln.Addr().String() + "/kafka", DialTimeout: time.Second})
	client.Subscribe(models.TopicZones, zones)
	client.Subscribe(models.TopicSystemLogs, ticker)

	require.NoError(t, client.Connect(context.Background(), ""))
	require.Eventually(t, func() bool {
		return svc.Hub().Subscribers(models.TopicZones) == 1 && svc.Hub().Subscribers(models.TopicSystemLogs) == 1
	}, waitFor, tick)

	zonesSrc.frames <- models.Frame{
		Topic:     models.TopicZones,
		Timestamp: "2024-06-01T10:00:00Z",
		Value:     json.RawMessage(`{"id":"z1","center":[10,20],"radius":250,"riskLevel":"critical","riskProbability":0.91}`),
	}
	logsSrc.frames <- models.Frame{
		Timestamp: "2024-06-01T10:00:01Z",
		Value:     json.RawMessage(`{"message":"Model retrained","level":"info"}`),
	}

	require.Eventually(t, func() bool { return zones.Len() == 1 && ticker.Len() == 1 }, waitFor, tick)
	z, ok := zones.Get("z1")
	require.True(t, ok)
	assert.Equal(t, models.RiskCritical, z.RiskLevel)
	assert.Equal(t, "Model retrained", ticker.GetAll()[0].Message)

	client.Disconnect()
	cancel()
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not shut down")
	}
}
