package relay

import (
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"riskwatch/internal/logger"
	"riskwatch/internal/models"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Control frames are tiny; anything bigger is a misbehaving peer.
	maxMessageSize = 4 * 1024
)

// Send pings to peer with this period. Must be less than pongWait.
var pingPeriod = (pongWait * 9) / 10

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     sameHostOrigin,
}

// sameHostOrigin accepts non-browser clients and same-host origins on any port.
func sameHostOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if strings.EqualFold(u.Host, r.Host) {
		return true
	}
	host := r.Host
	if h, _, err := net.SplitHostPort(r.Host); err == nil {
		host = h
	}
	return strings.EqualFold(u.Hostname(), host)
}

// Client is a middleman between one websocket connection and the hub.
type Client struct {
	id         string
	hub        *Hub
	conn       *websocket.Conn
	remoteAddr string

	// Buffered channel of outbound frames.
	send chan []byte

	mu     sync.RWMutex
	topics map[string]struct{}

	log zerolog.Logger
}

// ID returns the connection's unique identifier
func (c *Client) ID() string { return c.id }

func (c *Client) subscribed(topic string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.topics[topic]
	return ok
}

// Topics returns the client's current topic set
func (c *Client) Topics() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.topics))
	for t := range c.topics {
		out = append(out, t)
	}
	return out
}

// readPump applies control frames from the peer until the connection ends.
// It is the only reader of the connection.
func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn().Err(err).Msg("websocket closed unexpectedly")
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var ctrl models.ControlFrame
		if err := json.Unmarshal(message, &ctrl); err != nil {
			c.log.Warn().Err(err).Msg("ignoring malformed control frame")
			continue
		}
		c.handleControl(ctrl)
	}
}

func (c *Client) handleControl(ctrl models.ControlFrame) {
	topic := strings.TrimSpace(ctrl.Topic)
	if topic == "" {
		c.log.Warn().Str("type", string(ctrl.Type)).Msg("control frame without topic")
		return
	}

	c.mu.Lock()
	switch ctrl.Type {
	case models.ControlSubscribe:
		c.topics[topic] = struct{}{}
	case models.ControlUnsubscribe:
		delete(c.topics, topic)
	default:
		c.mu.Unlock()
		c.log.Warn().Str("type", string(ctrl.Type)).Msg("unknown control frame type")
		return
	}
	c.mu.Unlock()

	c.log.Debug().Str("type", string(ctrl.Type)).Str("topic", topic).Msg("control frame applied")
}

// writePump pumps frames from the hub to the websocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ServeWs upgrades the request and attaches the connection to hub.
func ServeWs(hub *Hub, buffer int, w http.ResponseWriter, r *http.Request) {
	log := logger.WithComponent("relay_client")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	if buffer <= 0 {
		buffer = 256
	}
	id := uuid.NewString()
	client := &Client{
		id:         id,
		hub:        hub,
		conn:       conn,
		remoteAddr: r.RemoteAddr,
		send:       make(chan []byte, buffer),
		topics:     make(map[string]struct{}),
		log:        log.With().Str("client_id", id).Str("remote_addr", r.RemoteAddr).Logger(),
	}

	if !hub.Register(r.Context(), client) {
		conn.Close()
		return
	}

	// Allow collection of memory referenced by the caller by doing all work in
	// new goroutines.
	go client.writePump()
	go client.readPump()
}
