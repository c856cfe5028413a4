// Package relay is the server side of the live stream: it consumes Kafka
// topics and forwards each frame to the websocket clients subscribed to it.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"riskwatch/internal/logger"
	"riskwatch/internal/metrics"
	"riskwatch/internal/models"
)

// ErrHubStopped is returned when publishing to a hub that is not running
var ErrHubStopped = errors.New("relay hub is not running")

type outbound struct {
	topic string
	data  []byte
}

// Hub maintains the set of connected clients and routes frames to the
// clients subscribed to their topic.
type Hub struct {
	clients map[*Client]bool

	broadcast  chan outbound
	register   chan *Client
	unregister chan *Client

	mu sync.RWMutex

	runCtx   context.Context
	runCtxMu sync.RWMutex
	ready    chan struct{}
	once     sync.Once

	log zerolog.Logger
}

// NewHub creates a hub; call Run to start routing
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan outbound),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		ready:      make(chan struct{}),
		log:        logger.WithComponent("relay_hub"),
	}
}

// Run routes frames until ctx is done, then closes every client
func (h *Hub) Run(ctx context.Context) {
	h.setRunCtx(ctx)

	for {
		select {
		case <-ctx.Done():
			h.shutdownClients()
			return
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			n := len(h.clients)
			h.mu.Unlock()
			metrics.RelayClients.Set(float64(n))
			h.log.Info().Str("client_id", client.id).Str("remote_addr", client.remoteAddr).Int("clients", n).Msg("client connected")
		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.RelayClients.Set(float64(n))
			h.log.Info().Str("client_id", client.id).Str("remote_addr", client.remoteAddr).Int("clients", n).Msg("client disconnected")
		case msg := <-h.broadcast:
			h.route(msg)
		}
	}
}

// route never blocks: a client whose buffer is full misses the frame.
func (h *Hub) route(msg outbound) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		if !client.subscribed(msg.topic) {
			continue
		}
		select {
		case client.send <- msg.data:
			metrics.RelayFramesForwarded.WithLabelValues(msg.topic).Inc()
		default:
			metrics.RelayFramesDropped.WithLabelValues(msg.topic).Inc()
			h.log.Warn().
				Str("client_id", client.id).
				Str("topic", msg.topic).
				Msg("client buffer full, dropping frame")
		}
	}
}

// Publish encodes frame once and hands it to the routing loop. It blocks until
// the hub accepts the frame or ctx or the hub is done.
func (h *Hub) Publish(ctx context.Context, frame models.Frame) error {
	if frame.Topic == "" {
		return models.ErrEmptyTopic
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}

	select {
	case <-h.ready:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case h.broadcast <- outbound{topic: frame.Topic, data: data}:
		return nil
	case <-h.Done():
		return ErrHubStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Register adds a client; false if the hub has stopped or ctx is done first
func (h *Hub) Register(ctx context.Context, client *Client) bool {
	select {
	case <-h.ready:
	case <-ctx.Done():
		return false
	}
	select {
	case h.register <- client:
		return true
	case <-h.Done():
		return false
	case <-ctx.Done():
		return false
	}
}

// Unregister removes a client and closes its send channel
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.Done():
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Subscribers returns the number of clients subscribed to topic
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for client := range h.clients {
		if client.subscribed(topic) {
			n++
		}
	}
	return n
}

func (h *Hub) setRunCtx(ctx context.Context) {
	h.runCtxMu.Lock()
	h.runCtx = ctx
	h.runCtxMu.Unlock()
	h.once.Do(func() { close(h.ready) })
}

// Done is closed once Run has returned or is returning
func (h *Hub) Done() <-chan struct{} {
	h.runCtxMu.RLock()
	defer h.runCtxMu.RUnlock()
	if h.runCtx == nil {
		return nil
	}
	return h.runCtx.Done()
}

func (h *Hub) shutdownClients() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
	metrics.RelayClients.Set(0)
}
