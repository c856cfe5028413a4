// Package alerts turns stream lifecycle changes into activity feed entries.
package alerts

import (
	"sync"

	"github.com/rs/zerolog"

	"riskwatch/internal/logger"
	"riskwatch/internal/models"
	"riskwatch/internal/stream"
)

// Feed messages emitted for connection changes
const (
	MsgConnectionEstablished = "System: Connection Established"
	MsgConnectionLost        = "System: Connection Lost"
	MsgReconnecting          = "System: Reconnecting"
)

// Sink receives locally originated feed entries
type Sink interface {
	AddLocal(message string) models.TickerEntry
}

// ConnectionNotifier writes a feed entry for each meaningful status change.
// The first connect attempt is silent; later attempts are reported as reconnects.
type ConnectionNotifier struct {
	sink Sink
	log  zerolog.Logger

	mu        sync.Mutex
	last      stream.Status
	connected bool // connected at least once
}

// NewConnectionNotifier creates a notifier writing to sink
func NewConnectionNotifier(sink Sink) *ConnectionNotifier {
	return &ConnectionNotifier{
		sink: sink,
		log:  logger.WithComponent("alerts"),
		last: stream.StatusDisconnected,
	}
}

// OnStatus is a stream.StatusListener
func (n *ConnectionNotifier) OnStatus(st stream.Status) {
	n.mu.Lock()
	prev := n.last
	n.last = st
	msg := ""
	switch st {
	case stream.StatusConnected:
		n.connected = true
		msg = MsgConnectionEstablished
	case stream.StatusDisconnected:
		if prev == stream.StatusConnected {
			msg = MsgConnectionLost
		}
	case stream.StatusConnecting:
		if n.connected {
			msg = MsgReconnecting
		}
	}
	n.mu.Unlock()

	if msg == "" || st == prev {
		return
	}
	n.sink.AddLocal(msg)
	n.log.Debug().Str("status", st.String()).Str("message", msg).Msg("connection change recorded")
}

// Listener returns n as a stream.StatusListener
func (n *ConnectionNotifier) Listener() stream.StatusListener {
	return n.OnStatus
}
