// Package stream implements the live data plane client: one transport
// connection to the relay, a topic subscription registry, sequential
// dispatch of inbound envelopes and automatic reconnection with backoff.
package stream

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"riskwatch/internal/backoff"
	"riskwatch/internal/logger"
	"riskwatch/internal/metrics"
	"riskwatch/internal/models"
)

// Config holds stream client configuration
type Config struct {
	URL           string
	DialTimeout   time.Duration
	Reconnect     backoff.Policy
	SendQueueSize int
	PingInterval  time.Duration
}

// Option is a functional option for configuring the client
type Option func(*Client)

// WithDialer replaces the websocket dialer
func WithDialer(d Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// WithScheduler replaces the timer facility used for reconnect scheduling
func WithScheduler(s Scheduler) Option {
	return func(c *Client) { c.scheduler = s }
}

// WithStatusListener registers a listener for status transitions
func WithStatusListener(l StatusListener) Option {
	return func(c *Client) { c.listeners = append(c.listeners, l) }
}

// Client owns the relay connection and fans inbound envelopes out to subscribers.
type Client struct {
	cfg       Config
	dialer    Dialer
	scheduler Scheduler
	listeners []StatusListener
	log       zerolog.Logger

	mu             sync.Mutex
	url            string
	sess           *session
	connecting     bool
	epoch          uint64
	epochCtx       context.Context
	epochCancel    context.CancelFunc
	attempts       int
	reconnectTimer Timer
	retrySeq       uint64
	topics         map[string][]*Subscription
	nextSubID      uint64
	lastStatus     Status

	notifyMu sync.Mutex

	// Metrics
	framesReceived  atomic.Uint64
	framesMalformed atomic.Uint64
	callbackErrors  atomic.Uint64
	reconnects      atomic.Uint64
}

// New creates a disconnected client
func New(cfg Config, opts ...Option) *Client {
	if cfg.URL == "" {
		cfg.URL = "ws://localhost:8080/kafka"
	}
	if cfg.Reconnect.Base <= 0 {
		cfg.Reconnect = backoff.Default()
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = 64
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = DefaultPingInterval
	}

	c := &Client{
		cfg:        cfg,
		dialer:     &WebsocketDialer{},
		scheduler:  realScheduler{},
		log:        logger.WithComponent("stream_client"),
		topics:     make(map[string][]*Subscription),
		lastStatus: StatusDisconnected,
	}
	c.epochCtx, c.epochCancel = context.WithCancel(context.Background())

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect opens the transport. It returns nil at once if already connected,
// ErrConnectionInProgress if a connect is in flight, and a *ConnectError if the
// transport fails to open. A failure also schedules an automatic retry.
// An empty url reuses the previous or configured endpoint.
func (c *Client) Connect(ctx context.Context, url string) error {
	c.mu.Lock()
	if c.sess != nil {
		c.mu.Unlock()
		return nil
	}
	if c.connecting {
		c.mu.Unlock()
		return ErrConnectionInProgress
	}

	if url != "" {
		c.url = url
	} else if c.url == "" {
		c.url = c.cfg.URL
	}
	c.stopReconnectLocked()

	return c.dialLocked(ctx)
}

// dialLocked is entered with c.mu held and returns with it released.
func (c *Client) dialLocked(ctx context.Context) error {
	c.connecting = true
	epoch := c.epoch
	epochCtx := c.epochCtx
	url := c.url
	st, changed := c.transitionLocked()
	c.mu.Unlock()
	c.notify(st, changed)

	c.log.Info().Str("url", url).Msg("connecting to relay")

	dialCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(epochCtx, cancel)
	defer stop()
	if c.cfg.DialTimeout > 0 {
		var cancelTimeout context.CancelFunc
		dialCtx, cancelTimeout = context.WithTimeout(dialCtx, c.cfg.DialTimeout)
		defer cancelTimeout()
	}

	conn, err := c.dialer.Dial(dialCtx, url)

	c.mu.Lock()
	if epoch != c.epoch {
		// Disconnect ran while we were dialing
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return &ConnectError{URL: url, Err: ErrConnectAborted}
	}
	c.connecting = false

	if err != nil {
		c.scheduleReconnectLocked()
		st, changed := c.transitionLocked()
		c.mu.Unlock()
		c.notify(st, changed)

		c.log.Error().Err(err).Str("url", url).Msg("failed to connect to relay")
		return &ConnectError{URL: url, Err: err}
	}

	sess := newSession(conn, c.cfg.SendQueueSize+len(c.topics))
	c.sess = sess
	c.attempts = 0

	// subscriptions outlive connections; announce every live topic again
	for _, topic := range c.topicsLocked() {
		sess.enqueue(models.ControlFrame{Type: models.ControlSubscribe, Topic: topic})
	}
	st, changed = c.transitionLocked()
	topics := len(c.topics)
	c.mu.Unlock()

	go c.writePump(sess)
	go c.readPump(sess)

	c.log.Info().Str("url", url).Int("topics", topics).Msg("connected to relay")
	c.notify(st, changed)
	return nil
}

// scheduleReconnectLocked arms the next retry unless the attempt budget is spent.
func (c *Client) scheduleReconnectLocked() {
	if c.cfg.Reconnect.Exhausted(c.attempts) {
		c.log.Warn().
			Int("attempts", c.attempts).
			Msg("max reconnection attempts reached")
		return
	}

	c.attempts++
	delay := c.cfg.Reconnect.Delay(c.attempts)
	c.retrySeq++
	epoch, seq := c.epoch, c.retrySeq
	c.reconnectTimer = c.scheduler.AfterFunc(delay, func() { c.reconnect(epoch, seq) })

	c.reconnects.Add(1)
	metrics.StreamReconnectAttempts.Inc()
	c.log.Info().
		Int("attempt", c.attempts).
		Dur("delay", delay).
		Msg("reconnect scheduled")
}

// reconnect runs a scheduled retry. A timer that fired but lost the race with
// stopReconnectLocked carries a stale seq and does nothing.
func (c *Client) reconnect(epoch, seq uint64) {
	c.mu.Lock()
	if epoch != c.epoch || seq != c.retrySeq || c.sess != nil || c.connecting {
		c.mu.Unlock()
		return
	}
	c.reconnectTimer = nil
	// failures reschedule inside dialLocked
	_ = c.dialLocked(context.Background())
}

func (c *Client) stopReconnectLocked() {
	c.retrySeq++
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
}

// Disconnect closes the transport, drops every subscription and cancels any
// pending reconnect. It does not trigger a reconnect.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.epoch++
	c.epochCancel()
	c.epochCtx, c.epochCancel = context.WithCancel(context.Background())
	c.stopReconnectLocked()

	sess := c.sess
	c.sess = nil
	c.connecting = false
	c.attempts = 0
	c.topics = make(map[string][]*Subscription)
	metrics.StreamSubscribedTopics.Set(0)
	st, changed := c.transitionLocked()
	c.mu.Unlock()

	if sess != nil {
		sess.close()
		c.log.Info().Msg("disconnected from relay")
	}
	c.notify(st, changed)
}

// Status reports the current connection status
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked()
}

func (c *Client) statusLocked() Status {
	switch {
	case c.sess != nil:
		return StatusConnected
	case c.connecting:
		return StatusConnecting
	default:
		return StatusDisconnected
	}
}

func (c *Client) transitionLocked() (Status, bool) {
	st := c.statusLocked()
	changed := st != c.lastStatus
	c.lastStatus = st
	metrics.StreamConnectionStatus.Set(float64(st))
	return st, changed
}

func (c *Client) notify(st Status, changed bool) {
	if !changed || len(c.listeners) == 0 {
		return
	}
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	for _, l := range c.listeners {
		l(st)
	}
}

// Subscribe registers h for topic and returns its subscription handle.
// Registering the same comparable handler on the same topic again returns the
// existing subscription. The first subscriber of a topic announces it to the
// relay when connected; while disconnected nothing is sent until the next connect.
func (c *Client) Subscribe(topic string, h Handler) *Subscription {
	if h == nil {
		panic("stream: nil handler")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	subs := c.topics[topic]
	for _, s := range subs {
		if sameHandler(s.handler, h) {
			return s
		}
	}

	c.nextSubID++
	sub := &Subscription{
		id:      c.nextSubID,
		topic:   topic,
		handler: h,
		client:  c,
	}

	next := make([]*Subscription, len(subs), len(subs)+1)
	copy(next, subs)
	c.topics[topic] = append(next, sub)

	if len(subs) == 0 {
		metrics.StreamSubscribedTopics.Set(float64(len(c.topics)))
		if c.sess != nil {
			c.sess.enqueue(models.ControlFrame{Type: models.ControlSubscribe, Topic: topic})
		}
	}

	c.log.Debug().Str("topic", topic).Uint64("subscription_id", sub.id).Msg("subscribed")
	return sub
}

func (c *Client) unsubscribe(sub *Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()

	subs := c.topics[sub.topic]
	idx := -1
	for i, s := range subs {
		if s == sub {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}

	if len(subs) == 1 {
		delete(c.topics, sub.topic)
		metrics.StreamSubscribedTopics.Set(float64(len(c.topics)))
		if c.sess != nil {
			c.sess.enqueue(models.ControlFrame{Type: models.ControlUnsubscribe, Topic: sub.topic})
		}
	} else {
		next := make([]*Subscription, 0, len(subs)-1)
		next = append(next, subs[:idx]...)
		next = append(next, subs[idx+1:]...)
		c.topics[sub.topic] = next
	}

	c.log.Debug().Str("topic", sub.topic).Uint64("subscription_id", sub.id).Msg("unsubscribed")
}

// Topics returns the topics that currently have subscribers, sorted
func (c *Client) Topics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.topicsLocked()
}

func (c *Client) topicsLocked() []string {
	out := make([]string, 0, len(c.topics))
	for t := range c.topics {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (c *Client) readPump(sess *session) {
	for {
		data, err := sess.conn.ReadFrame()
		if err != nil {
			c.handleClosed(sess, err)
			return
		}
		c.dispatch(data)
	}
}

func (c *Client) writePump(sess *session) {
	var ping <-chan time.Time
	if c.cfg.PingInterval > 0 {
		ticker := time.NewTicker(c.cfg.PingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case <-sess.done:
			return
		case frame := <-sess.send:
			if err := sess.conn.WriteControl(frame); err != nil {
				c.log.Warn().Err(err).Str("topic", frame.Topic).Str("type", string(frame.Type)).Msg("control frame write failed")
				// unblocks readPump, which takes the reconnect path
				sess.conn.Close()
				return
			}
		case <-ping:
			if err := sess.conn.Ping(); err != nil {
				c.log.Warn().Err(err).Msg("ping failed")
				sess.conn.Close()
				return
			}
		}
	}
}

// handleClosed runs when the read side of a session ends
func (c *Client) handleClosed(sess *session, err error) {
	c.mu.Lock()
	if c.sess != sess {
		// closed on purpose by Disconnect
		c.mu.Unlock()
		return
	}
	c.sess = nil
	sess.close()
	c.scheduleReconnectLocked()
	st, changed := c.transitionLocked()
	c.mu.Unlock()

	c.log.Warn().Err(err).Msg("relay connection lost")
	c.notify(st, changed)
}

// dispatch decodes one frame and hands it to every subscriber of its topic.
func (c *Client) dispatch(data []byte) {
	env, err := models.DecodeEnvelope(data)
	if err != nil {
		merr := &MalformedFrameError{Size: len(data), Err: err}
		c.framesMalformed.Add(1)
		metrics.StreamFramesMalformed.Inc()
		c.log.Warn().Err(merr).Msg("dropping malformed frame")
		return
	}

	c.framesReceived.Add(1)
	metrics.StreamFramesReceived.WithLabelValues(env.Topic).Inc()

	c.mu.Lock()
	subs := c.topics[env.Topic]
	c.mu.Unlock()

	// subs is never mutated in place, so it is a stable snapshot
	for _, sub := range subs {
		if err := c.invoke(sub, env); err != nil {
			c.callbackErrors.Add(1)
			metrics.StreamCallbackErrors.WithLabelValues(env.Topic).Inc()
			c.log.Error().
				Err(err).
				Str("topic", env.Topic).
				Uint64("subscription_id", sub.id).
				Msg("subscriber failed")
		}
	}
}

func (c *Client) invoke(sub *Subscription, env models.Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			metrics.PanicsRecovered.WithLabelValues("stream_dispatch").Inc()
			err = &DispatchCallbackError{
				Topic:          sub.topic,
				SubscriptionID: sub.id,
				Err:            fmt.Errorf("panic: %v", r),
			}
		}
	}()

	if herr := sub.handler.HandleEnvelope(env.Clone()); herr != nil {
		return &DispatchCallbackError{Topic: sub.topic, SubscriptionID: sub.id, Err: herr}
	}
	return nil
}

// Stats returns client statistics
func (c *Client) Stats() ClientStats {
	c.mu.Lock()
	topics := len(c.topics)
	attempts := c.attempts
	c.mu.Unlock()

	return ClientStats{
		FramesReceived:  c.framesReceived.Load(),
		FramesMalformed: c.framesMalformed.Load(),
		CallbackErrors:  c.callbackErrors.Load(),
		Reconnects:      c.reconnects.Load(),
		Attempts:        attempts,
		Topics:          topics,
	}
}

// ClientStats holds client metrics
type ClientStats struct {
	FramesReceived  uint64 `json:"frames_received"`
	FramesMalformed uint64 `json:"frames_malformed"`
	CallbackErrors  uint64 `json:"callback_errors"`
	Reconnects      uint64 `json:"reconnects_scheduled"`
	Attempts        int    `json:"current_attempt"`
	Topics          int    `json:"topics"`
}

func sameHandler(a, b Handler) (same bool) {
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb || !ta.Comparable() {
		return false
	}
	// comparable types can still hold uncomparable dynamic values
	defer func() {
		if recover() != nil {
			same = false
		}
	}()
	return a == b
}

type session struct {
	conn      Conn
	send      chan models.ControlFrame
	done      chan struct{}
	closeOnce sync.Once
}

func newSession(conn Conn, queue int) *session {
	return &session{
		conn: conn,
		send: make(chan models.ControlFrame, queue),
		done: make(chan struct{}),
	}
}

// enqueue never blocks; a full queue drops the frame.
func (s *session) enqueue(frame models.ControlFrame) {
	select {
	case s.send <- frame:
	default:
		metrics.StreamControlFramesDropped.Inc()
		log := logger.WithComponent("stream_client")
		log.Warn().
			Str("topic", frame.Topic).
			Str("type", string(frame.Type)).
			Msg("control queue full, dropping frame")
	}
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}
