package stream

import "riskwatch/internal/models"

// Handler consumes envelopes for one topic. A returned error (or a panic) is
// logged and isolated; it never reaches the transport or sibling handlers.
type Handler interface {
	HandleEnvelope(env models.Envelope) error
}

// HandlerFunc adapts a function to Handler. Function values are not
// comparable, so every Subscribe with a HandlerFunc creates a new subscription.
type HandlerFunc func(env models.Envelope) error

// HandleEnvelope calls f(env)
func (f HandlerFunc) HandleEnvelope(env models.Envelope) error {
	return f(env)
}

// Subscription is the handle returned by Client.Subscribe
type Subscription struct {
	id      uint64
	topic   string
	handler Handler
	client  *Client
}

// ID returns the client-unique subscription identifier
func (s *Subscription) ID() uint64 { return s.id }

// Topic returns the subscribed topic
func (s *Subscription) Topic() string { return s.topic }

// Unsubscribe removes exactly this subscription. Removing the last
// subscriber of a topic tells the relay to stop forwarding it.
// Calling it more than once is a no-op.
func (s *Subscription) Unsubscribe() {
	s.client.unsubscribe(s)
}
