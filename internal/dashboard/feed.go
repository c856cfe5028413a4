package dashboard

import (
	"sync"

	"riskwatch/internal/models"
	"riskwatch/internal/stream"
)

// Feed names exposed on the API
const (
	FeedZones  = "zones"
	FeedStats  = "stats"
	FeedTicker = "ticker"
)

// Subscriber is the part of the stream client a Feed needs
type Subscriber interface {
	Subscribe(topic string, h stream.Handler) *stream.Subscription
}

// Feed binds one store to its topics and can be switched on and off.
// Disabling a feed unsubscribes it and clears the store if it has a reset.
// The feed itself is the subscribed handler, so a delivery that raced with
// Disable is dropped instead of repopulating the cleared store.
type Feed struct {
	name    string
	topics  []string
	handler stream.Handler
	reset   func()

	// write-held while toggling, read-held for each delivery
	mu      sync.RWMutex
	enabled bool
	subs    []*stream.Subscription
}

// NewFeed creates a disabled feed delivering topics to h. reset may be nil.
func NewFeed(name string, h stream.Handler, reset func(), topics ...string) *Feed {
	return &Feed{
		name:    name,
		topics:  topics,
		handler: h,
		reset:   reset,
	}
}

// Name returns the feed name
func (f *Feed) Name() string { return f.name }

// Topics returns the topics the feed consumes
func (f *Feed) Topics() []string {
	return append([]string(nil), f.topics...)
}

// Enabled reports whether the feed is switched on
func (f *Feed) Enabled() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.enabled
}

// HandleEnvelope forwards env to the store while the feed is enabled
func (f *Feed) HandleEnvelope(env models.Envelope) error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if !f.enabled {
		return nil
	}
	return f.handler.HandleEnvelope(env)
}

// Enable subscribes the feed's handler to every topic
func (f *Feed) Enable(s Subscriber) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = true
	f.attachLocked(s)
}

// Attach re-subscribes an enabled feed. The feed is a comparable handler,
// so attaching to topics it already holds is a no-op on the client.
func (f *Feed) Attach(s Subscriber) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.enabled {
		f.attachLocked(s)
	}
}

func (f *Feed) attachLocked(s Subscriber) {
	subs := make([]*stream.Subscription, 0, len(f.topics))
	for _, topic := range f.topics {
		subs = append(subs, s.Subscribe(topic, f))
	}
	f.subs = subs
}

// Disable unsubscribes the feed and resets its store. It waits for
// deliveries already in progress, so nothing lands after the reset.
func (f *Feed) Disable() {
	f.mu.Lock()
	subs := f.subs
	f.subs = nil
	f.enabled = false
	f.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
	if f.reset != nil {
		f.reset()
	}
}
