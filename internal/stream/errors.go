package stream

import (
	"errors"
	"fmt"
)

// ErrConnectionInProgress is returned by Connect while another connect is in flight.
// The caller should wait for the existing attempt instead of retrying.
var ErrConnectionInProgress = errors.New("connection already in progress")

// ConnectError reports that the transport failed to open
type ConnectError struct {
	URL string
	Err error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.URL, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// MalformedFrameError reports an inbound frame that could not be parsed into an envelope
type MalformedFrameError struct {
	Size int
	Err  error
}

func (e *MalformedFrameError) Error() string {
	return fmt.Sprintf("malformed frame (%d bytes): %v", e.Size, e.Err)
}

func (e *MalformedFrameError) Unwrap() error { return e.Err }

// DispatchCallbackError reports a subscriber that failed or panicked while handling an envelope
type DispatchCallbackError struct {
	Topic          string
	SubscriptionID uint64
	Err            error
}

func (e *DispatchCallbackError) Error() string {
	return fmt.Sprintf("subscriber %d on %s: %v", e.SubscriptionID, e.Topic, e.Err)
}

func (e *DispatchCallbackError) Unwrap() error { return e.Err }

// ErrConnectAborted is the cause of a ConnectError when Disconnect ran while the dial was in flight
var ErrConnectAborted = errors.New("connect aborted by disconnect")
