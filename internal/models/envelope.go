package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Topics consumed by the dashboard
const (
	TopicZones         = "risk-zones-updates"
	TopicStats         = "aggregated-stats"
	TopicSystemLogs    = "system-logs"
	TopicDataIngestion = "data-ingestion"
)

// Frame validation errors
var (
	ErrEmptyTopic       = errors.New("topic cannot be empty")
	ErrMissingTimestamp = errors.New("timestamp is required")
	ErrInvalidTimestamp = errors.New("invalid timestamp format")
	ErrMissingValue     = errors.New("value is required")
)

// Frame is the JSON shape of an envelope on the wire
type Frame struct {
	Topic     string            `json:"topic"`
	Partition *int              `json:"partition,omitempty"`
	Offset    *int64            `json:"offset,omitempty"`
	Timestamp string            `json:"timestamp"`
	Key       string            `json:"key,omitempty"`
	Value     json.RawMessage   `json:"value"`
	Headers   map[string]string `json:"headers,omitempty"`
}

// Payload is the decoded, topic-specific value carried by an Envelope.
// The set of implementations is closed: Zone, DensityStats, LogPayload and RawPayload.
type Payload interface {
	isPayload()
}

// RawPayload carries the undecoded value of a topic with no registered decoder
type RawPayload json.RawMessage

func (RawPayload) isPayload() {}

// Envelope is a validated inbound frame with its payload decoded.
// Receivers must treat it as immutable.
type Envelope struct {
	Topic     string
	Partition *int
	Offset    *int64
	Timestamp time.Time
	Key       string
	Value     Payload
	Headers   map[string]string
}

// Clone returns a copy that shares no mutable state with e
func (e Envelope) Clone() Envelope {
	out := e
	if e.Partition != nil {
		p := *e.Partition
		out.Partition = &p
	}
	if e.Offset != nil {
		o := *e.Offset
		out.Offset = &o
	}
	if e.Headers != nil {
		out.Headers = make(map[string]string, len(e.Headers))
		for k, v := range e.Headers {
			out.Headers[k] = v
		}
	}
	return out
}

// Header returns the named header value, if present
func (e Envelope) Header(name string) (string, bool) {
	v, ok := e.Headers[name]
	return v, ok
}

type payloadDecoder func(raw json.RawMessage, ts time.Time) (Payload, error)

var payloadDecoders = map[string]payloadDecoder{
	TopicZones:         decodeZone,
	TopicStats:         decodeDensityStats,
	TopicSystemLogs:    decodeLogPayload,
	TopicDataIngestion: decodeLogPayload,
}

// Validate checks the envelope-level fields of a frame
func (f *Frame) Validate() error {
	if strings.TrimSpace(f.Topic) == "" {
		return ErrEmptyTopic
	}
	if strings.TrimSpace(f.Timestamp) == "" {
		return ErrMissingTimestamp
	}
	if len(f.Value) == 0 || string(f.Value) == "null" {
		return ErrMissingValue
	}
	return nil
}

// DecodeEnvelope parses a JSON frame and decodes its value into the payload
// variant registered for the frame's topic.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Envelope{}, fmt.Errorf("unmarshal frame: %w", err)
	}
	return f.Envelope()
}

// Envelope converts a wire frame into an Envelope
func (f *Frame) Envelope() (Envelope, error) {
	if err := f.Validate(); err != nil {
		return Envelope{}, err
	}

	ts, err := ParseTimestamp(f.Timestamp)
	if err != nil {
		return Envelope{}, fmt.Errorf("timestamp: %w", err)
	}

	var value Payload
	if decode, ok := payloadDecoders[f.Topic]; ok {
		value, err = decode(f.Value, ts)
		if err != nil {
			return Envelope{}, fmt.Errorf("%s value: %w", f.Topic, err)
		}
	} else {
		value = RawPayload(append(json.RawMessage(nil), f.Value...))
	}

	env := Envelope{
		Topic:     f.Topic,
		Partition: f.Partition,
		Offset:    f.Offset,
		Timestamp: ts,
		Key:       f.Key,
		Value:     value,
	}
	if len(f.Headers) > 0 {
		env.Headers = make(map[string]string, len(f.Headers))
		for k, v := range f.Headers {
			env.Headers[k] = v
		}
	}
	return env, nil
}
