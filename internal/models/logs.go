package models

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// LogLevel is the optional severity of a log payload
type LogLevel string

const (
	LogInfo     LogLevel = "info"
	LogWarning  LogLevel = "warning"
	LogError    LogLevel = "error"
	LogCritical LogLevel = "critical"
)

// ErrInvalidLogLevel is returned for a level outside the known set
var ErrInvalidLogLevel = errors.New("invalid log level")

// IsValid checks if the log level is valid. An empty level is allowed.
func (l LogLevel) IsValid() bool {
	switch l {
	case "", LogInfo, LogWarning, LogError, LogCritical:
		return true
	default:
		return false
	}
}

// LogPayload is carried by the system-logs and data-ingestion topics
type LogPayload struct {
	Message string   `json:"message"`
	Level   LogLevel `json:"level,omitempty"`
	Source  string   `json:"source,omitempty"`
}

func (LogPayload) isPayload() {}

func decodeLogPayload(raw json.RawMessage, _ time.Time) (Payload, error) {
	var p LogPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	p.Message = strings.TrimSpace(p.Message)
	p.Source = strings.TrimSpace(p.Source)
	p.Level = LogLevel(strings.ToLower(strings.TrimSpace(string(p.Level))))
	if !p.Level.IsValid() {
		return nil, ErrInvalidLogLevel
	}
	return p, nil
}

// TickerEntry is one line of the activity feed
type TickerEntry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}
