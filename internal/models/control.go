package models

// ControlType is the kind of an outbound control frame
type ControlType string

const (
	ControlSubscribe   ControlType = "subscribe"
	ControlUnsubscribe ControlType = "unsubscribe"
)

// ControlFrame asks the relay to start or stop forwarding a topic
type ControlFrame struct {
	Type  ControlType `json:"type"`
	Topic string      `json:"topic"`
}
