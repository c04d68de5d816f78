package models

import (
	"encoding/json"
	"time"
)

// Envelope is the command/event shape carried on the log.
type Envelope struct {
	EventID   string          `json:"eventId"`
	EventType string          `json:"eventType"`
	Source    string          `json:"source"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// Message represents a message in the system
type Message struct {
	Topic     string            `json:"topic"`
	Partition int               `json:"partition"`
	Offset    int64             `json:"offset"`
	Key       string            `json:"key"`
	Value     []byte            `json:"value"`
	Headers   map[string]string `json:"headers"`
	Timestamp time.Time         `json:"timestamp"`
}

// Header returns the header value or "" when absent.
func (m *Message) Header(key string) string {
	if m.Headers == nil {
		return ""
	}
	return m.Headers[key]
}

// MessageHeader constants
const (
	HeaderMessageID     = "message-id"
	HeaderEventType     = "event-type"
	HeaderRetryCount    = "retry-count"
	HeaderFailureReason = "failure-reason"

	HeaderDLQOriginalTopic = "dlq-original-topic"
	HeaderDLQFailedAt      = "dlq-failed-at"
	HeaderDLQRetryCount    = "dlq-retry-count"
	HeaderDLQService       = "dlq-service"
	HeaderDLQError         = "dlq-error"
)

// DLQTopic returns the dead-letter sibling of topic.
func DLQTopic(topic string) string {
	return topic + "-dlq"
}
