package kafka

import (
	"context"
	"fmt"
	"sync"
	"time"

	kafka "github.com/segmentio/kafka-go"
)

// MockProducer is a mock implementation of ProducerClient for testing
type MockProducer struct {
	mu                sync.RWMutex
	PublishedMessages []PublishedMessage
	PublishFunc       func(ctx context.Context, topic, key string, value []byte, headers map[string]string) error
	CloseFunc         func() error
	FailCount         int
	failureCounter    int
}

type PublishedMessage struct {
	Topic   string
	Key     string
	Value   []byte
	Headers map[string]string
}

func NewMockProducer() *MockProducer {
	return &MockProducer{
		PublishedMessages: make([]PublishedMessage, 0),
	}
}

func (m *MockProducer) Publish(ctx context.Context, topic, key string, value []byte, headers map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.PublishFunc != nil {
		if err := m.PublishFunc(ctx, topic, key, value, headers); err != nil {
			return err
		}
	} else if m.FailCount > 0 {
		m.failureCounter++
		if m.failureCounter <= m.FailCount {
			return fmt.Errorf("simulated publish failure %d", m.failureCounter)
		}
	}

	m.PublishedMessages = append(m.PublishedMessages, PublishedMessage{
		Topic:   topic,
		Key:     key,
		Value:   value,
		Headers: headers,
	})

	return nil
}

func (m *MockProducer) Close() error {
	if m.CloseFunc != nil {
		return m.CloseFunc()
	}
	return nil
}

func (m *MockProducer) GetPublishedMessages() []PublishedMessage {
	m.mu.RLock()
	defer m.mu.RUnlock()

	messages := make([]PublishedMessage, len(m.PublishedMessages))
	copy(messages, m.PublishedMessages)
	return messages
}

// PublishedTo returns the messages published to topic.
func (m *MockProducer) PublishedTo(topic string) []PublishedMessage {
	var out []PublishedMessage
	for _, msg := range m.GetPublishedMessages() {
		if msg.Topic == topic {
			out = append(out, msg)
		}
	}
	return out
}

func (m *MockProducer) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.PublishedMessages = make([]PublishedMessage, 0)
	m.failureCounter = 0
}

// MockLog is a single-partition in-memory log with one consumer group. Readers
// it opens start at the committed offset, like a group rejoin on a broker.
type MockLog struct {
	mu         sync.Mutex
	messages   []kafka.Message
	committed  int64
	opened     int
	CommitFunc func(msgs ...kafka.Message) error
}

func NewMockLog(msgs ...kafka.Message) *MockLog {
	l := &MockLog{}
	l.Append(msgs...)
	return l
}

// Append adds messages, assigning sequential offsets.
func (l *MockLog) Append(msgs ...kafka.Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, m := range msgs {
		m.Offset = int64(len(l.messages))
		l.messages = append(l.messages, m)
	}
}

// Factory returns a ReaderFactory bound to this log.
func (l *MockLog) Factory() ReaderFactory {
	return func(opts SubscribeOptions) MessageReader {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.opened++
		return &mockReader{log: l, pos: l.committed, topic: opts.Topic}
	}
}

// Committed returns the next offset the group will read.
func (l *MockLog) Committed() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.committed
}

// Opened returns how many readers have been opened.
func (l *MockLog) Opened() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.opened
}

type mockReader struct {
	log    *MockLog
	pos    int64
	topic  string
	closed bool
}

func (r *mockReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	ticker := time.NewTicker(2 * time.Millisecond)
	defer ticker.Stop()

	for {
		r.log.mu.Lock()
		if r.closed {
			r.log.mu.Unlock()
			return kafka.Message{}, fmt.Errorf("reader closed")
		}
		if r.pos < int64(len(r.log.messages)) {
			m := r.log.messages[r.pos]
			r.pos++
			r.log.mu.Unlock()
			if m.Topic == "" {
				m.Topic = r.topic
			}
			return m, nil
		}
		r.log.mu.Unlock()

		select {
		case <-ctx.Done():
			return kafka.Message{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (r *mockReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	if r.log.CommitFunc != nil {
		if err := r.log.CommitFunc(msgs...); err != nil {
			return err
		}
	}

	r.log.mu.Lock()
	defer r.log.mu.Unlock()
	for _, m := range msgs {
		if m.Offset+1 > r.log.committed {
			r.log.committed = m.Offset + 1
		}
	}
	return nil
}

func (r *mockReader) Close() error {
	r.log.mu.Lock()
	defer r.log.mu.Unlock()
	r.closed = true
	return nil
}
