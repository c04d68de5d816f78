package store

import (
	"time"

	"gorm.io/datatypes"
)

// Inbox row statuses.
const (
	InboxPending    = "pending"
	InboxProcessing = "processing"
	InboxProcessed  = "processed"
	InboxFailed     = "failed"
)

// Outbox row statuses.
const (
	OutboxPending   = "pending"
	OutboxPublished = "published"
	OutboxFailed    = "failed"
)

// InboxRecord is one row per distinct inbound message.
type InboxRecord struct {
	ID           string         `gorm:"column:id;type:uuid;primaryKey"`
	MessageID    string         `gorm:"column:message_id;uniqueIndex"`
	EventType    string         `gorm:"column:event_type"`
	Payload      datatypes.JSON `gorm:"column:payload;type:jsonb"`
	Status       string         `gorm:"column:status"`
	RetryCount   int            `gorm:"column:retry_count"`
	ErrorMessage *string        `gorm:"column:error_message"`
	CreatedAt    time.Time      `gorm:"column:created_at"`
	ProcessedAt  *time.Time     `gorm:"column:processed_at"`
}

func (InboxRecord) TableName() string {
	return "inbox"
}

// OutboxRecord is one domain event awaiting publication.
type OutboxRecord struct {
	ID           string         `gorm:"column:id;type:uuid;primaryKey"`
	EventID      string         `gorm:"column:event_id;uniqueIndex"`
	Topic        string         `gorm:"column:topic"`
	PartitionKey string         `gorm:"column:partition_key"`
	EventType    string         `gorm:"column:event_type"`
	Payload      datatypes.JSON `gorm:"column:payload;type:jsonb"`
	Status       string         `gorm:"column:status"`
	Attempts     int            `gorm:"column:attempts"`
	LastError    *string        `gorm:"column:last_error"`
	CreatedAt    time.Time      `gorm:"column:created_at"`
	PublishedAt  *time.Time     `gorm:"column:published_at"`
}

func (OutboxRecord) TableName() string {
	return "outbox"
}

type schedulerLease struct {
	Task      string    `gorm:"column:task;primaryKey"`
	Holder    string    `gorm:"column:holder"`
	ExpiresAt time.Time `gorm:"column:expires_at"`
}

func (schedulerLease) TableName() string {
	return "scheduler_leases"
}
