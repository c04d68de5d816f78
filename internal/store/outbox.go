package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// OutboxStore holds domain events until the publisher gets a broker ack.
type OutboxStore struct {
	db     *gorm.DB
	logger *logrus.Entry
}

func NewOutboxStore(db *gorm.DB, logger *logrus.Entry) *OutboxStore {
	return &OutboxStore{db: db, logger: logger}
}

// Append inserts rec using tx, which must be the caller's open transaction so
// the event commits or rolls back with the state change that produced it.
func (s *OutboxStore) Append(ctx context.Context, tx *gorm.DB, rec *OutboxRecord) error {
	if tx == nil {
		return errors.New("outbox append requires a transaction")
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.EventID == "" {
		rec.EventID = uuid.NewString()
	}
	if rec.Status == "" {
		rec.Status = OutboxPending
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	if err := tx.WithContext(ctx).Create(rec).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return s.logError("outbox_append_failed", err, rec.EventID)
	}
	return nil
}

// ListPending returns up to limit pending rows, oldest first.
func (s *OutboxStore) ListPending(ctx context.Context, limit int) ([]OutboxRecord, error) {
	var rows []OutboxRecord
	err := s.db.WithContext(ctx).
		Where("status = ?", OutboxPending).
		Order("created_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, s.logError("outbox_list_pending_failed", err, "")
	}
	return rows, nil
}

// MarkPublished flips a pending row after the broker acked it.
func (s *OutboxStore) MarkPublished(ctx context.Context, id string, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&OutboxRecord{}).
		Where("id = ? AND status = ?", id, OutboxPending).
		Updates(map[string]any{
			"status":       OutboxPublished,
			"published_at": at,
			"last_error":   nil,
		})
	if res.Error != nil {
		return s.logError("outbox_mark_published_failed", res.Error, id)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordFailure stores the attempt count and error; terminal moves the row to
// failed so it is no longer polled.
func (s *OutboxStore) RecordFailure(ctx context.Context, id string, attempts int, reason string, terminal bool) error {
	status := OutboxPending
	if terminal {
		status = OutboxFailed
	}
	res := s.db.WithContext(ctx).Model(&OutboxRecord{}).
		Where("id = ? AND status = ?", id, OutboxPending).
		Updates(map[string]any{
			"status":     status,
			"attempts":   attempts,
			"last_error": reason,
		})
	if res.Error != nil {
		return s.logError("outbox_record_failure_failed", res.Error, id)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeletePublishedBefore removes published rows older than cutoff.
func (s *OutboxStore) DeletePublishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("status = ? AND published_at < ?", OutboxPublished, cutoff).
		Delete(&OutboxRecord{})
	if res.Error != nil {
		return 0, s.logError("outbox_cleanup_failed", res.Error, "")
	}
	return res.RowsAffected, nil
}

func (s *OutboxStore) logError(op string, err error, id string) error {
	if s.logger != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"op":        op,
			"outbox_id": id,
		}).Error("outbox store operation failed")
	}
	return errors.Wrap(err, op)
}
