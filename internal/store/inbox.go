package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// InboxStore persists inbound messages. Every mutation is a conditional
// update keyed by message_id and the expected status.
type InboxStore struct {
	db     *gorm.DB
	logger *logrus.Entry
}

func NewInboxStore(db *gorm.DB, logger *logrus.Entry) *InboxStore {
	return &InboxStore{db: db, logger: logger}
}

func (s *InboxStore) FindByMessageID(ctx context.Context, messageID string) (*InboxRecord, error) {
	var rec InboxRecord
	err := s.db.WithContext(ctx).
		Where("message_id = ?", messageID).
		Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, s.logError("inbox_find_failed", err, messageID)
	}
	return &rec, nil
}

// Insert creates the row; a message_id collision returns ErrDuplicate.
func (s *InboxStore) Insert(ctx context.Context, rec *InboxRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return s.logError("inbox_insert_failed", err, rec.MessageID)
	}
	return nil
}

// Claim moves a claimable row to processing and returns it. A row is
// claimable when pending, or failed with retry_count below maxRetries.
func (s *InboxStore) Claim(ctx context.Context, messageID string, maxRetries int) (*InboxRecord, error) {
	res := s.db.WithContext(ctx).Model(&InboxRecord{}).
		Where("message_id = ? AND (status = ? OR (status = ? AND retry_count < ?))",
			messageID, InboxPending, InboxFailed, maxRetries).
		Updates(map[string]any{"status": InboxProcessing})
	if res.Error != nil {
		return nil, s.logError("inbox_claim_failed", res.Error, messageID)
	}
	if res.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	return s.FindByMessageID(ctx, messageID)
}

// MarkProcessed records success for a processing row.
func (s *InboxStore) MarkProcessed(ctx context.Context, messageID string, at time.Time) error {
	return s.transition(ctx, "inbox_mark_processed_failed", messageID, InboxProcessing, map[string]any{
		"status":        InboxProcessed,
		"processed_at":  at,
		"error_message": nil,
	})
}

// MarkFailed records a failed attempt for a processing row.
func (s *InboxStore) MarkFailed(ctx context.Context, messageID string, retryCount int, reason string) error {
	return s.transition(ctx, "inbox_mark_failed_failed", messageID, InboxProcessing, map[string]any{
		"status":        InboxFailed,
		"retry_count":   retryCount,
		"error_message": reason,
	})
}

// Requeue returns an orphaned processing row to pending. The retry_count
// guard makes concurrent sweeps count the same orphan once.
func (s *InboxStore) Requeue(ctx context.Context, messageID string, fromRetryCount int) error {
	return s.transitionAt(ctx, "inbox_requeue_failed", messageID, fromRetryCount, map[string]any{
		"status":      InboxPending,
		"retry_count": fromRetryCount + 1,
	})
}

// Expire fails an orphaned processing row terminally.
func (s *InboxStore) Expire(ctx context.Context, messageID string, fromRetryCount int, reason string) error {
	return s.transitionAt(ctx, "inbox_expire_failed", messageID, fromRetryCount, map[string]any{
		"status":        InboxFailed,
		"retry_count":   fromRetryCount + 1,
		"error_message": reason,
	})
}

// ListPending returns up to limit pending rows, oldest first.
func (s *InboxStore) ListPending(ctx context.Context, limit int) ([]InboxRecord, error) {
	var rows []InboxRecord
	err := s.db.WithContext(ctx).
		Where("status = ?", InboxPending).
		Order("created_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, s.logError("inbox_list_pending_failed", err, "")
	}
	return rows, nil
}

// ListStuck returns processing rows created before cutoff, oldest first.
func (s *InboxStore) ListStuck(ctx context.Context, cutoff time.Time, limit int) ([]InboxRecord, error) {
	var rows []InboxRecord
	err := s.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", InboxProcessing, cutoff).
		Order("created_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, s.logError("inbox_list_stuck_failed", err, "")
	}
	return rows, nil
}

// DeleteProcessedBefore removes processed rows created before cutoff.
func (s *InboxStore) DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", InboxProcessed, cutoff).
		Delete(&InboxRecord{})
	if res.Error != nil {
		return 0, s.logError("inbox_cleanup_failed", res.Error, "")
	}
	return res.RowsAffected, nil
}

func (s *InboxStore) transition(ctx context.Context, op, messageID, from string, updates map[string]any) error {
	res := s.db.WithContext(ctx).Model(&InboxRecord{}).
		Where("message_id = ? AND status = ?", messageID, from).
		Updates(updates)
	if res.Error != nil {
		return s.logError(op, res.Error, messageID)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *InboxStore) transitionAt(ctx context.Context, op, messageID string, retryCount int, updates map[string]any) error {
	res := s.db.WithContext(ctx).Model(&InboxRecord{}).
		Where("message_id = ? AND status = ? AND retry_count = ?", messageID, InboxProcessing, retryCount).
		Updates(updates)
	if res.Error != nil {
		return s.logError(op, res.Error, messageID)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *InboxStore) logError(op string, err error, messageID string) error {
	if s.logger != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"op":         op,
			"message_id": messageID,
		}).Error("inbox store operation failed")
	}
	return errors.Wrap(err, op)
}
