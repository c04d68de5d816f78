package store

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// LeaseStore grants a named task to one holder at a time across processes.
type LeaseStore struct {
	db *gorm.DB
}

func NewLeaseStore(db *gorm.DB) *LeaseStore {
	return &LeaseStore{db: db}
}

// Acquire takes or renews the lease for task. It succeeds when the lease is
// free, expired, or already held by holder.
func (s *LeaseStore) Acquire(ctx context.Context, task, holder string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	res := s.db.WithContext(ctx).Exec(`
INSERT INTO scheduler_leases (task, holder, expires_at)
VALUES (?, ?, ?)
ON CONFLICT (task) DO UPDATE
SET holder = EXCLUDED.holder, expires_at = EXCLUDED.expires_at
WHERE scheduler_leases.expires_at < ? OR scheduler_leases.holder = EXCLUDED.holder`,
		task, holder, now.Add(ttl), now)
	if res.Error != nil {
		return false, errors.Wrapf(res.Error, "acquire lease %s", task)
	}
	return res.RowsAffected > 0, nil
}

// Release gives up the lease if holder still owns it.
func (s *LeaseStore) Release(ctx context.Context, task, holder string) error {
	res := s.db.WithContext(ctx).
		Where("task = ? AND holder = ?", task, holder).
		Delete(&schedulerLease{})
	if res.Error != nil {
		return errors.Wrapf(res.Error, "release lease %s", task)
	}
	return nil
}
