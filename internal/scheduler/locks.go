package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const lockKeyPrefix = "paysync:scheduler:"

// jobLocker keeps a job to one replica at a time.
type jobLocker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	Release(ctx context.Context, key, token string) error
}

// acquire takes the job lease. Without a locker every replica runs the job.
func (s *Scheduler) acquire(ctx context.Context, job string, ttl time.Duration) (func(), bool, error) {
	if s.locker == nil {
		return func() {}, true, nil
	}
	key := lockKeyPrefix + job
	token, ok, err := s.locker.TryLock(ctx, key, ttl)
	if err != nil || !ok {
		return func() {}, false, err
	}
	return func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.locker.Release(releaseCtx, key, token); err != nil {
			s.log.Warn("scheduler.lock.release.failed", zap.String("job", job), zap.Error(err))
		}
	}, true, nil
}
