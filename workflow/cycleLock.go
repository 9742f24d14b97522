package workflow

import (
	"context"
	"errors"
	"time"

	"github.com/bsm/redislock"
	"github.com/sirupsen/logrus"
)

const cycleLockKey = "lock:collections:cycle"

// RedisCycleLocker is the redislock-backed CycleLocker.
type RedisCycleLocker struct {
	Client *redislock.Client
	TTL    time.Duration
	Logger *logrus.Logger
}

func NewRedisCycleLocker(client *redislock.Client, ttl time.Duration, logger *logrus.Logger) *RedisCycleLocker {
	return &RedisCycleLocker{Client: client, TTL: ttl, Logger: logger}
}

// Acquire obtains the cycle lock. A missing Redis client or a Redis error is reported
// as ok=true with the error so the caller can go on without the lock; the ledger's
// unique key keeps overlapping cycles correct.
func (l *RedisCycleLocker) Acquire(ctx context.Context) (func(), bool, error) {
	noop := func() {}
	if l == nil || l.Client == nil {
		return noop, true, errors.New("redis lock not ready")
	}
	lock, err := l.Client.Obtain(ctx, cycleLockKey, l.TTL, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return noop, false, nil
	}
	if err != nil {
		return noop, true, err
	}
	refreshCtx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		keepAlive(refreshCtx, l.TTL/3, func(ctx context.Context) error {
			return lock.Refresh(ctx, l.TTL, nil)
		}, l.Logger)
	}()

	release := func() {
		stop()
		<-done
		if err := lock.Release(context.Background()); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			if l.Logger != nil {
				l.Logger.WithFields(logrus.Fields{
					"field": "RedisCycleLocker",
				}).Warn("failed to release cycle lock: " + err.Error())
			}
		}
	}
	return release, true, nil
}

// keepAlive calls refresh every interval until ctx is done. A failed refresh means the
// lock is gone; it is logged and the loop stops.
func keepAlive(ctx context.Context, interval time.Duration, refresh func(ctx context.Context) error, logger *logrus.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ctx.Err() != nil {
				return
			}
			if err := refresh(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				if logger != nil {
					logger.WithFields(logrus.Fields{
						"field": "RedisCycleLocker",
					}).Warn("cycle lock refresh failed: " + err.Error())
				}
				return
			}
		}
	}
}
