package redis

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Ramsey-B/thistle/pkg/checkerrors"
)

// DefaultCancelTTL bounds how long an unconsumed cancel flag lingers.
const DefaultCancelTTL = time.Hour

// Coordinator implements the single-flight run lock and cancel flags shared
// by every replica.
type Coordinator struct {
	client    *Client
	prefix    string
	lockTTL   time.Duration
	cancelTTL time.Duration
}

func NewCoordinator(client *Client, prefix string, lockTTL time.Duration) *Coordinator {
	if prefix == "" {
		prefix = "thistle"
	}
	if lockTTL <= 0 {
		lockTTL = time.Minute
	}
	return &Coordinator{client: client, prefix: prefix, lockTTL: lockTTL, cancelTTL: DefaultCancelTTL}
}

func (c *Coordinator) LockKey() string {
	return c.prefix + ":run:lock"
}

func (c *Coordinator) CancelKey(runID string) string {
	return c.prefix + ":run:" + runID + ":cancel"
}

// AcquireRunLock takes the run lock for runID and keeps it alive until the
// returned release is called. A held lock yields checkerrors.ErrRunInProgress.
func (c *Coordinator) AcquireRunLock(ctx context.Context, runID string) (func(context.Context) error, error) {
	lock, err := c.client.Acquire(ctx, c.LockKey(), runID, c.lockTTL)
	if errors.Is(err, ErrLockNotAcquired) {
		return nil, checkerrors.ErrRunInProgress
	}
	if err != nil {
		return nil, err
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(c.lockTTL / 3)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				extendCtx, cancel := context.WithTimeout(context.Background(), c.lockTTL/3)
				err := lock.Extend(extendCtx)
				cancel()
				if err != nil {
					c.client.logger.WithError(err).WithField("run_id", runID).Warn("Failed to extend run lock")
					if errors.Is(err, ErrLockNotHeld) {
						return
					}
				}
			}
		}
	}()

	var once sync.Once
	return func(ctx context.Context) error {
		var err error
		once.Do(func() {
			close(stop)
			<-done
			err = lock.Release(ctx)
			if errors.Is(err, ErrLockNotHeld) {
				err = nil
			}
		})
		return err
	}, nil
}

// RequestCancel raises the cancel flag for runID.
func (c *Coordinator) RequestCancel(ctx context.Context, runID string) error {
	return c.client.rdb.Set(ctx, c.CancelKey(runID), "1", c.cancelTTL).Err()
}

func (c *Coordinator) CancelRequested(ctx context.Context, runID string) (bool, error) {
	n, err := c.client.rdb.Exists(ctx, c.CancelKey(runID)).Result()
	return n > 0, err
}

func (c *Coordinator) ClearCancel(ctx context.Context, runID string) error {
	return c.client.rdb.Del(ctx, c.CancelKey(runID)).Err()
}

// ActiveRunID reports which run holds the lock, "" when none.
func (c *Coordinator) ActiveRunID(ctx context.Context) (string, error) {
	return c.client.Holder(ctx, c.LockKey())
}
