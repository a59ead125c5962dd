package redis

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrLockNotAcquired is returned when another owner holds the lock
	ErrLockNotAcquired = errors.New("lock not acquired")
	// ErrLockNotHeld is returned when the lock expired or changed owner
	ErrLockNotHeld = errors.New("lock not held")
)

var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

var extendScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("pexpire", KEYS[1], ARGV[2])
	else
		return 0
	end
`)

// Lock is a held SET NX lock identified by its owner token.
type Lock struct {
	client *Client
	key    string
	owner  string
	ttl    time.Duration
}

// Acquire takes key for owner, failing with ErrLockNotAcquired when it is held.
func (c *Client) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (*Lock, error) {
	ok, err := c.rdb.SetNX(ctx, key, owner, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLockNotAcquired
	}

	c.logger.WithContext(ctx).Debugf("Acquired lock: %s", key)
	return &Lock{client: c, key: key, owner: owner, ttl: ttl}, nil
}

// Holder returns the owner token currently stored under key, "" when free.
func (c *Client) Holder(ctx context.Context, key string) (string, error) {
	owner, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return owner, err
}

// Release deletes the lock only if this owner still holds it.
func (l *Lock) Release(ctx context.Context) error {
	result, err := releaseScript.Run(ctx, l.client.rdb, []string{l.key}, l.owner).Int64()
	if err != nil {
		return err
	}
	if result == 0 {
		return ErrLockNotHeld
	}

	l.client.logger.WithContext(ctx).Debugf("Released lock: %s", l.key)
	return nil
}

// Extend resets the lock's TTL if this owner still holds it.
func (l *Lock) Extend(ctx context.Context) error {
	result, err := extendScript.Run(ctx, l.client.rdb, []string{l.key}, l.owner, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return err
	}
	if result == 0 {
		return ErrLockNotHeld
	}
	return nil
}
