package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/thistle/pkg/checkerrors"
)

func TestCoordinatorKeys(t *testing.T) {
	c := NewCoordinator(nil, "", 0)
	assert.Equal(t, "thistle:run:lock", c.LockKey())
	assert.Equal(t, "thistle:run:abc:cancel", c.CancelKey("abc"))
	assert.Equal(t, time.Minute, c.lockTTL)

	c = NewCoordinator(nil, "staging", time.Second)
	assert.Equal(t, "staging:run:lock", c.LockKey())
}

// liveClient connects to THISTLE_TEST_REDIS_ADDR; the test is skipped without it.
func liveClient(t *testing.T) *Client {
	t.Helper()
	addr := os.Getenv("THISTLE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("THISTLE_TEST_REDIS_ADDR not set")
	}
	rdb := goredis.NewClient(&goredis.Options{Addr: addr})
	require.NoError(t, rdb.Ping(context.Background()).Err())
	t.Cleanup(func() { _ = rdb.Close() })
	return NewClientFromRedis(rdb, ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {}))
}

func TestCoordinator_LockAndCancel(t *testing.T) {
	ctx := context.Background()
	c := NewCoordinator(liveClient(t), "thistle-test-"+uuid.NewString(), 300*time.Millisecond)

	release, err := c.AcquireRunLock(ctx, "run-1")
	require.NoError(t, err)

	_, err = c.AcquireRunLock(ctx, "run-2")
	assert.ErrorIs(t, err, checkerrors.ErrRunInProgress)

	// outlive the TTL to prove the lease is extended
	time.Sleep(500 * time.Millisecond)
	holder, err := c.ActiveRunID(ctx)
	require.NoError(t, err)
	assert.Equal(t, "run-1", holder)

	require.NoError(t, release(ctx))
	require.NoError(t, release(ctx))
	holder, err = c.ActiveRunID(ctx)
	require.NoError(t, err)
	assert.Empty(t, holder)

	requested, err := c.CancelRequested(ctx, "run-1")
	require.NoError(t, err)
	assert.False(t, requested)

	require.NoError(t, c.RequestCancel(ctx, "run-1"))
	requested, err = c.CancelRequested(ctx, "run-1")
	require.NoError(t, err)
	assert.True(t, requested)

	require.NoError(t, c.ClearCancel(ctx, "run-1"))
	requested, err = c.CancelRequested(ctx, "run-1")
	require.NoError(t, err)
	assert.False(t, requested)
}
