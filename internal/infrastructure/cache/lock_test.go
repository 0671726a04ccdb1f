package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalLock_AcquireRelease(t *testing.T) {
	ctx := context.Background()
	lock := NewLocalLock()

	token, err := lock.Acquire(ctx, "sweep", time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	second, err := lock.Acquire(ctx, "sweep", time.Minute)
	require.NoError(t, err)
	assert.Empty(t, second, "lock must not be re-entrant")

	assert.ErrorIs(t, lock.Release(ctx, "sweep", "someone-else"), ErrLockNotHeld)
	require.NoError(t, lock.Release(ctx, "sweep", token))

	third, err := lock.Acquire(ctx, "sweep", time.Minute)
	require.NoError(t, err)
	assert.NotEmpty(t, third)
}

func TestLocalLock_Expiry(t *testing.T) {
	ctx := context.Background()
	lock := NewLocalLock()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	lock.nowFn = func() time.Time { return now }

	token, err := lock.Acquire(ctx, "sweep", time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	now = now.Add(2 * time.Minute)
	next, err := lock.Acquire(ctx, "sweep", time.Minute)
	require.NoError(t, err)
	assert.NotEmpty(t, next)
	assert.ErrorIs(t, lock.Release(ctx, "sweep", token), ErrLockNotHeld)
}
