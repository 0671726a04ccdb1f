package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy(maxRetries int) Policy {
	return Policy{
		MaxRetries:   maxRetries,
		InitialDelay: time.Millisecond,
		MaxDelay:     2 * time.Millisecond,
		Multiplier:   2,
	}
}

func TestRetrier_SucceedsAfterTransientErrors(t *testing.T) {
	r := NewRetrier(fastPolicy(3), nil)
	calls := 0

	err := r.Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("connection reset")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetrier_StopsOnPermanentError(t *testing.T) {
	r := NewRetrier(fastPolicy(5), nil)
	sentinel := errors.New("bad request")
	calls := 0

	err := r.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return Permanent(sentinel)
	})

	assert.ErrorIs(t, err, sentinel)
	assert.False(t, IsPermanent(err))
	assert.Equal(t, 1, calls)
}

func TestRetrier_ExhaustsPolicy(t *testing.T) {
	r := NewRetrier(fastPolicy(2), nil)
	calls := 0

	err := r.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return errors.New("timeout")
	})

	assert.ErrorIs(t, err, ErrMaxRetriesExceeded)
	assert.Equal(t, 3, calls)
}

func TestRetrier_HonoursCancelledContext(t *testing.T) {
	r := NewRetrier(fastPolicy(2), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := r.Do(ctx, func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDoWithResult(t *testing.T) {
	r := NewRetrier(fastPolicy(1), nil)
	v, err := DoWithResult(context.Background(), r, func(ctx context.Context) (int, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestBackoff_GrowsAndCaps(t *testing.T) {
	p := Policy{MaxRetries: 10, InitialDelay: time.Second, MaxDelay: 10 * time.Second, Multiplier: 2}
	b := NewBackoff(p)

	assert.Equal(t, time.Second, b.Calculate(1))
	assert.Equal(t, 2*time.Second, b.Calculate(2))
	assert.Equal(t, 4*time.Second, b.Calculate(3))
	assert.Equal(t, 10*time.Second, b.Calculate(8))
}

func TestBackoff_JitterStaysInBounds(t *testing.T) {
	p := Policy{MaxRetries: 5, InitialDelay: time.Second, MaxDelay: time.Minute, Multiplier: 2, JitterFactor: 0.5}
	b := NewBackoff(p)

	for i := 0; i < 50; i++ {
		d := b.Calculate(2)
		assert.GreaterOrEqual(t, d, time.Second)
		assert.LessOrEqual(t, d, 3*time.Second)
	}
}

func TestPolicy_Validate(t *testing.T) {
	assert.NoError(t, DefaultPolicy().Validate())
	assert.NoError(t, JobPolicy(5).Validate())
	assert.Error(t, Policy{MaxRetries: -1, InitialDelay: time.Second, MaxDelay: time.Second, Multiplier: 1}.Validate())
	assert.Error(t, Policy{MaxRetries: 1, InitialDelay: 0, MaxDelay: time.Second, Multiplier: 1}.Validate())
	assert.Error(t, Policy{MaxRetries: 1, InitialDelay: time.Second, MaxDelay: time.Second, Multiplier: 0.5}.Validate())
}
