package errors

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetry_SucceedsAfterTransientError(t *testing.T) {
	// Given: a function that fails twice then succeeds
	attempts := 0
	fn := func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient error")
		}
		return nil
	}

	// When: retrying with a short fixed delay
	err := Retry(context.Background(), FixedDelay(5*time.Millisecond, 3), fn)

	// Then: succeeds after 3 attempts
	assert.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetry_FailsAfterMaxRetries(t *testing.T) {
	// Given: a function that always fails
	attempts := 0
	fn := func() error {
		attempts++
		return errors.New("persistent error")
	}

	// When: retrying with limited retries
	cfg := RetryConfig{
		MaxRetries:   2,
		InitialDelay: 5 * time.Millisecond,
		MaxDelay:     20 * time.Millisecond,
		Multiplier:   2.0,
	}
	err := Retry(context.Background(), cfg, fn)

	// Then: fails after initial attempt plus 2 retries
	require.Error(t, err)
	assert.Equal(t, 3, attempts)
	assert.Contains(t, err.Error(), "persistent error")
}

func TestRetry_UnlimitedStopsOnContext(t *testing.T) {
	// Given: unlimited retries and a context that is cancelled later
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	fn := func() error {
		attempts++
		if attempts == 4 {
			cancel()
		}
		return errors.New("still down")
	}

	// When: retrying
	err := Retry(ctx, FixedDelay(time.Millisecond, -1), fn)

	// Then: stops with the context error
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 4, attempts)
}

func TestRetry_OnRetryReportsAttempts(t *testing.T) {
	var seen []int
	cfg := FixedDelay(time.Millisecond, 2)
	cfg.OnRetry = func(attempt int, err error) {
		seen = append(seen, attempt)
	}

	_ = Retry(context.Background(), cfg, func() error { return errors.New("x") })

	assert.Equal(t, []int{1, 2}, seen)
}

func TestRetryWithResult_ReturnsValue(t *testing.T) {
	// Given: a function that succeeds on second attempt
	attempts := 0
	fn := func() (int64, error) {
		attempts++
		if attempts < 2 {
			return 0, errors.New("not yet")
		}
		return 42, nil
	}

	// When: retrying
	v, err := RetryWithResult(context.Background(), FixedDelay(time.Millisecond, 3), fn)

	// Then: value returned
	require.NoError(t, err)
	assert.Equal(t, int64(42), v)
}

func TestRetry_CancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := Retry(ctx, FixedDelay(time.Millisecond, 3), func() error {
		called = true
		return nil
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}
