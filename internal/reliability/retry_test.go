package reliability

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExponentialBackoff(t *testing.T) {
	t.Run("creates with jitter enabled", func(t *testing.T) {
		eb := NewExponentialBackoff(100*time.Millisecond, 5*time.Second, 2.0, 3)

		assert.Equal(t, 100*time.Millisecond, eb.InitialInterval)
		assert.Equal(t, 5*time.Second, eb.MaxInterval)
		assert.Equal(t, 2.0, eb.Multiplier)
		assert.Equal(t, 3, eb.MaxRetries())
		assert.True(t, eb.Jitter)
	})

	t.Run("ShouldRetry stops at the attempt bound", func(t *testing.T) {
		eb := NewExponentialBackoff(100*time.Millisecond, time.Second, 2.0, 3)

		for i := 0; i < 3; i++ {
			retry, delay := eb.ShouldRetry(i, errors.New("broker unreachable"))
			assert.True(t, retry)
			assert.Greater(t, delay, time.Duration(0))
		}

		retry, delay := eb.ShouldRetry(3, errors.New("broker unreachable"))
		assert.False(t, retry)
		assert.Zero(t, delay)
	})

	t.Run("NextDelay grows and caps", func(t *testing.T) {
		eb := NewExponentialBackoff(100*time.Millisecond, 10*time.Second, 2.0, 5)
		eb.Jitter = false

		tests := []struct {
			attempt  int
			expected time.Duration
		}{
			{0, 100 * time.Millisecond},
			{1, 200 * time.Millisecond},
			{2, 400 * time.Millisecond},
			{4, 1600 * time.Millisecond},
			{10, 10 * time.Second},
		}

		for _, tt := range tests {
			t.Run(fmt.Sprintf("attempt %d", tt.attempt), func(t *testing.T) {
				assert.Equal(t, tt.expected, eb.NextDelay(tt.attempt))
			})
		}
	})

	t.Run("jitter stays within fifteen percent", func(t *testing.T) {
		eb := NewExponentialBackoff(time.Second, 10*time.Second, 2.0, 5)

		for i := 0; i < 20; i++ {
			delay := eb.NextDelay(0)
			assert.GreaterOrEqual(t, delay, 850*time.Millisecond)
			assert.LessOrEqual(t, delay, 1150*time.Millisecond)
		}
	})

	t.Run("respects non-retryable errors", func(t *testing.T) {
		eb := NewExponentialBackoff(100*time.Millisecond, time.Second, 2.0, 3)

		retry, _ := eb.ShouldRetry(0, RetryableError{Err: errors.New("bad frame"), Retryable: false})
		assert.False(t, retry)
	})
}

func TestFixedDelay(t *testing.T) {
	t.Run("NextDelay is constant", func(t *testing.T) {
		fd := NewFixedDelay(750*time.Millisecond, 10)
		for i := 0; i < 10; i++ {
			assert.Equal(t, 750*time.Millisecond, fd.NextDelay(i))
		}
	})

	t.Run("ShouldRetry counts failed attempts", func(t *testing.T) {
		fd := NewFixedDelay(time.Second, 3)

		retry, delay := fd.ShouldRetry(2, errors.New("not connected"))
		assert.True(t, retry)
		assert.Equal(t, time.Second, delay)

		retry, _ = fd.ShouldRetry(3, errors.New("not connected"))
		assert.False(t, retry)
	})

	t.Run("zero attempts never retries", func(t *testing.T) {
		retry, _ := NewFixedDelay(time.Second, 0).ShouldRetry(0, errors.New("x"))
		assert.False(t, retry)
	})

	t.Run("negative attempts retry forever", func(t *testing.T) {
		fd := NewFixedDelay(time.Second, -1)
		retry, _ := fd.ShouldRetry(1000, errors.New("x"))
		assert.True(t, retry)

		eb := NewExponentialBackoff(time.Millisecond, time.Second, 2.0, -1)
		retry, delay := eb.ShouldRetry(1000, errors.New("x"))
		assert.True(t, retry)
		assert.LessOrEqual(t, delay, time.Duration(float64(time.Second)*1.15))
	})
}

func TestRetry(t *testing.T) {
	t.Run("succeeds on first attempt", func(t *testing.T) {
		attempts := 0
		err := Retry(context.Background(), NewFixedDelay(100*time.Millisecond, 3), func() error {
			attempts++
			return nil
		})

		assert.NoError(t, err)
		assert.Equal(t, 1, attempts)
	})

	t.Run("retries until success", func(t *testing.T) {
		attempts := 0
		err := Retry(context.Background(), NewFixedDelay(5*time.Millisecond, 3), func() error {
			attempts++
			if attempts < 3 {
				return errors.New("temporary error")
			}
			return nil
		})

		assert.NoError(t, err)
		assert.Equal(t, 3, attempts)
	})

	t.Run("wraps the last error when exhausted", func(t *testing.T) {
		persistent := errors.New("persistent error")
		attempts := 0

		err := Retry(context.Background(), NewFixedDelay(5*time.Millisecond, 2), func() error {
			attempts++
			return persistent
		})

		require.Error(t, err)
		assert.ErrorIs(t, err, persistent)
		assert.ErrorIs(t, err, ErrMaxRetriesExceeded)

		var retryErr *RetryError
		require.ErrorAs(t, err, &retryErr)
		assert.Equal(t, 3, retryErr.Attempts)
		assert.Equal(t, 2, retryErr.MaxAttempts)
		assert.Equal(t, 3, attempts)
	})

	t.Run("respects context cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		var attempts int32

		go func() {
			time.Sleep(50 * time.Millisecond)
			cancel()
		}()

		err := Retry(ctx, NewFixedDelay(time.Second, 5), func() error {
			atomic.AddInt32(&attempts, 1)
			return errors.New("error")
		})

		assert.Equal(t, context.Canceled, err)
		assert.LessOrEqual(t, atomic.LoadInt32(&attempts), int32(2))
	})

	t.Run("stops on non-retryable error", func(t *testing.T) {
		attempts := 0
		err := Retry(context.Background(), NewExponentialBackoff(5*time.Millisecond, 50*time.Millisecond, 2.0, 5), func() error {
			attempts++
			if attempts == 2 {
				return RetryableError{Err: errors.New("fatal error"), Retryable: false}
			}
			return errors.New("retryable error")
		})

		require.Error(t, err)
		assert.Equal(t, "fatal error", err.Error())
		assert.Equal(t, 2, attempts)
	})
}

type permanentErr struct{}

func (permanentErr) Error() string     { return "encode failed" }
func (permanentErr) IsRetryable() bool { return false }

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain error", errors.New("boom"), true},
		{"retryable wrapper", RetryableError{Err: errors.New("x"), Retryable: true}, true},
		{"permanent wrapper", RetryableError{Err: errors.New("x"), Retryable: false}, false},
		{"classifier deep in chain", fmt.Errorf("send: %w", permanentErr{}), false},
		{"non-retryable sentinel", fmt.Errorf("decode: %w", ErrNonRetryable), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}
