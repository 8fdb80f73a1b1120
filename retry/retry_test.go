package retry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/posfw/posfw/errors"
)

func TestDoExactAttemptCount(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func(ctx context.Context) error {
		calls++
		return errors.Infraf("network boot timed out")
	}, Config{MaxAttempts: 3})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	// Exhaustion escalates: the caller must not retry again.
	assert.False(t, errors.IsRecoverable(err))
	var e *errors.Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, "3", e.Attachments["attempts"])
}

func TestDoSucceedsMidway(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 2 {
			return errors.Infraf("no iPXE prompt")
		}
		return nil
	}, Config{MaxAttempts: 3})

	assert.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestDoStopsOnBlocked(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func(ctx context.Context) error {
		calls++
		return errors.Blockedf("no mac_addr in inventory")
	}, Config{MaxAttempts: 5})

	assert.Equal(t, 1, calls)
	assert.True(t, errors.IsBlocked(err))
}

func TestDoStopsOnForeignError(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func(ctx context.Context) error {
		calls++
		return context.DeadlineExceeded
	}, Config{MaxAttempts: 5})

	assert.Equal(t, 1, calls)
	assert.Error(t, err)
}

func TestOnRetryCallback(t *testing.T) {
	var attempts []int
	_ = Do(context.Background(), func(ctx context.Context) error {
		return errors.Infraf("still failing")
	}, Config{
		MaxAttempts: 3,
		OnRetry:     func(attempt int, err error) { attempts = append(attempts, attempt) },
	})

	assert.Equal(t, []int{1, 2, 3}, attempts)
}

func TestDoCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Do(ctx, func(ctx context.Context) error {
		t.Fatal("operation should not run")
		return nil
	}, DefaultConfig())
	assert.Error(t, err)
}
