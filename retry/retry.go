// Package retry provides the bounded retry loops the boot and deploy paths
// run their operations under. An operation is retried only while it keeps
// returning recoverable infrastructure errors; Blocked and Failed errors
// abort immediately, and once the attempt budget is exhausted the last
// error escalates to non-recoverable so outer loops stop too.
package retry

import (
	"context"
	"math"
	"math/rand"
	"strconv"
	"time"

	"github.com/posfw/posfw/errors"
)

// Operation represents a function that can be retried
type Operation func(ctx context.Context) error

// Config holds retry configuration
type Config struct {
	// MaxAttempts is the maximum number of attempts including the initial attempt
	MaxAttempts int

	// InitialDelay is the delay before the first retry
	InitialDelay time.Duration

	// MaxDelay is the maximum delay between retries
	MaxDelay time.Duration

	// Multiplier is the factor by which the delay increases
	Multiplier float64

	// MaxJitter is the maximum random jitter added to delays
	MaxJitter time.Duration

	// OnRetry is called after each failed attempt that will be retried
	OnRetry func(attempt int, err error)
}

// DefaultConfig returns the retry configuration the boot drivers use:
// three attempts, no backoff. Power cycles dominate the cost so delaying
// between them buys nothing.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		Multiplier:  1.0,
	}
}

// Do retries op until it succeeds, returns a non-recoverable error, or the
// attempt budget runs out. The final error carries the attempt count as an
// attachment and is marked non-recoverable.
func Do(ctx context.Context, op Operation, cfg Config) error {
	var lastErr error

	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return errors.WithOp(ctx.Err(), "retry")
		default:
		}

		if attempt > 0 && cfg.InitialDelay > 0 {
			timer := time.NewTimer(calculateDelay(attempt, cfg))
			select {
			case <-ctx.Done():
				timer.Stop()
				return errors.WithOp(ctx.Err(), "retry")
			case <-timer.C:
			}
		}

		err := op(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !errors.IsRecoverable(err) {
			return err
		}
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt+1, err)
		}
	}

	var e *errors.Error
	if errors.As(lastErr, &e) {
		return e.Unrecoverable().WithAttachment(
			"attempts", strconv.Itoa(cfg.MaxAttempts))
	}
	return lastErr
}

// calculateDelay calculates the delay for a given attempt
func calculateDelay(attempt int, cfg Config) time.Duration {
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if cfg.MaxJitter > 0 {
		delay += float64(cfg.MaxJitter) * rand.Float64()
	}
	return time.Duration(delay)
}
