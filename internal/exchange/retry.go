package exchange

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// RetryConfig bounds the backoff loop around venue REST calls
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		BackoffFactor:  2.0,
	}
}

// retryableFragments covers transient network faults plus the venue
// error codes for rate limiting (-1003), internal errors (-1001), and
// recvWindow clock drift (-1021).
var retryableFragments = []string{
	"connection refused",
	"connection reset",
	"timeout",
	"temporary failure",
	"too many requests",
	"rate limit",
	"-1003",
	"-1001",
	"-1021",
}

// IsRetryable reports whether the error is transient enough to retry
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, fragment := range retryableFragments {
		if strings.Contains(msg, fragment) {
			return true
		}
	}
	return false
}

// IsLeverageRejection matches the venue's leverage rejection codes, which
// trigger the fallback-to-1x path instead of a retry
func IsLeverageRejection(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "-4028") ||
		strings.Contains(msg, "-4161") ||
		strings.Contains(msg, "leverage not valid") ||
		strings.Contains(msg, "Leverage")
}

// WithRetry runs op with exponential backoff. Non-retryable errors
// return immediately; context cancellation aborts between attempts.
func WithRetry(ctx context.Context, cfg RetryConfig, op func() error) error {
	var lastErr error
	wait := cfg.InitialBackoff

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("operation cancelled: %w", err)
		}

		lastErr = op()
		if lastErr == nil {
			if attempt > 1 {
				log.Info().Int("attempt", attempt).Msg("Venue call recovered after retry")
			}
			return nil
		}
		if !IsRetryable(lastErr) {
			return lastErr
		}
		if attempt > cfg.MaxRetries {
			return fmt.Errorf("operation failed after %d attempts: %w", attempt, lastErr)
		}

		log.Warn().
			Err(lastErr).
			Int("attempt", attempt).
			Int("max_attempts", cfg.MaxRetries+1).
			Dur("backoff", wait).
			Msg("Venue call failed, backing off")
		select {
		case <-ctx.Done():
			return fmt.Errorf("operation cancelled during backoff: %w", ctx.Err())
		case <-time.After(wait):
		}
		if wait = time.Duration(float64(wait) * cfg.BackoffFactor); wait > cfg.MaxBackoff {
			wait = cfg.MaxBackoff
		}
	}
}
