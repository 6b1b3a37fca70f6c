package chat

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/clickatell/clickybot/internal/log"
)

// RetryConfig configures retry behavior for model calls.
type RetryConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryConfig returns sensible defaults for LLM API calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
	}
}

// retryableError determines if an error should trigger a retry.
func retryableError(err error) bool {
	if err == nil {
		return false
	}

	errStr := err.Error()

	// Rate limits.
	if containsAny(errStr, "rate limit", "quota exceeded", "429") {
		return true
	}
	// Transient server errors.
	if containsAny(errStr, "500", "502", "503", "504", "unavailable") {
		return true
	}
	// Network errors.
	if containsAny(errStr, "connection reset", "timeout", "temporary") {
		return true
	}
	return false
}

// containsAny checks if s contains any of the substrings (case-insensitive).
func containsAny(s string, substrs ...string) bool {
	lower := strings.ToLower(s)
	for _, sub := range substrs {
		if strings.Contains(lower, strings.ToLower(sub)) {
			return true
		}
	}
	return false
}

// withRetry runs fn with exponential backoff on retryable errors.
func withRetry(ctx context.Context, cfg RetryConfig, logger log.Logger, fn func(context.Context) (string, error)) (string, error) {
	var lastErr error
	delay := cfg.InitialInterval
	start := time.Now()

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		out, err := fn(ctx)
		if err == nil {
			logger.Debug("model call succeeded",
				"attempts", attempt+1,
				"elapsed", time.Since(start))
			return out, nil
		}

		lastErr = err
		if !retryableError(err) {
			return "", err
		}
		if attempt == cfg.MaxRetries {
			break
		}

		logger.Debug("retrying after error",
			"attempt", attempt+1,
			"delay", delay,
			"error", err)

		select {
		case <-ctx.Done():
			return "", fmt.Errorf("canceled during retry: %w", ctx.Err())
		case <-time.After(delay):
			delay = min(delay*2, cfg.MaxInterval)
		}
	}

	return "", fmt.Errorf("after %d retries (elapsed %v): %w",
		cfg.MaxRetries, time.Since(start), lastErr)
}
