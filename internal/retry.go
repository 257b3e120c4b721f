package internal

import (
	"context"
	"fmt"
	"strings"
	"time"
)

const (
	retryAttempts  = 3
	retryBaseDelay = 200 * time.Millisecond
)

// WarningList collects human-readable, non-fatal notices (rate-limit hits and
// the like) surfaced to the caller alongside a successful result.
type WarningList struct {
	warnings []string
}

// Add appends a warning.
func (w *WarningList) Add(format string, args ...interface{}) {
	if w == nil {
		return
	}
	w.warnings = append(w.warnings, fmt.Sprintf(format, args...))
}

// List returns the collected warnings.
func (w *WarningList) List() []string {
	if w == nil {
		return nil
	}
	return w.warnings
}

// RetryProviderCall runs op with bounded retries and linear backoff. Rate
// limited calls are always retried and leave a warning; likely transient
// failures (5xx, timeouts) are retried; anything else fails immediately.
// After the last attempt the final error is returned unchanged.
func RetryProviderCall[T any](ctx context.Context, label string, warnings *WarningList, op func(context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error
	for attempt := 1; attempt <= retryAttempts; attempt++ {
		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if isRateLimited(err) {
			warnings.Add("%s: provider rate limit hit (attempt %d/%d)", label, attempt, retryAttempts)
		} else if !isLikelyTransient(err) {
			return zero, err
		}
		if attempt == retryAttempts {
			break
		}
		IncProviderRetry(label)
		delay := time.Duration(attempt) * retryBaseDelay
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(delay):
		}
	}
	return zero, lastErr
}

func isRateLimited(err error) bool {
	if err == nil {
		return false
	}
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "rate limit") ||
		strings.Contains(message, "secondary rate") ||
		strings.Contains(message, "abuse detection")
}

func isLikelyTransient(err error) bool {
	if err == nil {
		return false
	}
	message := strings.ToLower(err.Error())
	for _, marker := range []string{"timeout", "timed out", "temporar", "connection reset", "502", "503", "504", "500 internal"} {
		if strings.Contains(message, marker) {
			return true
		}
	}
	return false
}
