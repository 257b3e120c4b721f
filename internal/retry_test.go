package internal

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestRetryProviderCallSucceedsAfterTransient(t *testing.T) {
	calls := 0
	result, err := RetryProviderCall(context.Background(), "list teams", nil, func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("gateway timeout 504")
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if result != "ok" || calls != 3 {
		t.Fatalf("result=%q calls=%d", result, calls)
	}
}

func TestRetryProviderCallNonRetryableFailsImmediately(t *testing.T) {
	calls := 0
	cause := errors.New("404 not found")
	_, err := RetryProviderCall(context.Background(), "list teams", nil, func(context.Context) (int, error) {
		calls++
		return 0, cause
	})
	if !errors.Is(err, cause) {
		t.Fatalf("err = %v", err)
	}
	if calls != 1 {
		t.Fatalf("non-retryable error retried %d times", calls)
	}
}

func TestRetryProviderCallRateLimitWarns(t *testing.T) {
	warnings := &WarningList{}
	cause := errors.New("403 API rate limit exceeded")
	_, err := RetryProviderCall(context.Background(), "list members", warnings, func(context.Context) (int, error) {
		return 0, cause
	})
	// the final error comes back unchanged
	if !errors.Is(err, cause) {
		t.Fatalf("err = %v", err)
	}
	list := warnings.List()
	if len(list) != 3 {
		t.Fatalf("warnings: %v", list)
	}
	if !strings.Contains(list[0], "rate limit") || !strings.Contains(list[0], "list members") {
		t.Fatalf("warning text: %q", list[0])
	}
}

func TestRetryProviderCallHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := RetryProviderCall(ctx, "list teams", nil, func(context.Context) (int, error) {
		return 0, errors.New("connection reset by peer")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
}
