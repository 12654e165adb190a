package engine

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/rendis/flowrun/pkg/schema"
)

// transientPatterns matches error text that tends to clear on its own:
// socket-level failures and upstream 5xx-style statuses.
var transientPatterns = []string{
	"connection refused", "connection reset", "broken pipe", "eof",
	"i/o timeout", "temporary failure",
	"service unavailable", "bad gateway", "gateway timeout",
	"internal server error", "too many requests",
}

// IsRetryableError decides whether another attempt could change the outcome.
// Timeouts and network errors qualify; cancellation never does, and a typed
// FlowError answers for itself based on its code.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	switch {
	case errors.Is(err, context.Canceled):
		// The run is shutting down; another attempt would be thrown away.
		return false
	case errors.Is(err, context.DeadlineExceeded):
		// The node's own timeout, not the run's.
		return true
	}

	var flowErr *schema.FlowError
	if errors.As(err, &flowErr) {
		return flowErr.IsRetryable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	// Unknown errors retry; the policy's max bounds the damage.
	return true
}

// ComputeBackoff returns the delay before the next attempt. attempt is
// 0-based: the delay after the first failed try uses attempt 0.
func ComputeBackoff(policy *schema.RetryPolicy, attempt int) time.Duration {
	if policy == nil || policy.Delay == "" {
		return 0
	}

	base, err := time.ParseDuration(policy.Delay)
	if err != nil {
		return 0
	}

	switch policy.Backoff {
	case "exponential":
		if attempt < 1 {
			return base
		}
		return base << attempt
	case "linear":
		return base * time.Duration(attempt+1)
	default: // covers "none" and unset
		return base
	}
}

// WaitForBackoff blocks for delay or until ctx is cancelled, whichever comes
// first, returning the context error on cancellation.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
