package ratelimit

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/mbd888/credgate/internal/retry"
)

// StatusCoder is implemented by errors that carry an upstream HTTP status.
// Zero means no response was received.
type StatusCoder interface {
	StatusCode() int
}

// IsRetryable classifies a failed provider attempt. Network errors,
// timeouts, 5xx and 429 are transient. Any other status, a
// retry.Permanent error and caller cancellation are not.
func IsRetryable(err error) bool {
	if err == nil || retry.IsPermanent(err) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var sc StatusCoder
	if errors.As(err, &sc) && sc.StatusCode() > 0 {
		code := sc.StatusCode()
		return code == 429 || code >= 500
	}

	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}

// WithExponentialBackoff runs op, retrying transient failures with a delay
// of base * 2^attempt up to the limiter's attempt budget.
func (l *ProviderLimiter) WithExponentialBackoff(ctx context.Context, op func(ctx context.Context) error) error {
	return l.backoff(ctx, "", op)
}

func (l *ProviderLimiter) backoff(ctx context.Context, provider string, op func(ctx context.Context) error) error {
	return retry.DoPolicy(ctx, retry.Policy{
		MaxAttempts: l.opts.MaxAttempts,
		BaseDelay:   l.opts.BaseDelay,
		MaxDelay:    l.opts.MaxDelay,
		Retryable:   IsRetryable,
		OnRetry: func(attempt int, delay time.Duration, err error) {
			if provider != "" {
				providerRetries.WithLabelValues(provider).Inc()
			}
			l.opts.Logger.Debug("retrying provider call",
				"provider", provider,
				"attempt", attempt,
				"delay_ms", delay.Milliseconds(),
				"error", err,
			)
		},
	}, op)
}
