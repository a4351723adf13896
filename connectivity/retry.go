package connectivity

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// WithTimeout bounds each call to d. When the deadline set here fires
// (not one inherited from the caller) the error becomes ErrCallTimeout.
// A zero d disables the timeout.
func WithTimeout(d time.Duration, service string) HandlerMiddleware {
	return func(next Handler) Handler {
		if d <= 0 {
			return next
		}
		return func(ctx context.Context, payload []byte) ([]byte, error) {
			callCtx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			resp, err := next(callCtx, payload)
			if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
				return nil, &ErrCallTimeout{Service: service}
			}
			return resp, err
		}
	}
}

// WithRetry retries failed calls with exponential backoff, starting at
// baseBackoff and doubling. Permanent errors (see IsPermanent) stop the
// loop; a done context stops it and returns the context error. logger may
// be nil.
func WithRetry(maxRetries int, baseBackoff time.Duration, logger *slog.Logger) HandlerMiddleware {
	return func(next Handler) Handler {
		if maxRetries <= 0 {
			return next
		}
		return func(ctx context.Context, payload []byte) ([]byte, error) {
			attempt := 0
			call := func() ([]byte, error) {
				resp, err := next(ctx, payload)
				if err != nil && IsPermanent(err) {
					return nil, backoff.Permanent(err)
				}
				return resp, err
			}
			notify := func(err error, wait time.Duration) {
				attempt++
				if logger != nil {
					logger.WarnContext(ctx, "retrying call",
						"attempt", attempt,
						"max_retries", maxRetries,
						"backoff_ms", wait.Milliseconds(),
						"error", err)
				}
			}
			return backoff.RetryNotifyWithData(call, retryBackOff(ctx, maxRetries, baseBackoff), notify)
		}
	}
}

func retryBackOff(ctx context.Context, maxRetries int, base time.Duration) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = base << 10
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(maxRetries)), ctx)
}
