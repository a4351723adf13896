package connectivity

import (
	"context"
	"errors"

	"github.com/sony/gobreaker"
)

// BreakerSettings builds the gobreaker settings of a service: it opens after
// threshold consecutive failures, stays open for cfg.Timeout, then lets a
// single trial call decide whether it closes again.
func BreakerSettings(service string, threshold int, cfg gobreaker.Settings) gobreaker.Settings {
	cfg.Name = service
	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = 1
	}
	n := uint32(max(threshold, 1))
	cfg.ReadyToTrip = func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= n }
	cfg.IsSuccessful = breakerSuccess
	return cfg
}

// breakerSuccess decides what feeds the failure streak. A 4xx refusal means
// the converter is alive, and a caller cancellation says nothing about it.
func breakerSuccess(err error) bool {
	var status *ErrRemoteStatus
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return true
	case errors.As(err, &status):
		return status.ClientError()
	}
	return false
}

// WithCircuitBreaker fails fast with ErrCircuitOpen while cb is open or its
// half-open trial slot is taken.
func WithCircuitBreaker(cb *gobreaker.CircuitBreaker, service string) HandlerMiddleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, payload []byte) ([]byte, error) {
			resp, err := cb.Execute(func() (any, error) {
				return next(ctx, payload)
			})
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return nil, &ErrCircuitOpen{Service: service}
			}
			data, _ := resp.([]byte)
			return data, err
		}
	}
}
