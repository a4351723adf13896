package connectivity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrServiceNotFound is returned when Call targets a service with no route
// and no local handler.
type ErrServiceNotFound struct {
	Service string
}

func (e *ErrServiceNotFound) Error() string {
	return fmt.Sprintf("connectivity: service not routable: %s", e.Service)
}

// ErrCallTimeout is returned when one attempt of a remote call exceeds the
// route timeout. It matches context.DeadlineExceeded with errors.Is.
type ErrCallTimeout struct {
	Service string
}

func (e *ErrCallTimeout) Error() string {
	return fmt.Sprintf("connectivity: call timeout: %s", e.Service)
}

func (e *ErrCallTimeout) Unwrap() error { return context.DeadlineExceeded }

// ErrCircuitOpen is returned when the breaker of a service rejects a call
// without attempting it.
type ErrCircuitOpen struct {
	Service string
}

func (e *ErrCircuitOpen) Error() string {
	return fmt.Sprintf("connectivity: circuit open: %s", e.Service)
}

// ErrRemoteStatus is returned by HTTP handlers when the endpoint answers
// with a non-2xx status. Body holds the (bounded) response body.
type ErrRemoteStatus struct {
	Endpoint   string
	StatusCode int
	Body       []byte
}

func (e *ErrRemoteStatus) Error() string {
	return fmt.Sprintf("connectivity/http: %s: status %d: %s", e.Endpoint, e.StatusCode, truncate(e.Body, 256))
}

// ClientError reports a 4xx answer other than 408 and 429: the request
// itself was refused and sending it again will not help.
func (e *ErrRemoteStatus) ClientError() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500 &&
		e.StatusCode != http.StatusRequestTimeout && e.StatusCode != http.StatusTooManyRequests
}

// IsPermanent reports whether err must not be retried.
func IsPermanent(err error) bool {
	var open *ErrCircuitOpen
	if errors.As(err, &open) {
		return true
	}
	var panicked *ErrPanic
	if errors.As(err, &panicked) {
		return true
	}
	var status *ErrRemoteStatus
	return errors.As(err, &status) && status.ClientError()
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
