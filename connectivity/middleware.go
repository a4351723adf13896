package connectivity

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
)

// HandlerMiddleware decorates a Handler.
type HandlerMiddleware func(next Handler) Handler

// Chain applies mws so that mws[0] sees the call first.
func Chain(mws ...HandlerMiddleware) HandlerMiddleware {
	return func(h Handler) Handler {
		for i := range mws {
			h = mws[len(mws)-1-i](h)
		}
		return h
	}
}

// ErrPanic is what a caller gets back when a handler panicked. IsPermanent
// treats it as final: a panicking handler is not retried.
type ErrPanic struct {
	Value any
}

func (e *ErrPanic) Error() string {
	return fmt.Sprintf("connectivity: handler panicked: %v", e.Value)
}

// Recovery turns a panic below it into an *ErrPanic and logs the stack.
func Recovery(logger *slog.Logger) HandlerMiddleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, payload []byte) (resp []byte, err error) {
			defer func() {
				v := recover()
				if v == nil {
					return
				}
				logger.ErrorContext(ctx, "connectivity: recovered panic", "panic", v, "stack", string(debug.Stack()))
				resp, err = nil, &ErrPanic{Value: v}
			}()
			return next(ctx, payload)
		}
	}
}
