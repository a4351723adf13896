// Package kit holds the transport-agnostic endpoint type shared by the HTTP,
// MCP and connectivity surfaces, plus the context keys they propagate.
package kit

import "context"

// Endpoint is one business operation, independent of its transport.
type Endpoint func(ctx context.Context, req any) (any, error)

// Middleware decorates an Endpoint.
type Middleware func(Endpoint) Endpoint

// Chain composes middlewares so the first one is the outermost.
func Chain(mws ...Middleware) Middleware {
	return func(next Endpoint) Endpoint {
		for i := len(mws) - 1; i >= 0; i-- {
			next = mws[i](next)
		}
		return next
	}
}

// WithTransportTag returns a Middleware that marks the context with the
// transport the call arrived on.
func WithTransportTag(transport string) Middleware {
	return func(next Endpoint) Endpoint {
		return func(ctx context.Context, req any) (any, error) {
			return next(WithTransport(ctx, transport), req)
		}
	}
}
