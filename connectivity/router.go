// Package connectivity dispatches named service calls either to an
// in-process handler or to a remote endpoint, as decided by a SQLite routes
// table that is reloaded at runtime.
//
// pdfdesk routes every document conversion through it: "convert_word" and
// friends are HTTP routes to the conversion service, wrapped with the
// timeout, retry and circuit breaker policy of the route, while the editor
// registers its history operations as local handlers.
//
//	router := connectivity.New(connectivity.WithPolicy(policy))
//	router.RegisterTransport("http", connectivity.HTTPFactory())
//	router.RegisterLocal("pdfdesk_undo", undoHandler)
//	go router.Watch(ctx, db, time.Second)
//
//	resp, err := router.Call(ctx, "convert_word", payload)
package connectivity

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/sony/gobreaker"
)

// Handler is a transport-agnostic service function: bytes in, bytes out.
type Handler func(ctx context.Context, payload []byte) ([]byte, error)

// TransportFactory builds a Handler for a remote endpoint from the route's
// config JSON. The returned close function, which may be nil, runs when
// the route is removed or replaced.
type TransportFactory func(endpoint string, config json.RawMessage) (handler Handler, close func(), err error)

// Route is one row of the routes table.
type Route struct {
	Service  string          `json:"service"`
	Strategy string          `json:"strategy"`
	Endpoint string          `json:"endpoint,omitempty"`
	Config   json.RawMessage `json:"config,omitempty"`
}

func (rt Route) fingerprint() string {
	return rt.Strategy + "|" + rt.Endpoint + "|" + string(rt.Config)
}

type remoteEntry struct {
	handler Handler
	close   func()
}

// Router dispatches service calls. Safe for concurrent use.
type Router struct {
	mu        sync.RWMutex
	local     map[string]Handler
	remote    map[string]remoteEntry
	routes    map[string]Route
	factories map[string]TransportFactory
	breakers  map[string]*gobreaker.CircuitBreaker
	policy    *Policy
	logger    *slog.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the router logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// WithPolicy wraps every remote handler built on Reload with p.
func WithPolicy(p *Policy) Option {
	return func(r *Router) { r.policy = p }
}

// New creates a Router with no routes.
func New(opts ...Option) *Router {
	r := &Router{
		local:     make(map[string]Handler),
		remote:    make(map[string]remoteEntry),
		routes:    make(map[string]Route),
		factories: make(map[string]TransportFactory),
		breakers:  make(map[string]*gobreaker.CircuitBreaker),
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// RegisterLocal registers an in-process handler for service.
func (r *Router) RegisterLocal(service string, h Handler) {
	r.mu.Lock()
	r.local[service] = h
	r.mu.Unlock()
}

// RegisterTransport registers the factory used for routes whose strategy
// is protocol.
func (r *Router) RegisterTransport(protocol string, f TransportFactory) {
	r.mu.Lock()
	r.factories[protocol] = f
	r.mu.Unlock()
}

// Call dispatches a service call:
//  1. a "noop" route succeeds with a nil response,
//  2. a remote route built from the table wins over a local handler,
//  3. otherwise the local handler runs,
//  4. otherwise ErrServiceNotFound.
func (r *Router) Call(ctx context.Context, service string, payload []byte) ([]byte, error) {
	r.mu.RLock()
	entry, hasRemote := r.remote[service]
	localH := r.local[service]
	rt, hasRoute := r.routes[service]
	r.mu.RUnlock()

	if hasRoute && rt.Strategy == "noop" {
		r.logger.DebugContext(ctx, "routing noop", "service", service)
		return nil, nil
	}
	if hasRemote {
		r.logger.DebugContext(ctx, "routing remote",
			"service", service, "strategy", rt.Strategy, "endpoint", rt.Endpoint)
		return entry.handler(ctx, payload)
	}
	if localH != nil {
		r.logger.DebugContext(ctx, "routing local", "service", service)
		return localH(ctx, payload)
	}
	return nil, &ErrServiceNotFound{Service: service}
}

// Routes returns the routes loaded by the last Reload, sorted by service.
func (r *Router) Routes() []Route {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Route, 0, len(r.routes))
	for _, name := range slices.Sorted(maps.Keys(r.routes)) {
		out = append(out, r.routes[name])
	}
	return out
}

// Breaker returns the circuit breaker of service, or nil when the service
// has no remote route with a breaker.
func (r *Router) Breaker(service string) *gobreaker.CircuitBreaker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.breakers[service]
}

// Reload reads the routes table and rebuilds the remote handlers whose
// strategy, endpoint or config changed. Unchanged routes keep their
// handler and breaker.
func (r *Router) Reload(ctx context.Context, db *sql.DB) error {
	loaded, err := ListRoutes(ctx, db)
	if err != nil {
		return err
	}
	next := make(map[string]Route, len(loaded))
	for _, rt := range loaded {
		next[rt.Service] = rt
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	entries := make(map[string]remoteEntry, len(next))
	reused := make(map[string]bool)
	for name, rt := range next {
		if rt.Strategy == "local" || rt.Strategy == "noop" {
			continue
		}
		if old, ok := r.routes[name]; ok && old.fingerprint() == rt.fingerprint() {
			if existing, ok := r.remote[name]; ok {
				entries[name] = existing
				reused[name] = true
				continue
			}
		}

		factory, ok := r.factories[rt.Strategy]
		if !ok {
			r.logger.Warn("connectivity: no transport factory",
				"service", name, "strategy", rt.Strategy)
			continue
		}
		h, closeFn, err := factory(rt.Endpoint, rt.Config)
		if err != nil {
			r.logger.Error("connectivity: factory failed",
				"service", name, "strategy", rt.Strategy, "endpoint", rt.Endpoint, "error", err)
			continue
		}
		if r.policy != nil {
			cb := r.policy.breaker(rt)
			r.breakers[name] = cb
			h = r.policy.wrap(rt, cb)(h)
		}
		entries[name] = remoteEntry{handler: h, close: closeFn}
		r.logger.Info("connectivity: route built",
			"service", name, "strategy", rt.Strategy, "endpoint", rt.Endpoint)
	}

	for name, old := range r.remote {
		if old.close != nil && !reused[name] {
			old.close()
		}
	}
	for name := range r.breakers {
		if _, ok := entries[name]; !ok {
			delete(r.breakers, name)
		}
	}

	r.remote = entries
	r.routes = next
	r.logger.Info("connectivity: routes reloaded", "total", len(next), "remote", len(entries))
	return nil
}

// Close shuts down all remote handlers.
func (r *Router) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.remote {
		if e.close != nil {
			e.close()
		}
	}
	r.remote = make(map[string]remoteEntry)
	r.routes = make(map[string]Route)
	return nil
}
