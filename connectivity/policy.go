package connectivity

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/hazyhaar/pdfdesk/observability"
)

// RouteConfig is the JSON held in the config column of a route. Zero
// values fall back to the Policy defaults; MaxRetries is a pointer so a
// route can disable retries explicitly.
type RouteConfig struct {
	TimeoutMs        int64             `json:"timeout_ms,omitempty"`
	MaxRetries       *int              `json:"max_retries,omitempty"`
	BackoffMs        int64             `json:"backoff_ms,omitempty"`
	BreakerThreshold int               `json:"breaker_threshold,omitempty"`
	BreakerResetMs   int64             `json:"breaker_reset_ms,omitempty"`
	Method           string            `json:"method,omitempty"`
	ContentType      string            `json:"content_type,omitempty"`
	Headers          map[string]string `json:"headers,omitempty"`
}

// ParseRouteConfig decodes raw. Empty input yields the zero config.
func ParseRouteConfig(raw json.RawMessage) (RouteConfig, error) {
	var rc RouteConfig
	if len(raw) == 0 {
		return rc, nil
	}
	if err := json.Unmarshal(raw, &rc); err != nil {
		return rc, fmt.Errorf("connectivity: route config: %w", err)
	}
	return rc, nil
}

// Policy is the resilience stack applied to every remote route. Per-route
// config overrides its defaults.
type Policy struct {
	Timeout          time.Duration
	MaxRetries       int
	Backoff          time.Duration
	BreakerThreshold int // 0 disables the breaker
	BreakerReset     time.Duration

	Metrics *observability.MetricsManager
	Logger  *slog.Logger
}

// DefaultPolicy is 30s timeout, 2 retries from 200ms, breaker at 5
// failures for 30s.
func DefaultPolicy() *Policy {
	return &Policy{
		Timeout:          30 * time.Second,
		MaxRetries:       2,
		Backoff:          200 * time.Millisecond,
		BreakerThreshold: 5,
		BreakerReset:     30 * time.Second,
	}
}

type resolved struct {
	timeout          time.Duration
	maxRetries       int
	backoff          time.Duration
	breakerThreshold int
	breakerReset     time.Duration
}

func (p *Policy) resolve(rt Route) resolved {
	r := resolved{
		timeout:          p.Timeout,
		maxRetries:       p.MaxRetries,
		backoff:          p.Backoff,
		breakerThreshold: p.BreakerThreshold,
		breakerReset:     p.BreakerReset,
	}
	rc, err := ParseRouteConfig(rt.Config)
	if err != nil {
		p.logger().Warn("connectivity: ignoring route config", "service", rt.Service, "error", err)
		return r
	}
	if rc.TimeoutMs > 0 {
		r.timeout = time.Duration(rc.TimeoutMs) * time.Millisecond
	}
	if rc.MaxRetries != nil {
		r.maxRetries = *rc.MaxRetries
	}
	if rc.BackoffMs > 0 {
		r.backoff = time.Duration(rc.BackoffMs) * time.Millisecond
	}
	if rc.BreakerThreshold > 0 {
		r.breakerThreshold = rc.BreakerThreshold
	}
	if rc.BreakerResetMs > 0 {
		r.breakerReset = time.Duration(rc.BreakerResetMs) * time.Millisecond
	}
	return r
}

func (p *Policy) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

// breaker builds the breaker of rt, or nil when disabled. Transitions are
// logged and recorded as MetricBreakerState (0 closed, 1 half-open, 2 open).
func (p *Policy) breaker(rt Route) *gobreaker.CircuitBreaker {
	r := p.resolve(rt)
	if r.breakerThreshold <= 0 {
		return nil
	}
	log, mm := p.logger(), p.Metrics
	labels := map[string]string{"service": rt.Service}
	return gobreaker.NewCircuitBreaker(BreakerSettings(rt.Service, r.breakerThreshold, gobreaker.Settings{
		Timeout: r.breakerReset,
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("connectivity: breaker state changed", "service", name, "from", from.String(), "to", to.String())
			mm.Record(&observability.Metric{Name: observability.MetricBreakerState, Value: float64(to), Labels: labels, Unit: "state"})
		},
	}))
}

// wrap returns the stack, outermost first: recovery, instrumentation,
// retry, breaker, per-attempt timeout.
func (p *Policy) wrap(rt Route, cb *gobreaker.CircuitBreaker) HandlerMiddleware {
	r := p.resolve(rt)
	log := p.logger()

	mws := []HandlerMiddleware{
		Recovery(log),
		Instrument(rt, log, p.Metrics),
		WithRetry(r.maxRetries, r.backoff, log),
	}
	if cb != nil {
		mws = append(mws, WithCircuitBreaker(cb, rt.Service))
	}
	mws = append(mws, WithTimeout(r.timeout, rt.Service))
	return Chain(mws...)
}
