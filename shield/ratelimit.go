package shield

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RateLimitConfig is one rule of the rate_limits table.
type RateLimitConfig struct {
	MaxRequests   int
	WindowSeconds int
	Enabled       bool
}

type bucket struct {
	mu      sync.Mutex
	count   int
	resetAt time.Time
}

// RateLimiter is a fixed-window limiter keyed by client IP and endpoint.
// Rules come from the rate_limits table and are reloaded by StartReloader.
type RateLimiter struct {
	db      *sql.DB
	now     func() time.Time
	mu      sync.RWMutex
	rules   map[string]RateLimitConfig
	buckets sync.Map // ip + " " + rule key -> *bucket
}

// NewRateLimiter loads the rules from db.
func NewRateLimiter(db *sql.DB) *RateLimiter {
	rl := &RateLimiter{db: db, now: time.Now, rules: map[string]RateLimitConfig{}}
	rl.Reload(context.Background())
	return rl
}

// StartReloader reloads rules every minute and drops expired buckets every
// five, until ctx is done.
func (rl *RateLimiter) StartReloader(ctx context.Context) {
	reload := time.NewTicker(time.Minute)
	gc := time.NewTicker(5 * time.Minute)
	go func() {
		defer reload.Stop()
		defer gc.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-reload.C:
				rl.Reload(ctx)
			case <-gc.C:
				rl.gc()
			}
		}
	}()
}

// Reload re-reads the rules. On error the previous rules stay in force.
func (rl *RateLimiter) Reload(ctx context.Context) {
	rows, err := rl.db.QueryContext(ctx,
		`SELECT endpoint, max_requests, window_seconds, enabled FROM rate_limits`)
	if err != nil {
		slog.Warn("ratelimit: failed to reload rules", "error", err)
		return
	}
	defer rows.Close()

	rules := make(map[string]RateLimitConfig)
	for rows.Next() {
		var endpoint string
		var cfg RateLimitConfig
		var enabled int
		if err := rows.Scan(&endpoint, &cfg.MaxRequests, &cfg.WindowSeconds, &enabled); err != nil {
			continue
		}
		cfg.Enabled = enabled == 1
		rules[endpoint] = cfg
	}

	rl.mu.Lock()
	rl.rules = rules
	rl.mu.Unlock()
	slog.Debug("ratelimit: rules reloaded", "count", len(rules))
}

// match returns the rule for endpoint: an exact rule first, then the
// longest matching prefix rule.
func (rl *RateLimiter) match(endpoint string) (string, RateLimitConfig, bool) {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	if cfg, ok := rl.rules[endpoint]; ok {
		return endpoint, cfg, true
	}
	best := ""
	var bestCfg RateLimitConfig
	for key, cfg := range rl.rules {
		prefix, ok := strings.CutSuffix(key, "*")
		if ok && strings.HasPrefix(endpoint, prefix) && len(prefix) > len(best) {
			best, bestCfg = prefix, cfg
		}
	}
	if best == "" {
		return "", RateLimitConfig{}, false
	}
	return best + "*", bestCfg, true
}

// allow reports whether the request may proceed and, when it may not, the
// time until the window resets.
func (rl *RateLimiter) allow(ip, endpoint string) (bool, time.Duration) {
	key, cfg, ok := rl.match(endpoint)
	if !ok || !cfg.Enabled {
		return true, 0
	}
	window := time.Duration(cfg.WindowSeconds) * time.Second
	now := rl.now()

	v, _ := rl.buckets.LoadOrStore(ip+" "+key, &bucket{resetAt: now.Add(window)})
	b := v.(*bucket)
	b.mu.Lock()
	defer b.mu.Unlock()
	if now.After(b.resetAt) {
		b.count = 0
		b.resetAt = now.Add(window)
	}
	b.count++
	if b.count <= cfg.MaxRequests {
		return true, 0
	}
	return false, b.resetAt.Sub(now)
}

func (rl *RateLimiter) gc() {
	now := rl.now()
	rl.buckets.Range(func(key, value any) bool {
		b := value.(*bucket)
		b.mu.Lock()
		expired := now.After(b.resetAt)
		b.mu.Unlock()
		if expired {
			rl.buckets.Delete(key)
		}
		return true
	})
}

// Middleware rejects requests over their limit with 429 and a JSON body.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		endpoint := r.Method + " " + r.URL.Path
		ip := ExtractIP(r)

		ok, retry := rl.allow(ip, endpoint)
		if ok {
			next.ServeHTTP(w, r)
			return
		}

		slog.WarnContext(r.Context(), "ratelimit: request blocked", "ip", ip, "endpoint", endpoint)
		secs := int(retry.Seconds()) + 1
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]any{
			"success": false,
			"error":   "rate limit exceeded",
		})
	})
}

// ExtractIP returns the client IP from X-Forwarded-For or RemoteAddr.
func ExtractIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
