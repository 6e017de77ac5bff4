// Package ratelimit implements a fixed-window request counter keyed by client
// identity, with in-memory and Redis backed stores.
package ratelimit

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gaspardpetit/imgrelay/internal/logx"
)

// Store increments the counter for key within a fixed window. The first
// increment of a key opens a window of the given length; later increments
// within it share the same reset time.
type Store interface {
	Increment(ctx context.Context, key string, window time.Duration) (count int64, reset time.Time, err error)
}

// Result describes the limiter decision for one request.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	Reset     time.Time
}

// Limiter permits at most Limit requests per key and window.
type Limiter struct {
	store  Store
	limit  int
	window time.Duration
	now    func() time.Time
}

// New returns a limiter backed by store.
func New(store Store, limit int, window time.Duration) *Limiter {
	return &Limiter{store: store, limit: limit, window: window, now: time.Now}
}

// Allow counts one request for key and reports whether it is within the limit.
func (l *Limiter) Allow(ctx context.Context, key string) (Result, error) {
	count, reset, err := l.store.Increment(ctx, key, l.window)
	if err != nil {
		return Result{Allowed: true, Limit: l.limit, Remaining: l.limit, Reset: l.now().Add(l.window)}, err
	}
	remaining := l.limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Allowed:   count <= int64(l.limit),
		Limit:     l.limit,
		Remaining: remaining,
		Reset:     reset,
	}, nil
}

// Middleware rejects requests over the limit by delegating to limited.
// Store failures are logged and the request is let through.
func (l *Limiter) Middleware(key func(*http.Request) string, limited http.Handler) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			k := key(r)
			res, err := l.Allow(r.Context(), k)
			if err != nil {
				logx.Log.Error().Err(err).Str("client", k).Msg("rate limit store")
				next.ServeHTTP(w, r)
				return
			}
			l.setHeaders(w.Header(), res)
			if !res.Allowed {
				logx.Log.Warn().Str("client", k).Int("limit", res.Limit).Msg("rate limited")
				limited.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (l *Limiter) setHeaders(h http.Header, res Result) {
	resetSecs := int(math.Ceil(res.Reset.Sub(l.now()).Seconds()))
	if resetSecs < 0 {
		resetSecs = 0
	}
	h.Set("RateLimit-Policy", strconv.Itoa(res.Limit)+";w="+strconv.Itoa(int(l.window/time.Second)))
	h.Set("RateLimit-Limit", strconv.Itoa(res.Limit))
	h.Set("RateLimit-Remaining", strconv.Itoa(res.Remaining))
	h.Set("RateLimit-Reset", strconv.Itoa(resetSecs))
	if !res.Allowed {
		h.Set("Retry-After", strconv.Itoa(resetSecs))
	}
}

// KeyByIP identifies the caller by the host part of RemoteAddr.
func KeyByIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
