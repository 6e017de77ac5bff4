package inflight

import (
	"context"
	"net/http"
	"sync"
)

// Counter tracks in-flight generation requests so shutdown can wait for them.
type Counter struct {
	mu    sync.Mutex
	count int64
	zero  chan struct{}
}

// idle returns the channel closed while the count is zero. Caller holds mu.
func (c *Counter) idle() chan struct{} {
	if c.zero == nil {
		c.zero = make(chan struct{})
		if c.count == 0 {
			close(c.zero)
		}
	}
	return c.zero
}

// Inc increments the in-flight counter.
func (c *Counter) Inc() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.idle()
	if c.count == 0 {
		c.zero = make(chan struct{})
	}
	c.count++
}

// Dec decrements the in-flight counter.
func (c *Counter) Dec() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.idle()
	if c.count == 0 {
		return
	}
	c.count--
	if c.count == 0 {
		close(c.zero)
	}
}

// Load returns the current in-flight count.
func (c *Counter) Load() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// WaitForZero blocks until the count is zero or the context is done.
func (c *Counter) WaitForZero(ctx context.Context) bool {
	c.mu.Lock()
	ch := c.idle()
	c.mu.Unlock()
	select {
	case <-ch:
		return true
	case <-ctx.Done():
		return false
	}
}

// Middleware counts a request as in flight until its handler returns.
func (c *Counter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.Inc()
		defer c.Dec()
		next.ServeHTTP(w, r)
	})
}
