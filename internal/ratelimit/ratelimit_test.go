package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(limit int, window time.Duration) (*Limiter, *MemoryStore, *fakeClock) {
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	ms := NewMemoryStore()
	ms.now = clk.now
	l := New(ms, limit, window)
	l.now = clk.now
	return l, ms, clk
}

func TestMemoryStoreFixedWindow(t *testing.T) {
	l, ms, clk := newTestLimiter(20, time.Minute)
	ctx := context.Background()

	for i := 1; i <= 20; i++ {
		res, err := l.Allow(ctx, "10.0.0.1")
		if err != nil {
			t.Fatalf("Allow: %v", err)
		}
		if !res.Allowed {
			t.Fatalf("request %d rejected", i)
		}
		if res.Remaining != 20-i {
			t.Fatalf("request %d remaining = %d", i, res.Remaining)
		}
		clk.advance(time.Second)
	}
	res, _ := l.Allow(ctx, "10.0.0.1")
	if res.Allowed || res.Remaining != 0 {
		t.Fatalf("21st request = %+v; want rejected", res)
	}

	// Other clients have their own window.
	if res, _ := l.Allow(ctx, "10.0.0.2"); !res.Allowed {
		t.Fatalf("second client rejected")
	}

	// The window is anchored at the first request, not rolling per hit.
	clk.advance(40 * time.Second)
	if res, _ := l.Allow(ctx, "10.0.0.1"); !res.Allowed || res.Remaining != 19 {
		t.Fatalf("after reset = %+v; want allowed with 19 remaining", res)
	}

	clk.advance(2 * time.Minute)
	if n := ms.Sweep(); n != 2 {
		t.Fatalf("swept %d windows; want 2", n)
	}
	if ms.Len() != 0 {
		t.Fatalf("store not empty after sweep")
	}
}

func TestMiddlewareHeadersAndRejection(t *testing.T) {
	l, _, _ := newTestLimiter(2, time.Minute)
	var handled, limited int
	h := l.Middleware(KeyByIP, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limited++
		w.WriteHeader(http.StatusTooManyRequests)
	}))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handled++
	}))

	do := func() *httptest.ResponseRecorder {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/generate", nil)
		req.RemoteAddr = "192.0.2.7:5555"
		h.ServeHTTP(rr, req)
		return rr
	}
	first := do()
	if got := first.Header().Get("RateLimit-Remaining"); got != "1" {
		t.Fatalf("remaining = %q; want 1", got)
	}
	if got := first.Header().Get("RateLimit-Limit"); got != "2" {
		t.Fatalf("limit = %q; want 2", got)
	}
	if got := first.Header().Get("RateLimit-Reset"); got != "60" {
		t.Fatalf("reset = %q; want 60", got)
	}
	do()
	third := do()
	if third.Code != http.StatusTooManyRequests {
		t.Fatalf("third status = %d", third.Code)
	}
	if third.Header().Get("Retry-After") == "" {
		t.Fatalf("missing Retry-After")
	}
	if handled != 2 || limited != 1 {
		t.Fatalf("handled=%d limited=%d", handled, limited)
	}
}

type failingStore struct{}

func (failingStore) Increment(context.Context, string, time.Duration) (int64, time.Time, error) {
	return 0, time.Time{}, errors.New("down")
}

func TestMiddlewareFailsOpen(t *testing.T) {
	l := New(failingStore{}, 1, time.Minute)
	called := false
	h := l.Middleware(KeyByIP, http.NotFoundHandler())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/", nil))
	if !called {
		t.Fatalf("request should pass when the store fails")
	}
}

func TestKeyByIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "[2001:db8::1]:443"
	if got := KeyByIP(req); got != "2001:db8::1" {
		t.Fatalf("ipv6 key = %q", got)
	}
	req.RemoteAddr = "203.0.113.9"
	if got := KeyByIP(req); got != "203.0.113.9" {
		t.Fatalf("bare key = %q", got)
	}
}

func TestRedisStore(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	ctx := context.Background()
	rs, err := NewRedisStore(ctx, mr.Addr())
	if err != nil {
		t.Fatalf("NewRedisStore: %v", err)
	}
	defer func() { _ = rs.Close() }()

	l := New(rs, 3, time.Minute)
	for i := 1; i <= 3; i++ {
		res, err := l.Allow(ctx, "198.51.100.1")
		if err != nil {
			t.Fatalf("Allow: %v", err)
		}
		if !res.Allowed {
			t.Fatalf("request %d rejected", i)
		}
	}
	if res, _ := l.Allow(ctx, "198.51.100.1"); res.Allowed {
		t.Fatalf("4th request allowed")
	}
	if ttl := mr.TTL(redisKeyPrefix + "198.51.100.1"); ttl <= 0 || ttl > time.Minute {
		t.Fatalf("ttl = %s", ttl)
	}

	// A second instance sharing the server sees the same counter.
	rs2, err := NewRedisStore(ctx, "redis://"+mr.Addr()+"/0")
	if err != nil {
		t.Fatalf("NewRedisStore: %v", err)
	}
	defer func() { _ = rs2.Close() }()
	n, _, err := rs2.Increment(ctx, "198.51.100.1", time.Minute)
	if err != nil || n != 5 {
		t.Fatalf("shared count = %d, %v; want 5", n, err)
	}

	mr.FastForward(time.Minute + time.Second)
	if res, _ := l.Allow(ctx, "198.51.100.1"); !res.Allowed || res.Remaining != 2 {
		t.Fatalf("after expiry = %+v", res)
	}
}

func TestParseRedisURL(t *testing.T) {
	tests := []struct {
		url    string
		addrs  int
		master string
		db     int
		tls    bool
	}{
		{"localhost:6379", 1, "", 0, false},
		{"redis://:pass@localhost:6379/1", 1, "", 1, false},
		{"rediss://host1:6379,host2:6379/0", 2, "", 0, true},
		{"redis-sentinel://localhost:26379/mymaster?db=2", 1, "mymaster", 2, false},
	}
	for _, tt := range tests {
		opts, err := parseRedisURL(tt.url)
		if err != nil {
			t.Fatalf("parseRedisURL(%q): %v", tt.url, err)
		}
		if len(opts.Addrs) != tt.addrs {
			t.Fatalf("%q addrs = %d; want %d", tt.url, len(opts.Addrs), tt.addrs)
		}
		if opts.MasterName != tt.master {
			t.Fatalf("%q master = %q; want %q", tt.url, opts.MasterName, tt.master)
		}
		if opts.DB != tt.db {
			t.Fatalf("%q db = %d; want %d", tt.url, opts.DB, tt.db)
		}
		if (opts.TLSConfig != nil) != tt.tls {
			t.Fatalf("%q tls = %v; want %v", tt.url, opts.TLSConfig != nil, tt.tls)
		}
	}
	if _, err := parseRedisURL("http://localhost"); err == nil {
		t.Fatalf("expected scheme error")
	}
}
