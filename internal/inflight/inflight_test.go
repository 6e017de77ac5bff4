package inflight

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestCounterWaitForZero(t *testing.T) {
	var c Counter
	if !c.WaitForZero(context.Background()) {
		t.Fatalf("empty counter should be idle")
	}

	c.Inc()
	c.Inc()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if c.WaitForZero(ctx) {
		t.Fatalf("expected timeout while requests are in flight")
	}

	done := make(chan bool, 1)
	go func() { done <- c.WaitForZero(context.Background()) }()
	c.Dec()
	c.Dec()
	select {
	case ok := <-done:
		if !ok {
			t.Fatalf("WaitForZero returned false")
		}
	case <-time.After(time.Second):
		t.Fatalf("WaitForZero did not return after drain")
	}

	c.Dec()
	if n := c.Load(); n != 0 {
		t.Fatalf("count = %d; want 0", n)
	}
}

func TestMiddlewareTracksRequest(t *testing.T) {
	var c Counter
	var seen int64
	h := c.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = c.Load()
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/", nil))
	if seen != 1 {
		t.Fatalf("in-flight during handler = %d; want 1", seen)
	}
	if n := c.Load(); n != 0 {
		t.Fatalf("in-flight after handler = %d; want 0", n)
	}
}
