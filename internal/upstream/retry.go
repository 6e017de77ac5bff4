package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gaspardpetit/imgrelay/internal/logx"
)

// RetryPolicy bounds how often and how long transient failures are retried.
type RetryPolicy struct {
	MaxRetries int
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

func (p RetryPolicy) normalize() RetryPolicy {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.MinBackoff <= 0 {
		p.MinBackoff = 250 * time.Millisecond
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = 2 * time.Second
	}
	if p.MaxBackoff < p.MinBackoff {
		p.MaxBackoff = p.MinBackoff
	}
	return p
}

// doGet issues a GET, retrying transient failures. Each attempt gets its own
// timeout; an attempt that times out is retried while ctx is still live. The
// returned response body cancels the attempt context when closed.
func doGet(ctx context.Context, client *http.Client, target string, timeout time.Duration, policy RetryPolicy) (*http.Response, error) {
	if client == nil {
		client = http.DefaultClient
	}
	policy = policy.normalize()

	var lastErr error
	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		actx, cancel := ctx, context.CancelFunc(func() {})
		if timeout > 0 {
			actx, cancel = context.WithTimeout(ctx, timeout)
		}
		req, err := http.NewRequestWithContext(actx, http.MethodGet, target, nil)
		if err != nil {
			cancel()
			return nil, err
		}
		req.Header.Set("Accept", "image/*")

		resp, err := client.Do(req)
		if err == nil && (!shouldRetry(resp.StatusCode) || attempt == policy.MaxRetries) {
			resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
			return resp, nil
		}
		attemptTimedOut := err != nil && ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded)
		if err == nil {
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
			_ = resp.Body.Close()
			err = fmt.Errorf("http status %d", resp.StatusCode)
		} else if !attemptTimedOut && !isRetryableNetErr(err) {
			cancel()
			lastErr = err
			break
		}
		cancel()
		lastErr = err
		if attempt == policy.MaxRetries {
			break
		}

		sleep := backoff(attempt, policy.MinBackoff, policy.MaxBackoff)
		if resp != nil {
			if ra, ok := retryAfter(resp.Header.Get("Retry-After")); ok && ra > sleep {
				sleep = min(ra, policy.MaxBackoff)
			}
		}
		logx.Log.Warn().Err(lastErr).Int("attempt", attempt+1).Bool("timed_out", attemptTimedOut).Dur("backoff", sleep).Msg("retrying image provider")
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	return nil, lastErr
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

func shouldRetry(status int) bool {
	return status == http.StatusRequestTimeout ||
		status == http.StatusTooManyRequests ||
		(status >= 500 && status <= 599)
}

func isRetryableNetErr(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	var oe *net.OpError
	return errors.As(err, &oe)
}

func backoff(attempt int, lo, hi time.Duration) time.Duration {
	d := lo
	for i := 0; i < attempt && d < hi; i++ {
		d *= 2
	}
	if d > hi {
		d = hi
	}
	// full jitter
	return time.Duration(rand.Int63n(int64(d) + 1))
}

func retryAfter(v string) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	if n, err := strconv.Atoi(v); err == nil && n >= 0 {
		return time.Duration(n) * time.Second, true
	}
	if t, err := http.ParseTime(v); err == nil {
		return max(time.Until(t), 0), true
	}
	return 0, false
}
