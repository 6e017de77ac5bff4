package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gaspardpetit/imgrelay/internal/logx"
)

// ErrImageTooLarge is returned when the provider sends more than MaxBytes.
var ErrImageTooLarge = errors.New("image exceeds size limit")

// StatusError reports a non-2xx provider response.
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("failed to fetch image: %s", e.Status)
}

// Request is one image generation call. An empty Seed is omitted upstream.
type Request struct {
	Prompt string
	Seed   string
}

// Client fetches generated images from a prompt-in-path provider.
type Client struct {
	BaseURL  string
	HTTP     *http.Client
	Width    int
	Height   int
	Timeout  time.Duration
	MaxBytes int64
	Retry    RetryPolicy
}

// Options configures a Client.
type Options struct {
	BaseURL  string
	Width    int
	Height   int
	Timeout  time.Duration
	Retries  int
	MaxBytes int64
}

// New returns a client for the provider at opts.BaseURL.
func New(opts Options) *Client {
	return &Client{
		BaseURL:  strings.TrimRight(opts.BaseURL, "/"),
		HTTP:     &http.Client{},
		Width:    opts.Width,
		Height:   opts.Height,
		Timeout:  opts.Timeout,
		MaxBytes: opts.MaxBytes,
		Retry:    RetryPolicy{MaxRetries: opts.Retries},
	}
}

// URL returns the provider URL for req.
func (c *Client) URL(req Request) string {
	var q strings.Builder
	if req.Seed != "" {
		q.WriteString("seed=")
		q.WriteString(url.QueryEscape(req.Seed))
		q.WriteByte('&')
	}
	q.WriteString("width=")
	q.WriteString(strconv.Itoa(c.Width))
	q.WriteString("&height=")
	q.WriteString(strconv.Itoa(c.Height))
	q.WriteString("&nologo=true")
	return c.BaseURL + "/prompt/" + EscapeComponent(req.Prompt) + "?" + q.String()
}

// Generate fetches the image for req and returns its raw bytes. Timeout
// bounds each attempt including the body read.
func (c *Client) Generate(ctx context.Context, req Request) ([]byte, error) {
	target := c.URL(req)
	resp, err := doGet(ctx, c.HTTP, target, c.Timeout, c.Retry)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return nil, &StatusError{Code: resp.StatusCode, Status: resp.Status}
	}
	body := io.Reader(resp.Body)
	if c.MaxBytes > 0 {
		body = io.LimitReader(resp.Body, c.MaxBytes+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	if c.MaxBytes > 0 && int64(len(data)) > c.MaxBytes {
		return nil, ErrImageTooLarge
	}
	logx.Log.Debug().Int("bytes", len(data)).Str("content_type", resp.Header.Get("Content-Type")).Msg("image received")
	return data, nil
}
