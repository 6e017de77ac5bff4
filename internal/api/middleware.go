package api

import (
	"errors"
	"net/http"
	"runtime/debug"
	"strings"

	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/unrolled/secure"

	"github.com/gaspardpetit/imgrelay/internal/logx"
	"github.com/gaspardpetit/imgrelay/internal/metrics"
	"github.com/gaspardpetit/imgrelay/internal/serverstate"
)

// MiddlewareChain returns the request bookkeeping middleware applied before the gates.
func MiddlewareChain() []func(http.Handler) http.Handler {
	return []func(http.Handler) http.Handler{
		chiMiddleware.RequestID,
		requestLogger,
		recoverer,
	}
}

// recoverer turns a handler panic into a JSON 500. http.ErrAbortHandler is
// re-raised so net/http can abort the connection.
func recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			logx.Log.Error().
				Str("request_id", chiMiddleware.GetReqID(r.Context())).
				Interface("panic", rec).
				Bytes("stack", debug.Stack()).
				Msg("handler panic")
			writeMessage(w, http.StatusInternalServerError, MsgInternal)
		}()
		next.ServeHTTP(w, r)
	})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := chiMiddleware.GetReqID(r.Context())
		logx.Log.Info().Str("request_id", reqID).Str("method", r.Method).Str("path", r.URL.Path).Str("remote", r.RemoteAddr).Msg("request")
		next.ServeHTTP(w, r)
	})
}

// SecurityHeaders sets the hardened response header set on every response.
func SecurityHeaders() func(http.Handler) http.Handler {
	return secure.New(secure.Options{
		FrameDeny:             true,
		ContentTypeNosniff:    true,
		BrowserXssFilter:      true,
		ReferrerPolicy:        "no-referrer",
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'",
		STSSeconds:            15552000,
		STSIncludeSubdomains:  true,
		ForceSTSHeader:        true,
	}).Handler
}

// OriginMatcher reports whether a browser Origin is on the allow-list.
// Entries are exact origins, "*", or contain a single "*" wildcard such as
// "https://*.example.com".
type OriginMatcher struct {
	exact    map[string]bool
	patterns [][2]string
	any      bool
}

// NewOriginMatcher compiles the allow-list.
func NewOriginMatcher(allowed []string) *OriginMatcher {
	m := &OriginMatcher{exact: map[string]bool{}}
	for _, o := range allowed {
		o = normalizeOrigin(o)
		switch {
		case o == "":
		case o == "*":
			m.any = true
		case strings.Count(o, "*") == 1:
			i := strings.IndexByte(o, '*')
			m.patterns = append(m.patterns, [2]string{o[:i], o[i+1:]})
		default:
			m.exact[o] = true
		}
	}
	return m
}

// Allowed reports whether origin may call the API.
func (m *OriginMatcher) Allowed(origin string) bool {
	if m.any {
		return true
	}
	origin = normalizeOrigin(origin)
	if m.exact[origin] {
		return true
	}
	for _, p := range m.patterns {
		if len(origin) >= len(p[0])+len(p[1]) && strings.HasPrefix(origin, p[0]) && strings.HasSuffix(origin, p[1]) {
			return true
		}
	}
	return false
}

func normalizeOrigin(o string) string {
	return strings.TrimRight(strings.ToLower(strings.TrimSpace(o)), "/")
}

// OriginGuard rejects browser requests from origins outside the allow-list.
// Requests without an Origin header (curl, server-to-server, same-origin
// navigation) pass. This is advisory gating: it stops foreign web pages, not
// direct callers.
func OriginGuard(allowed []string) func(http.Handler) http.Handler {
	m := NewOriginMatcher(allowed)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" || m.Allowed(origin) {
				next.ServeHTTP(w, r)
				return
			}
			logx.Log.Warn().Str("origin", origin).Str("path", r.URL.Path).Msg("origin rejected")
			metrics.RecordRejection(metrics.ReasonOrigin)
			writeMessage(w, http.StatusForbidden, MsgOriginDenied)
		})
	}
}

// CORS answers preflight requests and sets CORS headers for allowed origins.
func CORS(allowed []string) func(http.Handler) http.Handler {
	return cors.Handler(cors.Options{
		AllowedOrigins: allowed,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
		ExposedHeaders: []string{"RateLimit-Limit", "RateLimit-Remaining", "RateLimit-Reset", "Retry-After", "X-Generation-ID"},
		MaxAge:         600,
	})
}

// RefuseWhileDraining answers 503 once shutdown has started so the in-flight
// count can reach zero.
func RefuseWhileDraining(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if serverstate.IsDraining() {
			metrics.RecordRejection(metrics.ReasonDraining)
			w.Header().Set("Connection", "close")
			writeMessage(w, http.StatusServiceUnavailable, MsgShuttingDown)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// BodyLimit rejects bodies larger than limit bytes. Declared lengths are
// checked up front; chunked bodies are cut off while reading.
func BodyLimit(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > limit {
				rejectTooLarge(w, r, r.ContentLength)
				return
			}
			if r.Body != nil && r.Body != http.NoBody {
				r.Body = http.MaxBytesReader(w, r.Body, limit)
			}
			next.ServeHTTP(w, r)
		})
	}
}

func rejectTooLarge(w http.ResponseWriter, r *http.Request, size int64) {
	logx.Log.Warn().Int64("size", size).Str("path", r.URL.Path).Msg("request body too large")
	metrics.RecordRejection(metrics.ReasonBodySize)
	writeMessage(w, http.StatusRequestEntityTooLarge, MsgPayloadTooLarge)
}

func isTooLarge(err error) bool {
	var mbe *http.MaxBytesError
	return errors.As(err, &mbe)
}
