package server

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gaspardpetit/imgrelay/internal/api"
	"github.com/gaspardpetit/imgrelay/internal/config"
	"github.com/gaspardpetit/imgrelay/internal/serverstate"
)

// LivenessMessage is the body of GET /.
const LivenessMessage = "Hello from the AI Image Generator Server!"

// New constructs the HTTP handler for the server. Gates run in order:
// security headers, origin check, CORS, body size; the rate limit is
// attached to the generation route inside the API router.
func New(cfg config.ServerConfig, deps api.Deps, gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	if cfg.TrustProxy {
		r.Use(chiMiddleware.RealIP)
	}
	for _, m := range api.MiddlewareChain() {
		r.Use(m)
	}
	r.Use(api.SecurityHeaders())
	r.Use(api.OriginGuard(cfg.AllowedOrigins))
	r.Use(api.CORS(cfg.AllowedOrigins))
	r.Use(api.BodyLimit(cfg.BodyLimit))

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte(LivenessMessage))
	})
	r.Get("/healthz", healthz)
	if gatherer != nil && cfg.MetricsOnMainPort() {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	r.Mount("/api", api.NewRouter(cfg, deps))
	return r
}

// healthz reports ok only once the server is ready and not draining.
func healthz(w http.ResponseWriter, r *http.Request) {
	status := serverstate.GetState()
	code := http.StatusServiceUnavailable
	if status == serverstate.StateReady && !serverstate.IsDraining() {
		status = "ok"
		code = http.StatusOK
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = fmt.Fprintf(w, `{"status":"%s"}`, status)
}
