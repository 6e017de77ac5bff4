package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/gaspardpetit/imgrelay/internal/config"
	"github.com/gaspardpetit/imgrelay/internal/inflight"
	"github.com/gaspardpetit/imgrelay/internal/ratelimit"
)

// Deps are the collaborators of the API router.
type Deps struct {
	Generator Generator
	Limiter   *ratelimit.Limiter
	InFlight  *inflight.Counter
	Version   string
}

// NewRouter builds the /api router. The drain, in-flight and rate limit gates
// apply to /generate only.
func NewRouter(cfg config.ServerConfig, deps Deps) chi.Router {
	r := chi.NewRouter()
	r.Get("/openapi.json", OpenAPIHandler(OpenAPIDoc(cfg, deps.Version)))

	gates := []func(http.Handler) http.Handler{RefuseWhileDraining}
	if deps.InFlight != nil {
		gates = append(gates, deps.InFlight.Middleware)
	}
	if deps.Limiter != nil {
		gates = append(gates, deps.Limiter.Middleware(ratelimit.KeyByIP, TooManyRequests()))
	}
	r.With(gates...).Post("/generate", NewGenerateHandler(deps.Generator, cfg).ServeHTTP)
	return r
}
