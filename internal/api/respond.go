package api

import (
	"encoding/json"
	"net/http"

	"github.com/gaspardpetit/imgrelay/internal/logx"
	"github.com/gaspardpetit/imgrelay/internal/metrics"
)

// Messages returned to callers. Upstream details are never included.
const (
	MsgInvalidPrompt   = "Invalid prompt"
	MsgTooManyRequests = "Too many requests, please cool down."
	MsgInternal        = "Internal Server Error"
	MsgOriginDenied    = "Origin not allowed"
	MsgPayloadTooLarge = "Payload too large"
	MsgShuttingDown    = "Server is shutting down"
)

// GenerateResponse is the success body of POST /api/generate.
type GenerateResponse struct {
	Photo string `json:"photo"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logx.Log.Error().Err(err).Int("status", code).Msg("encode response")
	}
}

func writeMessage(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, ErrorResponse{Message: msg})
}

// TooManyRequests answers a rate limited request.
func TooManyRequests() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		metrics.RecordRejection(metrics.ReasonRateLimit)
		writeMessage(w, http.StatusTooManyRequests, MsgTooManyRequests)
	})
}
