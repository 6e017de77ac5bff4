package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"
	"unicode/utf8"

	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/gaspardpetit/imgrelay/internal/config"
	"github.com/gaspardpetit/imgrelay/internal/logx"
	"github.com/gaspardpetit/imgrelay/internal/metrics"
	"github.com/gaspardpetit/imgrelay/internal/upstream"
)

// Generator produces image bytes for a prompt.
type Generator interface {
	Generate(ctx context.Context, req upstream.Request) ([]byte, error)
}

// GenerateRequest is the body of POST /api/generate. Fields stay raw so that
// type errors in prompt can be told apart from absence.
type GenerateRequest struct {
	Prompt json.RawMessage `json:"prompt"`
	Seed   json.RawMessage `json:"seed"`
}

var (
	errPromptInvalid = errors.New("prompt must be a non-empty string")
	errPromptTooLong = errors.New("prompt too long")
)

// PromptPolicy decides what happens to prompts over MaxLength characters.
type PromptPolicy struct {
	MaxLength int
	Reject    bool
}

// Apply validates raw and returns the prompt to send upstream.
func (p PromptPolicy) Apply(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '"' {
		return "", errPromptInvalid
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil || s == "" {
		return "", errPromptInvalid
	}
	if p.MaxLength <= 0 || utf8.RuneCountInString(s) <= p.MaxLength {
		return s, nil
	}
	if p.Reject {
		return "", errPromptTooLong
	}
	return truncateRunes(s, p.MaxLength), nil
}

func truncateRunes(s string, n int) string {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

// seedText returns the seed as sent upstream. Numbers are printed in plain
// decimal (1e3 and 1000.0 both give "1000"), strings keep their content and
// booleans their literal. Null, absent and structured values mean no seed.
func seedText(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return ""
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
		return ""
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(raw, &b); err == nil {
			return strconv.FormatBool(b)
		}
		return ""
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return ""
	}
	f, err := n.Float64()
	if err != nil {
		return n.String()
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// GenerateHandler serves POST /api/generate.
type GenerateHandler struct {
	Gen    Generator
	Prompt PromptPolicy
}

// NewGenerateHandler builds the handler from server configuration.
func NewGenerateHandler(gen Generator, cfg config.ServerConfig) *GenerateHandler {
	return &GenerateHandler{
		Gen: gen,
		Prompt: PromptPolicy{
			MaxLength: cfg.MaxPromptLength,
			Reject:    cfg.PromptPolicy == config.PromptReject,
		},
	}
}

func (h *GenerateHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID := chiMiddleware.GetReqID(r.Context())
	var req GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if isTooLarge(err) {
			rejectTooLarge(w, r, -1)
			return
		}
		logx.Log.Info().Str("request_id", reqID).Err(err).Msg("undecodable generate body")
		metrics.RecordRejection(metrics.ReasonPrompt)
		writeMessage(w, http.StatusBadRequest, MsgInvalidPrompt)
		return
	}
	prompt, err := h.Prompt.Apply(req.Prompt)
	if err != nil {
		logx.Log.Info().Str("request_id", reqID).Err(err).Msg("prompt rejected")
		metrics.RecordRejection(metrics.ReasonPrompt)
		writeMessage(w, http.StatusBadRequest, MsgInvalidPrompt)
		return
	}
	seed := seedText(req.Seed)

	genID := uuid.NewString()
	w.Header().Set("X-Generation-ID", genID)
	log := logx.Log.With().Str("request_id", reqID).Str("generation_id", genID).Logger()
	log.Info().Str("prompt", prompt).Str("seed", seed).Msg("generating")

	start := time.Now()
	img, err := h.Gen.Generate(r.Context(), upstream.Request{Prompt: prompt, Seed: seed})
	metrics.RecordGenerate(err == nil, time.Since(start), len(img))
	if err != nil {
		ev := log.Error().Err(err).Dur("elapsed", time.Since(start))
		var se *upstream.StatusError
		if errors.As(err, &se) {
			ev = ev.Int("upstream_status", se.Code)
		}
		ev.Msg("image generation failed")
		writeMessage(w, http.StatusInternalServerError, MsgInternal)
		return
	}
	log.Info().Int("bytes", len(img)).Dur("elapsed", time.Since(start)).Msg("image generated")
	writeJSON(w, http.StatusOK, GenerateResponse{Photo: base64.StdEncoding.EncodeToString(img)})
}
