package api

import (
	"encoding/json"
	"net/http"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/gaspardpetit/imgrelay/internal/config"
	"github.com/gaspardpetit/imgrelay/internal/logx"
)

func messageResponse(desc, example string) *openapi3.ResponseRef {
	schema := openapi3.NewObjectSchema().
		WithProperty("message", openapi3.NewStringSchema()).
		WithRequired([]string{"message"})
	schema.Example = map[string]any{"message": example}
	return &openapi3.ResponseRef{Value: openapi3.NewResponse().WithDescription(desc).WithJSONSchema(schema)}
}

// OpenAPIDoc describes the public HTTP API for the given configuration.
func OpenAPIDoc(cfg config.ServerConfig, version string) *openapi3.T {
	prompt := openapi3.NewStringSchema().WithMinLength(1)
	prompt.Description = "Text prompt; longer prompts are truncated or rejected depending on server policy"
	if cfg.PromptPolicy == config.PromptReject {
		maxLen := uint64(cfg.MaxPromptLength)
		prompt.MaxLength = &maxLen
	}
	seed := openapi3.NewOneOfSchema(openapi3.NewFloat64Schema(), openapi3.NewStringSchema())
	seed.Description = "Variation seed passed verbatim to the provider"

	body := openapi3.NewObjectSchema().
		WithProperty("prompt", prompt).
		WithProperty("seed", seed).
		WithRequired([]string{"prompt"})

	photo := openapi3.NewObjectSchema().
		WithProperty("photo", openapi3.NewBytesSchema()).
		WithRequired([]string{"photo"})

	generate := openapi3.NewOperation()
	generate.OperationID = "generateImage"
	generate.Summary = "Generate an image from a text prompt"
	generate.RequestBody = &openapi3.RequestBodyRef{Value: openapi3.NewRequestBody().WithRequired(true).WithJSONSchema(body)}
	generate.Responses = openapi3.NewResponses(
		openapi3.WithStatus(http.StatusOK, &openapi3.ResponseRef{Value: openapi3.NewResponse().WithDescription("Base64 encoded image").WithJSONSchema(photo)}),
		openapi3.WithStatus(http.StatusBadRequest, messageResponse("Invalid prompt", MsgInvalidPrompt)),
		openapi3.WithStatus(http.StatusForbidden, messageResponse("Origin not allowed", MsgOriginDenied)),
		openapi3.WithStatus(http.StatusRequestEntityTooLarge, messageResponse("Body too large", MsgPayloadTooLarge)),
		openapi3.WithStatus(http.StatusTooManyRequests, messageResponse("Rate limited", MsgTooManyRequests)),
		openapi3.WithStatus(http.StatusInternalServerError, messageResponse("Provider failure", MsgInternal)),
	)

	liveness := openapi3.NewOperation()
	liveness.OperationID = "liveness"
	liveness.Summary = "Liveness probe"
	liveness.Responses = openapi3.NewResponses(
		openapi3.WithStatus(http.StatusOK, &openapi3.ResponseRef{Value: openapi3.NewResponse().WithDescription("Server is up")}),
	)

	return &openapi3.T{
		OpenAPI: "3.0.3",
		Info: &openapi3.Info{
			Title:   "imgrelay API",
			Version: version,
		},
		Paths: openapi3.NewPaths(
			openapi3.WithPath("/", &openapi3.PathItem{Get: liveness}),
			openapi3.WithPath("/api/generate", &openapi3.PathItem{Post: generate}),
		),
	}
}

// OpenAPIHandler serves the API document as JSON.
func OpenAPIHandler(doc *openapi3.T) http.HandlerFunc {
	b, err := json.Marshal(doc)
	if err != nil {
		logx.Log.Error().Err(err).Msg("marshal openapi document")
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if b == nil {
			writeMessage(w, http.StatusInternalServerError, MsgInternal)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(b)
	}
}
