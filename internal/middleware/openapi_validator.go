package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	"github.com/getkin/kin-openapi/routers/gorillamux"
)

// OpenAPIValidatorConfig holds configuration for OpenAPI validation middleware
type OpenAPIValidatorConfig struct {
	Enabled  bool
	SpecPath string
	// ValidateResponses logs responses that drift from the document
	ValidateResponses bool
	// SkipPaths are prefixes served outside the documented API
	SkipPaths []string
}

// DefaultOpenAPIValidatorConfig validates requests against specPath
func DefaultOpenAPIValidatorConfig(specPath string, enabled bool) *OpenAPIValidatorConfig {
	return &OpenAPIValidatorConfig{
		Enabled:  enabled,
		SpecPath: specPath,
		SkipPaths: []string{
			"/health",
			"/metrics",
			"/sanctum/",
		},
	}
}

// OpenAPIValidator rejects requests that do not match the API document with a
// 422 envelope. A document that fails to load disables validation rather than
// the server.
func OpenAPIValidator(config *OpenAPIValidatorConfig) func(next http.Handler) http.Handler {
	noop := func(next http.Handler) http.Handler { return next }

	if config == nil || !config.Enabled {
		slog.Info("OpenAPI validation disabled")
		return noop
	}

	router, err := loadRouter(config.SpecPath)
	if err != nil {
		slog.Error("failed to load OpenAPI spec",
			slog.String("path", config.SpecPath),
			slog.String("error", err.Error()))
		return noop
	}

	slog.Info("OpenAPI validation enabled",
		slog.Bool("validate_responses", config.ValidateResponses),
		slog.String("spec_path", config.SpecPath))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if shouldSkipPath(r.URL.Path, config.SkipPaths) {
				next.ServeHTTP(w, r)
				return
			}

			route, pathParams, err := router.FindRoute(r)
			if err != nil {
				// routing is chi's job; unknown paths fall through to its 404/405
				next.ServeHTTP(w, r)
				return
			}

			input := &openapi3filter.RequestValidationInput{
				Request:    r,
				PathParams: pathParams,
				Route:      route,
				Options: &openapi3filter.Options{
					AuthenticationFunc: openapi3filter.NoopAuthenticationFunc,
				},
			}
			if err := openapi3filter.ValidateRequest(r.Context(), input); err != nil {
				slog.Warn("request validation failed",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.String("error", err.Error()))
				writeValidationError(w, err)
				return
			}

			if !config.ValidateResponses {
				next.ServeHTTP(w, r)
				return
			}

			recorder := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(recorder, r)

			responseInput := &openapi3filter.ResponseValidationInput{
				RequestValidationInput: input,
				Status:                 recorder.statusCode,
				Header:                 recorder.Header(),
				Body:                   io.NopCloser(bytes.NewReader(recorder.body)),
			}
			if err := openapi3filter.ValidateResponse(r.Context(), responseInput); err != nil {
				slog.Warn("response validation failed",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.Int("status", recorder.statusCode),
					slog.String("error", err.Error()))
			}
		})
	}
}

func loadRouter(specPath string) (routers.Router, error) {
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromFile(specPath)
	if err != nil {
		return nil, err
	}
	if err := doc.Validate(loader.Context); err != nil {
		return nil, err
	}
	// servers would pin matching to one host
	doc.Servers = nil
	return gorillamux.NewRouter(doc)
}

func shouldSkipPath(path string, skipPaths []string) bool {
	for _, skipPath := range skipPaths {
		if strings.HasPrefix(path, skipPath) {
			return true
		}
	}
	return false
}

// writeValidationError uses the same shape as field validation failures
func writeValidationError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnprocessableEntity)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  "fail",
		"message": "The given data was invalid.",
		"errors": map[string][]string{
			"request": {err.Error()},
		},
	})
}

type responseRecorder struct {
	http.ResponseWriter
	statusCode int
	body       []byte
}

func (r *responseRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.body = append(r.body, b...)
	return r.ResponseWriter.Write(b)
}
