package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCORS(t *testing.T) {
	allowed := []string{"http://localhost:4200"}

	tests := []struct {
		name        string
		method      string
		origin      string
		wantStatus  int
		wantAllowed bool
	}{
		{name: "allowed origin", method: http.MethodGet, origin: "http://localhost:4200", wantStatus: http.StatusOK, wantAllowed: true},
		{name: "preflight", method: http.MethodOptions, origin: "http://localhost:4200", wantStatus: http.StatusNoContent, wantAllowed: true},
		{name: "foreign origin", method: http.MethodGet, origin: "http://evil.example", wantStatus: http.StatusOK},
		{name: "no origin", method: http.MethodGet, wantStatus: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			handler := CORS(allowed)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				called = true
				w.WriteHeader(http.StatusOK)
			}))

			req := httptest.NewRequest(tt.method, "/api/me", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, tt.method != http.MethodOptions, called)
			assert.Equal(t, "Origin", w.Header().Get("Vary"))
			if tt.wantAllowed {
				assert.Equal(t, tt.origin, w.Header().Get("Access-Control-Allow-Origin"))
				assert.Equal(t, "true", w.Header().Get("Access-Control-Allow-Credentials"))
				assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), CSRFHeaderName)
			} else {
				assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
			}
		})
	}
}

func TestCORS_WildcardIsNotHonoured(t *testing.T) {
	handler := CORS([]string{"*"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "http://anything.example")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestParseOrigins(t *testing.T) {
	tests := []struct {
		input string
		want  []string
	}{
		{"http://a.com", []string{"http://a.com"}},
		{"http://a.com, http://b.com", []string{"http://a.com", "http://b.com"}},
		{" http://a.com ,, ", []string{"http://a.com"}},
		{"", nil},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseOrigins(tt.input))
		})
	}
}
