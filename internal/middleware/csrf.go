package middleware

import (
	"crypto/hmac"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"cocktail-auth/internal/observability"
	"cocktail-auth/internal/security"
)

const (
	// CSRFCookieName is readable by clients, which echo it in CSRFHeaderName
	CSRFCookieName = "XSRF-TOKEN"
	CSRFHeaderName = "X-XSRF-TOKEN"

	// StatusTokenMismatch tells clients to fetch a fresh token and retry
	StatusTokenMismatch = 419
)

// CSRF enforces the double-submit check on state-changing requests: the header
// must echo the cookie and carry a valid signature. Failures answer 419.
func CSRF(tokens *security.TokenManager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isSafeMethod(r.Method) || isExemptPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			cookie, err := r.Cookie(CSRFCookieName)
			if err != nil {
				rejectCSRF(w, r, "missing cookie")
				return
			}
			cookieToken := decodeToken(cookie.Value)
			headerToken := decodeToken(r.Header.Get(CSRFHeaderName))

			switch {
			case headerToken == "":
				rejectCSRF(w, r, "missing header")
			case !hmac.Equal([]byte(cookieToken), []byte(headerToken)):
				rejectCSRF(w, r, "header does not match cookie")
			case tokens.Verify(headerToken) != nil:
				rejectCSRF(w, r, "bad signature")
			default:
				next.ServeHTTP(w, r)
			}
		})
	}
}

func isSafeMethod(method string) bool {
	return method == http.MethodGet ||
		method == http.MethodHead ||
		method == http.MethodOptions
}

func isExemptPath(path string) bool {
	for _, prefix := range []string{"/health", "/metrics"} {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// decodeToken undoes the URL encoding browsers apply when copying the cookie
func decodeToken(raw string) string {
	if decoded, err := url.QueryUnescape(raw); err == nil {
		return decoded
	}
	return raw
}

func rejectCSRF(w http.ResponseWriter, r *http.Request, reason string) {
	observability.FromContext(r.Context()).Warn("CSRF validation failed",
		slog.String("reason", reason),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("remote_addr", r.RemoteAddr),
	)
	writeError(w, StatusTokenMismatch, "CSRF token mismatch.")
}
