package middleware

import (
	"context"
	"net/http"

	"cocktail-auth/internal/domain"
	"cocktail-auth/internal/observability"
)

// SessionCookieName is the cookie carrying the opaque session token
const SessionCookieName = "cocktail_session"

type contextKey string

const (
	UserIDKey  contextKey = "user_id"
	SessionKey contextKey = "session"
)

// SessionValidator resolves a session token
type SessionValidator interface {
	ValidateSession(ctx context.Context, token string) (*domain.Session, error)
}

// Auth rejects requests without a live session with 401
func Auth(sessions SessionValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cookie, err := r.Cookie(SessionCookieName)
			if err != nil || cookie.Value == "" {
				writeError(w, http.StatusUnauthorized, "Unauthenticated.")
				return
			}

			session, err := sessions.ValidateSession(r.Context(), cookie.Value)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "Unauthenticated.")
				return
			}

			ctx := WithSession(r.Context(), session)
			ctx = observability.WithUserID(ctx, session.UserID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func GetUserID(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(UserIDKey).(string)
	return userID, ok
}

func GetSession(ctx context.Context) (*domain.Session, bool) {
	session, ok := ctx.Value(SessionKey).(*domain.Session)
	return session, ok
}

// WithSession stores the session and its user ID in ctx
func WithSession(ctx context.Context, session *domain.Session) context.Context {
	ctx = context.WithValue(ctx, SessionKey, session)
	return context.WithValue(ctx, UserIDKey, session.UserID)
}
