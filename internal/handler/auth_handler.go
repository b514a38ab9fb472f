package handler

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"cocktail-auth/internal/domain"
	"cocktail-auth/internal/middleware"
	"cocktail-auth/internal/observability"
	"cocktail-auth/internal/security"
	"cocktail-auth/internal/service"
)

// csrfCookieTTL bounds how long a browser keeps an unused token
const csrfCookieTTL = 2 * time.Hour

// AuthHandler serves the cookie-session endpoints
type AuthHandler struct {
	authService  *service.AuthService
	tokens       *security.TokenManager
	cookieSecure bool
}

func NewAuthHandler(authService *service.AuthService, tokens *security.TokenManager, cookieSecure bool) *AuthHandler {
	return &AuthHandler{
		authService:  authService,
		tokens:       tokens,
		cookieSecure: cookieSecure,
	}
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// CSRFCookie issues a fresh anti-forgery token. The cookie is readable by
// scripts so clients can echo it in the X-XSRF-TOKEN header.
func (h *AuthHandler) CSRFCookie(w http.ResponseWriter, r *http.Request) {
	token, err := h.tokens.Generate()
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     middleware.CSRFCookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(csrfCookieTTL.Seconds()),
		HttpOnly: false,
		Secure:   h.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req domain.Registration
	if !decodeJSON(w, r, &req) {
		return
	}

	user, err := h.authService.Register(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	observability.FromContext(r.Context()).Info("user registered", "user_id", user.ID)
	writeUser(w, http.StatusCreated, user)
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	verr := &domain.ValidationError{}
	if strings.TrimSpace(req.Email) == "" {
		verr.Add("email", "The email field is required.")
	}
	if req.Password == "" {
		verr.Add("password", "The password field is required.")
	}
	if err := verr.OrNil(); err != nil {
		observability.AuthAttemptsTotal.WithLabelValues("invalid").Inc()
		writeServiceError(w, r, err)
		return
	}

	session, user, err := h.authService.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidCredentials) {
			observability.AuthAttemptsTotal.WithLabelValues("failure").Inc()
		} else {
			observability.AuthAttemptsTotal.WithLabelValues("error").Inc()
		}
		writeServiceError(w, r, err)
		return
	}
	observability.AuthAttemptsTotal.WithLabelValues("success").Inc()

	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookieName,
		Value:    session.Token,
		Path:     "/",
		Expires:  session.ExpiresAt,
		MaxAge:   int(service.SessionTTL.Seconds()),
		HttpOnly: true,
		Secure:   h.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	})

	observability.FromContext(r.Context()).Info("user logged in",
		"user_id", user.ID, "banned", user.Banned)
	writeUser(w, http.StatusOK, user)
}

// Logout ends the session named by the cookie. It succeeds without one.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(middleware.SessionCookieName); err == nil && cookie.Value != "" {
		if err := h.authService.Logout(r.Context(), cookie.Value); err != nil && !errors.Is(err, domain.ErrSessionNotFound) {
			writeServiceError(w, r, err)
			return
		}
	}

	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	writeMessage(w, "Logged out.")
}

// Me returns the signed-in user. It also serves the secondary /api/user route.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		writeFail(w, http.StatusUnauthorized, "Unauthenticated.")
		return
	}

	user, err := h.authService.GetUserByID(r.Context(), userID)
	if err != nil {
		if errors.Is(err, domain.ErrUserNotFound) {
			// the account is gone but its session outlived it
			writeFail(w, http.StatusUnauthorized, "Unauthenticated.")
			return
		}
		writeServiceError(w, r, err)
		return
	}
	writeUser(w, http.StatusOK, user)
}

func (h *AuthHandler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	session, ok := middleware.GetSession(r.Context())
	if !ok {
		writeFail(w, http.StatusUnauthorized, "Unauthenticated.")
		return
	}

	var update domain.ProfileUpdate
	if !decodeJSON(w, r, &update) {
		return
	}

	user, err := h.authService.UpdateProfile(r.Context(), session.UserID, session.Token, update)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeUser(w, http.StatusOK, user)
}

func (h *AuthHandler) Ban(w http.ResponseWriter, r *http.Request) {
	h.setBanned(w, r, true)
}

func (h *AuthHandler) Unban(w http.ResponseWriter, r *http.Request) {
	h.setBanned(w, r, false)
}

func (h *AuthHandler) setBanned(w http.ResponseWriter, r *http.Request, banned bool) {
	actorID, ok := middleware.GetUserID(r.Context())
	if !ok {
		writeFail(w, http.StatusUnauthorized, "Unauthenticated.")
		return
	}

	user, err := h.authService.SetBanned(r.Context(), actorID, chi.URLParam(r, "id"), banned)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	observability.FromContext(r.Context()).Info("account suspension changed",
		"user_id", user.ID, "banned", user.Banned)
	writeUser(w, http.StatusOK, user)
}
