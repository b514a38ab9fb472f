package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"cocktail-auth/internal/domain"
	"cocktail-auth/internal/session"
)

// SessionService is the coordinator surface the agent API exposes
type SessionService interface {
	State() session.State
	Login(ctx context.Context, email, password string) (*domain.Identity, error)
	Logout(ctx context.Context) error
	SilentCheck(ctx context.Context) *domain.Identity
	UpdateProfile(ctx context.Context, update domain.ProfileUpdate) (*domain.Identity, error)
	Register(ctx context.Context, reg domain.Registration) (*domain.Identity, error)
}

// SessionHandler serves the session agent's local API
type SessionHandler struct {
	sessions SessionService
}

func NewSessionHandler(sessions SessionService) *SessionHandler {
	return &SessionHandler{sessions: sessions}
}

// StateResponse describes the agent's view of the session
type StateResponse struct {
	Phase           session.Phase    `json:"phase"`
	User            *domain.Identity `json:"user"`
	ServerConfirmed bool             `json:"server_confirmed"`
	ConfirmedAt     *time.Time       `json:"confirmed_at,omitempty"`
}

func newStateResponse(s session.State) StateResponse {
	resp := StateResponse{
		Phase:           s.Phase(),
		User:            s.Identity,
		ServerConfirmed: s.ServerConfirmed,
	}
	if !s.ConfirmedAt.IsZero() {
		confirmedAt := s.ConfirmedAt
		resp.ConfirmedAt = &confirmedAt
	}
	return resp
}

func (h *SessionHandler) State(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, http.StatusOK, newStateResponse(h.sessions.State()))
}

func (h *SessionHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	identity, err := h.sessions.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, userData{User: identity})
}

// Logout always clears local state; only a local failure is reported
func (h *SessionHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.Logout(r.Context()); err != nil {
		writeFail(w, http.StatusInternalServerError, session.UserMessage(err))
		return
	}
	writeMessage(w, "Logged out.")
}

// Check confirms the identity with the server and reports the resulting state
func (h *SessionHandler) Check(w http.ResponseWriter, r *http.Request) {
	h.sessions.SilentCheck(r.Context())
	writeSuccess(w, http.StatusOK, newStateResponse(h.sessions.State()))
}

func (h *SessionHandler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	var update domain.ProfileUpdate
	if !decodeJSON(w, r, &update) {
		return
	}

	identity, err := h.sessions.UpdateProfile(r.Context(), update)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, userData{User: identity})
}

func (h *SessionHandler) Register(w http.ResponseWriter, r *http.Request) {
	var reg domain.Registration
	if !decodeJSON(w, r, &reg) {
		return
	}

	identity, err := h.sessions.Register(r.Context(), reg)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeSuccess(w, http.StatusCreated, userData{User: identity})
}

// writeSessionError translates coordinator errors for agent clients
func writeSessionError(w http.ResponseWriter, err error) {
	message := session.UserMessage(err)

	var authErr *session.AuthError
	if !errors.As(err, &authErr) {
		writeFail(w, http.StatusInternalServerError, message)
		return
	}

	switch {
	case errors.Is(err, session.ErrValidationFailed):
		writeJSON(w, http.StatusUnprocessableEntity, envelope{
			Status:  "fail",
			Message: message,
			Errors:  authErr.Fields,
		})
	case errors.Is(err, session.ErrInvalidCredentials), errors.Is(err, session.ErrNotAuthenticated):
		writeFail(w, http.StatusUnauthorized, message)
	case errors.Is(err, session.ErrTransientNetwork):
		writeFail(w, http.StatusServiceUnavailable, message)
	default:
		writeFail(w, http.StatusBadGateway, message)
	}
}
