package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"cocktail-auth/internal/domain"
	"cocktail-auth/internal/observability"
)

// envelope is the JSON wrapper for every response
type envelope struct {
	Status  string              `json:"status"`
	Message string              `json:"message,omitempty"`
	Data    any                 `json:"data,omitempty"`
	Errors  map[string][]string `json:"errors,omitempty"`
}

type userData struct {
	User *domain.Identity `json:"user"`
}

func writeJSON(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeSuccess(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, envelope{Status: "success", Data: data})
}

func writeMessage(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusOK, envelope{Status: "success", Message: message})
}

func writeUser(w http.ResponseWriter, status int, user *domain.User) {
	identity := user.Identity()
	writeSuccess(w, status, userData{User: &identity})
}

// writeFail reports a client error; 5xx statuses are reported as "error"
func writeFail(w http.ResponseWriter, status int, message string) {
	kind := "fail"
	if status >= http.StatusInternalServerError {
		kind = "error"
	}
	writeJSON(w, status, envelope{Status: kind, Message: message})
}

func writeValidation(w http.ResponseWriter, fields map[string][]string) {
	writeJSON(w, http.StatusUnprocessableEntity, envelope{
		Status:  "fail",
		Message: "The given data was invalid.",
		Errors:  fields,
	})
}

// decodeJSON reads the request body into dst. A malformed body is answered
// with 422 and false is returned.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeValidation(w, map[string][]string{"body": {"The request body must be a JSON object."}})
		return false
	}
	return true
}

// writeServiceError maps backend errors onto status codes
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *domain.ValidationError
	switch {
	case errors.As(err, &verr):
		writeValidation(w, verr.Fields)
	case errors.Is(err, domain.ErrEmailExists):
		writeValidation(w, map[string][]string{"email": {"The email has already been taken."}})
	case errors.Is(err, domain.ErrInvalidInput):
		writeFail(w, http.StatusUnprocessableEntity, "The given data was invalid.")
	case errors.Is(err, domain.ErrInvalidCredentials):
		writeFail(w, http.StatusUnauthorized, "These credentials do not match our records.")
	case errors.Is(err, domain.ErrSessionNotFound), errors.Is(err, domain.ErrSessionExpired):
		writeFail(w, http.StatusUnauthorized, "Unauthenticated.")
	case errors.Is(err, domain.ErrForbidden):
		writeFail(w, http.StatusForbidden, "This action is unauthorized.")
	case errors.Is(err, domain.ErrUserNotFound):
		writeFail(w, http.StatusNotFound, "User not found.")
	default:
		observability.FromContext(r.Context()).Error("request failed",
			"method", r.Method, "path", r.URL.Path, "error", err)
		writeFail(w, http.StatusInternalServerError, "Server Error")
	}
}
