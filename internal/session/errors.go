package session

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Error kinds. Compare with errors.Is.
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrValidationFailed   = errors.New("validation failed")
	ErrTokenStale         = errors.New("anti-forgery token stale")
	ErrTransientNetwork   = errors.New("transient network error")
	ErrNotAuthenticated   = errors.New("not authenticated")
	ErrServerError        = errors.New("server error")
)

// DefaultCredentialsMessage is shown when the server gave no specific message.
const DefaultCredentialsMessage = "Incorrect email or password."

// AuthError is the error type returned by Coordinator operations
type AuthError struct {
	Kind    error
	Op      string
	Status  int
	Message string
	Fields  map[string][]string
	Err     error
}

func (e *AuthError) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.Error())
	if e.Status != 0 {
		fmt.Fprintf(&b, " (status %d)", e.Status)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *AuthError) Is(target error) bool {
	return e.Kind == target
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// UserMessage is the text a UI should show for this failure. A message supplied by
// the server takes precedence over the generic one.
func (e *AuthError) UserMessage() string {
	if e.Message != "" {
		return e.Message
	}
	switch e.Kind {
	case ErrInvalidCredentials, ErrValidationFailed:
		return DefaultCredentialsMessage
	case ErrNotAuthenticated:
		return "Please sign in."
	case ErrTransientNetwork:
		return "The server could not be reached. Please try again."
	default:
		return "Something went wrong. Please try again."
	}
}

// UserMessage extracts a displayable message from any error returned by this package.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return authErr.UserMessage()
	}
	return "Something went wrong. Please try again."
}

// classify maps a transport outcome onto the error taxonomy. It returns nil when the
// response is a 2xx carrying the success marker.
func classify(op string, resp *Response, err error) error {
	if err != nil {
		return &AuthError{Kind: ErrTransientNetwork, Op: op, Err: err}
	}

	status := resp.StatusCode
	switch {
	case status >= 200 && status < 300:
		if resp.Envelope.Succeeded() {
			return nil
		}
		return &AuthError{Kind: ErrServerError, Op: op, Status: status, Message: resp.Envelope.Message,
			Err: errors.New("response is missing the success marker")}
	case status == http.StatusUnauthorized:
		kind := ErrNotAuthenticated
		if op == opLogin {
			kind = ErrInvalidCredentials
		}
		return &AuthError{Kind: kind, Op: op, Status: status, Message: resp.Envelope.Message}
	case status == StatusTokenMismatch || status == http.StatusForbidden:
		return &AuthError{Kind: ErrTokenStale, Op: op, Status: status, Message: resp.Envelope.Message}
	case status == http.StatusUnprocessableEntity:
		return &AuthError{Kind: ErrValidationFailed, Op: op, Status: status,
			Message: resp.Envelope.Message, Fields: resp.Envelope.Errors}
	case status == http.StatusTooManyRequests || status == http.StatusRequestTimeout:
		return &AuthError{Kind: ErrTransientNetwork, Op: op, Status: status, Message: resp.Envelope.Message}
	default:
		return &AuthError{Kind: ErrServerError, Op: op, Status: status, Message: resp.Envelope.Message}
	}
}

func isKind(err, kind error) bool {
	return errors.Is(err, kind)
}
