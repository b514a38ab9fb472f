package session

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		op     string
		status int
		env    Envelope
		err    error
		want   error
	}{
		{name: "success", op: opIdentity, status: 200, env: Envelope{Status: "success"}, want: nil},
		{name: "2xx without marker", op: opIdentity, status: 200, env: Envelope{Status: "fail"}, want: ErrServerError},
		{name: "login 401", op: opLogin, status: 401, want: ErrInvalidCredentials},
		{name: "whoami 401", op: opIdentity, status: 401, want: ErrNotAuthenticated},
		{name: "419", op: opProfile, status: StatusTokenMismatch, want: ErrTokenStale},
		{name: "403", op: opProfile, status: http.StatusForbidden, want: ErrTokenStale},
		{name: "422", op: opRegister, status: 422, want: ErrValidationFailed},
		{name: "429", op: opLogin, status: 429, want: ErrTransientNetwork},
		{name: "500", op: opLogin, status: 500, want: ErrServerError},
		{name: "404", op: opIdentity, status: 404, want: ErrServerError},
		{name: "transport error", op: opLogin, err: errors.New("dial tcp: refused"), want: ErrTransientNetwork},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var resp *Response
			if tt.err == nil {
				resp = &Response{StatusCode: tt.status, Envelope: tt.env}
			}
			got := classify(tt.op, resp, tt.err)
			if tt.want == nil {
				assert.NoError(t, got)
				return
			}
			assert.ErrorIs(t, got, tt.want)
		})
	}
}

func TestAuthError(t *testing.T) {
	t.Run("message formatting", func(t *testing.T) {
		err := &AuthError{Kind: ErrServerError, Op: "login", Status: 500, Message: "boom"}
		assert.Equal(t, "login: server error (status 500): boom", err.Error())
	})

	t.Run("unwraps cause", func(t *testing.T) {
		cause := errors.New("dial tcp: refused")
		err := &AuthError{Kind: ErrTransientNetwork, Err: cause}
		assert.ErrorIs(t, err, cause)
		assert.ErrorIs(t, err, ErrTransientNetwork)
		assert.NotErrorIs(t, err, ErrServerError)
	})

	t.Run("user messages", func(t *testing.T) {
		assert.Equal(t, "", UserMessage(nil))
		assert.Equal(t, DefaultCredentialsMessage, UserMessage(&AuthError{Kind: ErrInvalidCredentials}))
		assert.Equal(t, DefaultCredentialsMessage, UserMessage(&AuthError{Kind: ErrValidationFailed}))
		assert.Equal(t, "Banned.", UserMessage(&AuthError{Kind: ErrInvalidCredentials, Message: "Banned."}))
		assert.Contains(t, UserMessage(errors.New("other")), "Something went wrong")
	})
}
