package testutil

import (
	"fmt"
	"sync/atomic"
	"time"

	"cocktail-auth/internal/domain"

	"golang.org/x/crypto/bcrypt"
)

// TestPassword is the plaintext behind every fixture user's password hash
const TestPassword = "correct-horse"

var (
	idCounter atomic.Int64

	// bcrypt at MinCost keeps fixture setup fast
	testPasswordHash = func() string {
		h, err := bcrypt.GenerateFromPassword([]byte(TestPassword), bcrypt.MinCost)
		if err != nil {
			panic(err)
		}
		return string(h)
	}()
)

func nextID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, idCounter.Add(1))
}

// UserOption customizes NewTestUser
type UserOption func(*domain.User)

// NewTestUser creates a standard, active user whose password is TestPassword
func NewTestUser(opts ...UserOption) *domain.User {
	id := nextID("user")
	now := time.Now()
	u := &domain.User{
		ID:           id,
		Name:         "Test " + id,
		Email:        id + "@example.com",
		PasswordHash: testPasswordHash,
		Role:         domain.RoleStandard,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

func WithUserID(id string) UserOption {
	return func(u *domain.User) { u.ID = id }
}

func WithName(name string) UserOption {
	return func(u *domain.User) { u.Name = name }
}

func WithEmail(email string) UserOption {
	return func(u *domain.User) { u.Email = email }
}

func WithAdmin() UserOption {
	return func(u *domain.User) { u.Role = domain.RoleAdmin }
}

func WithBanned() UserOption {
	return func(u *domain.User) { u.Banned = true }
}

// SessionOption customizes NewTestSession
type SessionOption func(*domain.Session)

// NewTestSession creates a session valid for a day
func NewTestSession(userID string, opts ...SessionOption) *domain.Session {
	s := &domain.Session{
		ID:        nextID("session"),
		UserID:    userID,
		Token:     nextID("token"),
		ExpiresAt: time.Now().Add(24 * time.Hour),
		CreatedAt: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func WithToken(token string) SessionOption {
	return func(s *domain.Session) { s.Token = token }
}

func WithExpired() SessionOption {
	return func(s *domain.Session) { s.ExpiresAt = time.Now().Add(-time.Hour) }
}
