// Package testutil provides shared mocks and fixtures for the auth server tests.
package testutil

import (
	"context"
	"strings"
	"sync"
	"time"

	"cocktail-auth/internal/domain"
)

// MockUserRepository implements domain.UserRepository for testing
type MockUserRepository struct {
	mu sync.RWMutex

	// Function overrides - set these to customize behavior
	CreateFunc            func(ctx context.Context, user *domain.User) error
	GetByIDFunc           func(ctx context.Context, id string) (*domain.User, error)
	GetByEmailFunc        func(ctx context.Context, email string) (*domain.User, error)
	UpdateFunc            func(ctx context.Context, user *domain.User) error
	UpdateCredentialsFunc func(ctx context.Context, user *domain.User, keepToken string) (int64, error)
	SetBannedFunc         func(ctx context.Context, id string, banned bool) (*domain.User, error)

	// In-memory storage keyed by user ID
	Users map[string]*domain.User

	// Sessions, when set, is pruned by UpdateCredentials
	Sessions *MockSessionRepository
}

func NewMockUserRepository(users ...*domain.User) *MockUserRepository {
	m := &MockUserRepository{Users: make(map[string]*domain.User)}
	for _, u := range users {
		m.Users[u.ID] = u
	}
	return m
}

func (m *MockUserRepository) Create(ctx context.Context, user *domain.User) error {
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, user)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, u := range m.Users {
		if strings.EqualFold(u.Email, user.Email) {
			return domain.ErrEmailExists
		}
	}

	if user.ID == "" {
		user.ID = nextID("user")
	}
	if user.Role == "" {
		user.Role = domain.RoleStandard
	}
	now := time.Now()
	user.CreatedAt, user.UpdatedAt = now, now
	stored := *user
	m.Users[user.ID] = &stored
	return nil
}

func (m *MockUserRepository) GetByID(ctx context.Context, id string) (*domain.User, error) {
	if m.GetByIDFunc != nil {
		return m.GetByIDFunc(ctx, id)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	if user, ok := m.Users[id]; ok {
		u := *user
		return &u, nil
	}
	return nil, domain.ErrUserNotFound
}

func (m *MockUserRepository) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	if m.GetByEmailFunc != nil {
		return m.GetByEmailFunc(ctx, email)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, user := range m.Users {
		if strings.EqualFold(user.Email, email) {
			u := *user
			return &u, nil
		}
	}
	return nil, domain.ErrUserNotFound
}

func (m *MockUserRepository) Update(ctx context.Context, user *domain.User) error {
	if m.UpdateFunc != nil {
		return m.UpdateFunc(ctx, user)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.Users[user.ID]; !ok {
		return domain.ErrUserNotFound
	}
	user.UpdatedAt = time.Now()
	stored := *user
	m.Users[user.ID] = &stored
	return nil
}

func (m *MockUserRepository) UpdateCredentials(ctx context.Context, user *domain.User, keepToken string) (int64, error) {
	if m.UpdateCredentialsFunc != nil {
		return m.UpdateCredentialsFunc(ctx, user, keepToken)
	}
	if err := m.Update(ctx, user); err != nil {
		return 0, err
	}
	if m.Sessions == nil {
		return 0, nil
	}
	return m.Sessions.revokeOthers(user.ID, keepToken), nil
}

func (m *MockUserRepository) SetBanned(ctx context.Context, id string, banned bool) (*domain.User, error) {
	if m.SetBannedFunc != nil {
		return m.SetBannedFunc(ctx, id, banned)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	user, ok := m.Users[id]
	if !ok {
		return nil, domain.ErrUserNotFound
	}
	user.Banned = banned
	u := *user
	return &u, nil
}

// MockSessionRepository implements domain.SessionRepository for testing
type MockSessionRepository struct {
	mu sync.RWMutex

	// Function overrides
	CreateFunc        func(ctx context.Context, session *domain.Session) error
	GetByTokenFunc    func(ctx context.Context, token string) (*domain.Session, error)
	DeleteFunc        func(ctx context.Context, token string) error
	DeleteExpiredFunc func(ctx context.Context) (int64, error)

	// In-memory storage keyed by token
	Sessions map[string]*domain.Session
}

func NewMockSessionRepository(sessions ...*domain.Session) *MockSessionRepository {
	m := &MockSessionRepository{Sessions: make(map[string]*domain.Session)}
	for _, s := range sessions {
		m.Sessions[s.Token] = s
	}
	return m
}

func (m *MockSessionRepository) Create(ctx context.Context, session *domain.Session) error {
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, session)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if session.ID == "" {
		session.ID = nextID("session")
	}
	session.CreatedAt = time.Now()
	m.Sessions[session.Token] = session
	return nil
}

func (m *MockSessionRepository) GetByToken(ctx context.Context, token string) (*domain.Session, error) {
	if m.GetByTokenFunc != nil {
		return m.GetByTokenFunc(ctx, token)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, ok := m.Sessions[token]
	if !ok || !session.ExpiresAt.After(time.Now()) {
		return nil, domain.ErrSessionNotFound
	}
	return session, nil
}

func (m *MockSessionRepository) Delete(ctx context.Context, token string) error {
	if m.DeleteFunc != nil {
		return m.DeleteFunc(ctx, token)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.Sessions, token)
	return nil
}

func (m *MockSessionRepository) DeleteExpired(ctx context.Context) (int64, error) {
	if m.DeleteExpiredFunc != nil {
		return m.DeleteExpiredFunc(ctx)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var count int64
	now := time.Now()
	for token, session := range m.Sessions {
		if !session.ExpiresAt.After(now) {
			delete(m.Sessions, token)
			count++
		}
	}
	return count, nil
}

// Len reports how many sessions are stored
func (m *MockSessionRepository) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.Sessions)
}

func (m *MockSessionRepository) revokeOthers(userID, keepToken string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	var count int64
	for token, session := range m.Sessions {
		if session.UserID == userID && token != keepToken {
			delete(m.Sessions, token)
			count++
		}
	}
	return count
}

// MockEventPublisher records published account events
type MockEventPublisher struct {
	mu sync.Mutex

	PublishFunc func(ctx context.Context, event *domain.AccountEvent) error
	Events      []domain.AccountEvent
}

func (m *MockEventPublisher) PublishAccountEvent(ctx context.Context, event *domain.AccountEvent) error {
	if m.PublishFunc != nil {
		return m.PublishFunc(ctx, event)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Events = append(m.Events, *event)
	return nil
}

// Published returns a snapshot of the recorded events
func (m *MockEventPublisher) Published() []domain.AccountEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.AccountEvent(nil), m.Events...)
}
