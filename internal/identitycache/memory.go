package identitycache

import (
	"context"
	"sync"

	"cocktail-auth/internal/domain"
)

// Memory keeps the identity in process memory only
type Memory struct {
	mu       sync.RWMutex
	identity *domain.Identity
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Load(ctx context.Context) *domain.Identity {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.identity.Clone()
}

func (m *Memory) Save(ctx context.Context, identity domain.Identity) error {
	if err := identity.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.identity = &identity
	return nil
}

func (m *Memory) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.identity = nil
	return nil
}
