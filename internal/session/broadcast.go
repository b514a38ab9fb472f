package session

import (
	"context"
	"sync"

	"cocktail-auth/internal/domain"
)

// IdentityCache persists the last known identity across process restarts
type IdentityCache interface {
	// Load returns nil when nothing usable is stored. It never fails.
	Load(ctx context.Context) *domain.Identity
	Save(ctx context.Context, identity domain.Identity) error
	Clear(ctx context.Context) error
}

// Handler receives identity changes. nil means signed out.
type Handler func(identity *domain.Identity)

type subscriber struct {
	id      uint64
	handler Handler
}

// Broadcast fans identity changes out to subscribers. New subscribers
// immediately receive the latest value.
type Broadcast struct {
	// deliver serializes publications so every subscriber sees values in the same order
	deliver sync.Mutex

	mu          sync.Mutex
	nextID      uint64
	subscribers []subscriber
	latest      *domain.Identity
}

// NewBroadcast creates an empty broadcast whose latest value is nil
func NewBroadcast() *Broadcast {
	return &Broadcast{}
}

// Publish delivers identity to every subscriber synchronously, in subscription order.
func (b *Broadcast) Publish(identity *domain.Identity) {
	b.deliver.Lock()
	defer b.deliver.Unlock()

	b.mu.Lock()
	b.latest = identity.Clone()
	subs := make([]subscriber, len(b.subscribers))
	copy(subs, b.subscribers)
	b.mu.Unlock()

	for _, s := range subs {
		if !b.active(s.id) {
			continue
		}
		s.handler(identity.Clone())
	}
}

// Subscribe registers handler and replays the latest value to it. The returned
// function removes the subscription and may be called more than once.
func (b *Broadcast) Subscribe(handler Handler) func() {
	b.deliver.Lock()
	defer b.deliver.Unlock()

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subscribers = append(b.subscribers, subscriber{id: id, handler: handler})
	latest := b.latest.Clone()
	b.mu.Unlock()

	handler(latest)

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(id) })
	}
}

// Latest returns the last published value
func (b *Broadcast) Latest() *domain.Identity {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.latest.Clone()
}

// Len returns the number of active subscribers
func (b *Broadcast) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

func (b *Broadcast) active(id uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subscribers {
		if s.id == id {
			return true
		}
	}
	return false
}

func (b *Broadcast) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subscribers {
		if s.id == id {
			b.subscribers = append(b.subscribers[:i:i], b.subscribers[i+1:]...)
			return
		}
	}
}
