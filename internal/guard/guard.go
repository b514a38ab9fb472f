// Package guard derives navigation decisions from the current identity.
package guard

import (
	"context"
	"log/slog"
	"sync"

	"cocktail-auth/internal/domain"
	"cocktail-auth/internal/observability"
	"cocktail-auth/internal/session"
)

const (
	SuspendedPath = "/banned"
	LoginPath     = "/login"
	HomePath      = "/"
)

// Navigator is the routing surface a guard drives
type Navigator interface {
	CurrentPath() string
	Navigate(path string)
}

// Decision is the outcome of a route-entry check. Redirect is set when Allow is false.
type Decision struct {
	Allow    bool
	Redirect string
}

func allow() Decision                { return Decision{Allow: true} }
func deny(redirect string) Decision { return Decision{Redirect: redirect} }

// ShouldRedirect reports whether a suspended identity must be sent away from path.
func ShouldRedirect(identity *domain.Identity, path string) bool {
	return identity != nil && identity.Banned && path != SuspendedPath
}

// Ban keeps suspended users on the suspension page. It reacts to every identity
// change, not only to navigation.
type Ban struct {
	nav    Navigator
	logger *slog.Logger

	mu          sync.Mutex
	unsubscribe func()
}

func NewBan(nav Navigator) *Ban {
	return &Ban{
		nav:    nav,
		logger: observability.FromContext(context.Background()).With("guard", "ban"),
	}
}

// Attach subscribes to b. The latest identity is evaluated immediately.
// Attaching again replaces the previous subscription.
func (g *Ban) Attach(b *session.Broadcast) {
	g.Detach()
	unsubscribe := b.Subscribe(func(identity *domain.Identity) {
		g.Evaluate(identity)
	})

	g.mu.Lock()
	g.unsubscribe = unsubscribe
	g.mu.Unlock()
}

// Detach stops reacting to identity changes
func (g *Ban) Detach() {
	g.mu.Lock()
	unsubscribe := g.unsubscribe
	g.unsubscribe = nil
	g.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
}

// Evaluate redirects when identity is suspended and reports whether it did.
func (g *Ban) Evaluate(identity *domain.Identity) bool {
	current := g.nav.CurrentPath()
	if !ShouldRedirect(identity, current) {
		return false
	}
	g.logger.Info("redirecting suspended user", "user_id", identity.ID, "from", current)
	g.nav.Navigate(SuspendedPath)
	return true
}

// CanActivate is the route-entry form of the ban check
func (g *Ban) CanActivate(identity *domain.Identity, target string) Decision {
	if ShouldRedirect(identity, target) {
		return deny(SuspendedPath)
	}
	return allow()
}

// Admin admits only administrators
type Admin struct{}

func (Admin) CanActivate(identity *domain.Identity, target string) Decision {
	switch {
	case identity == nil:
		return deny(LoginPath)
	case identity.IsAdmin():
		return allow()
	default:
		return deny(HomePath)
	}
}

// Auth admits any signed-in user
type Auth struct{}

func (Auth) CanActivate(identity *domain.Identity, target string) Decision {
	if identity == nil {
		return deny(LoginPath)
	}
	return allow()
}

// Guard is a route-entry check
type Guard interface {
	CanActivate(identity *domain.Identity, target string) Decision
}

// Chain runs guards in order and returns the first denial
func Chain(identity *domain.Identity, target string, guards ...Guard) Decision {
	for _, g := range guards {
		if d := g.CanActivate(identity, target); !d.Allow {
			return d
		}
	}
	return allow()
}
