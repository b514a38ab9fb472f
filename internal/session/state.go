package session

import (
	"time"

	"cocktail-auth/internal/domain"
)

// Phase is the derived session state
type Phase string

const (
	PhaseUnauthenticated      Phase = "unauthenticated"
	PhaseLocallyAuthenticated Phase = "locally_authenticated"
	PhaseServerConfirmed      Phase = "server_confirmed"
)

// State is a snapshot of the session as the coordinator sees it
type State struct {
	Identity        *domain.Identity `json:"identity"`
	ServerConfirmed bool             `json:"server_confirmed"`
	ConfirmedAt     time.Time        `json:"confirmed_at,omitzero"`
}

// Phase derives the session phase from the snapshot
func (s State) Phase() Phase {
	switch {
	case s.Identity == nil:
		return PhaseUnauthenticated
	case s.ServerConfirmed:
		return PhaseServerConfirmed
	default:
		return PhaseLocallyAuthenticated
	}
}

func (s State) clone() State {
	s.Identity = s.Identity.Clone()
	return s
}
