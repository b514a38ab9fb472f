package domain

import "time"

// AccountEventType names a change to an account made outside the user's own session
type AccountEventType string

const (
	AccountBanned      AccountEventType = "account.banned"
	AccountUnbanned    AccountEventType = "account.unbanned"
	AccountRoleChanged AccountEventType = "account.role_changed"
	AccountUpdated     AccountEventType = "account.updated"
)

// AccountEvent is published by the backend whenever an account changes
// in a way that affects sessions already established for it.
type AccountEvent struct {
	ID         string           `json:"id"`
	Type       AccountEventType `json:"type"`
	UserID     string           `json:"user_id"`
	ActorID    string           `json:"actor_id,omitempty"`
	OccurredAt time.Time        `json:"occurred_at"`
}
