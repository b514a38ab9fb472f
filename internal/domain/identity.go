package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrIncompleteIdentity = errors.New("identity is incomplete")

// Role is the access level of an authenticated principal
type Role string

const (
	RoleStandard Role = "user"
	RoleAdmin    Role = "admin"
)

// ParseRole maps the backend's user_type values onto a Role.
// "standard" is accepted as an alias of "user".
func ParseRole(s string) (Role, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "user", "standard":
		return RoleStandard, true
	case "admin":
		return RoleAdmin, true
	default:
		return "", false
	}
}

// Identity is the authenticated user record cached and broadcast on the client side.
// It never carries password material.
type Identity struct {
	ID     string `json:"_id"`
	Name   string `json:"name"`
	Email  string `json:"email"`
	Role   Role   `json:"user_type"`
	Banned bool   `json:"banned"`
}

// Validate reports whether the identity is fully populated.
func (i Identity) Validate() error {
	var missing []string
	if i.ID == "" {
		missing = append(missing, "id")
	}
	if i.Name == "" {
		missing = append(missing, "name")
	}
	if i.Email == "" {
		missing = append(missing, "email")
	}
	if _, ok := ParseRole(string(i.Role)); !ok {
		missing = append(missing, "role")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrIncompleteIdentity, strings.Join(missing, ", "))
	}
	return nil
}

// IsAdmin returns true for admin identities
func (i Identity) IsAdmin() bool {
	return i.Role == RoleAdmin
}

// Equal compares two possibly-absent identities.
func (i *Identity) Equal(other *Identity) bool {
	if i == nil || other == nil {
		return i == nil && other == nil
	}
	return *i == *other
}

// Clone returns a copy that can be mutated without affecting the receiver.
func (i *Identity) Clone() *Identity {
	if i == nil {
		return nil
	}
	c := *i
	return &c
}

// UnmarshalJSON accepts both the document-store shape ({"_id", "user_type"}) and the
// plain shape ({"id", "role"}), with string or numeric ids.
func (i *Identity) UnmarshalJSON(data []byte) error {
	var raw struct {
		MongoID  json.RawMessage `json:"_id"`
		ID       json.RawMessage `json:"id"`
		Name     string          `json:"name"`
		Email    string          `json:"email"`
		UserType string          `json:"user_type"`
		Role     string          `json:"role"`
		Banned   bool            `json:"banned"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	id, err := decodeID(raw.MongoID)
	if err != nil {
		return err
	}
	if id == "" {
		if id, err = decodeID(raw.ID); err != nil {
			return err
		}
	}

	roleName := raw.UserType
	if roleName == "" {
		roleName = raw.Role
	}
	role, ok := ParseRole(roleName)
	if !ok {
		role = Role(roleName)
	}

	*i = Identity{
		ID:     id,
		Name:   raw.Name,
		Email:  raw.Email,
		Role:   role,
		Banned: raw.Banned,
	}
	return nil
}

func decodeID(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		return s, nil
	}
	if raw[0] == '{' {
		// extended JSON: {"$oid": "..."}
		var oid struct {
			OID string `json:"$oid"`
		}
		if err := json.Unmarshal(raw, &oid); err != nil {
			return "", err
		}
		return oid.OID, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", fmt.Errorf("unsupported id value %s: %w", raw, err)
	}
	return n.String(), nil
}

// AntiForgeryToken is the CSRF token bound to the current cookie session
type AntiForgeryToken struct {
	Value      string    `json:"value"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// IsZero reports whether no token has been observed
func (t AntiForgeryToken) IsZero() bool {
	return t.Value == ""
}

// Age returns how long ago the token was acquired
func (t AntiForgeryToken) Age(now time.Time) time.Duration {
	if t.AcquiredAt.IsZero() {
		return 0
	}
	return now.Sub(t.AcquiredAt)
}

// ProfileUpdate carries the fields a user may change on their own profile.
// Nil fields are left untouched.
type ProfileUpdate struct {
	Name                 *string `json:"name,omitempty"`
	Email                *string `json:"email,omitempty"`
	Password             *string `json:"password,omitempty"`
	PasswordConfirmation *string `json:"password_confirmation,omitempty"`
}

// ChangesPassword reports whether the update carries password material
func (u ProfileUpdate) ChangesPassword() bool {
	return u.Password != nil || u.PasswordConfirmation != nil
}

// IsEmpty reports whether the update changes nothing
func (u ProfileUpdate) IsEmpty() bool {
	return u.Name == nil && u.Email == nil && !u.ChangesPassword()
}

// ApplyTo merges the non-password fields into a copy of the identity.
func (u ProfileUpdate) ApplyTo(identity Identity) Identity {
	if u.Name != nil {
		identity.Name = *u.Name
	}
	if u.Email != nil {
		identity.Email = *u.Email
	}
	return identity
}

// Registration is the payload for creating a new account
type Registration struct {
	Name                 string `json:"name"`
	Email                string `json:"email"`
	Password             string `json:"password"`
	PasswordConfirmation string `json:"password_confirmation"`
}
