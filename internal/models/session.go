// Package models defines types shared across internal packages.
package models

import "time"

// AuthMethod records which login path produced the current session.
type AuthMethod string

const (
	AuthMethodAPI AuthMethod = "api"
	AuthMethodSSO AuthMethod = "sso"
)

// Valid reports whether m is a known method.
func (m AuthMethod) Valid() bool {
	return m == AuthMethodAPI || m == AuthMethodSSO
}

// Credentials is a login identifier and password. Never persisted.
type Credentials struct {
	Identifier string
	Password   string
}

// TokenSet is a token payload as stored by the token store. IssuedAt and
// ExpiresAt are derived at write time from ExpiresIn.
type TokenSet struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token,omitempty"`
	IDToken          string    `json:"id_token,omitempty"`
	TokenType        string    `json:"token_type,omitempty"`
	Scope            string    `json:"scope,omitempty"`
	ExpiresIn        int64     `json:"expires_in"`
	RefreshExpiresIn int64     `json:"refresh_expires_in,omitempty"`
	IssuedAt         time.Time `json:"issued_at"`
	ExpiresAt        time.Time `json:"expires_at"`
}

// SessionUser is the identity attached to the current session.
type SessionUser struct {
	UserID   string    `json:"userId"`
	Name     string    `json:"name"`
	Email    string    `json:"email"`
	Phone    string    `json:"phone,omitempty"`
	Location string    `json:"location,omitempty"`
	Role     string    `json:"role,omitempty"`
	Status   string    `json:"status,omitempty"`
	JoinDate time.Time `json:"joinDate"`
}

// UserPatch holds optional profile fields. Nil fields are left unchanged.
type UserPatch struct {
	Name     *string `json:"name,omitempty"`
	Email    *string `json:"email,omitempty"`
	Phone    *string `json:"phone,omitempty"`
	Location *string `json:"location,omitempty"`
	Role     *string `json:"role,omitempty"`
	Status   *string `json:"status,omitempty"`
}

// Apply returns a copy of u with the non-nil patch fields applied.
func (p UserPatch) Apply(u SessionUser) SessionUser {
	if p.Name != nil {
		u.Name = *p.Name
	}

	if p.Email != nil {
		u.Email = *p.Email
	}

	if p.Phone != nil {
		u.Phone = *p.Phone
	}

	if p.Location != nil {
		u.Location = *p.Location
	}

	if p.Role != nil {
		u.Role = *p.Role
	}

	if p.Status != nil {
		u.Status = *p.Status
	}

	return u
}

// SSOUser is the identity reported by an external identity provider.
type SSOUser struct {
	ID       string   `json:"id"`
	Email    string   `json:"email"`
	Name     string   `json:"name"`
	Provider string   `json:"provider"`
	Roles    []string `json:"roles,omitempty"`
}
