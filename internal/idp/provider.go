// Package idp integrates an external OpenID Connect identity provider for
// browser-based SSO login.
package idp

import (
	"context"
	"strings"

	umserr "github.com/alexjbarnes/ums-client/internal/errors"
	"github.com/alexjbarnes/ums-client/internal/models"
)

// Provider is an external identity provider.
type Provider interface {
	// Name identifies the provider in persisted session state.
	Name() string
	// Enabled reports whether SSO login is available.
	Enabled() bool
	// BeginLogin returns the URL the user must visit and the state that
	// ties the callback to this attempt.
	BeginLogin(ctx context.Context) (*LoginRequest, error)
	// CompleteLogin exchanges the callback code for tokens.
	CompleteLogin(ctx context.Context, code, state string) (*Result, error)
	// VerifyToken validates a token handed over by the provider for the
	// login started with state and returns the identity it carries. The
	// state is consumed.
	VerifyToken(ctx context.Context, token, state string) (*models.SSOUser, error)
	// Refresh exchanges a refresh token for a new token set.
	Refresh(ctx context.Context, refreshToken string) (*models.TokenSet, error)
	// LogoutURL returns the provider's end-session URL, or "" when the
	// provider has none.
	LogoutURL(idTokenHint string) string
}

// LoginRequest starts an authorization code login.
type LoginRequest struct {
	URL   string
	State string
}

// Result is a completed provider login.
type Result struct {
	Tokens models.TokenSet
	User   models.SSOUser
}

// Disabled is the Provider used when SSO is turned off.
type Disabled struct{}

func (Disabled) Name() string  { return "" }
func (Disabled) Enabled() bool { return false }

func (Disabled) BeginLogin(context.Context) (*LoginRequest, error) {
	return nil, umserr.ErrSSODisabled
}

func (Disabled) CompleteLogin(context.Context, string, string) (*Result, error) {
	return nil, umserr.ErrSSODisabled
}

func (Disabled) VerifyToken(context.Context, string, string) (*models.SSOUser, error) {
	return nil, umserr.ErrSSODisabled
}

func (Disabled) Refresh(context.Context, string) (*models.TokenSet, error) {
	return nil, umserr.ErrSSODisabled
}

func (Disabled) LogoutURL(string) string { return "" }

// Claims is the subset of ID and access token claims mapped to a user.
type Claims struct {
	Subject           string `json:"sub"`
	Email             string `json:"email"`
	Name              string `json:"name"`
	GivenName         string `json:"given_name"`
	FamilyName        string `json:"family_name"`
	PreferredUsername string `json:"preferred_username"`
	Nonce             string `json:"nonce"`
	RealmAccess       struct {
		Roles []string `json:"roles"`
	} `json:"realm_access"`
}

// User maps claims to an SSOUser for provider.
func (c Claims) User(provider string) models.SSOUser {
	name := c.Name
	if name == "" {
		name = strings.TrimSpace(c.GivenName + " " + c.FamilyName)
	}

	if name == "" {
		name = c.PreferredUsername
	}

	return models.SSOUser{
		ID:       c.Subject,
		Email:    c.Email,
		Name:     name,
		Provider: provider,
		Roles:    c.RealmAccess.Roles,
	}
}
