package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/alexjbarnes/ums-client/internal/models"
)

// LoginRequest is the body of POST /api/auth/login.
type LoginRequest struct {
	UserName string `json:"userName"`
	Password string `json:"password"`
}

// RefreshRequest is the body of POST /api/auth/refresh-token.
type RefreshRequest struct {
	UserName     string `json:"userName"`
	RefreshToken string `json:"refreshToken"`
}

// TokenResponse is the envelope value returned by login and refresh.
type TokenResponse struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	IDToken          string `json:"id_token"`
	ExpiresIn        int64  `json:"expires_in"`
	RefreshExpiresIn int64  `json:"refresh_expires_in"`
	TokenType        string `json:"token_type"`
	Scope            string `json:"scope"`
}

// TokenSet converts the response to the stored representation.
func (r TokenResponse) TokenSet() models.TokenSet {
	return models.TokenSet{
		AccessToken:      r.AccessToken,
		RefreshToken:     r.RefreshToken,
		IDToken:          r.IDToken,
		TokenType:        r.TokenType,
		Scope:            r.Scope,
		ExpiresIn:        r.ExpiresIn,
		RefreshExpiresIn: r.RefreshExpiresIn,
	}
}

// SSOTokenRequest is the body of POST /api/auth/sso-token.
type SSOTokenRequest struct {
	ClientID string `json:"clientId"`
}

// SSOToken is a short-lived token handed to a downstream service.
type SSOToken struct {
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expiresIn"`
}

// ssoTokenBody accepts both the backend shape and a raw token endpoint
// response.
type ssoTokenBody struct {
	Token          string `json:"token"`
	AccessToken    string `json:"access_token"`
	ExpiresIn      int64  `json:"expiresIn"`
	ExpiresInSnake int64  `json:"expires_in"`
}

// Login exchanges credentials for a token set.
func (c *Client) Login(ctx context.Context, userName, password string) (*models.TokenSet, error) {
	resp, _, err := call[TokenResponse](ctx, c, http.MethodPost, PathLogin, LoginRequest{
		UserName: userName,
		Password: password,
	})
	if err != nil {
		return nil, fmt.Errorf("logging in: %w", err)
	}

	if resp.AccessToken == "" {
		return nil, fmt.Errorf("logging in: response has no access token")
	}

	ts := resp.TokenSet()

	return &ts, nil
}

// RefreshToken exchanges a refresh token for a new token set.
func (c *Client) RefreshToken(ctx context.Context, userName, refreshToken string) (*models.TokenSet, error) {
	resp, _, err := call[TokenResponse](ctx, c, http.MethodPost, PathRefreshToken, RefreshRequest{
		UserName:     userName,
		RefreshToken: refreshToken,
	})
	if err != nil {
		return nil, fmt.Errorf("refreshing token: %w", err)
	}

	if resp.AccessToken == "" {
		return nil, fmt.Errorf("refreshing token: response has no access token")
	}

	ts := resp.TokenSet()

	return &ts, nil
}

// Logout ends the backend session for userName.
func (c *Client) Logout(ctx context.Context, userName string) error {
	if err := c.do(ctx, http.MethodPost, PathLogout+url.PathEscape(userName), nil, nil); err != nil {
		return fmt.Errorf("logging out: %w", err)
	}

	return nil
}

// PermittedServices lists the services the signed-in user may open. The
// list may arrive in an envelope, under "services", or as a bare array.
func (c *Client) PermittedServices(ctx context.Context) ([]models.PermittedService, error) {
	services, err := callLoose[[]models.PermittedService](ctx, c, http.MethodGet, PathPermittedServices, nil, "services")
	if err != nil {
		return nil, fmt.Errorf("listing permitted services: %w", err)
	}

	return services, nil
}

// SSOToken requests a token for the service identified by clientID.
func (c *Client) SSOToken(ctx context.Context, clientID string) (*SSOToken, error) {
	body, err := callLoose[ssoTokenBody](ctx, c, http.MethodPost, PathSSOToken, SSOTokenRequest{ClientID: clientID}, "")
	if err != nil {
		return nil, fmt.Errorf("requesting sso token for %s: %w", clientID, err)
	}

	tok := SSOToken{Token: body.Token, ExpiresIn: body.ExpiresIn}
	if tok.Token == "" {
		tok.Token = body.AccessToken
	}

	if tok.ExpiresIn == 0 {
		tok.ExpiresIn = body.ExpiresInSnake
	}

	if tok.Token == "" {
		return nil, fmt.Errorf("requesting sso token for %s: response has no token", clientID)
	}

	return &tok, nil
}
