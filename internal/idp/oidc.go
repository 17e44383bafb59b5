package idp

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	umserr "github.com/alexjbarnes/ums-client/internal/errors"
	"github.com/alexjbarnes/ums-client/internal/models"
	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

const (
	// pendingTTL bounds how long a started login may take to complete.
	pendingTTL = 10 * time.Minute

	// maxPending caps outstanding logins so abandoned attempts cannot
	// grow the map without bound.
	maxPending = 100

	// ProviderKeycloak names Keycloak issuers, which use /realms/ paths.
	ProviderKeycloak = "keycloak"

	// ProviderOIDC names any other issuer.
	ProviderOIDC = "oidc"
)

// Config configures an OIDC provider.
type Config struct {
	Issuer       string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
}

type pending struct {
	verifier string
	nonce    string
	created  time.Time
}

// OIDC is a Provider backed by an OpenID Connect issuer using the
// authorization code flow with PKCE.
type OIDC struct {
	name       string
	oauth      *oauth2.Config
	idVerifier *oidc.IDTokenVerifier
	atVerifier *oidc.IDTokenVerifier
	endSession string
	logger     *slog.Logger
	now        func() time.Time

	mu      sync.Mutex
	pending map[string]pending
}

// NewOIDC discovers the issuer's configuration and returns a provider.
func NewOIDC(ctx context.Context, cfg Config, logger *slog.Logger) (*OIDC, error) {
	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("discovering oidc issuer %s: %w", cfg.Issuer, err)
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{oidc.ScopeOpenID, "profile", "email", oidc.ScopeOfflineAccess}
	}

	var meta struct {
		EndSessionEndpoint string `json:"end_session_endpoint"`
	}
	if err := provider.Claims(&meta); err != nil {
		return nil, fmt.Errorf("reading oidc issuer metadata: %w", err)
	}

	name := ProviderOIDC
	if strings.Contains(cfg.Issuer, "/realms/") {
		name = ProviderKeycloak
	}

	return &OIDC{
		name: name,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     provider.Endpoint(),
			RedirectURL:  cfg.RedirectURL,
			Scopes:       scopes,
		},
		idVerifier: provider.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
		// Access tokens handed to the console are audienced for the
		// backend, not this client.
		atVerifier: provider.Verifier(&oidc.Config{SkipClientIDCheck: true}),
		endSession: meta.EndSessionEndpoint,
		logger:     logger,
		now:        time.Now,
		pending:    make(map[string]pending),
	}, nil
}

func (p *OIDC) Name() string  { return p.name }
func (p *OIDC) Enabled() bool { return true }

// BeginLogin records a new state, nonce and PKCE verifier and returns the
// authorization URL.
func (p *OIDC) BeginLogin(_ context.Context) (*LoginRequest, error) {
	state, err := randomString(32)
	if err != nil {
		return nil, err
	}

	nonce, err := randomString(32)
	if err != nil {
		return nil, err
	}

	verifier := oauth2.GenerateVerifier()

	p.mu.Lock()
	p.expireLocked()

	if len(p.pending) >= maxPending {
		p.mu.Unlock()
		return nil, errors.New("too many pending sso logins")
	}

	p.pending[state] = pending{verifier: verifier, nonce: nonce, created: p.now()}
	p.mu.Unlock()

	authURL := p.oauth.AuthCodeURL(state,
		oauth2.S256ChallengeOption(verifier),
		oidc.Nonce(nonce),
	)

	p.logger.Debug("sso login started", slog.String("provider", p.name))

	return &LoginRequest{URL: authURL, State: state}, nil
}

// CompleteLogin exchanges code for tokens, verifies the ID token and its
// nonce, and maps the claims to a user. The state is consumed whether or
// not the exchange succeeds.
func (p *OIDC) CompleteLogin(ctx context.Context, code, state string) (*Result, error) {
	pend, ok := p.take(state)
	if !ok {
		return nil, umserr.ErrSSOStateMismatch
	}

	tok, err := p.oauth.Exchange(ctx, code, oauth2.VerifierOption(pend.verifier))
	if err != nil {
		return nil, fmt.Errorf("exchanging sso code: %w", err)
	}

	rawID, _ := tok.Extra("id_token").(string)
	if rawID == "" {
		return nil, errors.New("sso token response has no id_token")
	}

	idToken, err := p.idVerifier.Verify(ctx, rawID)
	if err != nil {
		return nil, fmt.Errorf("verifying id token: %w", err)
	}

	var claims Claims
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("reading id token claims: %w", err)
	}

	if claims.Nonce != pend.nonce {
		return nil, errors.New("id token nonce does not match")
	}

	return &Result{
		Tokens: p.tokenSet(tok),
		User:   claims.User(p.name),
	}, nil
}

// VerifyToken validates a provider-signed token delivered for a login
// this provider started and returns its user. A token carrying a nonce
// must carry the one issued with state.
func (p *OIDC) VerifyToken(ctx context.Context, token, state string) (*models.SSOUser, error) {
	pend, ok := p.take(state)
	if !ok {
		return nil, umserr.ErrSSOStateMismatch
	}

	t, err := p.atVerifier.Verify(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("verifying sso token: %w", err)
	}

	var claims Claims
	if err := t.Claims(&claims); err != nil {
		return nil, fmt.Errorf("reading sso token claims: %w", err)
	}

	if claims.Nonce != "" && claims.Nonce != pend.nonce {
		return nil, errors.New("sso token nonce does not match")
	}

	user := claims.User(p.name)

	return &user, nil
}

// Refresh uses the provider's token endpoint to renew a session.
func (p *OIDC) Refresh(ctx context.Context, refreshToken string) (*models.TokenSet, error) {
	if refreshToken == "" {
		return nil, umserr.ErrNoRefreshToken
	}

	src := p.oauth.TokenSource(ctx, &oauth2.Token{
		RefreshToken: refreshToken,
		Expiry:       p.now().Add(-time.Minute),
	})

	tok, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("refreshing sso token: %w", err)
	}

	ts := p.tokenSet(tok)

	return &ts, nil
}

// LogoutURL builds the end-session URL with an id_token_hint.
func (p *OIDC) LogoutURL(idTokenHint string) string {
	if p.endSession == "" {
		return ""
	}

	u, err := url.Parse(p.endSession)
	if err != nil {
		return ""
	}

	q := u.Query()
	q.Set("client_id", p.oauth.ClientID)

	if idTokenHint != "" {
		q.Set("id_token_hint", idTokenHint)
	}

	u.RawQuery = q.Encode()

	return u.String()
}

func (p *OIDC) tokenSet(tok *oauth2.Token) models.TokenSet {
	ts := models.TokenSet{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		ExpiresIn:    tok.ExpiresIn,
	}

	if ts.ExpiresIn == 0 && !tok.Expiry.IsZero() {
		ts.ExpiresIn = int64(tok.Expiry.Sub(p.now()).Seconds())
	}

	if id, ok := tok.Extra("id_token").(string); ok {
		ts.IDToken = id
	}

	if scope, ok := tok.Extra("scope").(string); ok {
		ts.Scope = scope
	}

	if v, ok := tok.Extra("refresh_expires_in").(float64); ok {
		ts.RefreshExpiresIn = int64(v)
	}

	return ts
}

// take removes and returns the pending login for state.
func (p *OIDC) take(state string) (pending, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.expireLocked()

	pend, ok := p.pending[state]
	delete(p.pending, state)

	return pend, ok
}

func (p *OIDC) expireLocked() {
	cutoff := p.now().Add(-pendingTTL)
	for state, pend := range p.pending {
		if pend.created.Before(cutoff) {
			delete(p.pending, state)
		}
	}
}

func randomString(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating random string: %w", err)
	}

	return base64.RawURLEncoding.EncodeToString(b), nil
}
