// Package tokenstore persists the API token set and answers whether the
// current session is authenticated. It is the only writer of token keys.
package tokenstore

import (
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/alexjbarnes/ums-client/internal/models"
)

// Persisted token keys.
const (
	KeyAccessToken      = "api_access_token"
	KeyRefreshToken     = "api_refresh_token"
	KeyIDToken          = "api_id_token"
	KeyTokenType        = "api_token_type"
	KeyScope            = "api_token_scope"
	KeyExpiresIn        = "api_token_expires_in"
	KeyRefreshExpiresIn = "api_refresh_expires_in"
	KeyExpiration       = "api_token_expiration"
)

// TokenKeys lists every key Store writes.
var TokenKeys = []string{
	KeyAccessToken,
	KeyRefreshToken,
	KeyIDToken,
	KeyTokenType,
	KeyScope,
	KeyExpiresIn,
	KeyRefreshExpiresIn,
	KeyExpiration,
}

// SealedKeys are the token values worth encrypting at rest.
var SealedKeys = []string{KeyAccessToken, KeyRefreshToken, KeyIDToken}

const defaultTokenType = "Bearer"

// KV is the persistent storage the store writes through.
type KV interface {
	GetMany(keys ...string) (map[string]string, error)
	SetMany(set map[string]string, del []string) error
	Delete(keys ...string) error
}

// Store reads and writes the token set.
type Store struct {
	kv     KV
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces time.Now for expiry arithmetic.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a store over kv.
func New(kv KV, logger *slog.Logger, opts ...Option) *Store {
	s := &Store{kv: kv, logger: logger, now: time.Now}
	for _, o := range opts {
		o(s)
	}

	return s
}

// Now returns the store's clock reading.
func (s *Store) Now() time.Time {
	return s.now()
}

// Store persists ts. The absolute expiry is recomputed from expires_in.
func (s *Store) Store(ts models.TokenSet) error {
	return s.StoreWith(ts, nil)
}

// StoreWith persists ts and the extra session entries in one transaction.
func (s *Store) StoreWith(ts models.TokenSet, extra map[string]string) error {
	if ts.AccessToken == "" {
		return fmt.Errorf("storing tokens: access token is empty")
	}

	now := s.now()
	expiration := now.UnixMilli() + ts.ExpiresIn*1000

	set := map[string]string{
		KeyAccessToken:      ts.AccessToken,
		KeyExpiresIn:        strconv.FormatInt(ts.ExpiresIn, 10),
		KeyRefreshExpiresIn: strconv.FormatInt(ts.RefreshExpiresIn, 10),
		KeyExpiration:       strconv.FormatInt(expiration, 10),
	}

	// Optional fields absent from the payload are removed so a refresh
	// never leaves a value from the previous token set behind.
	var del []string

	optional := []struct{ key, value string }{
		{KeyRefreshToken, ts.RefreshToken},
		{KeyIDToken, ts.IDToken},
		{KeyTokenType, ts.TokenType},
		{KeyScope, ts.Scope},
	}
	for _, o := range optional {
		if o.value == "" {
			del = append(del, o.key)
			continue
		}

		set[o.key] = o.value
	}

	for k, v := range extra {
		set[k] = v
	}

	if err := s.kv.SetMany(set, del); err != nil {
		return fmt.Errorf("storing tokens: %w", err)
	}

	s.logger.Debug("token set stored",
		slog.Int64("expires_in", ts.ExpiresIn),
		slog.Time("expires_at", time.UnixMilli(expiration)),
	)

	return nil
}

// Snapshot is a consistent read of the stored token set at one instant.
type Snapshot struct {
	AccessToken      string
	RefreshToken     string
	IDToken          string
	TokenType        string
	Scope            string
	ExpiresIn        int64
	RefreshExpiresIn int64
	ExpiresAt        time.Time
	Now              time.Time
}

// Valid reports whether an access token is present and unexpired.
func (s Snapshot) Valid() bool {
	return s.AccessToken != "" && !s.ExpiresAt.IsZero() && s.Now.Before(s.ExpiresAt)
}

// AuthorizationHeader returns "{type} {token}" or "" without a token.
func (s Snapshot) AuthorizationHeader() string {
	if s.AccessToken == "" {
		return ""
	}

	typ := s.TokenType
	if typ == "" {
		typ = defaultTokenType
	}

	return typ + " " + s.AccessToken
}

// TokenSet converts the snapshot back into a token set.
func (s Snapshot) TokenSet() models.TokenSet {
	ts := models.TokenSet{
		AccessToken:      s.AccessToken,
		RefreshToken:     s.RefreshToken,
		IDToken:          s.IDToken,
		TokenType:        s.TokenType,
		Scope:            s.Scope,
		ExpiresIn:        s.ExpiresIn,
		RefreshExpiresIn: s.RefreshExpiresIn,
		ExpiresAt:        s.ExpiresAt,
	}
	if !s.ExpiresAt.IsZero() {
		ts.IssuedAt = s.ExpiresAt.Add(-time.Duration(s.ExpiresIn) * time.Second)
	}

	return ts
}

// Snapshot reads every token key in one transaction. Storage errors are
// logged and reported as an empty snapshot, which reads as logged out.
func (s *Store) Snapshot() Snapshot {
	snap := Snapshot{Now: s.now()}

	vals, err := s.kv.GetMany(TokenKeys...)
	if err != nil {
		s.logger.Warn("reading token store", slog.String("error", err.Error()))
		return snap
	}

	snap.AccessToken = vals[KeyAccessToken]
	snap.RefreshToken = vals[KeyRefreshToken]
	snap.IDToken = vals[KeyIDToken]
	snap.TokenType = vals[KeyTokenType]
	snap.Scope = vals[KeyScope]
	snap.ExpiresIn = parseInt(vals[KeyExpiresIn])
	snap.RefreshExpiresIn = parseInt(vals[KeyRefreshExpiresIn])

	if ms, ok := vals[KeyExpiration]; ok {
		if v, err := strconv.ParseInt(ms, 10, 64); err == nil {
			snap.ExpiresAt = time.UnixMilli(v)
		}
	}

	return snap
}

// AccessToken returns the stored access token or "".
func (s *Store) AccessToken() string { return s.Snapshot().AccessToken }

// RefreshToken returns the stored refresh token or "".
func (s *Store) RefreshToken() string { return s.Snapshot().RefreshToken }

// IDToken returns the stored id token or "".
func (s *Store) IDToken() string { return s.Snapshot().IDToken }

// Expiration returns the absolute expiry, zero when none is stored.
func (s *Store) Expiration() time.Time { return s.Snapshot().ExpiresAt }

// IsAuthenticated reports whether an unexpired access token is stored.
func (s *Store) IsAuthenticated() bool { return s.Snapshot().Valid() }

// IsExpired is the exact complement of IsAuthenticated.
func (s *Store) IsExpired() bool { return !s.Snapshot().Valid() }

// AuthorizationHeader returns the header value for outgoing requests.
func (s *Store) AuthorizationHeader() string { return s.Snapshot().AuthorizationHeader() }

// Clear removes every token key. Clearing an empty store is a no-op.
func (s *Store) Clear() error {
	return s.ClearWith()
}

// ClearWith removes every token key plus extra in one transaction.
func (s *Store) ClearWith(extra ...string) error {
	keys := append(append([]string(nil), TokenKeys...), extra...)
	if err := s.kv.Delete(keys...); err != nil {
		return fmt.Errorf("clearing tokens: %w", err)
	}

	return nil
}

// Info is a redacted diagnostic view of the token set.
type Info struct {
	Authenticated   bool          `json:"authenticated" yaml:"authenticated"`
	AccessToken     string        `json:"access_token,omitempty" yaml:"access_token,omitempty"`
	HasRefreshToken bool          `json:"has_refresh_token" yaml:"has_refresh_token"`
	HasIDToken      bool          `json:"has_id_token" yaml:"has_id_token"`
	TokenType       string        `json:"token_type,omitempty" yaml:"token_type,omitempty"`
	Scope           string        `json:"scope,omitempty" yaml:"scope,omitempty"`
	ExpiresAt       time.Time     `json:"expires_at,omitzero" yaml:"expires_at,omitempty"`
	Remaining       time.Duration `json:"remaining" yaml:"remaining"`
}

// Info returns a diagnostic view with the access token redacted.
func (s *Store) Info() Info {
	snap := s.Snapshot()

	info := Info{
		Authenticated:   snap.Valid(),
		AccessToken:     redact(snap.AccessToken),
		HasRefreshToken: snap.RefreshToken != "",
		HasIDToken:      snap.IDToken != "",
		TokenType:       snap.TokenType,
		Scope:           snap.Scope,
		ExpiresAt:       snap.ExpiresAt,
	}
	if info.Authenticated {
		info.Remaining = snap.ExpiresAt.Sub(snap.Now).Truncate(time.Second)
	}

	return info
}

func redact(token string) string {
	if token == "" {
		return ""
	}

	if len(token) <= 8 {
		return "********"
	}

	return token[:8] + "..."
}

func parseInt(s string) int64 {
	v, _ := strconv.ParseInt(s, 10, 64)
	return v
}
