// Package app assembles the client stack from configuration: state,
// token store, authenticated transport, backend client, SSO discovery
// and the session coordinator. Both binaries build on it.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/alexjbarnes/ums-client/internal/api"
	"github.com/alexjbarnes/ums-client/internal/authn"
	"github.com/alexjbarnes/ums-client/internal/config"
	"github.com/alexjbarnes/ums-client/internal/idp"
	"github.com/alexjbarnes/ums-client/internal/metrics"
	"github.com/alexjbarnes/ums-client/internal/retry"
	"github.com/alexjbarnes/ums-client/internal/session"
	"github.com/alexjbarnes/ums-client/internal/sso"
	"github.com/alexjbarnes/ums-client/internal/state"
	"github.com/alexjbarnes/ums-client/internal/tokenstore"
)

// App holds the assembled components.
type App struct {
	Config     *config.Config
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
	State      *state.State
	Tokens     *tokenstore.Store
	API        *api.Client
	Services   *sso.Cache
	Discoverer *sso.Discoverer
	Provider   idp.Provider
	Session    *session.Coordinator
}

// Option configures New.
type Option func(*options)

type options struct {
	metrics   *metrics.Metrics
	base      http.RoundTripper
	provider  idp.Provider
	tokenOpts []tokenstore.Option
}

// WithMetrics records client metrics in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithBaseTransport replaces the network transport under the
// authenticating one.
func WithBaseTransport(rt http.RoundTripper) Option {
	return func(o *options) { o.base = rt }
}

// WithProvider uses p instead of building an identity provider from the
// configuration.
func WithProvider(p idp.Provider) Option {
	return func(o *options) { o.provider = p }
}

// WithTokenOptions passes options to the token store.
func WithTokenOptions(opts ...tokenstore.Option) Option {
	return func(o *options) { o.tokenOpts = append(o.tokenOpts, opts...) }
}

// New opens the state database and wires the stack. A persisted session
// is resumed by the coordinator. Call Close when done.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*App, error) {
	o := options{base: http.DefaultTransport}
	for _, opt := range opts {
		opt(&o)
	}

	db, err := state.LoadAt(cfg.StatePath)
	if err != nil {
		return nil, fmt.Errorf("loading state: %w", err)
	}

	if cfg.StatePassphrase != "" {
		if err := db.Seal(cfg.StatePassphrase, tokenstore.SealedKeys...); err != nil {
			db.Close()
			return nil, fmt.Errorf("unlocking state: %w", err)
		}
	}

	provider := o.provider
	if provider == nil {
		provider, err = newProvider(ctx, cfg, logger)
		if err != nil {
			db.Close()
			return nil, err
		}
	}

	tokens := tokenstore.New(db, logger, o.tokenOpts...)

	transport := authn.NewTransport(o.base, tokens, logger,
		authn.WithRefreshTimeout(cfg.RefreshTimeout),
		authn.WithMetrics(o.metrics),
	)

	client := api.NewClient(cfg.APIBaseURL, &http.Client{
		Transport:     transport,
		Timeout:       cfg.APITimeout,
		CheckRedirect: api.SameHostRedirectPolicy,
	}, logger)

	cache := sso.NewCache(db)
	discoverer := sso.NewDiscoverer(client, cache, logger, sso.WithMetrics(o.metrics))

	sessionOpts := []session.Option{
		session.WithIdentityProvider(provider),
		session.WithMetrics(o.metrics),
		session.WithRetry(retry.Policy{Attempts: cfg.APIRetries, Backoff: cfg.RetryBackoff}),
		session.WithMinPasswordLength(cfg.MinPasswordLength),
	}
	if cfg.SSODiscovery {
		sessionOpts = append(sessionOpts, session.WithDiscoverer(discoverer))
	}

	coord := session.New(client, tokens, db, logger, sessionOpts...)
	transport.SetRefresher(coord)

	logger.Debug("client stack ready",
		slog.String("api", cfg.APIBaseURL),
		slog.String("state", cfg.StatePath),
		slog.Bool("sealed", cfg.StatePassphrase != ""),
		slog.Bool("sso", provider.Enabled()),
		slog.String("session", coord.State().String()),
	)

	return &App{
		Config:     cfg,
		Logger:     logger,
		Metrics:    o.metrics,
		State:      db,
		Tokens:     tokens,
		API:        client,
		Services:   cache,
		Discoverer: discoverer,
		Provider:   provider,
		Session:    coord,
	}, nil
}

func newProvider(ctx context.Context, cfg *config.Config, logger *slog.Logger) (idp.Provider, error) {
	if !cfg.EnableSSO {
		return idp.Disabled{}, nil
	}

	p, err := idp.NewOIDC(ctx, idp.Config{
		Issuer:       cfg.OIDCIssuer,
		ClientID:     cfg.OIDCClientID,
		ClientSecret: cfg.OIDCClientSecret,
		RedirectURL:  cfg.OIDCRedirectURL,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("configuring identity provider: %w", err)
	}

	return p, nil
}

// Close waits up to the API timeout for a running discovery, then stops
// the coordinator and closes the state database.
func (a *App) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), a.Config.APITimeout)
	defer cancel()

	var errs []error

	if err := a.Session.WaitDiscovery(ctx); err != nil {
		errs = append(errs, fmt.Errorf("waiting for discovery: %w", err))
	}

	a.Session.Close()

	if err := a.State.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing state: %w", err))
	}

	return errors.Join(errs...)
}
