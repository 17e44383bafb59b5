package sso

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alexjbarnes/ums-client/internal/api"
	umserr "github.com/alexjbarnes/ums-client/internal/errors"
	"github.com/alexjbarnes/ums-client/internal/metrics"
	"github.com/alexjbarnes/ums-client/internal/models"
	"golang.org/x/sync/errgroup"
)

// defaultConcurrency bounds parallel sso-token requests.
const defaultConcurrency = 4

// ServiceAPI is the subset of the backend client discovery uses.
type ServiceAPI interface {
	PermittedServices(ctx context.Context) ([]models.PermittedService, error)
	SSOToken(ctx context.Context, clientID string) (*api.SSOToken, error)
}

// Discoverer finds SSO-capable services and obtains a token for each.
type Discoverer struct {
	api         ServiceAPI
	cache       *Cache
	logger      *slog.Logger
	metrics     *metrics.Metrics
	concurrency int
}

// Option configures a Discoverer.
type Option func(*Discoverer)

// WithMetrics records sso-token outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Discoverer) { d.metrics = m }
}

// WithConcurrency sets the number of parallel sso-token requests.
func WithConcurrency(n int) Option {
	return func(d *Discoverer) {
		if n > 0 {
			d.concurrency = n
		}
	}
}

// NewDiscoverer returns a Discoverer that stores results in cache. cache
// may be nil.
func NewDiscoverer(client ServiceAPI, cache *Cache, logger *slog.Logger, opts ...Option) *Discoverer {
	d := &Discoverer{
		api:         client,
		cache:       cache,
		logger:      logger,
		concurrency: defaultConcurrency,
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

// Eligible reports whether s can be opened through SSO.
func Eligible(s models.PermittedService) bool {
	return s.DirectAccessGrantsEnabled && ValidateService(s) == nil
}

// Discover lists permitted services, requests an SSO token for every
// eligible one and caches the resulting redirect infos. A failure for a
// single service drops that service only. The returned slice keeps the
// order the backend listed services in.
func (d *Discoverer) Discover(ctx context.Context) ([]models.SsoRedirectInfo, error) {
	services, err := d.api.PermittedServices(ctx)
	if err != nil {
		return nil, d.fail(err, StagePermittedServices)
	}

	var eligible []models.PermittedService

	for _, s := range services {
		if !s.DirectAccessGrantsEnabled {
			continue
		}

		if err := ValidateService(s); err != nil {
			LogError(d.logger.With(slog.String("client_id", s.ClientID)), Classify(err, StageRedirect))
			continue
		}

		eligible = append(eligible, s)
	}

	if len(eligible) == 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		d.logger.Info("no sso-enabled services", slog.Int("listed", len(services)))

		if d.cache != nil {
			if err := d.cache.Save(nil); err != nil {
				return nil, err
			}
		}

		return nil, nil
	}

	results := make([]*models.SsoRedirectInfo, len(eligible))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.concurrency)

	for i, s := range eligible {
		g.Go(func() error {
			info, err := d.redirectInfo(gctx, s)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}

				LogError(d.logger.With(slog.String("client_id", s.ClientID)), Classify(err, StageSSOToken))

				return nil
			}

			results[i] = info

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("discovering sso services: %w", err)
	}

	// Tokens that arrived after cancellation belong to a session that has
	// ended and must not reach the cache.
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("discovering sso services: %w", err)
	}

	infos := make([]models.SsoRedirectInfo, 0, len(results))

	for _, info := range results {
		if info != nil {
			infos = append(infos, *info)
		}
	}

	d.logger.Info("sso discovery complete",
		slog.Int("listed", len(services)),
		slog.Int("eligible", len(eligible)),
		slog.Int("ready", len(infos)),
	)

	if d.cache != nil {
		if err := d.cache.Save(infos); err != nil {
			return infos, err
		}
	}

	return infos, nil
}

// Resolve returns the redirect for clientID, from the cache when present,
// otherwise by requesting a fresh token.
func (d *Discoverer) Resolve(ctx context.Context, clientID string) (*models.SsoRedirectInfo, error) {
	if d.cache != nil {
		info, ok, err := d.cache.Find(clientID)
		if err != nil {
			return nil, err
		}

		if ok {
			return info, nil
		}
	}

	services, err := d.api.PermittedServices(ctx)
	if err != nil {
		return nil, d.fail(err, StagePermittedServices)
	}

	for _, s := range services {
		if s.ClientID != clientID {
			continue
		}

		if !s.DirectAccessGrantsEnabled {
			return nil, &Error{Code: CodeNoEnabledServices, Stage: StageRedirect, Err: fmt.Errorf("service %s does not allow sso", clientID)}
		}

		if err := ValidateService(s); err != nil {
			return nil, err
		}

		info, err := d.redirectInfo(ctx, s)
		if err != nil {
			return nil, d.fail(err, StageSSOToken)
		}

		return info, nil
	}

	return nil, fmt.Errorf("%w: %s", umserr.ErrServiceNotFound, clientID)
}

func (d *Discoverer) redirectInfo(ctx context.Context, s models.PermittedService) (*models.SsoRedirectInfo, error) {
	tok, err := d.api.SSOToken(ctx, s.ClientID)
	d.metrics.RecordSSOToken(err)

	if err != nil {
		return nil, err
	}

	redirect, err := RedirectURL(s.BaseURL, tok.Token)
	if err != nil {
		return nil, &Error{Code: CodeServiceRedirectFailed, Stage: StageRedirect, Err: err}
	}

	return &models.SsoRedirectInfo{
		Service:     s,
		Token:       tok.Token,
		RedirectURL: redirect,
	}, nil
}

func (d *Discoverer) fail(err error, stage Stage) error {
	if errors.Is(err, context.Canceled) {
		return err
	}

	e := Classify(err, stage)
	LogError(d.logger, e)

	return e
}

