// Package authn provides the http.RoundTripper that attaches the session
// bearer token to outgoing requests and recovers from expired tokens.
package authn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	umserr "github.com/alexjbarnes/ums-client/internal/errors"
	"github.com/alexjbarnes/ums-client/internal/metrics"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultRefreshTimeout bounds a shared refresh when none is configured.
	DefaultRefreshTimeout = 15 * time.Second

	refreshKey = "refresh"

	// maxDrainBytes is how much of a discarded 401 body is read so the
	// connection can be reused.
	maxDrainBytes = 4 << 10
)

// authEndpoints are never intercepted: a 401 from them is the answer.
var authEndpoints = []string{"/api/auth/login", "/api/auth/refresh-token"}

// Refresher renews the stored token set. On failure the implementation
// is expected to have ended the session.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// TokenSource provides the current Authorization header value.
type TokenSource interface {
	AuthorizationHeader() string
}

// Transport attaches the session token and, on a 401, joins a single
// shared refresh and replays the request once.
type Transport struct {
	base    http.RoundTripper
	tokens  TokenSource
	timeout time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu        sync.RWMutex
	refresher Refresher

	group singleflight.Group
}

// Option configures a Transport.
type Option func(*Transport)

// WithRefreshTimeout sets the bound on a single refresh.
func WithRefreshTimeout(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.timeout = d
		}
	}
}

// WithMetrics records refreshes and replays.
func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Transport) { t.metrics = m }
}

// NewTransport wraps base, which defaults to http.DefaultTransport.
func NewTransport(base http.RoundTripper, tokens TokenSource, logger *slog.Logger, opts ...Option) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}

	t := &Transport{
		base:    base,
		tokens:  tokens,
		timeout: DefaultRefreshTimeout,
		logger:  logger,
	}
	for _, o := range opts {
		o(t)
	}

	return t
}

// SetRefresher installs the component that performs refreshes. The
// session coordinator needs an API client built on this transport, so
// the two are wired after construction.
func (t *Transport) SetRefresher(r Refresher) {
	t.mu.Lock()
	t.refresher = r
	t.mu.Unlock()
}

func (t *Transport) getRefresher() Refresher {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.refresher
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	out := req.Clone(req.Context())

	if out.Header.Get("Authorization") == "" {
		if h := t.tokens.AuthorizationHeader(); h != "" {
			out.Header.Set("Authorization", h)
		}
	}

	sent := out.Header.Get("Authorization")

	resp, err := t.base.RoundTrip(out)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusUnauthorized || isAuthEndpoint(req.URL.Path) {
		return resp, nil
	}

	refresher := t.getRefresher()
	if refresher == nil {
		return resp, nil
	}

	if req.Body != nil && req.Body != http.NoBody && req.GetBody == nil {
		t.logger.Warn("401 on request without a rewindable body, not replaying",
			slog.String("method", req.Method),
			slog.String("path", req.URL.Path),
		)

		return resp, nil
	}

	logger := t.logger.With(slog.String("method", req.Method), slog.String("path", req.URL.Path))

	reason := "refreshed"

	current := t.tokens.AuthorizationHeader()
	if current != "" && current != sent {
		// Another request already refreshed since this one was sent.
		reason = "stale_token"
	} else {
		if err := t.refresh(req.Context(), refresher, sent, logger); err != nil {
			drain(resp)
			return nil, err
		}

		current = t.tokens.AuthorizationHeader()
	}

	drain(resp)

	replay := req.Clone(req.Context())
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("rewinding request body: %w", err)
		}

		replay.Body = body
	}

	if current != "" {
		replay.Header.Set("Authorization", current)
	}

	t.metrics.RecordReplay(reason)
	logger.Debug("replaying request after 401", slog.String("reason", reason))

	return t.base.RoundTrip(replay)
}

// refresh joins the in-flight refresh or starts one. The refresh itself
// is detached from the caller's context and bounded by the transport
// timeout, so one caller giving up does not fail the others.
func (t *Transport) refresh(ctx context.Context, r Refresher, sent string, logger *slog.Logger) error {
	ch := t.group.DoChan(refreshKey, func() (any, error) {
		// A flight that finished between the caller's check and here has
		// already replaced the token.
		if current := t.tokens.AuthorizationHeader(); current != "" && current != sent {
			return nil, nil
		}

		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.timeout)
		defer cancel()

		start := time.Now()
		err := r.Refresh(rctx)
		t.metrics.RecordRefresh(time.Since(start), err)

		if err != nil {
			logger.Warn("token refresh failed", slog.String("error", err.Error()))
		} else {
			logger.Debug("token refreshed", slog.Duration("elapsed", time.Since(start)))
		}

		return nil, err
	})

	timer := time.NewTimer(t.timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.Err != nil {
			if errors.Is(res.Err, umserr.ErrRefreshFailed) {
				return res.Err
			}

			return fmt.Errorf("%w: %w", umserr.ErrRefreshFailed, res.Err)
		}

		return nil
	case <-timer.C:
		return fmt.Errorf("%w: timed out after %s", umserr.ErrRefreshFailed, t.timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func isAuthEndpoint(path string) bool {
	for _, p := range authEndpoints {
		if strings.HasSuffix(path, p) {
			return true
		}
	}

	return false
}

func drain(resp *http.Response) {
	_, _ = io.CopyN(io.Discard, resp.Body, maxDrainBytes)
	resp.Body.Close()
}
