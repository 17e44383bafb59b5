package app

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alexjbarnes/ums-client/internal/api"
	"github.com/alexjbarnes/ums-client/internal/config"
	"github.com/alexjbarnes/ums-client/internal/metrics"
	"github.com/alexjbarnes/ums-client/internal/models"
	"github.com/alexjbarnes/ums-client/internal/session"
	"github.com/alexjbarnes/ums-client/internal/state"
	"github.com/alexjbarnes/ums-client/internal/tokenstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func backend(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	ok := func(v any) {
		_ = json.NewEncoder(w).Encode(map[string]any{"isSuccess": true, "value": v})
	}

	switch {
	case r.URL.Path == api.PathLogin:
		ok(map[string]any{"access_token": "at-1", "refresh_token": "rt-1", "expires_in": 1800, "token_type": "Bearer"})
	case strings.HasPrefix(r.URL.Path, api.PathLogout):
		ok(nil)
	case r.URL.Path == api.PathPermittedServices:
		ok([]models.PermittedService{
			{ID: "1", ClientID: "trade-api", Name: "Trade API", BaseURL: "http://10.11.200.68:3000/sso", DirectAccessGrantsEnabled: true},
			{ID: "2", ClientID: "legacy", Name: "Legacy", BaseURL: "http://10.11.200.69/"},
		})
	case r.URL.Path == api.PathSSOToken:
		ok(map[string]any{"token": "tok-1", "expiresIn": 60})
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func testConfig(t *testing.T, baseURL string) *config.Config {
	t.Helper()

	return &config.Config{
		APIBaseURL:        baseURL,
		APITimeout:        5 * time.Second,
		APIRetries:        1,
		RefreshTimeout:    5 * time.Second,
		StatePath:         filepath.Join(t.TempDir(), "state.db"),
		MinPasswordLength: 8,
		SSODiscovery:      true,
		LoginRatePerMin:   5,
	}
}

func newTestApp(t *testing.T, cfg *config.Config, opts ...Option) *App {
	t.Helper()

	a, err := New(context.Background(), cfg, testLogger(), opts...)
	require.NoError(t, err)

	return a
}

func TestNew_LoginDiscoversServices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(backend))
	t.Cleanup(srv.Close)

	m := metrics.New()
	a := newTestApp(t, testConfig(t, srv.URL), WithMetrics(m))
	t.Cleanup(func() { _ = a.Close() })

	assert.False(t, a.Provider.Enabled())
	assert.Same(t, m, a.Metrics)

	require.NoError(t, a.Session.Login(context.Background(), "alice", "s3cret!"))
	require.NoError(t, a.Session.WaitDiscovery(context.Background()))

	infos, err := a.Services.Load()
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "trade-api", infos[0].Service.ClientID)
	assert.Equal(t, "http://10.11.200.68:3000/sso?token=tok-1", infos[0].RedirectURL)
}

func TestNew_DiscoveryDisabled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(backend))
	t.Cleanup(srv.Close)

	cfg := testConfig(t, srv.URL)
	cfg.SSODiscovery = false

	a := newTestApp(t, cfg)
	t.Cleanup(func() { _ = a.Close() })

	require.NoError(t, a.Session.Login(context.Background(), "alice", "s3cret!"))
	require.NoError(t, a.Session.WaitDiscovery(context.Background()))

	infos, err := a.Services.Load()
	require.NoError(t, err)
	assert.Empty(t, infos)
}

func TestNew_ResumesPersistedSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(backend))
	t.Cleanup(srv.Close)

	cfg := testConfig(t, srv.URL)

	first := newTestApp(t, cfg)
	require.NoError(t, first.Session.Login(context.Background(), "alice", "s3cret!"))
	require.NoError(t, first.Close())

	second := newTestApp(t, cfg)
	t.Cleanup(func() { _ = second.Close() })

	assert.Equal(t, session.LoggedIn, second.Session.State())
	assert.Equal(t, "alice", second.Session.Username())
	assert.True(t, second.Tokens.IsAuthenticated())
}

func TestNew_SealedState(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(backend))
	t.Cleanup(srv.Close)

	cfg := testConfig(t, srv.URL)
	cfg.StatePassphrase = "correct horse battery staple"

	a := newTestApp(t, cfg)
	require.NoError(t, a.Session.Login(context.Background(), "alice", "s3cret!"))
	assert.Equal(t, "at-1", a.Tokens.AccessToken())
	require.NoError(t, a.Close())

	db, err := state.LoadAt(cfg.StatePath)
	require.NoError(t, err)

	_, _, err = db.Get(tokenstore.KeyAccessToken)
	assert.ErrorIs(t, err, state.ErrSealed)

	user, ok, err := db.Get(session.KeyCurrentUsername)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "alice", user)
	require.NoError(t, db.Close())

	cfg.StatePassphrase = "wrong"

	_, err = New(context.Background(), cfg, testLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unlocking state")
}

func TestNew_BadStatePath(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1")

	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))

	cfg.StatePath = filepath.Join(blocker, "state.db")

	_, err := New(context.Background(), cfg, testLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "loading state")
}
