package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alexjbarnes/ums-client/internal/api"
	"github.com/alexjbarnes/ums-client/internal/authn"
	umserr "github.com/alexjbarnes/ums-client/internal/errors"
	"github.com/alexjbarnes/ums-client/internal/retry"
	"github.com/alexjbarnes/ums-client/internal/state"
	"github.com/alexjbarnes/ums-client/internal/tokenstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// backend is a UMS server whose valid access token changes on refresh.
type backend struct {
	mu         sync.Mutex
	valid      string
	next       string
	refreshErr bool
	refreshes  atomic.Int32
	hits       atomic.Int32
}

func (b *backend) current() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.valid
}

func (b *backend) handler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	envelope := func(v any) {
		_ = json.NewEncoder(w).Encode(map[string]any{"isSuccess": true, "value": v})
	}
	tokenBody := func(at string) map[string]any {
		return map[string]any{"access_token": at, "refresh_token": "rt", "expires_in": 1800, "token_type": "Bearer"}
	}

	switch r.URL.Path {
	case api.PathLogin:
		envelope(tokenBody(b.current()))
	case api.PathRefreshToken:
		b.refreshes.Add(1)
		// Hold the refresh open so concurrent 401s pile up behind it.
		time.Sleep(50 * time.Millisecond)

		b.mu.Lock()
		fail := b.refreshErr
		if !fail {
			b.valid = b.next
		}
		at := b.valid
		b.mu.Unlock()

		if fail {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"message":"refresh token expired"}`))
			return
		}
		envelope(tokenBody(at))
	default:
		b.hits.Add(1)
		if r.Header.Get("Authorization") != "Bearer "+b.current() {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		envelope(map[string]any{"id": 1, "userName": "bob", "firstName": "Bob", "lastName": "Jones", "email": "bob@example.com", "status": true})
	}
}

type stack struct {
	client *api.Client
	coord  *Coordinator
	tokens *tokenstore.Store
	db     *state.State
}

func newStack(t *testing.T, b *backend) *stack {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(b.handler))
	t.Cleanup(srv.Close)

	db, err := state.LoadAt(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := discardLogger()
	tokens := tokenstore.New(db, logger)
	transport := authn.NewTransport(srv.Client().Transport, tokens, logger, authn.WithRefreshTimeout(5*time.Second))
	client := api.NewClient(srv.URL, &http.Client{Transport: transport}, logger)

	coord := New(client, tokens, db, logger, WithRetry(retry.Policy{Attempts: 1}))
	transport.SetRefresher(coord)
	t.Cleanup(coord.Close)

	return &stack{client: client, coord: coord, tokens: tokens, db: db}
}

func TestIntegration_ValidTokenNoRefresh(t *testing.T) {
	b := &backend{valid: "at-1", next: "at-2"}
	s := newStack(t, b)
	require.NoError(t, s.coord.Login(context.Background(), "alice", "s3cret!"))

	u, err := s.client.GetUser(context.Background(), "bob")
	require.NoError(t, err)
	assert.Equal(t, "Bob Jones", u.FullName())
	assert.Equal(t, int32(0), b.refreshes.Load())
	assert.Equal(t, int32(1), b.hits.Load())
}

func TestIntegration_ConcurrentUnauthorizedSharesOneRefresh(t *testing.T) {
	b := &backend{valid: "at-1", next: "at-2"}
	s := newStack(t, b)
	require.NoError(t, s.coord.Login(context.Background(), "alice", "s3cret!"))

	// The server rotates the token; every in-flight request now gets 401.
	b.mu.Lock()
	b.valid = "rotated"
	b.mu.Unlock()

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)

	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.client.GetUser(context.Background(), "bob")
			errs <- err
		}()
	}

	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}

	assert.Equal(t, int32(1), b.refreshes.Load())
	assert.Equal(t, "at-2", s.tokens.AccessToken())
	assert.Equal(t, LoggedIn, s.coord.State())
}

func TestIntegration_RefreshFailureEndsSession(t *testing.T) {
	b := &backend{valid: "at-1", next: "at-2"}
	s := newStack(t, b)
	require.NoError(t, s.coord.Login(context.Background(), "alice", "s3cret!"))

	b.mu.Lock()
	b.valid = "rotated"
	b.refreshErr = true
	b.mu.Unlock()

	_, err := s.client.GetUser(context.Background(), "bob")
	require.Error(t, err)
	assert.True(t, errors.Is(err, umserr.ErrRefreshFailed))
	assert.False(t, umserr.IsTransient(err), "refresh failures are not retried")

	assert.Equal(t, LoggedOut, s.coord.State())
	assert.True(t, s.tokens.IsExpired())

	keys, err := s.db.Keys()
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestIntegration_LoginRejectionNotIntercepted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"errorMessage":"Invalid username or password"}`))
	}))
	t.Cleanup(srv.Close)

	db, err := state.LoadAt(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := discardLogger()
	tokens := tokenstore.New(db, logger)
	transport := authn.NewTransport(srv.Client().Transport, tokens, logger)
	client := api.NewClient(srv.URL, &http.Client{Transport: transport}, logger)
	coord := New(client, tokens, db, logger)
	transport.SetRefresher(coord)
	t.Cleanup(coord.Close)

	err = coord.Login(context.Background(), "alice", "wrong")
	require.Error(t, err)
	assert.ErrorIs(t, err, umserr.ErrInvalidCredentials)
	assert.Equal(t, "Invalid username or password", umserr.UserMessage(err))
	assert.Equal(t, LoggedOut, coord.State())

	keys, err := db.Keys()
	require.NoError(t, err)
	assert.Empty(t, keys)
}
