// Package session coordinates the login lifecycle: it owns the session
// state machine, writes through the token store and publishes changes.
package session

//go:generate mockgen -source=coordinator.go -destination=mock_api_test.go -package=session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"unicode/utf8"

	umserr "github.com/alexjbarnes/ums-client/internal/errors"
	"github.com/alexjbarnes/ums-client/internal/idp"
	"github.com/alexjbarnes/ums-client/internal/metrics"
	"github.com/alexjbarnes/ums-client/internal/models"
	"github.com/alexjbarnes/ums-client/internal/retry"
	"github.com/alexjbarnes/ums-client/internal/sso"
	"github.com/alexjbarnes/ums-client/internal/tokenstore"
)

// DefaultMinPasswordLength is the shortest accepted new password.
const DefaultMinPasswordLength = 8

// AuthAPI is the backend surface the coordinator drives.
type AuthAPI interface {
	Login(ctx context.Context, userName, password string) (*models.TokenSet, error)
	RefreshToken(ctx context.Context, userName, refreshToken string) (*models.TokenSet, error)
	Logout(ctx context.Context, userName string) error
	ChangePassword(ctx context.Context, userName, oldPassword, newPassword string) error
}

// Discoverer finds the services reachable through SSO after login.
type Discoverer interface {
	Discover(ctx context.Context) ([]models.SsoRedirectInfo, error)
}

// KV is the persistent storage for non-token session entries.
type KV interface {
	GetMany(keys ...string) (map[string]string, error)
	SetMany(set map[string]string, del []string) error
}

// Coordinator runs the session state machine. Network calls are made
// without holding the lock; an epoch counter detects a session that ended
// while a call was in flight.
type Coordinator struct {
	api        AuthAPI
	tokens     *tokenstore.Store
	kv         KV
	provider   idp.Provider
	discoverer Discoverer
	logger     *slog.Logger
	metrics    *metrics.Metrics
	retry      retry.Policy
	minPass    int
	broker     *Broker

	mu       sync.Mutex
	state    State
	epoch    uint64
	user     *models.SessionUser
	method   models.AuthMethod
	username string
	ssoUser  *models.SSOUser

	discoverCancel context.CancelFunc
	discoverDone   chan struct{}
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithIdentityProvider enables SSO login through p.
func WithIdentityProvider(p idp.Provider) Option {
	return func(c *Coordinator) {
		if p != nil {
			c.provider = p
		}
	}
}

// WithDiscoverer runs SSO service discovery after every login.
func WithDiscoverer(d Discoverer) Option {
	return func(c *Coordinator) { c.discoverer = d }
}

// WithMetrics records logins, logouts and the session gauge.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithRetry sets the policy for transient refresh failures.
func WithRetry(p retry.Policy) Option {
	return func(c *Coordinator) { c.retry = p }
}

// WithMinPasswordLength sets the shortest accepted new password.
func WithMinPasswordLength(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.minPass = n
		}
	}
}

// New returns a coordinator and resumes any persisted session.
func New(api AuthAPI, tokens *tokenstore.Store, kv KV, logger *slog.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		api:      api,
		tokens:   tokens,
		kv:       kv,
		provider: idp.Disabled{},
		logger:   logger,
		minPass:  DefaultMinPasswordLength,
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.retry.Logger == nil {
		c.retry.Logger = logger
	}

	c.restore()
	c.broker = NewBroker(c.eventLocked())

	return c
}

// restore resumes a persisted session. A session is resumable when its
// access token is unexpired or a refresh token is held; anything else
// left on disk is cleared.
func (c *Coordinator) restore() {
	snap := c.tokens.Snapshot()

	if snap.AccessToken == "" && snap.RefreshToken == "" {
		return
	}

	if !snap.Valid() && snap.RefreshToken == "" {
		c.logger.Info("clearing expired session")

		if err := c.clearLocal(); err != nil {
			c.logger.Warn("clearing expired session", slog.String("error", err.Error()))
		}

		return
	}

	vals, err := c.kv.GetMany(KeyUserInfo, KeyAuthMethod, KeyCurrentUsername, KeySSOUser)
	if err != nil {
		c.logger.Warn("reading persisted session", slog.String("error", err.Error()))
		return
	}

	c.state = LoggedIn
	c.username = vals[KeyCurrentUsername]

	c.method = models.AuthMethod(vals[KeyAuthMethod])
	if !c.method.Valid() {
		c.method = models.AuthMethodAPI
	}

	if raw := vals[KeyUserInfo]; raw != "" {
		var u models.SessionUser
		if err := json.Unmarshal([]byte(raw), &u); err == nil {
			c.user = &u
		}
	}

	if raw := vals[KeySSOUser]; raw != "" {
		var u models.SSOUser
		if err := json.Unmarshal([]byte(raw), &u); err == nil {
			c.ssoUser = &u
		}
	}

	c.logger.Info("session restored",
		slog.String("method", string(c.method)),
		slog.Bool("token_valid", snap.Valid()),
	)
}

// --- Queries ---

// IsLoggedIn reports whether an unexpired access token is held.
func (c *Coordinator) IsLoggedIn() bool {
	return c.tokens.IsAuthenticated()
}

// State returns the current lifecycle state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

// User returns a copy of the session user, or nil when logged out.
func (c *Coordinator) User() *models.SessionUser {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.user == nil {
		return nil
	}

	u := *c.user

	return &u
}

// Method returns how the current session was established.
func (c *Coordinator) Method() models.AuthMethod {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.method
}

// Username returns the identifier the session logged in with.
func (c *Coordinator) Username() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.username
}

// Current returns the last published event.
func (c *Coordinator) Current() Event {
	return c.broker.Current()
}

// Subscribe registers for session events. The current value is delivered
// immediately.
func (c *Coordinator) Subscribe() (<-chan Event, func()) {
	return c.broker.Subscribe()
}

// Provider returns the configured identity provider.
func (c *Coordinator) Provider() idp.Provider {
	return c.provider
}

// --- Login ---

// Login authenticates with the backend. On failure nothing is persisted
// and the backend's error is returned.
func (c *Coordinator) Login(ctx context.Context, identifier, password string) error {
	id := normalizeIdentifier(identifier)
	if id == "" || password == "" {
		return &umserr.StatusError{
			Endpoint:   "login",
			StatusCode: http.StatusBadRequest,
			Message:    "username and password are required",
			Auth:       true,
		}
	}

	epoch, err := c.begin()
	if err != nil {
		return err
	}

	logger := c.logger.With(slog.String("method", string(models.AuthMethodAPI)))

	ts, err := c.api.Login(ctx, id, password)
	if err != nil {
		c.abort(epoch)
		c.metrics.RecordLogin(string(models.AuthMethodAPI), err)
		logger.Warn("login failed", slog.String("kind", umserr.KindOf(err).String()))

		return err
	}

	user := userFromTokens(*ts, id, c.tokens.Now())

	if err := c.establish(epoch, *ts, user, models.AuthMethodAPI, id, nil); err != nil {
		c.metrics.RecordLogin(string(models.AuthMethodAPI), err)
		return err
	}

	c.metrics.RecordLogin(string(models.AuthMethodAPI), nil)
	logger.Info("logged in", slog.String("user_id", user.UserID))

	return nil
}

// begin moves LoggedOut to LoggingIn.
func (c *Coordinator) begin() (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case LoggedOut:
	case LoggedIn:
		if c.tokens.IsAuthenticated() {
			return 0, umserr.ErrAlreadyLoggedIn
		}

		// An expired session may be replaced by a fresh login.
		if err := c.clearLocal(); err != nil {
			return 0, err
		}

		c.resetLocked()
		c.setStateLocked(LoggedOut)
	default:
		return 0, fmt.Errorf("%w: %s", umserr.ErrTransition, c.state)
	}

	c.epoch++
	c.setStateLocked(LoggingIn)

	return c.epoch, nil
}

// abort returns a failed login to LoggedOut.
func (c *Coordinator) abort(epoch uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.epoch == epoch && c.state == LoggingIn {
		c.setStateLocked(LoggedOut)
	}
}

// establish persists a new session in one transaction and moves to
// LoggedIn.
func (c *Coordinator) establish(epoch uint64, ts models.TokenSet, user models.SessionUser, method models.AuthMethod, username string, ssoUser *models.SSOUser) error {
	extra, err := sessionEntries(user, method, username, ssoUser, c.provider.Name())
	if err != nil {
		c.abort(epoch)
		return err
	}

	c.mu.Lock()

	if c.epoch != epoch || c.state != LoggingIn {
		c.mu.Unlock()
		return fmt.Errorf("%w: login superseded", umserr.ErrTransition)
	}

	if err := c.tokens.StoreWith(ts, extra); err != nil {
		c.setStateLocked(LoggedOut)
		c.mu.Unlock()

		return fmt.Errorf("persisting session: %w", err)
	}

	c.user = &user
	c.method = method
	c.username = username
	c.ssoUser = ssoUser
	c.setStateLocked(LoggedIn)
	c.startDiscoveryLocked()
	c.mu.Unlock()

	return nil
}

func sessionEntries(user models.SessionUser, method models.AuthMethod, username string, ssoUser *models.SSOUser, provider string) (map[string]string, error) {
	userJSON, err := json.Marshal(user)
	if err != nil {
		return nil, fmt.Errorf("encoding session user: %w", err)
	}

	set := map[string]string{
		KeyIsAuthenticated: strconv.FormatBool(true),
		KeyUserInfo:        string(userJSON),
		KeyAuthMethod:      string(method),
		KeyCurrentUsername: username,
	}

	if ssoUser != nil {
		ssoJSON, err := json.Marshal(ssoUser)
		if err != nil {
			return nil, fmt.Errorf("encoding sso user: %w", err)
		}

		set[KeySSOUser] = string(ssoJSON)
		set[KeySSOProvider] = provider
	}

	return set, nil
}

// --- SSO ---

// BeginSSO starts an identity provider login.
func (c *Coordinator) BeginSSO(ctx context.Context) (*idp.LoginRequest, error) {
	if !c.provider.Enabled() {
		return nil, umserr.ErrSSODisabled
	}

	if s := c.State(); s != LoggedOut {
		if s == LoggedIn {
			return nil, umserr.ErrAlreadyLoggedIn
		}

		return nil, fmt.Errorf("%w: %s", umserr.ErrTransition, s)
	}

	return c.provider.BeginLogin(ctx)
}

// CompleteSSO finishes an identity provider login from its callback.
func (c *Coordinator) CompleteSSO(ctx context.Context, code, state string) error {
	if !c.provider.Enabled() {
		return umserr.ErrSSODisabled
	}

	epoch, err := c.begin()
	if err != nil {
		return err
	}

	res, err := c.provider.CompleteLogin(ctx, code, state)
	if err != nil {
		c.abort(epoch)
		c.metrics.RecordLogin(string(models.AuthMethodSSO), err)
		c.logger.Warn("sso login failed", slog.String("error", err.Error()))

		return err
	}

	return c.finishSSO(epoch, res.Tokens, res.User)
}

// AdoptSSOToken starts a session from a token the identity provider
// handed to the console directly. state must be that of a login begun
// with BeginSSO.
func (c *Coordinator) AdoptSSOToken(ctx context.Context, token, state string) error {
	if !c.provider.Enabled() {
		return umserr.ErrSSODisabled
	}

	epoch, err := c.begin()
	if err != nil {
		return err
	}

	user, err := c.provider.VerifyToken(ctx, token, state)
	if err != nil {
		c.abort(epoch)
		c.metrics.RecordLogin(string(models.AuthMethodSSO), err)
		c.logger.Warn("sso token rejected", slog.String("error", err.Error()))

		return err
	}

	ts := models.TokenSet{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   tokenLifetime(token, c.tokens.Now()),
	}
	if ts.ExpiresIn == 0 {
		c.abort(epoch)
		return errors.New("sso token has no remaining lifetime")
	}

	return c.finishSSO(epoch, ts, *user)
}

func (c *Coordinator) finishSSO(epoch uint64, ts models.TokenSet, ssoUser models.SSOUser) error {
	user := userFromSSO(ssoUser, c.tokens.Now())
	username := ssoUser.Email
	if username == "" {
		username = ssoUser.ID
	}

	if err := c.establish(epoch, ts, user, models.AuthMethodSSO, username, &ssoUser); err != nil {
		c.metrics.RecordLogin(string(models.AuthMethodSSO), err)
		return err
	}

	c.metrics.RecordLogin(string(models.AuthMethodSSO), nil)
	c.logger.Info("logged in",
		slog.String("method", string(models.AuthMethodSSO)),
		slog.String("provider", c.provider.Name()),
		slog.String("user_id", user.UserID),
	)

	return nil
}

// --- Refresh ---

// Refresh renews the token set with the stored refresh token. On failure
// the session is torn down.
func (c *Coordinator) Refresh(ctx context.Context) error {
	c.mu.Lock()

	if c.state != LoggedIn && c.state != RefreshingToken {
		c.mu.Unlock()
		return umserr.ErrNotAuthenticated
	}

	snap := c.tokens.Snapshot()
	if snap.RefreshToken == "" {
		c.mu.Unlock()
		c.teardown("no refresh token")

		return umserr.ErrNoRefreshToken
	}

	epoch := c.epoch
	method := c.method
	username := c.username
	c.setStateLocked(RefreshingToken)
	c.mu.Unlock()

	var (
		ts  *models.TokenSet
		err error
	)

	if method == models.AuthMethodSSO {
		ts, err = c.provider.Refresh(ctx, snap.RefreshToken)
	} else {
		ts, err = retry.Value(ctx, c.retry, "refreshing token", func(ctx context.Context) (*models.TokenSet, error) {
			return c.api.RefreshToken(ctx, username, snap.RefreshToken)
		})
	}

	if err != nil {
		if errors.Is(err, context.Canceled) {
			c.settle(epoch)
			return err
		}

		c.teardownEpoch(epoch, "refresh failed")

		return fmt.Errorf("%w: %w", umserr.ErrRefreshFailed, err)
	}

	if ts.RefreshToken == "" {
		ts.RefreshToken = snap.RefreshToken
	}

	if ts.IDToken == "" {
		ts.IDToken = snap.IDToken
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.epoch != epoch || c.state != RefreshingToken {
		return fmt.Errorf("%w: session ended during refresh", umserr.ErrRefreshFailed)
	}

	if err := c.tokens.Store(*ts); err != nil {
		c.setStateLocked(LoggedIn)
		return fmt.Errorf("%w: %w", umserr.ErrRefreshFailed, err)
	}

	c.setStateLocked(LoggedIn)
	c.logger.Debug("token refreshed", slog.String("method", string(method)))

	return nil
}

// settle returns an interrupted refresh to LoggedIn.
func (c *Coordinator) settle(epoch uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.epoch == epoch && c.state == RefreshingToken {
		c.setStateLocked(LoggedIn)
	}
}

// Resume makes the session usable: an expired access token is refreshed
// when possible, and a session that cannot be refreshed is cleared.
func (c *Coordinator) Resume(ctx context.Context) error {
	if c.IsLoggedIn() {
		return nil
	}

	switch c.State() {
	case LoggedIn, RefreshingToken:
	default:
		return umserr.ErrNotAuthenticated
	}

	if err := c.Refresh(ctx); err != nil {
		return fmt.Errorf("%w: %w", umserr.ErrNotAuthenticated, err)
	}

	return nil
}

// --- Logout ---

// Logout ends the session. The method-specific remote step is best effort;
// every persisted key is cleared regardless. For SSO sessions the
// identity provider's end-session URL is returned for the browser.
func (c *Coordinator) Logout(ctx context.Context) (string, error) {
	c.mu.Lock()

	switch c.state {
	case LoggedOut:
		c.mu.Unlock()
		return "", c.clearLocal()
	case LoggingOut:
		c.mu.Unlock()
		return "", fmt.Errorf("%w: %s", umserr.ErrTransition, c.state)
	case LoggingIn:
		c.epoch++
		c.setStateLocked(LoggedOut)
		c.mu.Unlock()

		return "", c.clearLocal()
	}

	method := c.method
	username := c.username
	idToken := c.tokens.IDToken()
	c.epoch++
	c.stopDiscoveryLocked()
	c.setStateLocked(LoggingOut)
	c.mu.Unlock()

	var (
		remoteErr error
		redirect  string
	)

	if method == models.AuthMethodSSO {
		redirect = c.provider.LogoutURL(idToken)
	} else {
		remoteErr = c.api.Logout(ctx, username)
	}

	if remoteErr != nil {
		c.logger.Warn("remote logout failed, clearing local session",
			slog.String("error", remoteErr.Error()),
		)
	}

	clearErr := c.clearLocal()

	c.mu.Lock()
	c.resetLocked()
	c.setStateLocked(LoggedOut)
	c.mu.Unlock()

	c.metrics.RecordLogout(remoteErr)
	c.logger.Info("logged out", slog.String("method", string(method)))

	return redirect, clearErr
}

// teardown ends the session locally without a remote call.
func (c *Coordinator) teardown(reason string) {
	c.mu.Lock()
	epoch := c.epoch
	c.mu.Unlock()

	c.teardownEpoch(epoch, reason)
}

func (c *Coordinator) teardownEpoch(epoch uint64, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.epoch != epoch {
		return
	}

	c.epoch++
	c.stopDiscoveryLocked()

	if err := c.clearLocal(); err != nil {
		c.logger.Warn("clearing session", slog.String("error", err.Error()))
	}

	c.resetLocked()
	c.setStateLocked(LoggedOut)
	c.logger.Info("session ended", slog.String("reason", reason))
}

func (c *Coordinator) clearLocal() error {
	return c.tokens.ClearWith(sessionKeys...)
}

func (c *Coordinator) resetLocked() {
	c.user = nil
	c.method = ""
	c.username = ""
	c.ssoUser = nil
}

// --- Account ---

// ChangePassword changes the signed-in user's password.
func (c *Coordinator) ChangePassword(ctx context.Context, current, next string) error {
	if utf8.RuneCountInString(next) < c.minPass {
		return fmt.Errorf("%w: must be at least %d characters", umserr.ErrPasswordTooShort, c.minPass)
	}

	c.mu.Lock()
	state := c.state
	username := c.username
	c.mu.Unlock()

	if state != LoggedIn && state != RefreshingToken {
		return umserr.ErrNotAuthenticated
	}

	if err := c.api.ChangePassword(ctx, username, current, next); err != nil {
		return err
	}

	c.logger.Info("password changed")

	return nil
}

// UpdateUser merges patch into the session user and persists it.
func (c *Coordinator) UpdateUser(patch models.UserPatch) (*models.SessionUser, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.user == nil || (c.state != LoggedIn && c.state != RefreshingToken) {
		return nil, umserr.ErrNotAuthenticated
	}

	updated := patch.Apply(*c.user)

	data, err := json.Marshal(updated)
	if err != nil {
		return nil, fmt.Errorf("encoding session user: %w", err)
	}

	if err := c.kv.SetMany(map[string]string{KeyUserInfo: string(data)}, nil); err != nil {
		return nil, fmt.Errorf("saving session user: %w", err)
	}

	c.user = &updated
	c.broker.Publish(c.eventLocked())

	out := updated

	return &out, nil
}

// --- Discovery ---

func (c *Coordinator) startDiscoveryLocked() {
	if c.discoverer == nil {
		return
	}

	c.stopDiscoveryLocked()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.discoverCancel = cancel
	c.discoverDone = done

	go func() {
		defer close(done)

		infos, err := c.discoverer.Discover(ctx)

		switch {
		case err == nil:
			c.logger.Debug("sso services discovered", slog.Int("count", len(infos)))
		case ctx.Err() != nil:
			c.logger.Debug("sso discovery cancelled")
		default:
			msg := sso.Classify(err, sso.StagePermittedServices).UserMessage()
			c.logger.Warn("sso discovery failed",
				slog.String("error", err.Error()),
				slog.String("user_message", msg),
			)
		}
	}()
}

// stopDiscoveryLocked cancels the running discovery and waits for it to
// return, so nothing it caches can outlive the session that started it.
// Discovery never takes c.mu, so waiting here cannot deadlock.
func (c *Coordinator) stopDiscoveryLocked() {
	if c.discoverCancel == nil {
		return
	}

	c.discoverCancel()
	c.discoverCancel = nil

	if c.discoverDone != nil {
		<-c.discoverDone
	}
}

// WaitDiscovery blocks until the current discovery run finishes or ctx is
// done.
func (c *Coordinator) WaitDiscovery(ctx context.Context) error {
	c.mu.Lock()
	done := c.discoverDone
	c.mu.Unlock()

	if done == nil {
		return nil
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops discovery and closes subscriber channels.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.stopDiscoveryLocked()
	c.mu.Unlock()

	c.broker.Close()
}

// --- Events ---

func (c *Coordinator) setStateLocked(s State) {
	if c.state != s && !CanTransition(c.state, s) {
		c.logger.Error("invalid session transition",
			slog.String("from", c.state.String()),
			slog.String("to", s.String()),
		)
	}

	c.state = s

	if c.broker != nil {
		c.broker.Publish(c.eventLocked())
	}
}

func (c *Coordinator) eventLocked() Event {
	e := Event{
		State:         c.state,
		Authenticated: c.state == LoggedIn && c.tokens.IsAuthenticated(),
		Method:        c.method,
	}

	if c.user != nil {
		u := *c.user
		e.User = &u
	}

	c.metrics.SetAuthenticated(e.Authenticated)

	return e
}
