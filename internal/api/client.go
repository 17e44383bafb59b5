// Package api is the HTTP client for the UMS backend REST API.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
	"unicode/utf8"

	umserr "github.com/alexjbarnes/ums-client/internal/errors"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

const (
	// maxRedirects is the maximum number of HTTP redirects to follow
	// before giving up, matching the default net/http limit.
	maxRedirects = 10

	// DefaultTimeout is the timeout for the default HTTP client used
	// when no custom client is provided.
	DefaultTimeout = 30 * time.Second

	// maxAPIResponseBytes caps response body reads to prevent a
	// misbehaving server from consuming unbounded memory.
	maxAPIResponseBytes = 1024 * 1024

	// RequestIDHeader carries a per-request correlation id.
	RequestIDHeader = "X-Request-ID"
)

// Backend endpoints.
const (
	PathLogin             = "/api/auth/login"
	PathRefreshToken      = "/api/auth/refresh-token"
	PathLogout            = "/api/auth/logout/"
	PathSSOToken          = "/api/auth/sso-token"
	PathPermittedServices = "/api/services/permitted-services"
	PathUsers             = "/api/users"
	PathRoles             = "/api/users/roles"
	PathHealth            = "/health"
)

// Envelope is the backend's standard response wrapper.
type Envelope[T any] struct {
	IsSuccess    bool   `json:"isSuccess"`
	Value        T      `json:"value"`
	ErrorMessage string `json:"errorMessage"`
	TotalRecord  int    `json:"totalRecord"`
}

// Client talks to the UMS REST API. Authentication is handled by the
// transport of the supplied http.Client.
type Client struct {
	httpClient *http.Client
	baseURL    string
	logger     *slog.Logger
}

// SameHostRedirectPolicy follows redirects only when the target host
// matches the original request host. This prevents the Authorization
// header from leaking to third-party domains.
func SameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// NewClient creates an API client for baseURL with the given http.Client.
// If httpClient is nil, a client with a 30-second timeout and same-host
// redirect policy is created.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:       DefaultTimeout,
			CheckRedirect: SameHostRedirectPolicy,
		}
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    baseURL,
		logger:     logger,
	}
}

// BaseURL returns the backend base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// sanitizeResponseBody truncates and sanitizes a response body for
// inclusion in error messages. Limits to 256 bytes and replaces
// non-printable characters to prevent log injection.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}

// errorMessage pulls a human-readable message out of an error body. The
// backend and the identity provider behind it use several shapes.
func errorMessage(body []byte) string {
	if !gjson.ValidBytes(body) {
		return ""
	}

	for _, path := range []string{"errorMessage", "message", "error_description", "error.message", "error", "title"} {
		r := gjson.GetBytes(body, path)
		if r.Type == gjson.String && r.String() != "" {
			return r.String()
		}
	}

	return ""
}

// do sends a JSON request and decodes a successful response into result.
// Non-2xx statuses become *errors.StatusError; network failures and
// transient statuses are wrapped in *errors.TransientError.
func (c *Client) do(ctx context.Context, method, endpoint string, body, result any) error {
	var reader io.Reader

	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshalling request body: %w", err)
		}

		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Accept", "application/json")

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	reqID := uuid.NewString()
	req.Header.Set(RequestIDHeader, reqID)

	start := time.Now()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		wrapped := fmt.Errorf("sending request to %s: %w", endpoint, err)
		if ctx.Err() != nil {
			return wrapped
		}
		// Network errors (timeouts, connection refused, DNS failures)
		// are transient by nature. Authenticator errors are not.
		var urlErr *url.Error
		if errors.As(err, &urlErr) && isAuthnError(urlErr.Err) {
			return wrapped
		}

		return &umserr.TransientError{Err: wrapped}
	}
	defer resp.Body.Close()

	// Cap response reads at 1MB. API responses are small JSON payloads.
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return fmt.Errorf("reading response from %s: %w", endpoint, err)
	}

	c.logger.Debug("api request",
		slog.String("method", method),
		slog.String("endpoint", endpoint),
		slog.Int("status", resp.StatusCode),
		slog.String("request_id", reqID),
		slog.Duration("elapsed", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := errorMessage(respBody)
		if msg == "" && len(respBody) > 0 && !gjson.ValidBytes(respBody) {
			msg = sanitizeResponseBody(respBody)
		}

		statusErr := &umserr.StatusError{
			Endpoint:   endpoint,
			StatusCode: resp.StatusCode,
			Message:    msg,
			Auth:       endpoint == PathLogin,
		}
		if umserr.IsTransientStatus(resp.StatusCode) {
			return &umserr.TransientError{Err: statusErr}
		}

		return statusErr
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("decoding response from %s: %w: %w", endpoint, umserr.ErrAPIResponse, err)
		}
	}

	return nil
}

// isAuthnError reports errors produced by the session transport rather
// than the network, which must not be retried.
func isAuthnError(err error) bool {
	return errors.Is(err, umserr.ErrRefreshFailed) ||
		errors.Is(err, umserr.ErrNoRefreshToken) ||
		errors.Is(err, umserr.ErrNotAuthenticated)
}

// call sends a request whose response is an Envelope and returns its
// value. An envelope with isSuccess=false is reported as a StatusError
// carrying the backend's message.
func call[T any](ctx context.Context, c *Client, method, endpoint string, body any) (T, int, error) {
	var env Envelope[T]

	var zero T

	if err := c.do(ctx, method, endpoint, body, &env); err != nil {
		return zero, 0, err
	}

	if !env.IsSuccess {
		msg := env.ErrorMessage
		if msg == "" {
			msg = "request was not successful"
		}

		return zero, 0, &umserr.StatusError{
			Endpoint:   endpoint,
			StatusCode: http.StatusOK,
			Message:    msg,
			Auth:       endpoint == PathLogin,
		}
	}

	return env.Value, env.TotalRecord, nil
}

// callLoose is call for endpoints that may answer without the envelope.
// When the body has no isSuccess field, the value is read from field alt
// if present, otherwise from the whole body.
func callLoose[T any](ctx context.Context, c *Client, method, endpoint string, body any, alt string) (T, error) {
	var (
		raw  json.RawMessage
		zero T
	)

	if err := c.do(ctx, method, endpoint, body, &raw); err != nil {
		return zero, err
	}

	value := []byte(raw)

	switch {
	case gjson.GetBytes(raw, "isSuccess").Exists():
		var env Envelope[json.RawMessage]
		if err := json.Unmarshal(raw, &env); err != nil {
			return zero, fmt.Errorf("decoding response from %s: %w: %w", endpoint, umserr.ErrAPIResponse, err)
		}

		if !env.IsSuccess {
			msg := env.ErrorMessage
			if msg == "" {
				msg = "request was not successful"
			}

			return zero, &umserr.StatusError{Endpoint: endpoint, StatusCode: http.StatusOK, Message: msg}
		}

		value = env.Value
	case alt != "" && gjson.GetBytes(raw, alt).Exists():
		value = []byte(gjson.GetBytes(raw, alt).Raw)
	}

	var out T
	if len(value) == 0 {
		return out, nil
	}

	if err := json.Unmarshal(value, &out); err != nil {
		return zero, fmt.Errorf("decoding response from %s: %w: %w", endpoint, umserr.ErrAPIResponse, err)
	}

	return out, nil
}

// Health checks GET /health.
func (c *Client) Health(ctx context.Context) error {
	if err := c.do(ctx, http.MethodGet, PathHealth, nil, nil); err != nil {
		return fmt.Errorf("health check: %w", err)
	}

	return nil
}
