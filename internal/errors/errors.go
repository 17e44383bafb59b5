// Package errors defines the error taxonomy shared by the API client,
// the session coordinator and the request authenticator.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Session errors.
var (
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrNotAuthenticated   = errors.New("not authenticated")
	ErrNoRefreshToken     = errors.New("no refresh token available")
	ErrRefreshFailed      = errors.New("token refresh failed")
	ErrTransition         = errors.New("session transition in progress")
	ErrAlreadyLoggedIn    = errors.New("already logged in")
	ErrPasswordTooShort   = errors.New("new password is too short")
	ErrSSODisabled        = errors.New("SSO is disabled, use API authentication")
	ErrSSOStateMismatch   = errors.New("SSO state does not match a pending login")
	ErrServiceNotFound    = errors.New("service not found")
)

// Server/transport errors.
var (
	ErrAPIRequest  = errors.New("API request failed")
	ErrAPIResponse = errors.New("unexpected API response")
	ErrNotReplayed = errors.New("request body cannot be replayed")
)

// Kind classifies a failed backend call.
type Kind int

const (
	KindUnknown Kind = iota
	KindCredentials
	KindUnauthorized
	KindForbidden
	KindNotFound
	KindValidation
	KindTransient
	KindServer
)

func (k Kind) String() string {
	switch k {
	case KindCredentials:
		return "credentials"
	case KindUnauthorized:
		return "unauthorized"
	case KindForbidden:
		return "forbidden"
	case KindNotFound:
		return "not_found"
	case KindValidation:
		return "validation"
	case KindTransient:
		return "transient"
	case KindServer:
		return "server"
	}

	return "unknown"
}

// StatusError is a non-success answer from the backend, either an HTTP
// error status or a 200 envelope with isSuccess=false (StatusCode 200).
type StatusError struct {
	Endpoint   string
	StatusCode int
	Message    string
	// Auth marks errors returned by the login endpoint, where a 401 means
	// rejected credentials rather than an expired session.
	Auth bool
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("API %s returned status %d", e.Endpoint, e.StatusCode)
	}

	return fmt.Sprintf("API %s (%d): %s", e.Endpoint, e.StatusCode, e.Message)
}

// Unwrap lets errors.Is match ErrInvalidCredentials for rejected logins
// and ErrAPIRequest for everything else.
func (e *StatusError) Unwrap() error {
	if e.Kind() == KindCredentials {
		return ErrInvalidCredentials
	}

	return ErrAPIRequest
}

// Kind classifies the error by status code.
func (e *StatusError) Kind() Kind {
	switch {
	case e.Auth && (e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusOK):
		return KindCredentials
	case e.StatusCode == http.StatusUnauthorized:
		return KindUnauthorized
	case e.StatusCode == http.StatusForbidden:
		return KindForbidden
	case e.StatusCode == http.StatusNotFound:
		return KindNotFound
	case e.StatusCode == http.StatusBadRequest, e.StatusCode == http.StatusUnprocessableEntity,
		e.StatusCode == http.StatusConflict, e.StatusCode == http.StatusOK:
		return KindValidation
	case IsTransientStatus(e.StatusCode):
		return KindTransient
	case e.StatusCode >= http.StatusInternalServerError:
		return KindServer
	}

	return KindUnknown
}

// TransientError wraps an error that is likely temporary and safe to retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or any error in its chain) is a
// TransientError, meaning the caller may retry after a backoff.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsTransientStatus returns true for HTTP status codes that indicate a
// temporary server-side problem worth retrying. 500 is deliberately
// excluded: server errors are surfaced, not retried.
func IsTransientStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}

	return false
}

// KindOf returns the classification of err, KindTransient for network
// failures and KindUnknown for anything unrecognised.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	var se *StatusError
	if errors.As(err, &se) {
		return se.Kind()
	}

	switch {
	case IsTransient(err):
		return KindTransient
	case errors.Is(err, ErrInvalidCredentials):
		return KindCredentials
	case errors.Is(err, ErrPasswordTooShort):
		return KindValidation
	case errors.Is(err, ErrNotAuthenticated), errors.Is(err, ErrNoRefreshToken), errors.Is(err, ErrRefreshFailed):
		return KindUnauthorized
	}

	return KindUnknown
}

// UserMessage returns text suitable for showing to an operator. Backend
// messages for credential and validation errors are surfaced verbatim;
// other kinds get a generic sentence.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}

	var se *StatusError

	hasStatus := errors.As(err, &se)

	switch KindOf(err) {
	case KindCredentials:
		if hasStatus && se.Message != "" {
			return se.Message
		}

		return ErrInvalidCredentials.Error()
	case KindValidation:
		if hasStatus && se.Message != "" {
			return se.Message
		}

		return err.Error()
	case KindUnauthorized:
		return "Unauthorized. Please login again."
	case KindForbidden:
		return "Access forbidden. You do not have permission."
	case KindNotFound:
		return "Resource not found."
	case KindTransient:
		return "Network connection error. Please check the API server is reachable."
	case KindServer:
		return "Internal server error. Please try again later."
	}

	return err.Error()
}
