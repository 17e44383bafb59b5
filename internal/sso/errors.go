// Package sso discovers the downstream services a signed-in user may open
// and builds the token-bearing redirect for each.
package sso

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	umserr "github.com/alexjbarnes/ums-client/internal/errors"
	"github.com/alexjbarnes/ums-client/internal/models"
)

// Code classifies an SSO failure.
type Code string

const (
	CodePermittedServicesFetchFailed Code = "PERMITTED_SERVICES_FETCH_FAILED"
	CodeSSOTokenRequestFailed        Code = "SSO_TOKEN_REQUEST_FAILED"
	CodeNoEnabledServices            Code = "NO_ENABLED_SERVICES"
	CodeServiceRedirectFailed        Code = "SERVICE_REDIRECT_FAILED"
	CodeInvalidServiceConfiguration  Code = "INVALID_SERVICE_CONFIGURATION"
	CodeNetworkError                 Code = "NETWORK_ERROR"
	CodeAuthenticationRequired       Code = "AUTHENTICATION_REQUIRED"
	CodeUnauthorizedAccess           Code = "UNAUTHORIZED_ACCESS"
)

var userMessages = map[Code]string{
	CodePermittedServicesFetchFailed: "Failed to fetch available services. Please try again later.",
	CodeSSOTokenRequestFailed:        "Failed to obtain access token for the service. Please try again.",
	CodeNoEnabledServices:            "No services are currently available for access.",
	CodeServiceRedirectFailed:        "Failed to redirect to the requested service. Please try again.",
	CodeInvalidServiceConfiguration:  "Service configuration is invalid. Please contact support.",
	CodeNetworkError:                 "Network connection error. Please check your internet connection.",
	CodeAuthenticationRequired:       "Authentication is required to access this service.",
	CodeUnauthorizedAccess:           "You do not have permission to access this service.",
}

// UserMessage returns the operator-facing text for code.
func (c Code) UserMessage() string {
	if msg, ok := userMessages[c]; ok {
		return msg
	}

	return "An unexpected error occurred. Please try again."
}

// Stage names where in the flow an error happened.
type Stage string

const (
	StagePermittedServices Stage = "permitted-services"
	StageSSOToken          Stage = "sso-token"
	StageRedirect          Stage = "redirect"
)

// Error is a classified SSO failure.
type Error struct {
	Code  Code
	Stage Stage
	Err   error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("sso %s: %s", e.Stage, e.Code)
	}

	return fmt.Sprintf("sso %s: %s: %v", e.Stage, e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// UserMessage returns the operator-facing text.
func (e *Error) UserMessage() string { return e.Code.UserMessage() }

// Classify maps err at stage to an SSO error code. Status codes decide
// where present; otherwise network failures map to NETWORK_ERROR and the
// stage picks the rest.
func Classify(err error, stage Stage) *Error {
	var se *Error
	if errors.As(err, &se) {
		return se
	}

	out := &Error{Stage: stage, Err: err}

	var status *umserr.StatusError
	if errors.As(err, &status) && status.StatusCode != http.StatusOK {
		switch {
		case status.StatusCode == http.StatusUnauthorized:
			out.Code = CodeAuthenticationRequired
		case status.StatusCode == http.StatusForbidden:
			out.Code = CodeUnauthorizedAccess
		case status.StatusCode == http.StatusNotFound:
			out.Code = stageCode(stage)
		case status.StatusCode >= http.StatusInternalServerError:
			out.Code = stageCode(stage)
		default:
			out.Code = CodeNetworkError
		}

		return out
	}

	switch {
	case errors.Is(err, umserr.ErrRefreshFailed), errors.Is(err, umserr.ErrNotAuthenticated), errors.Is(err, umserr.ErrNoRefreshToken):
		out.Code = CodeAuthenticationRequired
	case umserr.IsTransient(err):
		out.Code = CodeNetworkError
	case stage == StageRedirect:
		out.Code = CodeServiceRedirectFailed
	default:
		out.Code = stageCode(stage)
	}

	return out
}

func stageCode(stage Stage) Code {
	if stage == StageSSOToken {
		return CodeSSOTokenRequestFailed
	}

	return CodePermittedServicesFetchFailed
}

// LogError writes a classified error at warn level.
func LogError(logger *slog.Logger, e *Error) {
	attrs := []any{
		slog.String("code", string(e.Code)),
		slog.String("stage", string(e.Stage)),
		slog.String("user_message", e.UserMessage()),
	}
	if e.Err != nil {
		attrs = append(attrs, slog.String("error", e.Err.Error()))
	}

	logger.Warn("sso error", attrs...)
}

// ValidateService checks the fields needed to redirect to a service.
func ValidateService(s models.PermittedService) error {
	var problem string

	switch {
	case strings.TrimSpace(s.ClientID) == "":
		problem = "service clientId is missing"
	case strings.TrimSpace(s.BaseURL) == "":
		problem = "service baseUrl is missing"
	default:
		if _, err := RedirectURL(s.BaseURL, "x"); err != nil {
			problem = err.Error()
		}
	}

	if problem == "" {
		return nil
	}

	return &Error{Code: CodeInvalidServiceConfiguration, Stage: StageRedirect, Err: errors.New(problem)}
}
