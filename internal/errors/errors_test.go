package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSentinelErrors_AreDistinct(t *testing.T) {
	sentinels := []error{
		ErrInvalidCredentials,
		ErrNotAuthenticated,
		ErrNoRefreshToken,
		ErrRefreshFailed,
		ErrTransition,
		ErrAlreadyLoggedIn,
		ErrPasswordTooShort,
		ErrSSODisabled,
		ErrSSOStateMismatch,
		ErrServiceNotFound,
		ErrAPIRequest,
		ErrAPIResponse,
		ErrNotReplayed,
	}
	for i := 0; i < len(sentinels); i++ {
		assert.NotEmpty(t, sentinels[i].Error())
		for j := i + 1; j < len(sentinels); j++ {
			assert.NotEqual(t, sentinels[i], sentinels[j],
				"sentinel errors should be distinct: %q vs %q", sentinels[i], sentinels[j])
		}
	}
}

// --- StatusError ---

func TestStatusError_Kind(t *testing.T) {
	tests := []struct {
		name string
		err  *StatusError
		want Kind
	}{
		{"login 401", &StatusError{StatusCode: 401, Auth: true}, KindCredentials},
		{"login envelope failure", &StatusError{StatusCode: 200, Auth: true}, KindCredentials},
		{"401 elsewhere", &StatusError{StatusCode: 401}, KindUnauthorized},
		{"403", &StatusError{StatusCode: 403}, KindForbidden},
		{"404", &StatusError{StatusCode: 404}, KindNotFound},
		{"400", &StatusError{StatusCode: 400}, KindValidation},
		{"envelope failure", &StatusError{StatusCode: 200}, KindValidation},
		{"429", &StatusError{StatusCode: 429}, KindTransient},
		{"503", &StatusError{StatusCode: 503}, KindTransient},
		{"500", &StatusError{StatusCode: 500}, KindServer},
		{"418", &StatusError{StatusCode: 418}, KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Kind())
		})
	}
}

func TestStatusError_UnwrapsCredentials(t *testing.T) {
	err := fmt.Errorf("logging in: %w", &StatusError{Endpoint: "/api/auth/login", StatusCode: 401, Auth: true})
	assert.True(t, errors.Is(err, ErrInvalidCredentials))
	assert.False(t, errors.Is(err, ErrAPIRequest))
}

func TestStatusError_UnwrapsAPIRequest(t *testing.T) {
	err := fmt.Errorf("listing users: %w", &StatusError{Endpoint: "/api/users", StatusCode: 500})
	assert.True(t, errors.Is(err, ErrAPIRequest))
}

func TestStatusError_ErrorText(t *testing.T) {
	assert.Equal(t, "API /x (404): gone", (&StatusError{Endpoint: "/x", StatusCode: 404, Message: "gone"}).Error())
	assert.Equal(t, "API /x returned status 502", (&StatusError{Endpoint: "/x", StatusCode: 502}).Error())
}

// --- Transient ---

func TestIsTransient(t *testing.T) {
	base := errors.New("connection refused")
	assert.True(t, IsTransient(&TransientError{Err: base}))
	assert.True(t, IsTransient(fmt.Errorf("wrapped: %w", &TransientError{Err: base})))
	assert.False(t, IsTransient(base))
	assert.False(t, IsTransient(nil))
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindTransient, KindOf(&TransientError{Err: errors.New("dial tcp")}))
	assert.Equal(t, KindValidation, KindOf(fmt.Errorf("x: %w", ErrPasswordTooShort)))
	assert.Equal(t, KindUnauthorized, KindOf(ErrNoRefreshToken))
	assert.Equal(t, KindUnknown, KindOf(errors.New("boom")))
	assert.Equal(t, KindUnknown, KindOf(nil))
}

// --- UserMessage ---

func TestUserMessage(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{&StatusError{StatusCode: 200, Auth: true, Message: "Invalid username or password"}, "Invalid username or password"},
		{&StatusError{StatusCode: 401, Auth: true}, "invalid username or password"},
		{&StatusError{StatusCode: 400, Message: "email already taken"}, "email already taken"},
		{&StatusError{StatusCode: 403}, "Access forbidden. You do not have permission."},
		{&StatusError{StatusCode: 404}, "Resource not found."},
		{&StatusError{StatusCode: 500, Message: "stack trace"}, "Internal server error. Please try again later."},
		{&TransientError{Err: errors.New("dial")}, "Network connection error. Please check the API server is reachable."},
		{errors.New("other"), "other"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, UserMessage(tt.err))
	}
	assert.Equal(t, "", UserMessage(nil))
}
