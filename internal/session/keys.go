package session

import (
	"github.com/alexjbarnes/ums-client/internal/sso"
	"github.com/alexjbarnes/ums-client/internal/tokenstore"
)

// Persisted session keys outside the token set.
const (
	KeyIsAuthenticated = "isAuthenticated"
	KeyUserInfo        = "userInfo"
	KeyAuthMethod      = "authMethod"
	KeyCurrentUsername = "current_username"
	KeySSOProvider     = "sso_provider"
	KeySSOUser         = "sso_user"
)

// sessionKeys are removed together with the token keys on teardown.
var sessionKeys = []string{
	KeyIsAuthenticated,
	KeyUserInfo,
	KeyAuthMethod,
	KeyCurrentUsername,
	KeySSOProvider,
	KeySSOUser,
	sso.KeyRedirectInfo,
}

// AllKeys lists every key a session may persist.
func AllKeys() []string {
	keys := make([]string, 0, len(tokenstore.TokenKeys)+len(sessionKeys))
	keys = append(keys, tokenstore.TokenKeys...)

	return append(keys, sessionKeys...)
}
