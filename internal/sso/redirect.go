package sso

import (
	"fmt"
	"net/url"
)

// TokenParam is the query parameter that carries the SSO token.
const TokenParam = "token"

// RedirectURL sets the token query parameter on baseURL. An empty token=
// placeholder in the base URL is replaced; other parameters are kept.
func RedirectURL(baseURL, token string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parsing base url: %w", err)
	}

	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("base url %q is not an absolute http(s) url", baseURL)
	}

	if token == "" {
		return "", fmt.Errorf("empty sso token")
	}

	q := u.Query()
	q.Set(TokenParam, token)
	u.RawQuery = q.Encode()

	return u.String(), nil
}
