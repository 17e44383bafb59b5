package session

import (
	"strings"
	"time"

	"github.com/alexjbarnes/ums-client/internal/models"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/text/unicode/norm"
)

const statusActive = "active"

// normalizeIdentifier trims and NFC-normalizes a login identifier so the
// same name typed on different keyboards maps to one account.
func normalizeIdentifier(id string) string {
	return norm.NFC.String(strings.TrimSpace(id))
}

// tokenClaims reads the claims of a JWT without verifying the signature.
// The claims only label the session for display.
func tokenClaims(raw string) jwt.MapClaims {
	if raw == "" {
		return nil
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return nil
	}

	return claims
}

func claimString(claims jwt.MapClaims, key string) string {
	v, _ := claims[key].(string)
	return v
}

// userFromTokens builds the session user from the ID token, falling back
// to the access token and then to the login identifier. The email is only
// ever taken from a claim or from an identifier that is an address.
func userFromTokens(ts models.TokenSet, identifier string, now time.Time) models.SessionUser {
	user := models.SessionUser{
		UserID:   identifier,
		Name:     identifier,
		Status:   statusActive,
		JoinDate: now.UTC(),
	}

	if strings.Contains(identifier, "@") {
		user.Email = identifier
	}

	claims := tokenClaims(ts.IDToken)
	if claims == nil {
		claims = tokenClaims(ts.AccessToken)
	}

	if claims == nil {
		return user
	}

	if sub := claimString(claims, "sub"); sub != "" {
		user.UserID = sub
	}

	name := claimString(claims, "name")
	if name == "" {
		name = strings.TrimSpace(claimString(claims, "given_name") + " " + claimString(claims, "family_name"))
	}

	if name == "" {
		name = claimString(claims, "preferred_username")
	}

	if name != "" {
		user.Name = name
	}

	if email := claimString(claims, "email"); email != "" {
		user.Email = email
	}

	user.Phone = claimString(claims, "phone_number")
	user.Location = claimString(claims, "locale")

	if roles := realmRoles(claims); len(roles) > 0 {
		user.Role = roles[0]
	}

	return user
}

func realmRoles(claims jwt.MapClaims) []string {
	access, ok := claims["realm_access"].(map[string]any)
	if !ok {
		return nil
	}

	list, ok := access["roles"].([]any)
	if !ok {
		return nil
	}

	roles := make([]string, 0, len(list))

	for _, r := range list {
		if s, ok := r.(string); ok && !strings.HasPrefix(s, "default-roles-") {
			roles = append(roles, s)
		}
	}

	return roles
}

// userFromSSO maps an identity provider user to a session user.
func userFromSSO(u models.SSOUser, now time.Time) models.SessionUser {
	user := models.SessionUser{
		UserID:   u.ID,
		Name:     u.Name,
		Email:    u.Email,
		Status:   statusActive,
		JoinDate: now.UTC(),
	}

	if user.Name == "" {
		user.Name = u.Email
	}

	if len(u.Roles) > 0 {
		user.Role = u.Roles[0]
	}

	return user
}

// tokenLifetime returns the seconds until the token's exp claim, or 0 when
// it has none or is already expired.
func tokenLifetime(raw string, now time.Time) int64 {
	claims := tokenClaims(raw)
	if claims == nil {
		return 0
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return 0
	}

	secs := int64(exp.Sub(now).Seconds())
	if secs < 0 {
		return 0
	}

	return secs
}
