package models

// PermittedService is a downstream application the signed-in user may
// open. ClientID is unique across services.
type PermittedService struct {
	ID                        string         `json:"id"`
	ClientID                  string         `json:"clientId"`
	Name                      string         `json:"name"`
	Protocol                  string         `json:"protocol,omitempty"`
	BaseURL                   string         `json:"baseUrl"`
	Enabled                   bool           `json:"enabled"`
	PublicClient              bool           `json:"publicClient"`
	StandardFlowEnabled       bool           `json:"standardFlowEnabled"`
	DirectAccessGrantsEnabled bool           `json:"directAccessGrantsEnabled"`
	ServiceAccountsEnabled    bool           `json:"serviceAccountsEnabled"`
	Attributes                map[string]any `json:"attributes,omitempty"`
	Description               string         `json:"description,omitempty"`
	Icon                      string         `json:"icon,omitempty"`
	Category                  string         `json:"category,omitempty"`
}

// SsoRedirectInfo pairs a service with a short-lived token and the URL
// that hands the token to the service.
type SsoRedirectInfo struct {
	Service     PermittedService `json:"service"`
	Token       string           `json:"token"`
	RedirectURL string           `json:"redirectUrl"`
}
