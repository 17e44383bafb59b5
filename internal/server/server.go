// Package server provides the console's HTTP surface: the login flow,
// the SSO callback, the services page, the session API, the session
// event stream, metrics and the optional MCP endpoint.
package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alexjbarnes/ums-client/internal/auth"
	"github.com/alexjbarnes/ums-client/internal/idp"
	"github.com/alexjbarnes/ums-client/internal/models"
	"github.com/alexjbarnes/ums-client/internal/session"
)

// maxRequestBody caps form and JSON request bodies.
const maxRequestBody = 64 * 1024

// Session is the console's view of the session coordinator.
type Session interface {
	Resume(ctx context.Context) error
	Login(ctx context.Context, identifier, password string) error
	Logout(ctx context.Context) (string, error)
	BeginSSO(ctx context.Context) (*idp.LoginRequest, error)
	CompleteSSO(ctx context.Context, code, state string) error
	AdoptSSOToken(ctx context.Context, token, state string) error
	Current() session.Event
	Subscribe() (<-chan session.Event, func())
	Provider() idp.Provider
}

// Services lists cached SSO redirect targets.
type Services interface {
	Load() ([]models.SsoRedirectInfo, error)
}

// Resolver fetches redirect information for one service on demand.
type Resolver interface {
	Resolve(ctx context.Context, clientID string) (*models.SsoRedirectInfo, error)
}

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	Session  Session
	Services Services
	Resolver Resolver
	Auth     *auth.Store
	Limiter  *auth.LoginLimiter
	// Metrics serves /metrics when set.
	Metrics    http.Handler
	MCPHandler http.Handler
	Logger     *slog.Logger
}

type handlers struct {
	MuxConfig
}

// NewMux builds the console mux. Pages behind the session guard redirect
// to /login when there is no usable session; JSON endpoints answer 401.
// The MCP endpoint is protected by API key middleware.
func NewMux(cfg MuxConfig) *http.ServeMux {
	h := &handlers{MuxConfig: cfg}

	page := h.requireSession(false)
	api := h.requireSession(true)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", handleHealth)
	mux.HandleFunc("GET /login", h.loginForm)
	mux.HandleFunc("POST /login", h.login)
	mux.HandleFunc("GET /login/sso", h.beginSSO)
	mux.HandleFunc("GET /sso/callback", h.ssoCallback)
	mux.HandleFunc("POST /logout", h.logout)
	mux.Handle("GET /{$}", page(http.RedirectHandler("/services", http.StatusFound)))
	mux.Handle("GET /services", page(http.HandlerFunc(h.servicesPage)))
	mux.Handle("GET /services/{clientId}", page(http.HandlerFunc(h.openService)))
	mux.HandleFunc("GET /api/session", h.apiSession)
	mux.Handle("GET /api/services", api(http.HandlerFunc(h.apiServices)))
	mux.HandleFunc("GET /events", h.events)

	if cfg.Metrics != nil {
		mux.Handle("GET /metrics", cfg.Metrics)
	}

	if cfg.MCPHandler != nil {
		mux.Handle("/mcp", auth.Middleware(cfg.Auth, cfg.Logger)(cfg.MCPHandler))
	}

	return mux
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte("ok"))
}
