package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/alexjbarnes/ums-client/internal/auth"
	umserr "github.com/alexjbarnes/ums-client/internal/errors"
	"github.com/alexjbarnes/ums-client/internal/models"
	"github.com/alexjbarnes/ums-client/internal/session"
	"github.com/alexjbarnes/ums-client/internal/sso"
)

func (h *handlers) loginForm(w http.ResponseWriter, r *http.Request) {
	if h.Session.Resume(r.Context()) == nil {
		http.Redirect(w, r, "/services", http.StatusFound)
		return
	}

	h.renderLogin(w, http.StatusOK, "", "")
}

func (h *handlers) login(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form data", http.StatusBadRequest)
		return
	}

	username := r.FormValue("username")

	// Rate limiting by remote IP. Check before consuming CSRF so a
	// rate-limited request does not destroy the user's CSRF token.
	ip := auth.RemoteIP(r)
	if !h.Limiter.Allow(ip) {
		h.Logger.Warn("login rate limited", slog.String("ip", ip))
		http.Error(w, "too many login attempts, try again later", http.StatusTooManyRequests)

		return
	}

	if !h.Auth.ConsumeCSRF(r.FormValue("csrf_token")) {
		http.Error(w, "invalid or expired CSRF token", http.StatusForbidden)
		return
	}

	err := h.Session.Login(r.Context(), username, r.FormValue("password"))
	switch {
	case err == nil, errors.Is(err, umserr.ErrAlreadyLoggedIn):
		http.Redirect(w, r, "/services", http.StatusSeeOther)
	case errors.Is(err, umserr.ErrTransition):
		h.renderLogin(w, http.StatusConflict, username, "A sign-in is already in progress.")
	default:
		status := http.StatusUnauthorized

		switch umserr.KindOf(err) {
		case umserr.KindTransient, umserr.KindServer:
			status = http.StatusBadGateway
		case umserr.KindValidation:
			status = http.StatusBadRequest
		}

		h.renderLogin(w, status, username, umserr.UserMessage(err))
	}
}

func (h *handlers) logout(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form data", http.StatusBadRequest)
		return
	}

	if !h.Auth.ConsumeCSRF(r.FormValue("csrf_token")) {
		http.Error(w, "invalid or expired CSRF token", http.StatusForbidden)
		return
	}

	redirect, err := h.Session.Logout(r.Context())
	if err != nil {
		h.Logger.Warn("logout", slog.String("error", err.Error()))
	}

	if redirect == "" {
		redirect = "/login"
	}

	http.Redirect(w, r, redirect, http.StatusSeeOther)
}

func (h *handlers) beginSSO(w http.ResponseWriter, r *http.Request) {
	req, err := h.Session.BeginSSO(r.Context())
	switch {
	case err == nil:
		http.Redirect(w, r, req.URL, http.StatusFound)
	case errors.Is(err, umserr.ErrAlreadyLoggedIn):
		http.Redirect(w, r, "/services", http.StatusFound)
	default:
		h.Logger.Warn("starting sso login", slog.String("error", err.Error()))
		h.renderLogin(w, http.StatusBadRequest, "", ssoMessage(err))
	}
}

// ssoCallback accepts either a token handed over directly or an
// authorization code. Both must carry the state of a login this console
// started.
func (h *handlers) ssoCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if e := q.Get("error"); e != "" {
		msg := q.Get("error_description")
		if msg == "" {
			msg = e
		}

		h.Logger.Warn("sso callback error", slog.String("error", e))
		h.renderLogin(w, http.StatusUnauthorized, "", "Single sign-on failed: "+msg)

		return
	}

	token, code, state := q.Get("token"), q.Get("code"), q.Get("state")

	var err error

	switch {
	case token == "" && code == "":
		h.renderLogin(w, http.StatusBadRequest, "", "Single sign-on response is missing its token or code.")
		return
	case state == "":
		h.renderLogin(w, http.StatusBadRequest, "", "Single sign-on response is missing its state.")
		return
	case token != "":
		err = h.Session.AdoptSSOToken(r.Context(), token, state)
	default:
		err = h.Session.CompleteSSO(r.Context(), code, state)
	}

	if err != nil && !errors.Is(err, umserr.ErrAlreadyLoggedIn) {
		h.Logger.Warn("completing sso login", slog.String("error", err.Error()))
		h.renderLogin(w, http.StatusUnauthorized, "", ssoMessage(err))

		return
	}

	http.Redirect(w, r, "/services", http.StatusFound)
}

func ssoMessage(err error) string {
	switch {
	case errors.Is(err, umserr.ErrSSODisabled):
		return umserr.ErrSSODisabled.Error()
	case errors.Is(err, umserr.ErrSSOStateMismatch):
		return "Single sign-on session expired. Please try again."
	}

	return sso.CodeAuthenticationRequired.UserMessage()
}

func (h *handlers) servicesPage(w http.ResponseWriter, r *http.Request) {
	data := servicesData{CSRFToken: h.Auth.NewCSRF()}

	if u := h.Session.Current().User; u != nil {
		data.User = u.Name
		if data.User == "" {
			data.User = u.Email
		}
	}

	infos, err := h.Services.Load()
	if err != nil {
		h.Logger.Warn("loading services", slog.String("error", err.Error()))
		data.Error = sso.CodePermittedServicesFetchFailed.UserMessage()
	}

	data.Services = infos

	h.render(w, http.StatusOK, servicesPage, data)
}

func (h *handlers) openService(w http.ResponseWriter, r *http.Request) {
	info, err := h.Resolver.Resolve(r.Context(), r.PathValue("clientId"))
	if err != nil {
		h.Logger.Warn("opening service",
			slog.String("client_id", r.PathValue("clientId")),
			slog.String("error", err.Error()),
		)

		status := http.StatusBadGateway
		if errors.Is(err, umserr.ErrServiceNotFound) {
			status = http.StatusNotFound
		}

		http.Error(w, serviceMessage(err), status)

		return
	}

	http.Redirect(w, r, info.RedirectURL, http.StatusFound)
}

func serviceMessage(err error) string {
	var se *sso.Error
	if errors.As(err, &se) {
		return se.UserMessage()
	}

	return umserr.UserMessage(err)
}

// --- JSON API ---

type errorBody struct {
	Error string `json:"error"`
}

type servicesBody struct {
	Services []models.SsoRedirectInfo `json:"services"`
}

func (h *handlers) apiSession(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.Session.Current())
}

func (h *handlers) apiServices(w http.ResponseWriter, _ *http.Request) {
	infos, err := h.Services.Load()
	if err != nil {
		h.Logger.Warn("loading services", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: sso.CodePermittedServicesFetchFailed.UserMessage()})

		return
	}

	if infos == nil {
		infos = []models.SsoRedirectInfo{}
	}

	writeJSON(w, http.StatusOK, servicesBody{Services: infos})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

var _ Session = (*session.Coordinator)(nil)
