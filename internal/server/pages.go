package server

import (
	"html/template"
	"log/slog"
	"net/http"

	"github.com/alexjbarnes/ums-client/internal/models"
)

const pageStyle = `
  *, *::before, *::after { box-sizing: border-box; margin: 0; padding: 0; }
  body {
    font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, Helvetica, Arial, sans-serif;
    background: #f5f5f5;
    color: #1a1a1a;
    display: flex;
    align-items: center;
    justify-content: center;
    min-height: 100vh;
  }
  .card {
    background: #fff;
    border: 1px solid #e0e0e0;
    border-radius: 8px;
    padding: 2.5rem 2rem;
    width: 100%;
    max-width: 420px;
    box-shadow: 0 1px 3px rgba(0,0,0,0.06);
  }
  .card h1 { font-size: 1.25rem; font-weight: 600; margin-bottom: 0.25rem; }
  .card p.sub { font-size: 0.85rem; color: #666; margin-bottom: 1.5rem; }
  .error {
    background: #fef2f2;
    color: #991b1b;
    border: 1px solid #fecaca;
    border-radius: 6px;
    padding: 0.6rem 0.75rem;
    font-size: 0.85rem;
    margin-bottom: 1rem;
  }
  label { display: block; font-size: 0.85rem; font-weight: 500; margin-bottom: 0.35rem; color: #333; }
  input[type="text"], input[type="password"] {
    width: 100%;
    padding: 0.55rem 0.7rem;
    border: 1px solid #d0d0d0;
    border-radius: 6px;
    font-size: 0.9rem;
    margin-bottom: 1rem;
  }
  button, a.button {
    display: block;
    width: 100%;
    padding: 0.6rem;
    background: #1a1a1a;
    color: #fff;
    border: none;
    border-radius: 6px;
    font-size: 0.9rem;
    font-weight: 500;
    text-align: center;
    text-decoration: none;
    cursor: pointer;
  }
  a.button.secondary { background: #fff; color: #1a1a1a; border: 1px solid #d0d0d0; margin-top: 0.75rem; }
  ul.services { list-style: none; margin-bottom: 1.5rem; }
  ul.services li { border-bottom: 1px solid #eee; padding: 0.6rem 0; font-size: 0.9rem; }
  ul.services li span { color: #666; font-size: 0.8rem; }
`

// loginPage renders the console login form. The csrf_token hidden field
// prevents cross-site form submission.
var loginPage = template.Must(template.New("login").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>UMS Console</title>
<style>` + pageStyle + `</style>
</head>
<body>
<div class="card">
  <h1>UMS Console</h1>
  <p class="sub">Sign in to manage users and open your services.</p>
  {{if .Error}}<div class="error">{{.Error}}</div>{{end}}
  <form method="POST" action="/login">
    <input type="hidden" name="csrf_token" value="{{.CSRFToken}}">
    <label for="username">Username or email</label>
    <input type="text" id="username" name="username" value="{{.Username}}" autocomplete="username" required autofocus>
    <label for="password">Password</label>
    <input type="password" id="password" name="password" autocomplete="current-password" required>
    <button type="submit">Sign in</button>
  </form>
  {{if .SSO}}<a class="button secondary" href="/login/sso">Sign in with {{.SSO}}</a>{{end}}
</div>
</body>
</html>`))

type loginData struct {
	CSRFToken string
	Username  string
	Error     string
	SSO       string
}

// servicesPage lists the services the signed-in user can open.
var servicesPage = template.Must(template.New("services").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>UMS Console</title>
<style>` + pageStyle + `</style>
</head>
<body>
<div class="card">
  <h1>Services</h1>
  <p class="sub">Signed in as {{.User}}.</p>
  {{if .Error}}<div class="error">{{.Error}}</div>{{end}}
  {{if .Services}}
  <ul class="services">
    {{range .Services}}<li><a href="/services/{{.Service.ClientID}}">{{.Service.Name}}</a> <span>{{.Service.ClientID}}</span></li>{{end}}
  </ul>
  {{else}}
  <p class="sub">No services are available for single sign-on.</p>
  {{end}}
  <form method="POST" action="/logout">
    <input type="hidden" name="csrf_token" value="{{.CSRFToken}}">
    <button type="submit">Sign out</button>
  </form>
</div>
</body>
</html>`))

type servicesData struct {
	User      string
	Services  []models.SsoRedirectInfo
	Error     string
	CSRFToken string
}

func (h *handlers) render(w http.ResponseWriter, status int, t *template.Template, data any) {
	securityHeaders(w)
	w.WriteHeader(status)

	if err := t.Execute(w, data); err != nil {
		h.Logger.Error("rendering page", slog.String("page", t.Name()), slog.String("error", err.Error()))
	}
}

func (h *handlers) renderLogin(w http.ResponseWriter, status int, username, msg string) {
	data := loginData{
		CSRFToken: h.Auth.NewCSRF(),
		Username:  username,
		Error:     msg,
	}

	if p := h.Session.Provider(); p.Enabled() {
		data.SSO = p.Name()
	}

	h.render(w, status, loginPage, data)
}
