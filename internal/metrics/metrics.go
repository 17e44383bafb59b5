// Package metrics provides Prometheus metrics for the session lifecycle.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ums"

// Metrics holds the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// RefreshTotal counts token refreshes by result.
	RefreshTotal *prometheus.CounterVec

	// RefreshDuration measures refresh round trips.
	RefreshDuration prometheus.Histogram

	// ReplayTotal counts requests replayed after a 401, by reason.
	ReplayTotal *prometheus.CounterVec

	// LoginTotal counts logins by method and result.
	LoginTotal *prometheus.CounterVec

	// LogoutTotal counts logouts by whether the remote call succeeded.
	LogoutTotal *prometheus.CounterVec

	// SSOTokenTotal counts per-service sso-token requests by result.
	SSOTokenTotal *prometheus.CounterVec

	// Authenticated is 1 while a session is active.
	Authenticated prometheus.Gauge
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		RefreshTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "token_refresh_total",
				Help:      "Total number of token refreshes",
			},
			[]string{"result"},
		),
		RefreshDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "token_refresh_duration_seconds",
				Help:      "Duration of token refreshes in seconds",
				Buckets:   prometheus.DefBuckets,
			},
		),
		ReplayTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "request_replay_total",
				Help:      "Total number of requests replayed after a 401",
			},
			[]string{"reason"},
		),
		LoginTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "login_total",
				Help:      "Total number of login attempts",
			},
			[]string{"method", "result"},
		),
		LogoutTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "logout_total",
				Help:      "Total number of logouts",
			},
			[]string{"remote"},
		),
		SSOTokenTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sso_token_total",
				Help:      "Total number of sso-token requests",
			},
			[]string{"result"},
		),
		Authenticated: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "session_authenticated",
				Help:      "Session status (1 = authenticated, 0 = logged out)",
			},
		),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}

	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRefresh records a refresh and its duration.
func (m *Metrics) RecordRefresh(d time.Duration, err error) {
	if m == nil {
		return
	}

	m.RefreshTotal.WithLabelValues(result(err)).Inc()
	m.RefreshDuration.Observe(d.Seconds())
}

// RecordReplay records a replayed request.
func (m *Metrics) RecordReplay(reason string) {
	if m == nil {
		return
	}

	m.ReplayTotal.WithLabelValues(reason).Inc()
}

// RecordLogin records a login attempt.
func (m *Metrics) RecordLogin(method string, err error) {
	if m == nil {
		return
	}

	m.LoginTotal.WithLabelValues(method, result(err)).Inc()
}

// RecordLogout records a logout and whether the remote teardown worked.
func (m *Metrics) RecordLogout(remoteErr error) {
	if m == nil {
		return
	}

	m.LogoutTotal.WithLabelValues(result(remoteErr)).Inc()
}

// RecordSSOToken records one sso-token request.
func (m *Metrics) RecordSSOToken(err error) {
	if m == nil {
		return
	}

	m.SSOTokenTotal.WithLabelValues(result(err)).Inc()
}

// SetAuthenticated sets the session gauge.
func (m *Metrics) SetAuthenticated(ok bool) {
	if m == nil {
		return
	}

	if ok {
		m.Authenticated.Set(1)
		return
	}

	m.Authenticated.Set(0)
}

func result(err error) string {
	if err != nil {
		return "failure"
	}

	return "success"
}
