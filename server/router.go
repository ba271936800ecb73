package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Route paths served by the application.
const (
	LoginPath    = "/app/auth/oauth2"
	CallbackPath = "/app/auth/callback"
	LogoutPath   = "/app/auth/logout"
)

// Routes constructs the HTTP router.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger))
	if a.Config.Metrics.Enabled {
		r.Use(MetricsMiddleware(a.Registry))
	}
	r.Use(SecurityHeadersMiddleware(DefaultHSTSMaxAge))

	r.Get("/healthz", a.handleHealth)
	if a.Config.Metrics.Enabled {
		r.Method(http.MethodGet, a.Config.Metrics.Path, promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{}))
	}

	r.Get(LoginPath, a.handleLogin)
	r.Get(CallbackPath, a.handleCallback)
	r.Get(LogoutPath, a.handleLogout)

	r.Route("/app/api", func(r chi.Router) {
		r.Use(a.Authenticator.Middleware)
		r.Use(SessionLogMiddleware)
		r.Use(requireSession)

		r.Get("/session", a.handleSession)
		r.Get("/keys", a.handleListKeys)
		r.Post("/keys/{id}/delete", a.handleDeleteKey)
	})

	return r
}
